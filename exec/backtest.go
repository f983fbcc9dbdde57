package exec

import "time"

// Bar 回测用 K 线
type Bar struct {
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

// BacktestAdapter 回测适配器。
// 复用模拟盘撮合，时间由喂入的 K 线驱动而不是真实时钟：
// 市价单按当根 K 线收盘价撮合，限价单在价格区间覆盖限价时触发。
type BacktestAdapter struct {
	*PaperAdapter
	now time.Time
}

// NewBacktestAdapter sim 需用固定种子保证可复现
func NewBacktestAdapter(sim *FillSimulator) *BacktestAdapter {
	a := &BacktestAdapter{PaperAdapter: NewPaperAdapter(sim)}
	a.PaperAdapter.source = SourceBacktest
	a.PaperAdapter.WithClock(func() time.Time { return a.now })
	return a
}

func (a *BacktestAdapter) Name() string { return "backtest" }

// OnBar 推进回测时间并用 K 线撮合。
// 买卖价以收盘价双边近似，盘口量取 K 线量。
func (a *BacktestAdapter) OnBar(bar Bar) {
	a.now = bar.Timestamp
	a.UpdateQuote(Quote{
		Symbol:    bar.Symbol,
		Bid:       bar.Close,
		Ask:       bar.Close,
		Volume:    bar.Volume,
		Timestamp: bar.Timestamp,
	})

	// 限价单若在本根 K 线的高低区间内也视为触发
	a.mu.Lock()
	var matched []*paperOrder
	for _, o := range a.orders {
		if o.status != "PENDING" || o.req.Symbol != bar.Symbol || o.req.Type != TypeLimit {
			continue
		}
		if o.req.LimitPrice >= bar.Low && o.req.LimitPrice <= bar.High {
			matched = append(matched, o)
		}
	}
	a.mu.Unlock()

	for _, o := range matched {
		a.execute(o, Quote{
			Symbol:    bar.Symbol,
			Bid:       o.req.LimitPrice,
			Ask:       o.req.LimitPrice,
			Volume:    bar.Volume,
			Timestamp: bar.Timestamp,
		})
	}
}
