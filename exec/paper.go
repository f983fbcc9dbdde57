package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"auto-trader-go/pkg/id"
)

// PaperAdapter 模拟盘适配器。
// 市价单按最新报价立即撮合；限价单挂起，报价穿越限价后成交。
// 重复的 ClientOrderID 返回已有经纪商订单号，保证提交幂等。
type PaperAdapter struct {
	mu       sync.Mutex
	sim      *FillSimulator
	source   string // 成交打标：paper 或 backtest
	quotes   map[string]Quote
	orders   map[string]*paperOrder // brokerOrderID -> order
	byClient map[string]string      // clientOrderID -> brokerOrderID
	fills    []Fill
	subs     []func(Fill)
	clock    func() time.Time
}

type paperOrder struct {
	req       OrderRequest
	brokerID  string
	status    string
	filledQty float64
	avgPrice  float64
	updatedAt time.Time
}

// NewPaperAdapter sim 不可为 nil
func NewPaperAdapter(sim *FillSimulator) *PaperAdapter {
	return &PaperAdapter{
		sim:      sim,
		source:   SourcePaper,
		quotes:   make(map[string]Quote),
		orders:   make(map[string]*paperOrder),
		byClient: make(map[string]string),
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock 注入时钟（测试用）
func (a *PaperAdapter) WithClock(fn func() time.Time) *PaperAdapter {
	a.clock = fn
	return a
}

func (a *PaperAdapter) Name() string { return "paper" }

// UpdateQuote 推入最新报价并尝试撮合挂起的限价单
func (a *PaperAdapter) UpdateQuote(q Quote) {
	a.mu.Lock()
	a.quotes[q.Symbol] = q

	var matched []*paperOrder
	for _, o := range a.orders {
		if o.status != "PENDING" || o.req.Symbol != q.Symbol {
			continue
		}
		if limitCrossed(o.req, q) {
			matched = append(matched, o)
		}
	}
	a.mu.Unlock()

	for _, o := range matched {
		a.execute(o, q)
	}
}

func (a *PaperAdapter) Submit(_ context.Context, req OrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		return "", Validation("missing client order id")
	}
	if req.Quantity <= 0 {
		return "", Validation("quantity must be positive, got %f", req.Quantity)
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return "", Validation("invalid side %q", req.Side)
	}

	a.mu.Lock()
	if existing, ok := a.byClient[req.ClientOrderID]; ok {
		a.mu.Unlock()
		return existing, nil
	}

	q, hasQuote := a.quotes[req.Symbol]
	o := &paperOrder{
		req:       req,
		brokerID:  id.New(),
		status:    "PENDING",
		updatedAt: a.clock(),
	}
	a.orders[o.brokerID] = o
	a.byClient[req.ClientOrderID] = o.brokerID
	a.mu.Unlock()

	if req.Type == TypeMarket {
		if !hasQuote {
			return "", Transient("NO_QUOTE", fmt.Errorf("no quote for %s", req.Symbol))
		}
		a.execute(o, q)
		return o.brokerID, nil
	}

	// 限价单：已有报价且价格可成交则立即撮合，否则挂起等报价
	if hasQuote && limitCrossed(req, q) {
		a.execute(o, q)
	}
	return o.brokerID, nil
}

func (a *PaperAdapter) Cancel(_ context.Context, brokerOrderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	o, ok := a.orders[brokerOrderID]
	if !ok {
		return Permanent("UNKNOWN_ORDER", fmt.Errorf("order %s not found", brokerOrderID))
	}
	if o.status == "FILLED" {
		return Permanent("ALREADY_FILLED", fmt.Errorf("order %s already filled", brokerOrderID))
	}
	o.status = "CANCELLED"
	o.updatedAt = a.clock()
	return nil
}

func (a *PaperAdapter) OpenOrders(_ context.Context) ([]BrokerOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []BrokerOrder
	for _, o := range a.orders {
		if o.status == "FILLED" || o.status == "CANCELLED" {
			continue
		}
		out = append(out, a.view(o))
	}
	return out, nil
}

func (a *PaperAdapter) Fills(_ context.Context, since time.Time) ([]Fill, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Fill
	for _, f := range a.fills {
		if f.Timestamp.After(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (a *PaperAdapter) SubscribeFills(fn func(Fill)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, fn)
}

// Lookup 按 ClientOrderID 查询经纪商视图，对账测试用
func (a *PaperAdapter) Lookup(clientOrderID string) (BrokerOrder, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	brokerID, ok := a.byClient[clientOrderID]
	if !ok {
		return BrokerOrder{}, false
	}
	return a.view(a.orders[brokerID]), true
}

func (a *PaperAdapter) execute(o *paperOrder, q Quote) {
	now := a.clock()
	fills, err := a.sim.Fill(o.req, o.brokerID, q, now)
	if err != nil {
		return
	}

	a.mu.Lock()
	for _, f := range fills {
		f.Source = a.source
		o.avgPrice = (o.avgPrice*o.filledQty + f.Price*f.Quantity) / (o.filledQty + f.Quantity)
		o.filledQty += f.Quantity
		a.fills = append(a.fills, f)
	}
	if o.filledQty >= o.req.Quantity {
		o.status = "FILLED"
	} else {
		o.status = "PARTIALLY_FILLED"
	}
	o.updatedAt = now
	subs := a.subs
	pending := make([]Fill, len(fills))
	copy(pending, fills)
	a.mu.Unlock()

	for i := range pending {
		pending[i].Source = a.source
		for _, fn := range subs {
			fn(pending[i])
		}
	}
}

func (a *PaperAdapter) view(o *paperOrder) BrokerOrder {
	return BrokerOrder{
		BrokerOrderID:  o.brokerID,
		ClientOrderID:  o.req.ClientOrderID,
		Symbol:         o.req.Symbol,
		Side:           o.req.Side,
		Status:         o.status,
		Quantity:       o.req.Quantity,
		FilledQuantity: o.filledQty,
		AvgFillPrice:   o.avgPrice,
		UpdatedAt:      o.updatedAt,
	}
}

// limitCrossed 限价可成交判断：买单限价 >= 卖价，卖单限价 <= 买价
func limitCrossed(req OrderRequest, q Quote) bool {
	if req.Type != TypeLimit {
		return true
	}
	if req.Side == SideBuy {
		return req.LimitPrice >= q.Ask
	}
	return req.LimitPrice <= q.Bid
}
