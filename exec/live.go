package exec

import (
	"context"
	"errors"
	"sync"
	"time"

	"auto-trader-go/gateway"
	"auto-trader-go/infrastructure/logger"
	"auto-trader-go/metrics"
)

// LiveAdapter 实盘适配器，把经纪商 REST/WS 接入映射为统一执行接口。
// REST 错误按状态码归类：429/5xx 临时，4xx 确定性失败。
type LiveAdapter struct {
	client  *gateway.Client
	stream  *gateway.FillStream
	log     *logger.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	subs    []func(Fill)
	symbols map[string]string // brokerOrderID -> symbol，撤单需要
}

// NewLiveAdapter stream 可为 nil（纯轮询对账模式）
func NewLiveAdapter(client *gateway.Client, cfg gateway.Config, log *logger.Logger, mc *metrics.Collector) *LiveAdapter {
	if log == nil {
		log = logger.Nop()
	}
	a := &LiveAdapter{
		client:  client,
		log:     log.Named("live"),
		metrics: mc,
		symbols: make(map[string]string),
	}
	if cfg.WSURL != "" {
		a.stream = gateway.NewFillStream(cfg.WSURL, log, a.onWSFill)
	}
	return a
}

func (a *LiveAdapter) Name() string { return "live" }

// Run 启动成交推送流，阻塞直到 ctx 取消
func (a *LiveAdapter) Run(ctx context.Context) error {
	if a.stream == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return a.stream.Run(ctx)
}

func (a *LiveAdapter) Submit(ctx context.Context, req OrderRequest) (string, error) {
	if req.ClientOrderID == "" {
		return "", Validation("missing client order id")
	}
	if req.Quantity <= 0 {
		return "", Validation("quantity must be positive, got %f", req.Quantity)
	}

	start := time.Now()
	brokerID, err := a.client.PlaceOrder(ctx, req.Symbol, req.Side, req.Type, req.Quantity, req.LimitPrice, req.ClientOrderID)
	a.observe("submit", start)
	if err != nil {
		return "", mapError(err)
	}

	a.mu.Lock()
	a.symbols[brokerID] = req.Symbol
	a.mu.Unlock()
	return brokerID, nil
}

func (a *LiveAdapter) Cancel(ctx context.Context, brokerOrderID string) error {
	a.mu.Lock()
	symbol := a.symbols[brokerOrderID]
	a.mu.Unlock()

	start := time.Now()
	err := a.client.CancelOrder(ctx, symbol, brokerOrderID)
	a.observe("cancel", start)
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (a *LiveAdapter) OpenOrders(ctx context.Context) ([]BrokerOrder, error) {
	start := time.Now()
	views, err := a.client.OpenOrders(ctx)
	a.observe("open_orders", start)
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]BrokerOrder, 0, len(views))
	for _, v := range views {
		out = append(out, BrokerOrder{
			BrokerOrderID:  v.OrderID,
			ClientOrderID:  v.ClientOrderID,
			Symbol:         v.Symbol,
			Side:           v.Side,
			Status:         v.Status,
			Quantity:       v.OrigQty,
			FilledQuantity: v.ExecutedQty,
			AvgFillPrice:   v.AvgPrice,
			UpdatedAt:      time.UnixMilli(v.UpdateTime).UTC(),
		})
	}
	return out, nil
}

func (a *LiveAdapter) Fills(ctx context.Context, since time.Time) ([]Fill, error) {
	start := time.Now()
	views, err := a.client.Fills(ctx, since)
	a.observe("fills", start)
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]Fill, 0, len(views))
	for _, v := range views {
		out = append(out, Fill{
			FillID:        v.TradeID,
			BrokerOrderID: v.OrderID,
			ClientOrderID: v.ClientOrderID,
			Symbol:        v.Symbol,
			Side:          v.Side,
			Quantity:      v.Qty,
			Price:         v.Price,
			Commission:    v.Commission,
			Source:        SourceLive,
			Timestamp:     time.UnixMilli(v.Time).UTC(),
		})
	}
	return out, nil
}

func (a *LiveAdapter) SubscribeFills(fn func(Fill)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, fn)
}

func (a *LiveAdapter) onWSFill(f gateway.WSFill) {
	fill := Fill{
		FillID:        f.TradeID,
		BrokerOrderID: f.OrderID,
		ClientOrderID: f.ClientOrderID,
		Symbol:        f.Symbol,
		Side:          f.Side,
		Quantity:      f.Qty,
		Price:         f.Price,
		Commission:    f.Commission,
		Source:        SourceLive,
		Timestamp:     time.UnixMilli(f.Time).UTC(),
	}

	a.mu.Lock()
	subs := a.subs
	a.mu.Unlock()
	for _, fn := range subs {
		fn(fill)
	}
}

func (a *LiveAdapter) observe(op string, start time.Time) {
	if a.metrics != nil {
		a.metrics.AdapterLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// mapError REST 错误归类到执行错误分类
func mapError(err error) error {
	var apiErr *gateway.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Retryable() {
			return Transient(apiErr.Code, apiErr)
		}
		return Permanent(apiErr.Code, apiErr)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient("TIMEOUT", err)
	}
	// 网络层错误一律视为临时
	return Transient("NETWORK", err)
}
