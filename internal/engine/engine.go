// Package engine 把信号过滤、风控评估与订单提交串成交易主链路。
package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"auto-trader-go/bus"
	"auto-trader-go/infrastructure/logger"
	"auto-trader-go/metrics"
	"auto-trader-go/order"
	"auto-trader-go/risk"
	"auto-trader-go/signal"
)

// Config 引擎配置
type Config struct {
	AccountID     string
	InitialEquity float64
}

// Engine 订阅信号事件，依次经过防过度交易过滤、风控评估，
// 最后交给 OMS 提交。权益随已实现盈亏更新。
type Engine struct {
	cfg    Config
	events bus.Bus
	guard  *signal.OvertradingGuard
	risk   *risk.Manager
	orders *order.Manager
	log    *logger.Logger
	mc     *metrics.Collector

	mu     sync.Mutex
	equity float64

	ctx    context.Context
	cancel context.CancelFunc
}

// New 创建引擎，metrics 可为 nil
func New(cfg Config, events bus.Bus, guard *signal.OvertradingGuard,
	riskMgr *risk.Manager, orders *order.Manager, log *logger.Logger, mc *metrics.Collector) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		cfg:    cfg,
		events: events,
		guard:  guard,
		risk:   riskMgr,
		orders: orders,
		log:    log.Named("engine"),
		mc:     mc,
		equity: cfg.InitialEquity,
	}
	orders.OnTradeClosed = e.onTradeClosed
	return e
}

// Start 注册订阅。必须在总线 Start 之前调用。
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	// 持久化总线回放时需要知道信号负载的具体类型
	if rb, ok := e.events.(interface {
		RegisterPayload(bus.EventType, func() interface{})
	}); ok {
		rb.RegisterPayload(bus.EventSignal, func() interface{} { return new(signal.Signal) })
	}
	e.events.Subscribe(bus.EventSignal, "engine", e.handleSignal)

	if e.mc != nil {
		e.mc.Equity.Set(e.Equity())
	}
	e.log.Info("trading engine started",
		zap.String("account", e.cfg.AccountID),
		zap.Float64("equity", e.cfg.InitialEquity))
}

// Stop 停止引擎
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// EmitSignal 把信号发布到总线（入口供策略或回放器调用）
func (e *Engine) EmitSignal(sig signal.Signal) {
	e.events.Publish(bus.Event{Type: bus.EventSignal, Payload: sig})
}

// Equity 返回当前权益
func (e *Engine) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equity
}

func (e *Engine) handleSignal(ev bus.Event) {
	sig, ok := decodeSignal(ev.Payload)
	if !ok {
		e.log.Warn("signal event with unexpected payload", zap.Any("payload", ev.Payload))
		return
	}
	_, _ = e.ProcessSignal(sig)
}

// ProcessSignal 同步走完过滤、风控与提交（回测器直接调用）。
// 过滤或风控拒绝时返回 nil 订单与原因错误。
func (e *Engine) ProcessSignal(sig signal.Signal) (*order.Order, error) {
	if err := e.guard.Allow(sig); err != nil {
		reason := guardReason(err)
		if e.mc != nil {
			e.mc.SignalsFiltered.WithLabelValues(reason).Inc()
		}
		e.log.Info("signal filtered",
			zap.String("symbol", sig.Symbol),
			zap.String("strategy", sig.StrategyID),
			zap.String("reason", reason),
			zap.Error(err))
		return nil, err
	}

	snap := risk.AccountSnapshot{AccountID: e.cfg.AccountID, Equity: e.Equity()}
	intent, err := e.risk.Evaluate(sig, snap)
	if err != nil {
		e.log.Info("signal rejected by risk",
			zap.String("symbol", sig.Symbol),
			zap.String("strategy", sig.StrategyID),
			zap.Error(err))
		return nil, err
	}

	ctx := e.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	o, err := e.orders.SubmitIntent(ctx, intent)
	if err != nil {
		e.log.Warn("order submission failed",
			zap.String("symbol", sig.Symbol),
			zap.Error(err))
		return o, err
	}
	// 合并到已有订单不算新交易
	if o.ReservationID == intent.ReservationID {
		e.guard.RegisterAccepted(sig)
	}
	return o, nil
}

// onTradeClosed 订单终态回调：更新权益并喂给连亏统计
func (e *Engine) onTradeClosed(symbol, strategyID string, pnl float64, won bool) {
	e.mu.Lock()
	e.equity += pnl
	equity := e.equity
	e.mu.Unlock()

	e.guard.RegisterOutcome(symbol, strategyID, won)
	if e.mc != nil {
		e.mc.Equity.Set(equity)
		e.mc.OpenPositions.Set(float64(len(e.risk.Positions(e.cfg.AccountID))))
	}
	e.log.Info("trade closed",
		zap.String("symbol", symbol),
		zap.String("strategy", strategyID),
		zap.Float64("pnl", pnl),
		zap.Float64("equity", equity))
}

func decodeSignal(payload interface{}) (signal.Signal, bool) {
	switch v := payload.(type) {
	case signal.Signal:
		return v, true
	case *signal.Signal:
		return *v, true
	default:
		return signal.Signal{}, false
	}
}

func guardReason(err error) string {
	switch {
	case errors.Is(err, signal.ErrCooldown):
		return "cooldown"
	case errors.Is(err, signal.ErrFrequencyCap):
		return "frequency_cap"
	case errors.Is(err, signal.ErrLossPause):
		return "loss_pause"
	default:
		return "other"
	}
}

// MarkPrice 更新风控侧标记价格（行情推送方调用）
func (e *Engine) MarkPrice(symbol string, price float64) {
	e.risk.MarkPrice(e.cfg.AccountID, symbol, price)
}
