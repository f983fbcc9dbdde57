package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"auto-trader-go/bus"
	"auto-trader-go/exec"
	"auto-trader-go/infrastructure/logger"
	"auto-trader-go/metrics"
	"auto-trader-go/pkg/id"
	"auto-trader-go/risk"
)

var (
	// ErrSubmitSuspended 对账发现疑似丢单后该键的重试被挂起
	ErrSubmitSuspended = errors.New("submit suspended pending reconciliation")
	// ErrCancelBlocked 熔断时撤单被配置禁止
	ErrCancelBlocked = errors.New("cancel blocked while kill switch tripped")
	// ErrNotCancellable 当前状态不可撤单
	ErrNotCancellable = errors.New("order not cancellable")
)

const fillEpsilon = 1e-9

// RetryConfig 提交重试参数
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	JitterPct      float64       `yaml:"jitter_pct"` // 0.1 = ±10%
}

// DefaultRetryConfig 返回默认重试参数
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterPct:      0.1,
	}
}

// ManagerConfig OMS 配置
type ManagerConfig struct {
	Retry                  RetryConfig   `yaml:"retry"`
	CallTimeout            time.Duration `yaml:"call_timeout"`
	AllowCancelWhenTripped bool          `yaml:"allow_cancel_when_tripped"`
	Broker                 string        `yaml:"broker"` // 幂等键的一部分
}

// Manager 订单管理器。
// 每个幂等键串行处理：同键的提交、成交回报与对账修正互斥，
// 不同键完全并行。
type Manager struct {
	cfg     ManagerConfig
	ledger  *Ledger
	adapter exec.Adapter
	riskMgr *risk.Manager
	monitor *risk.Monitor
	events  bus.Bus
	log     *logger.Logger
	metrics *metrics.Collector
	sm      *StateMachine

	mu        sync.Mutex
	keyLocks  map[string]*sync.Mutex
	suspended map[string]bool

	rngMu sync.Mutex
	rng   *rand.Rand

	// OnTradeClosed 订单终态后引擎回调（防过度交易统计用），可为 nil
	OnTradeClosed func(symbol, strategyID string, pnl float64, won bool)
}

// NewManager monitor/metrics 可为 nil
func NewManager(cfg ManagerConfig, ledger *Ledger, adapter exec.Adapter, riskMgr *risk.Manager,
	monitor *risk.Monitor, events bus.Bus, log *logger.Logger, mc *metrics.Collector) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	m := &Manager{
		cfg:       cfg,
		ledger:    ledger,
		adapter:   adapter,
		riskMgr:   riskMgr,
		monitor:   monitor,
		events:    events,
		log:       log.Named("oms"),
		metrics:   mc,
		sm:        NewStateMachine(),
		keyLocks:  make(map[string]*sync.Mutex),
		suspended: make(map[string]bool),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	adapter.SubscribeFills(m.handleFill)
	return m
}

// SubmitIntent 把风控放行的意向转成订单并提交。
// 同一信号重复投递（同幂等键）合并到已有订单，不会重复下单。
func (m *Manager) SubmitIntent(ctx context.Context, intent *risk.Intent) (*Order, error) {
	side := string(intent.Signal.Direction)
	key := IdempotencyKey(intent.Signal.Symbol, side, intent.Signal.StrategyID,
		m.cfg.Broker, intent.Signal.Timestamp)

	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := m.ledger.GetByKey(key); err == nil {
		// 合并：无论在途还是终态都返回已有订单，释放新预留
		m.riskMgr.Release(intent.AccountID, intent.ReservationID)
		m.log.LogOrder("coalesced", key, intent.Signal.Symbol, zap.String("status", string(existing.Status)))
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	o := &Order{
		ID:             id.New(),
		IdempotencyKey: key,
		AccountID:      intent.AccountID,
		ReservationID:  intent.ReservationID,
		Symbol:         intent.Signal.Symbol,
		Side:           side,
		Type:           exec.TypeMarket,
		Quantity:       intent.Quantity,
		ExpectedPrice:  intent.Price,
		Status:         StatusCreated,
		StrategyID:     intent.Signal.StrategyID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.ledger.UpsertOrder(o); err != nil {
		m.riskMgr.Release(intent.AccountID, intent.ReservationID)
		return nil, err
	}
	m.publishState(o, bus.EventOrderCreated)

	if m.riskMgr.KillSwitch().Tripped() {
		m.rejectLocked(o, "kill_switch_tripped")
		return o, risk.ErrKillSwitchActive
	}

	return m.submitWithRetry(ctx, o)
}

// submitWithRetry 指数退避 + 抖动的有限重试，调用方必须已持有键锁
func (m *Manager) submitWithRetry(ctx context.Context, o *Order) (*Order, error) {
	if err := m.transition(o, StatusSubmitted); err != nil {
		return nil, err
	}
	m.publishState(o, bus.EventOrderSubmitted)

	req := exec.OrderRequest{
		ClientOrderID: o.IdempotencyKey,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Quantity:      o.Quantity,
		LimitPrice:    o.LimitPrice,
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := m.sleepBackoff(ctx, attempt); err != nil {
				m.rejectLocked(o, "context_cancelled")
				return o, err
			}
			if m.riskMgr.KillSwitch().Tripped() {
				m.rejectLocked(o, "kill_switch_tripped")
				return o, risk.ErrKillSwitchActive
			}
			if m.isSuspended(o.IdempotencyKey) {
				m.log.LogOrder("retry_suspended", o.IdempotencyKey, o.Symbol)
				return o, ErrSubmitSuspended
			}
			o.RetryCount++
			if m.metrics != nil {
				m.metrics.SubmitRetries.Inc()
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		start := time.Now()
		brokerID, err := m.adapter.Submit(callCtx, req)
		cancel()
		if m.monitor != nil {
			m.monitor.RecordBrokerCall(time.Since(start), err != nil)
		}

		if err == nil {
			o.BrokerOrderID = brokerID
			o.UpdatedAt = time.Now().UTC()
			if err := m.ledger.UpsertOrder(o); err != nil {
				return nil, err
			}
			m.log.LogOrder("submitted", o.IdempotencyKey, o.Symbol,
				zap.String("broker_order_id", brokerID),
				zap.Int("retry_count", o.RetryCount))
			return o, nil
		}

		lastErr = err
		switch exec.Classify(err) {
		case exec.ClassValidation:
			m.rejectLocked(o, "validation: "+err.Error())
			return o, err
		case exec.ClassPermanent:
			m.rejectLocked(o, "permanent: "+err.Error())
			return o, err
		}
		m.log.LogOrder("submit_retry", o.IdempotencyKey, o.Symbol,
			zap.Int("attempt", attempt+1), zap.Error(err))
	}

	m.rejectLocked(o, "retry_exhausted: "+lastErr.Error())
	return o, fmt.Errorf("submit retries exhausted after %d attempts: %w", m.cfg.Retry.MaxAttempts, lastErr)
}

// Cancel 按幂等键撤单
func (m *Manager) Cancel(ctx context.Context, key string) error {
	if m.riskMgr.KillSwitch().Tripped() && !m.cfg.AllowCancelWhenTripped {
		return ErrCancelBlocked
	}

	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	o, err := m.ledger.GetByKey(key)
	if err != nil {
		return err
	}
	if !m.sm.CanCancel(o.Status) {
		return fmt.Errorf("%w: status %s", ErrNotCancellable, o.Status)
	}

	if o.BrokerOrderID != "" {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		start := time.Now()
		err = m.adapter.Cancel(callCtx, o.BrokerOrderID)
		cancel()
		if m.monitor != nil {
			m.monitor.RecordBrokerCall(time.Since(start), err != nil)
		}
		if err != nil && exec.Classify(err) != exec.ClassPermanent {
			return err
		}
	}

	if err := m.transition(o, StatusCancelled); err != nil {
		return err
	}
	m.riskMgr.Release(o.AccountID, o.ReservationID)
	m.publishState(o, bus.EventOrderCancelled)
	m.finishOrder(o, 0, false)
	return nil
}

// MarkAcknowledged 经纪商确认回报（来自对账或推送）
func (m *Manager) MarkAcknowledged(key, brokerOrderID string) error {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	o, err := m.ledger.GetByKey(key)
	if err != nil {
		return err
	}
	if o.Status != StatusSubmitted {
		return nil
	}
	if brokerOrderID != "" {
		o.BrokerOrderID = brokerOrderID
	}
	if err := m.transition(o, StatusAcknowledged); err != nil {
		return err
	}
	m.publishState(o, bus.EventOrderAcknowledged)
	return nil
}

// Expire 把超时未确认的订单转为过期并释放预留
func (m *Manager) Expire(key, reason string) error {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	o, err := m.ledger.GetByKey(key)
	if err != nil {
		return err
	}
	if o.IsTerminal() {
		return nil
	}
	o.Reason = reason
	if err := m.transition(o, StatusExpired); err != nil {
		return err
	}
	m.riskMgr.Release(o.AccountID, o.ReservationID)
	m.publishState(o, bus.EventOrderExpired)
	m.finishOrder(o, 0, false)
	return nil
}

// SuspendKey 挂起某键的提交重试，等待对账结论
func (m *Manager) SuspendKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended[key] = true
}

// ResumeKey 恢复某键的提交
func (m *Manager) ResumeKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suspended, key)
}

// handleFill 适配器成交推送入口。
// 模拟盘会在 Submit 调用栈内同步推送成交，异步应用避免键锁重入。
func (m *Manager) handleFill(f exec.Fill) {
	go func() {
		if err := m.ApplyFill(f); err != nil {
			m.log.LogOrder("fill_apply_failed", f.ClientOrderID, f.Symbol, zap.Error(err))
		}
	}()
}

// ApplyFill 把一笔成交并入订单。按 FillID 去重，重复回报无副作用。
func (m *Manager) ApplyFill(f exec.Fill) error {
	lock := m.keyLock(f.ClientOrderID)
	lock.Lock()
	defer lock.Unlock()

	o, err := m.ledger.GetByKey(f.ClientOrderID)
	if err != nil {
		return fmt.Errorf("fill for unknown order %s: %w", f.ClientOrderID, err)
	}

	inserted, err := m.ledger.RecordFill(o.ID, f)
	if err != nil {
		return err
	}
	if !inserted {
		return nil // 重复回报
	}

	if o.BrokerOrderID == "" && f.BrokerOrderID != "" {
		o.BrokerOrderID = f.BrokerOrderID
	}
	total := o.FilledQuantity + f.Quantity
	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQuantity + f.Price*f.Quantity) / total
	o.FilledQuantity = total
	o.Commission += f.Commission

	complete := o.FilledQuantity >= o.Quantity-fillEpsilon
	next := StatusPartiallyFilled
	eventType := bus.EventOrderPartiallyFilled
	if complete {
		next = StatusFilled
		eventType = bus.EventOrderFilled
	}
	if err := m.transition(o, next); err != nil {
		return err
	}

	if m.events != nil {
		m.events.Publish(bus.Event{
			Type: bus.EventFill,
			Payload: &bus.FillEvent{
				IdempotencyKey: f.ClientOrderID,
				BrokerOrderID:  f.BrokerOrderID,
				Symbol:         f.Symbol,
				Side:           f.Side,
				Quantity:       f.Quantity,
				Price:          f.Price,
				Commission:     f.Commission,
				Slippage:       f.Slippage,
				Source:         f.Source,
				Timestamp:      f.Timestamp,
			},
		})
	}
	m.publishState(o, eventType)

	if m.monitor != nil && o.ExpectedPrice > 0 {
		m.monitor.RecordFill(o.ExpectedPrice, f.Price)
	}

	// 预留在订单完结时释放，头寸按每笔成交更新
	reservationID := ""
	if complete {
		reservationID = o.ReservationID
	}
	realized, closed := m.riskMgr.ApplyFill(o.AccountID, reservationID, f.Symbol, f.Side, f.Quantity, f.Price)

	if complete {
		m.finishOrder(o, realized, closed)
	}
	return nil
}

// Get 按幂等键查询
func (m *Manager) Get(key string) (*Order, error) {
	return m.ledger.GetByKey(key)
}

// AdoptOrder 把经纪商侧存在而本地缺失的订单收编进台账（对账用）
func (m *Manager) AdoptOrder(bo exec.BrokerOrder) (*Order, error) {
	key := bo.ClientOrderID
	if key == "" {
		key = "adopted-" + bo.BrokerOrderID
	}
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := m.ledger.GetByKey(key); err == nil {
		return existing, nil
	}

	now := time.Now().UTC()
	o := &Order{
		ID:             id.New(),
		IdempotencyKey: key,
		BrokerOrderID:  bo.BrokerOrderID,
		Symbol:         bo.Symbol,
		Side:           bo.Side,
		Type:           exec.TypeMarket,
		Quantity:       bo.Quantity,
		Status:         StatusAcknowledged,
		FilledQuantity: bo.FilledQuantity,
		AvgFillPrice:   bo.AvgFillPrice,
		Reason:         "adopted_from_broker",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.ledger.UpsertOrder(o); err != nil {
		return nil, err
	}
	m.publishState(o, bus.EventOrderAcknowledged)
	return o, nil
}

func (m *Manager) rejectLocked(o *Order, reason string) {
	o.Reason = reason
	if err := m.transition(o, StatusRejected); err != nil {
		m.log.LogOrder("reject_transition_failed", o.IdempotencyKey, o.Symbol, zap.Error(err))
		return
	}
	m.riskMgr.Release(o.AccountID, o.ReservationID)
	m.publishState(o, bus.EventOrderRejected)
	m.finishOrder(o, 0, false)
}

// transition 校验并持久化状态变更
func (m *Manager) transition(o *Order, to Status) error {
	if err := m.sm.ValidateTransition(o.Status, to); err != nil {
		return err
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	if err := m.ledger.UpsertOrder(o); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.OrdersByState.WithLabelValues(string(to)).Inc()
	}
	return nil
}

func (m *Manager) publishState(o *Order, t bus.EventType) {
	if m.events == nil {
		return
	}
	m.events.Publish(bus.Event{
		Type: t,
		Payload: &bus.OrderEvent{
			IdempotencyKey: o.IdempotencyKey,
			BrokerOrderID:  o.BrokerOrderID,
			Symbol:         o.Symbol,
			Side:           o.Side,
			State:          string(o.Status),
			Quantity:       o.Quantity,
			FilledQuantity: o.FilledQuantity,
			AvgFillPrice:   o.AvgFillPrice,
			RetryCount:     o.RetryCount,
			Reason:         o.Reason,
			StrategyID:     o.StrategyID,
		},
	})
}

// finishOrder 订单终态后的统一收尾
func (m *Manager) finishOrder(o *Order, realized float64, closed bool) {
	m.log.LogOrder("terminal", o.IdempotencyKey, o.Symbol,
		zap.String("status", string(o.Status)),
		zap.Float64("filled", o.FilledQuantity),
		zap.Float64("avg_price", o.AvgFillPrice))
	if closed && m.OnTradeClosed != nil {
		m.OnTradeClosed(o.Symbol, o.StrategyID, realized, realized >= 0)
	}
}

func (m *Manager) sleepBackoff(ctx context.Context, attempt int) error {
	backoff := float64(m.cfg.Retry.InitialBackoff) * math.Pow(2, float64(attempt-1))
	if ceil := float64(m.cfg.Retry.MaxBackoff); backoff > ceil {
		backoff = ceil
	}
	if m.cfg.Retry.JitterPct > 0 {
		m.rngMu.Lock()
		jitter := 1 + (m.rng.Float64()*2-1)*m.cfg.Retry.JitterPct
		m.rngMu.Unlock()
		backoff *= jitter
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(backoff)):
		return nil
	}
}

func (m *Manager) isSuspended(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.suspended[key]
}

func (m *Manager) keyLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.keyLocks[key] = lock
	}
	return lock
}
