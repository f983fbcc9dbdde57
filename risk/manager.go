package risk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"auto-trader-go/infrastructure/logger"
	"auto-trader-go/metrics"
	"auto-trader-go/pkg/id"
	"auto-trader-go/signal"
)

// Limits 软性限额，触发时只拒当前意向，不熔断。百分比为小数。
type Limits struct {
	MaxOpenPositions   int     `yaml:"max_open_positions"`
	MaxSymbolExposure  float64 `yaml:"max_exposure_per_symbol"` // 单 symbol 名义占权益
	MaxGroupExposure   float64 `yaml:"max_correlated_exposure"` // 相关性分组名义占权益
	MaxDailyDrawdown   float64 `yaml:"max_daily_drawdown"`      // 超过即停止开新仓
	MaxWeeklyDrawdown  float64 `yaml:"max_weekly_drawdown"`
	HalveOnExposureHit bool    `yaml:"halve_on_exposure_hit"` // 敞口超限时尝试半仓重试一次
}

// Config 风控总配置
type Config struct {
	Sizing  SizingConfig      `yaml:"sizing"`
	Limits  Limits            `yaml:"limits"`
	Monitor MonitorConfig     `yaml:"monitor"`
	Groups  map[string]string `yaml:"correlation_groups"` // symbol -> 分组名
}

// AccountSnapshot 下游在评估时提供的账户快照
type AccountSnapshot struct {
	AccountID string
	Equity    float64
	Balance   float64
}

// Intent 通过全部风控检查的下单意向，带预留敞口 ID
type Intent struct {
	ReservationID string
	Signal        signal.Signal
	AccountID     string
	Quantity      float64
	Notional      float64
	Price         float64
	StopDistance  float64
	Method        SizingMethod
	RiskAmount    float64
	Halved        bool // 敞口限额下被减半
	CreatedAt     time.Time
}

// accountState 每账户独立锁，互不阻塞
type accountState struct {
	mu       sync.Mutex
	exposure *ExposureTracker
	drawdown *DrawdownTracker
}

// Manager 按顺序执行熔断闸门、仓位计算与限额检查，
// 产出带敞口预留的 Intent 或带原因的拒绝。
type Manager struct {
	cfg     Config
	ks      *KillSwitch
	monitor *Monitor
	log     *logger.Logger
	metrics *metrics.Collector
	clock   Clock

	mu       sync.Mutex
	accounts map[string]*accountState
}

// NewManager monitor 与 metrics 可为 nil
func NewManager(cfg Config, ks *KillSwitch, monitor *Monitor, log *logger.Logger, mc *metrics.Collector) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		cfg:      cfg,
		ks:       ks,
		monitor:  monitor,
		log:      log.Named("risk"),
		metrics:  mc,
		clock:    NowUTC,
		accounts: make(map[string]*accountState),
	}
}

// WithClock 注入时钟（测试用）
func (m *Manager) WithClock(c Clock) *Manager {
	m.clock = c
	return m
}

// KillSwitch 暴露给 OMS 做提交前闸门
func (m *Manager) KillSwitch() *KillSwitch { return m.ks }

// UpdateConfig 热更新 sizing、限额与分组映射，已有账户立即生效
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	m.cfg.Sizing = cfg.Sizing
	m.cfg.Limits = cfg.Limits
	m.cfg.Groups = cfg.Groups
	accts := make([]*accountState, 0, len(m.accounts))
	for _, acct := range m.accounts {
		accts = append(accts, acct)
	}
	m.mu.Unlock()

	for _, acct := range accts {
		acct.mu.Lock()
		acct.exposure.SetGroups(cfg.Groups)
		acct.mu.Unlock()
	}
	m.log.Info("risk config updated",
		zap.String("sizing_method", string(cfg.Sizing.Method)),
		zap.Int("max_open_positions", cfg.Limits.MaxOpenPositions))
}

func (m *Manager) sizing() SizingConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Sizing
}

func (m *Manager) limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Limits
}

// Evaluate 对单个信号做完整风控评估。
// 检查顺序固定：熔断 -> 方向 -> 回撤更新与熔断阈值 -> 仓位计算 ->
// 开仓数 -> symbol 敞口 -> 分组敞口 -> 日回撤 -> 周回撤。
// 通过后登记敞口预留并返回 Intent；任何失败返回 nil 与原因错误。
func (m *Manager) Evaluate(sig signal.Signal, snap AccountSnapshot) (*Intent, error) {
	if m.ks.Tripped() {
		reason, _ := m.ks.Reason()
		m.reject(sig, "kill_switch")
		return nil, fmt.Errorf("%w: %s", ErrKillSwitchActive, reason)
	}
	if !sig.Actionable() {
		return nil, ErrNotActionable
	}

	acct := m.account(snap.AccountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	acct.drawdown.Update(snap.Equity)
	if m.metrics != nil {
		m.metrics.Equity.Set(snap.Equity)
	}
	if m.monitor != nil {
		m.monitor.CheckDrawdown(acct.drawdown.DailyDrawdown(), acct.drawdown.WeeklyDrawdown(), snap.Equity)
		if m.ks.Tripped() {
			reason, _ := m.ks.Reason()
			m.reject(sig, "kill_switch")
			return nil, fmt.Errorf("%w: %s", ErrKillSwitchActive, reason)
		}
	}

	sizing := m.sizing()
	size, err := ComputeSize(sizing, SizingInput{
		Symbol:       sig.Symbol,
		EntryPrice:   sig.EntryPrice,
		StopDistance: sig.StopDistance,
		Equity:       snap.Equity,
		ATR:          sig.ATR,
		WinRate:      m.winRate(acct, sizing),
		WinLossRatio: sizing.WinLossRatio,
	})
	if err != nil {
		m.reject(sig, "sizing")
		return nil, fmt.Errorf("sizing failed for %s: %w", sig.Symbol, err)
	}

	lim := m.limits()
	if err := m.checkOpenPositions(acct, sig, lim); err != nil {
		return nil, err
	}

	quantity, notional, halved, err := m.checkExposure(acct, sig, snap, size, lim)
	if err != nil {
		return nil, err
	}

	if err := m.checkDrawdownLimits(acct, sig, lim); err != nil {
		return nil, err
	}

	intent := &Intent{
		ReservationID: id.New(),
		Signal:        sig,
		AccountID:     snap.AccountID,
		Quantity:      quantity,
		Notional:      notional,
		Price:         sig.EntryPrice,
		StopDistance:  sig.StopDistance,
		Method:        size.Method,
		RiskAmount:    size.RiskAmount,
		Halved:        halved,
		CreatedAt:     m.clock.Now(),
	}
	acct.exposure.Reserve(intent.ReservationID, sig.Symbol, notional)

	m.log.LogRisk("intent_accepted", sig.Symbol, "",
		zap.String("reservation_id", intent.ReservationID),
		zap.Float64("quantity", quantity),
		zap.Float64("notional", notional),
		zap.Bool("halved", halved),
	)
	return intent, nil
}

// winRate kelly 用的胜率：有平仓样本取实际值，否则用配置的先验
func (m *Manager) winRate(acct *accountState, sizing SizingConfig) float64 {
	if acct.drawdown.ClosedTrades() > 0 {
		return acct.drawdown.WinRate()
	}
	if sizing.WinRatePrior > 0 {
		return sizing.WinRatePrior
	}
	return DefaultWinRatePrior
}

// checkOpenPositions 达到开仓数上限后一律拒绝，已持仓 symbol 的加仓也不例外
func (m *Manager) checkOpenPositions(acct *accountState, sig signal.Signal, lim Limits) error {
	if lim.MaxOpenPositions <= 0 {
		return nil
	}
	if n := acct.exposure.OpenCount(); n >= lim.MaxOpenPositions {
		m.reject(sig, LimitMaxOpenPositions)
		return &LimitError{Limit: LimitMaxOpenPositions, Threshold: float64(lim.MaxOpenPositions), Actual: float64(n)}
	}
	return nil
}

// checkDrawdownLimits 回撤软限
func (m *Manager) checkDrawdownLimits(acct *accountState, sig signal.Signal, lim Limits) error {
	if lim.MaxDailyDrawdown > 0 {
		if dd := acct.drawdown.DailyDrawdown(); dd >= lim.MaxDailyDrawdown {
			m.reject(sig, LimitMaxDailyDrawdown)
			return &LimitError{Limit: LimitMaxDailyDrawdown, Threshold: lim.MaxDailyDrawdown, Actual: dd}
		}
	}
	if lim.MaxWeeklyDrawdown > 0 {
		if dd := acct.drawdown.WeeklyDrawdown(); dd >= lim.MaxWeeklyDrawdown {
			m.reject(sig, LimitMaxWeeklyDrawdown)
			return &LimitError{Limit: LimitMaxWeeklyDrawdown, Threshold: lim.MaxWeeklyDrawdown, Actual: dd}
		}
	}
	return nil
}

// checkExposure symbol 与分组敞口检查，可选半仓重试一次
func (m *Manager) checkExposure(acct *accountState, sig signal.Signal, snap AccountSnapshot, size Size, lim Limits) (float64, float64, bool, error) {
	quantity, notional := size.Units, size.Notional
	halved := false

	for {
		err := m.exposureViolation(acct, sig.Symbol, snap.Equity, notional, lim)
		if err == nil {
			return quantity, notional, halved, nil
		}
		if !lim.HalveOnExposureHit || halved {
			if le, ok := err.(*LimitError); ok {
				m.reject(sig, le.Limit)
			}
			return 0, 0, false, err
		}
		quantity /= 2
		notional /= 2
		halved = true
	}
}

func (m *Manager) exposureViolation(acct *accountState, symbol string, equity, proposed float64, lim Limits) error {
	if lim.MaxSymbolExposure > 0 {
		total := acct.exposure.SymbolNotional(symbol) + proposed
		if total > equity*lim.MaxSymbolExposure {
			return &LimitError{Limit: LimitMaxSymbolExposure, Threshold: equity * lim.MaxSymbolExposure, Actual: total}
		}
	}
	if lim.MaxGroupExposure > 0 {
		group := acct.exposure.GroupOf(symbol)
		total := acct.exposure.GroupNotional(group) + proposed
		if total > equity*lim.MaxGroupExposure {
			return &LimitError{Limit: LimitMaxGroupExposure, Threshold: equity * lim.MaxGroupExposure, Actual: total}
		}
	}
	return nil
}

// Release 释放意向的敞口预留（拒单、撤单、过期时由 OMS 调用）
func (m *Manager) Release(accountID, reservationID string) {
	acct := m.account(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.exposure.Release(reservationID)
}

// ApplyFill 成交落账：释放预留、并入头寸，平仓时更新回撤与连亏统计。
// 返回本次实现盈亏与是否产生平仓。
func (m *Manager) ApplyFill(accountID, reservationID, symbol, side string, quantity, price float64) (float64, bool) {
	acct := m.account(accountID)
	acct.mu.Lock()

	if reservationID != "" {
		acct.exposure.Release(reservationID)
	}
	signed := quantity
	if side == "SELL" {
		signed = -quantity
	}
	realized := acct.exposure.ApplyFill(symbol, signed, price)
	closed := realized != 0
	if closed {
		acct.drawdown.RegisterTradeClose(realized)
	}
	openCount := acct.exposure.OpenCount()
	symbolNotional := acct.exposure.SymbolNotional(symbol)
	acct.mu.Unlock()

	if closed && m.monitor != nil {
		m.monitor.RecordTradeClose(realized)
	}
	if m.metrics != nil {
		m.metrics.OpenPositions.Set(float64(openCount))
		m.metrics.ExposureBySymbol.WithLabelValues(symbol).Set(symbolNotional)
	}
	return realized, closed
}

// Positions 返回账户当前头寸快照
func (m *Manager) Positions(accountID string) []Position {
	acct := m.account(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.exposure.Snapshot()
}

// MarkPrice 更新标记价，供敞口按市值计算
func (m *Manager) MarkPrice(accountID, symbol string, price float64) {
	acct := m.account(accountID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.exposure.MarkPrice(symbol, price)
}

func (m *Manager) account(accountID string) *accountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		acct = &accountState{
			exposure: NewExposureTracker(m.cfg.Groups),
			drawdown: NewDrawdownTracker(0).WithClock(m.clock),
		}
		m.accounts[accountID] = acct
	}
	return acct
}

func (m *Manager) reject(sig signal.Signal, limit string) {
	m.log.LogRisk("intent_rejected", sig.Symbol, limit, zap.String("strategy", sig.StrategyID))
	if m.metrics != nil {
		m.metrics.RiskRejects.WithLabelValues(limit).Inc()
	}
}
