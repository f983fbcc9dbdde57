package risk

import (
	"fmt"
	"sync"
	"time"

	"auto-trader-go/bus"
	"auto-trader-go/infrastructure/alert"
	"auto-trader-go/infrastructure/logger"
	"auto-trader-go/metrics"
)

// 熔断状态
const (
	StateArmed   = "ARMED"
	StateTripped = "TRIPPED"
)

// TripReason 熔断触发原因
type TripReason string

const (
	ReasonDailyDrawdown     TripReason = "daily_drawdown"
	ReasonWeeklyDrawdown    TripReason = "weekly_drawdown"
	ReasonEquityFloor       TripReason = "equity_floor"
	ReasonConsecutiveLosses TripReason = "consecutive_losses"
	ReasonBrokerErrorRate   TripReason = "broker_error_rate"
	ReasonBrokerLatency     TripReason = "broker_latency"
	ReasonFillDeviation     TripReason = "fill_deviation"
	ReasonReconciliation    TripReason = "reconciliation_alarm"
	ReasonManual            TripReason = "manual"
)

// KillSwitchStore 熔断状态持久化，进程重启后必须恢复 TRIPPED
type KillSwitchStore interface {
	SaveKillSwitch(state string, reason string, at time.Time) error
	LoadKillSwitch() (state string, reason string, at time.Time, err error)
}

// KillSwitch 全局交易熔断开关。
// TRIPPED 为闭锁态：重复 Trip 不覆盖首个原因，只有显式 Reset 才能恢复。
type KillSwitch struct {
	mu        sync.RWMutex
	state     string
	reason    TripReason
	detail    string
	trippedAt time.Time

	clock   Clock
	log     *logger.Logger
	events  bus.Bus
	alerts  *alert.Manager
	store   KillSwitchStore
	metrics *metrics.Collector
}

// NewKillSwitch 依赖项均可为 nil（测试时只保留核心闭锁逻辑）
func NewKillSwitch(log *logger.Logger, events bus.Bus, alerts *alert.Manager, store KillSwitchStore, mc *metrics.Collector) *KillSwitch {
	if log == nil {
		log = logger.Nop()
	}
	return &KillSwitch{
		state:   StateArmed,
		clock:   NowUTC,
		log:     log,
		events:  events,
		alerts:  alerts,
		store:   store,
		metrics: mc,
	}
}

// WithClock 注入时钟（测试用）
func (k *KillSwitch) WithClock(c Clock) *KillSwitch {
	k.clock = c
	return k
}

// Restore 从存储恢复熔断状态，进程启动时调用
func (k *KillSwitch) Restore() error {
	if k.store == nil {
		return nil
	}
	state, reason, at, err := k.store.LoadKillSwitch()
	if err != nil {
		return fmt.Errorf("load kill switch state: %w", err)
	}
	if state == "" {
		return nil
	}

	k.mu.Lock()
	k.state = state
	k.reason = TripReason(reason)
	k.trippedAt = at
	k.mu.Unlock()

	if state == StateTripped {
		k.log.LogRisk("kill_switch_restored_tripped", "", reason)
		k.setGauge(1)
	}
	return nil
}

// Tripped 是否处于熔断态
func (k *KillSwitch) Tripped() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state == StateTripped
}

// Reason 返回首个触发原因与触发时间
func (k *KillSwitch) Reason() (TripReason, time.Time) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.reason, k.trippedAt
}

// Trip 触发熔断。幂等：已熔断时返回 false 且不覆盖原因。
func (k *KillSwitch) Trip(reason TripReason, detail string) bool {
	k.mu.Lock()
	if k.state == StateTripped {
		k.mu.Unlock()
		return false
	}
	k.state = StateTripped
	k.reason = reason
	k.detail = detail
	k.trippedAt = k.clock.Now()
	at := k.trippedAt
	k.mu.Unlock()

	k.log.LogRisk("kill_switch_tripped", "", string(reason))
	k.setGauge(1)
	k.persist(StateTripped, string(reason), at)

	if k.alerts != nil {
		k.alerts.KillSwitchTripped(fmt.Sprintf("%s: %s", reason, detail))
	}
	if k.events != nil {
		k.events.Publish(bus.Event{
			Type:      bus.EventKillSwitchTripped,
			Timestamp: at,
			Payload: &bus.KillSwitchEvent{
				State:     StateTripped,
				Reason:    string(reason),
				Detail:    detail,
				TrippedAt: at,
			},
		})
	}
	return true
}

// Reset 人工复位，要求提供操作者与说明。未熔断时为空操作。
func (k *KillSwitch) Reset(operator, note string) error {
	if operator == "" {
		return fmt.Errorf("kill switch reset requires an operator")
	}

	k.mu.Lock()
	if k.state != StateTripped {
		k.mu.Unlock()
		return nil
	}
	prev := k.reason
	k.state = StateArmed
	k.reason = ""
	k.detail = ""
	k.trippedAt = time.Time{}
	k.mu.Unlock()

	now := k.clock.Now()
	k.log.LogRisk("kill_switch_reset", "", fmt.Sprintf("operator=%s prev=%s note=%s", operator, prev, note))
	k.setGauge(0)
	k.persist(StateArmed, "", time.Time{})

	if k.events != nil {
		k.events.Publish(bus.Event{
			Type:      bus.EventKillSwitchReset,
			Timestamp: now,
			Payload: &bus.KillSwitchEvent{
				State:    StateArmed,
				Operator: operator,
				Detail:   note,
			},
		})
	}
	return nil
}

func (k *KillSwitch) persist(state, reason string, at time.Time) {
	if k.store == nil {
		return
	}
	if err := k.store.SaveKillSwitch(state, reason, at); err != nil {
		// 持久化失败不回滚内存状态，熔断以内存为准
		k.log.Error(fmt.Sprintf("persist kill switch state failed: %v", err))
	}
}

func (k *KillSwitch) setGauge(v float64) {
	if k.metrics != nil {
		k.metrics.KillSwitch.Set(v)
	}
}
