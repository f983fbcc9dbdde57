// Package bus 提供进程内与持久化两种事件总线实现，
// 同一主题对每个订阅者保证有序、至少一次投递。
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventType 事件主题
type EventType string

const (
	EventSignal               EventType = "SIGNAL"
	EventOrderCreated         EventType = "ORDER_CREATED"
	EventOrderSubmitted       EventType = "ORDER_SUBMITTED"
	EventOrderAcknowledged    EventType = "ORDER_ACKNOWLEDGED"
	EventOrderPartiallyFilled EventType = "ORDER_PARTIALLY_FILLED"
	EventOrderFilled          EventType = "ORDER_FILLED"
	EventOrderRejected        EventType = "ORDER_REJECTED"
	EventOrderCancelled       EventType = "ORDER_CANCELLED"
	EventOrderExpired         EventType = "ORDER_EXPIRED"
	EventFill                 EventType = "FILL"
	EventReconciliationAlarm  EventType = "RECONCILIATION_ALARM"
	EventKillSwitchTripped    EventType = "KILL_SWITCH_TRIPPED"
	EventKillSwitchReset      EventType = "KILL_SWITCH_RESET"

	// EventAll 通配订阅
	EventAll EventType = "ALL"
)

// Event 总线事件
type Event struct {
	Type      EventType       `json:"type"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   interface{}     `json:"payload"`
	raw       json.RawMessage // 持久化总线回放时保存原始负载
}

// Handler 事件处理函数。投递语义为至少一次，处理必须幂等。
type Handler func(Event)

// Bus 发布/订阅接口，两种传输实现提供相同的投递保证。
type Bus interface {
	Subscribe(topic EventType, name string, handler Handler)
	Publish(event Event)
	Start(ctx context.Context) error
	Stop() error
}

// OrderEvent 订单生命周期事件负载
type OrderEvent struct {
	IdempotencyKey string  `json:"idempotency_key"`
	BrokerOrderID  string  `json:"broker_order_id,omitempty"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	State          string  `json:"state"`
	Quantity       float64 `json:"quantity"`
	FilledQuantity float64 `json:"filled_quantity"`
	AvgFillPrice   float64 `json:"avg_fill_price"`
	RetryCount     int     `json:"retry_count"`
	Reason         string  `json:"reason,omitempty"`
	StrategyID     string  `json:"strategy_id,omitempty"`
}

// FillEvent 成交事件负载
type FillEvent struct {
	IdempotencyKey string    `json:"idempotency_key"`
	BrokerOrderID  string    `json:"broker_order_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"`
	Commission     float64   `json:"commission"`
	Slippage       float64   `json:"slippage"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
}

// AlarmEvent 对账差异告警负载
type AlarmEvent struct {
	Class          string  `json:"class"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
	BrokerOrderID  string  `json:"broker_order_id,omitempty"`
	Symbol         string  `json:"symbol,omitempty"`
	Detail         string  `json:"detail"`
	Expected       float64 `json:"expected,omitempty"`
	Actual         float64 `json:"actual,omitempty"`
}

// KillSwitchEvent 熔断状态事件负载
type KillSwitchEvent struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	Operator  string    `json:"operator,omitempty"`
	TrippedAt time.Time `json:"tripped_at"`
}

// payloadRegistry 持久化总线回放时按主题解码负载
type payloadRegistry struct {
	mu      sync.RWMutex
	factory map[EventType]func() interface{}
}

func newPayloadRegistry() *payloadRegistry {
	r := &payloadRegistry{factory: make(map[EventType]func() interface{})}
	for _, t := range []EventType{
		EventOrderCreated, EventOrderSubmitted, EventOrderAcknowledged,
		EventOrderPartiallyFilled, EventOrderFilled, EventOrderRejected,
		EventOrderCancelled, EventOrderExpired,
	} {
		r.register(t, func() interface{} { return new(OrderEvent) })
	}
	r.register(EventFill, func() interface{} { return new(FillEvent) })
	r.register(EventReconciliationAlarm, func() interface{} { return new(AlarmEvent) })
	r.register(EventKillSwitchTripped, func() interface{} { return new(KillSwitchEvent) })
	r.register(EventKillSwitchReset, func() interface{} { return new(KillSwitchEvent) })
	return r
}

func (r *payloadRegistry) register(t EventType, fn func() interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory[t] = fn
}

func (r *payloadRegistry) decode(t EventType, raw json.RawMessage) (interface{}, error) {
	r.mu.RLock()
	fn, ok := r.factory[t]
	r.mu.RUnlock()
	if !ok {
		var generic map[string]interface{}
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		return generic, nil
	}
	v := fn()
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}
