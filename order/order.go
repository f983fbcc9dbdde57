// Package order 实现订单生命周期管理：幂等提交、状态机、
// 持久化台账与对账循环。
package order

import "time"

// Status 订单生命周期状态
type Status string

const (
	StatusCreated         Status = "CREATED"          // 本地已建单，未发出
	StatusSubmitted       Status = "SUBMITTED"        // 已发给经纪商
	StatusAcknowledged    Status = "ACKNOWLEDGED"     // 经纪商已确认
	StatusPartiallyFilled Status = "PARTIALLY_FILLED" // 部分成交
	StatusFilled          Status = "FILLED"           // 全部成交
	StatusRejected        Status = "REJECTED"         // 被拒（本地或经纪商）
	StatusCancelled       Status = "CANCELLED"        // 已撤销
	StatusExpired         Status = "EXPIRED"          // 过期
)

// Order 本地台账中的订单
type Order struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	BrokerOrderID  string    `json:"broker_order_id,omitempty"`
	AccountID      string    `json:"account_id"`
	ReservationID  string    `json:"reservation_id,omitempty"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Quantity       float64   `json:"quantity"`
	LimitPrice     float64   `json:"limit_price,omitempty"`
	ExpectedPrice  float64   `json:"expected_price,omitempty"`
	Status         Status    `json:"status"`
	FilledQuantity float64   `json:"filled_quantity"`
	AvgFillPrice   float64   `json:"avg_fill_price"`
	Commission     float64   `json:"commission"`
	RetryCount     int       `json:"retry_count"`
	Reason         string    `json:"reason,omitempty"`
	StrategyID     string    `json:"strategy_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Remaining 未成交数量
func (o *Order) Remaining() float64 {
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}

// IsTerminal 是否处于终态
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case StatusFilled, StatusRejected, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}
