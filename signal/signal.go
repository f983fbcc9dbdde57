// Package signal 定义上游信号模型与防过度交易过滤器。
package signal

import "time"

// Direction 信号方向
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
	Flat Direction = "FLAT"
)

// Horizon 信号持有周期分类
type Horizon string

const (
	HorizonScalp    Horizon = "scalp"
	HorizonIntraday Horizon = "intraday"
	HorizonSwing    Horizon = "swing"
	HorizonPosition Horizon = "position"
)

// Signal 上游产生的交易信号，发布后不可变。
type Signal struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	StrategyID string    `json:"strategy_id"`
	Confidence float64   `json:"confidence"` // [0,1]
	Horizon    Horizon   `json:"horizon"`
	Broker     string    `json:"broker"`
	EntryPrice float64   `json:"entry_price"`
	// StopDistance 入场价到止损价的距离，percent_risk/atr 模式使用
	StopDistance float64   `json:"stop_distance,omitempty"`
	ATR          float64   `json:"atr,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Key 返回 symbol|strategy 组合键，过滤器与订单幂等键都以此为维度。
func (s Signal) Key() string {
	return s.Symbol + "|" + s.StrategyID
}

// Actionable 返回信号是否要求开仓动作
func (s Signal) Actionable() bool {
	return s.Direction == Buy || s.Direction == Sell
}

// Clock 抽象时间便于测试。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// NowUTC 默认使用 UTC 时间。
var NowUTC Clock = realClock{}
