// Package exec 定义执行适配器抽象与各运行模式的实现。
// 订单管理器只依赖 Adapter 接口，实盘/模拟盘/回测可互换。
package exec

import (
	"context"
	"time"
)

// 订单方向
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// 订单类型
const (
	TypeMarket = "MARKET"
	TypeLimit  = "LIMIT"
)

// 成交来源
const (
	SourceLive     = "live"
	SourcePaper    = "paper"
	SourceBacktest = "backtest"
)

// OrderRequest 提交给经纪商的订单请求。
// ClientOrderID 携带幂等键，适配器必须原样传给经纪商。
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Quantity      float64
	LimitPrice    float64 // 仅限价单
	StopLoss      float64
	TakeProfit    float64
}

// BrokerOrder 经纪商侧的订单视图，对账时与本地台账比对
type BrokerOrder struct {
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	Side           string
	Status         string
	Quantity       float64
	FilledQuantity float64
	AvgFillPrice   float64
	UpdatedAt      time.Time
}

// Fill 单笔成交回报
type Fill struct {
	FillID        string
	BrokerOrderID string
	ClientOrderID string
	Symbol        string
	Side          string
	Quantity      float64
	Price         float64
	Commission    float64
	Slippage      float64
	Source        string
	Timestamp     time.Time
}

// Quote 适配器内部撮合用的最新报价
type Quote struct {
	Symbol    string
	Bid       float64
	Ask       float64
	Volume    float64
	Timestamp time.Time
}

// Adapter 执行适配器。实现必须幂等处理重复的 ClientOrderID。
type Adapter interface {
	// Name 适配器标识，日志与指标用
	Name() string

	// Submit 提交订单，返回经纪商订单号
	Submit(ctx context.Context, req OrderRequest) (string, error)

	// Cancel 按经纪商订单号撤单
	Cancel(ctx context.Context, brokerOrderID string) error

	// OpenOrders 经纪商侧全部未终态订单，对账用
	OpenOrders(ctx context.Context) ([]BrokerOrder, error)

	// Fills 自 since 以来的成交记录，对账补偿用
	Fills(ctx context.Context, since time.Time) ([]Fill, error)

	// SubscribeFills 注册成交推送回调，适配器产生成交时调用
	SubscribeFills(fn func(Fill))
}
