package exec

import "math"

// SlippageModel 撮合时对成交价施加的滑点。
// side 为买时价格上偏，卖时下偏。
type SlippageModel interface {
	Apply(side string, price float64, q Quote, quantity float64) float64
}

// FixedSlippage 固定价差滑点
type FixedSlippage struct {
	Points float64 // 价格单位
}

func (s FixedSlippage) Apply(side string, price float64, _ Quote, _ float64) float64 {
	return price + direction(side)*s.Points
}

// SpreadSlippage 按买卖价差比例的滑点
type SpreadSlippage struct {
	Fraction float64 // 0.5 = 半个价差
}

func (s SpreadSlippage) Apply(side string, price float64, q Quote, _ float64) float64 {
	spread := q.Ask - q.Bid
	if spread <= 0 {
		return price
	}
	return price + direction(side)*spread*s.Fraction
}

// VolumeSlippage 按订单量相对盘口量的冲击滑点
type VolumeSlippage struct {
	ImpactPerUnit float64 // 每单位 quantity/volume 的价格冲击比例
}

func (s VolumeSlippage) Apply(side string, price float64, q Quote, quantity float64) float64 {
	if q.Volume <= 0 {
		return price
	}
	impact := price * s.ImpactPerUnit * (quantity / q.Volume)
	return price + direction(side)*impact
}

// CommissionModel 成交手续费
type CommissionModel interface {
	Commission(quantity, price float64) float64
}

// FixedCommission 每笔固定
type FixedCommission struct {
	PerTrade float64
}

func (c FixedCommission) Commission(_, _ float64) float64 { return c.PerTrade }

// PerUnitCommission 按手数
type PerUnitCommission struct {
	PerUnit float64
}

func (c PerUnitCommission) Commission(quantity, _ float64) float64 {
	return math.Abs(quantity) * c.PerUnit
}

// NotionalCommission 按名义金额比例
type NotionalCommission struct {
	Rate float64 // 0.001 = 10bp
}

func (c NotionalCommission) Commission(quantity, price float64) float64 {
	return math.Abs(quantity) * price * c.Rate
}

func direction(side string) float64 {
	if side == SideSell {
		return -1
	}
	return 1
}
