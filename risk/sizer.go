package risk

import "fmt"

// SizingMethod 仓位计算方法
type SizingMethod string

const (
	SizeFixedUnits      SizingMethod = "fixed_units"      // 固定手数
	SizeFixedAmount     SizingMethod = "fixed_amount"     // 固定名义金额
	SizePercentEquity   SizingMethod = "percent_equity"   // 权益百分比名义
	SizePercentRisk     SizingMethod = "percent_risk"     // 单笔风险百分比
	SizeATRBased        SizingMethod = "atr_based"        // ATR 止损距离 + 风险百分比
	SizeKellyFractional SizingMethod = "kelly_fractional" // 分数 Kelly
)

// SizingConfig 仓位配置。百分比参数均为小数（0.01 = 1%）。
type SizingConfig struct {
	Method        SizingMethod `yaml:"method"`
	Units         float64      `yaml:"units"`          // fixed_units
	Amount        float64      `yaml:"amount"`         // fixed_amount 名义金额
	EquityPct     float64      `yaml:"equity_pct"`     // percent_equity
	RiskPct       float64      `yaml:"risk_pct"`       // percent_risk / atr_based
	ATRMultiplier float64      `yaml:"atr_multiplier"` // atr_based 止损倍数
	KellyFraction float64      `yaml:"kelly_fraction"` // kelly_fractional 缩放系数
	WinLossRatio  float64      `yaml:"win_loss_ratio"` // kelly 盈亏比先验
	WinRatePrior  float64      `yaml:"win_rate_prior"` // kelly 胜率先验，无平仓样本时使用

	// 硬性上限，任何方法算出的结果都要套用
	MaxPositionPct  float64 `yaml:"max_position_pct"`   // 单笔名义占权益上限
	MaxUnits        float64 `yaml:"max_units"`          // 单笔手数上限
	MaxRiskPerTrade float64 `yaml:"max_risk_per_trade"` // 单笔风险金额占权益上限
}

// SizingInput 单次计算的输入快照
type SizingInput struct {
	Symbol       string
	EntryPrice   float64
	StopDistance float64 // 价格单位的止损距离
	Equity       float64
	ATR          float64
	WinRate      float64 // kelly 用，0~1
	WinLossRatio float64 // kelly 用，平均盈亏比
	ContractSize float64 // 每手对应的标的数量，0 视为 1
}

// Size 计算结果
type Size struct {
	Method      SizingMethod
	Units       float64
	Notional    float64
	RiskAmount  float64 // 以止损距离衡量的单笔风险金额
	RiskPercent float64 // RiskAmount / Equity
	Capped      bool
	CapReason   string
}

// 上限裁剪原因
const (
	CapMaxPositionPct  = "max_position_pct"
	CapMaxUnits        = "max_units"
	CapMaxRiskPerTrade = "max_risk_per_trade"
)

// DefaultWinRatePrior 账户尚无平仓样本时 kelly 使用的胜率先验
const DefaultWinRatePrior = 0.55

// ComputeSize 按配置方法计算下单手数，并套用硬性上限。
// 方法集合是封闭的，未知方法返回 ErrUnknownMethod。
func ComputeSize(cfg SizingConfig, in SizingInput) (Size, error) {
	if in.EntryPrice <= 0 || in.Equity <= 0 {
		return Size{}, fmt.Errorf("%w: entry=%.4f equity=%.2f", ErrInvalidSizing, in.EntryPrice, in.Equity)
	}
	contract := in.ContractSize
	if contract <= 0 {
		contract = 1
	}

	var units float64
	stop := in.StopDistance

	switch cfg.Method {
	case SizeFixedUnits:
		units = cfg.Units

	case SizeFixedAmount:
		units = cfg.Amount / (in.EntryPrice * contract)

	case SizePercentEquity:
		units = in.Equity * cfg.EquityPct / (in.EntryPrice * contract)

	case SizePercentRisk:
		if stop <= 0 {
			return Size{}, fmt.Errorf("%w: percent_risk requires stop distance", ErrInvalidSizing)
		}
		units = in.Equity * cfg.RiskPct / (stop * contract)

	case SizeATRBased:
		if in.ATR <= 0 {
			return Size{}, fmt.Errorf("%w: atr_based requires ATR", ErrInvalidSizing)
		}
		mult := cfg.ATRMultiplier
		if mult <= 0 {
			mult = 1
		}
		stop = in.ATR * mult
		units = in.Equity * cfg.RiskPct / (stop * contract)

	case SizeKellyFractional:
		if stop <= 0 {
			return Size{}, fmt.Errorf("%w: kelly_fractional requires stop distance", ErrInvalidSizing)
		}
		ratio := in.WinLossRatio
		if ratio <= 0 {
			ratio = cfg.WinLossRatio
		}
		f := kellyFraction(in.WinRate, ratio) * cfg.KellyFraction
		if f <= 0 {
			return Size{Method: cfg.Method}, fmt.Errorf("%w: kelly edge not positive", ErrZeroSize)
		}
		if f > 1 {
			f = 1
		}
		units = in.Equity * f / (stop * contract)

	default:
		return Size{}, fmt.Errorf("%w: %q", ErrUnknownMethod, cfg.Method)
	}

	if units <= 0 {
		return Size{Method: cfg.Method}, ErrZeroSize
	}

	s := Size{Method: cfg.Method, Units: units}
	s = applyCaps(cfg, in, contract, stop, s)

	s.Notional = s.Units * in.EntryPrice * contract
	if stop > 0 {
		s.RiskAmount = s.Units * stop * contract
		s.RiskPercent = s.RiskAmount / in.Equity
	}
	if s.Units <= 0 {
		return Size{Method: cfg.Method}, ErrZeroSize
	}
	return s, nil
}

// kellyFraction 完整 Kelly 公式 f = (p*(b+1)-1)/b
func kellyFraction(winRate, ratio float64) float64 {
	if ratio <= 0 {
		return 0
	}
	return (winRate*(ratio+1) - 1) / ratio
}

// applyCaps 依次套用名义上限、手数上限、风险金额上限，记录首个生效的裁剪
func applyCaps(cfg SizingConfig, in SizingInput, contract, stop float64, s Size) Size {
	if cfg.MaxPositionPct > 0 {
		maxUnits := in.Equity * cfg.MaxPositionPct / (in.EntryPrice * contract)
		if s.Units > maxUnits {
			s.Units = maxUnits
			s.Capped = true
			s.CapReason = CapMaxPositionPct
		}
	}
	if cfg.MaxUnits > 0 && s.Units > cfg.MaxUnits {
		s.Units = cfg.MaxUnits
		s.Capped = true
		if s.CapReason == "" {
			s.CapReason = CapMaxUnits
		}
	}
	if cfg.MaxRiskPerTrade > 0 && stop > 0 {
		maxUnits := in.Equity * cfg.MaxRiskPerTrade / (stop * contract)
		if s.Units > maxUnits {
			s.Units = maxUnits
			s.Capped = true
			if s.CapReason == "" {
				s.CapReason = CapMaxRiskPerTrade
			}
		}
	}
	return s
}
