package risk

import (
	"errors"
	"fmt"
)

var (
	ErrKillSwitchActive = errors.New("kill switch active")
	ErrNotActionable    = errors.New("signal direction not actionable")
	ErrInvalidSizing    = errors.New("invalid sizing inputs")
	ErrUnknownMethod    = errors.New("unknown sizing method")
	ErrZeroSize         = errors.New("position size is zero")
)

// 软性限额名称，拒单原因与指标 label 使用
const (
	LimitMaxOpenPositions  = "max_open_positions"
	LimitMaxSymbolExposure = "max_exposure_per_symbol"
	LimitMaxGroupExposure  = "max_correlated_group_exposure"
	LimitMaxDailyDrawdown  = "max_daily_drawdown"
	LimitMaxWeeklyDrawdown = "max_weekly_drawdown"
)

// LimitError 携带具体触发的限额与阈值/实际值
type LimitError struct {
	Limit     string
	Threshold float64
	Actual    float64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("risk limit %s: actual %.4f exceeds threshold %.4f", e.Limit, e.Actual, e.Threshold)
}

// IsLimitBreach 返回错误是否为限额拒单，以及触发的限额名
func IsLimitBreach(err error) (string, bool) {
	var le *LimitError
	if errors.As(err, &le) {
		return le.Limit, true
	}
	return "", false
}
