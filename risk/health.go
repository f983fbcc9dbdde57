package risk

import (
	"fmt"
	"sync"
	"time"
)

// MonitorConfig 熔断触发阈值。百分比为小数，零值表示对应检查关闭。
type MonitorConfig struct {
	Window               time.Duration `yaml:"window"`                  // 滚动统计窗口
	MinSamples           int           `yaml:"min_samples"`             // 触发错误率/延迟判断的最小样本数
	MaxErrorRate         float64       `yaml:"max_error_rate"`          // 窗口内 API 错误率上限
	MaxAvgLatency        time.Duration `yaml:"max_avg_latency"`         // 窗口内平均延迟上限
	MaxFillDeviation     float64       `yaml:"max_fill_deviation"`      // 成交价偏离预期比例上限
	MaxConsecutiveLoss   int           `yaml:"max_consecutive_loss"`    // 连续亏损笔数上限
	DailyDrawdownTrip    float64       `yaml:"daily_drawdown_trip"`     // 触发熔断的日回撤
	WeeklyDrawdownTrip   float64       `yaml:"weekly_drawdown_trip"`    // 触发熔断的周回撤
	EquityFloor          float64       `yaml:"equity_floor"`            // 权益下限
	TripOnReconcileAlarm bool          `yaml:"trip_on_reconcile_alarm"` // 对账严重差异是否熔断
}

// DefaultMonitorConfig 返回保守默认值
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Window:             5 * time.Minute,
		MinSamples:         10,
		MaxErrorRate:       0.3,
		MaxAvgLatency:      5 * time.Second,
		MaxFillDeviation:   0.05,
		MaxConsecutiveLoss: 5,
	}
}

type callSample struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// Monitor 汇聚经纪商调用健康度与交易结果，越过阈值时拉闸。
// 所有 Record* 方法并发安全，可从 OMS 与成交回报路径直接调用。
type Monitor struct {
	cfg   MonitorConfig
	ks    *KillSwitch
	clock Clock

	mu         sync.Mutex
	calls      []callSample
	lossStreak int
}

// NewMonitor ks 不可为 nil
func NewMonitor(cfg MonitorConfig, ks *KillSwitch) *Monitor {
	return &Monitor{cfg: cfg, ks: ks, clock: NowUTC}
}

// WithClock 注入时钟（测试用）
func (m *Monitor) WithClock(c Clock) *Monitor {
	m.clock = c
	return m
}

// RecordBrokerCall 记录一次经纪商 API 调用的延迟与结果
func (m *Monitor) RecordBrokerCall(latency time.Duration, failed bool) {
	m.mu.Lock()
	now := m.clock.Now()
	m.calls = append(m.calls, callSample{at: now, latency: latency, failed: failed})
	m.trimLocked(now)

	var (
		total  = len(m.calls)
		errors int
		latSum time.Duration
	)
	for _, c := range m.calls {
		if c.failed {
			errors++
		}
		latSum += c.latency
	}
	m.mu.Unlock()

	if total < m.cfg.MinSamples {
		return
	}
	if m.cfg.MaxErrorRate > 0 {
		rate := float64(errors) / float64(total)
		if rate >= m.cfg.MaxErrorRate {
			m.ks.Trip(ReasonBrokerErrorRate, fmt.Sprintf("error rate %.2f over %s (%d/%d)", rate, m.cfg.Window, errors, total))
			return
		}
	}
	if m.cfg.MaxAvgLatency > 0 {
		avg := latSum / time.Duration(total)
		if avg >= m.cfg.MaxAvgLatency {
			m.ks.Trip(ReasonBrokerLatency, fmt.Sprintf("avg latency %s over %s", avg, m.cfg.Window))
		}
	}
}

// RecordFill 比较成交价与预期价，偏离超阈值拉闸
func (m *Monitor) RecordFill(expectedPrice, fillPrice float64) {
	if m.cfg.MaxFillDeviation <= 0 || expectedPrice <= 0 {
		return
	}
	dev := fillPrice/expectedPrice - 1
	if dev < 0 {
		dev = -dev
	}
	if dev >= m.cfg.MaxFillDeviation {
		m.ks.Trip(ReasonFillDeviation, fmt.Sprintf("fill %.5f deviates %.2f%% from expected %.5f", fillPrice, dev*100, expectedPrice))
	}
}

// RecordTradeClose 记录平仓盈亏，连亏达到阈值拉闸
func (m *Monitor) RecordTradeClose(pnl float64) {
	m.mu.Lock()
	if pnl >= 0 {
		m.lossStreak = 0
	} else {
		m.lossStreak++
	}
	streak := m.lossStreak
	m.mu.Unlock()

	if m.cfg.MaxConsecutiveLoss > 0 && streak >= m.cfg.MaxConsecutiveLoss {
		m.ks.Trip(ReasonConsecutiveLosses, fmt.Sprintf("%d consecutive losing trades", streak))
	}
}

// CheckDrawdown 用最新回撤与权益判断是否拉闸
func (m *Monitor) CheckDrawdown(daily, weekly, equity float64) {
	if m.cfg.DailyDrawdownTrip > 0 && daily >= m.cfg.DailyDrawdownTrip {
		m.ks.Trip(ReasonDailyDrawdown, fmt.Sprintf("daily drawdown %.2f%%", daily*100))
		return
	}
	if m.cfg.WeeklyDrawdownTrip > 0 && weekly >= m.cfg.WeeklyDrawdownTrip {
		m.ks.Trip(ReasonWeeklyDrawdown, fmt.Sprintf("weekly drawdown %.2f%%", weekly*100))
		return
	}
	if m.cfg.EquityFloor > 0 && equity <= m.cfg.EquityFloor {
		m.ks.Trip(ReasonEquityFloor, fmt.Sprintf("equity %.2f at or below floor %.2f", equity, m.cfg.EquityFloor))
	}
}

// RecordReconcileAlarm 对账严重差异回调
func (m *Monitor) RecordReconcileAlarm(class, detail string) {
	if m.cfg.TripOnReconcileAlarm {
		m.ks.Trip(ReasonReconciliation, fmt.Sprintf("%s: %s", class, detail))
	}
}

func (m *Monitor) trimLocked(now time.Time) {
	if m.cfg.Window <= 0 {
		return
	}
	cutoff := now.Add(-m.cfg.Window)
	i := 0
	for ; i < len(m.calls); i++ {
		if m.calls[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		m.calls = m.calls[i:]
	}
}
