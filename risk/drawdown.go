package risk

import (
	"fmt"
	"sync"
	"time"
)

// DrawdownTracker 跟踪日内/周内权益峰值与回撤。
// 日界与 ISO 周界在 Update 时按时钟自动翻转。
type DrawdownTracker struct {
	mu    sync.Mutex
	clock Clock

	equity     float64
	dailyPeak  float64
	weeklyPeak float64
	allPeak    float64

	day      string // YYYY-MM-DD
	isoWeek  string // YYYY-Www
	realized float64
	wins     int
	losses   int
}

// NewDrawdownTracker 以初始权益建立各窗口峰值
func NewDrawdownTracker(initialEquity float64) *DrawdownTracker {
	t := &DrawdownTracker{clock: NowUTC}
	t.resetWith(initialEquity, t.clock.Now())
	return t
}

// WithClock 注入时钟（测试用）
func (t *DrawdownTracker) WithClock(c Clock) *DrawdownTracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = c
	now := c.Now()
	t.day = dayKey(now)
	t.isoWeek = weekKey(now)
	return t
}

func (t *DrawdownTracker) resetWith(equity float64, now time.Time) {
	t.equity = equity
	t.dailyPeak = equity
	t.weeklyPeak = equity
	t.allPeak = equity
	t.day = dayKey(now)
	t.isoWeek = weekKey(now)
}

// Update 写入最新权益，必要时翻转日/周窗口
func (t *DrawdownTracker) Update(equity float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if d := dayKey(now); d != t.day {
		t.day = d
		t.dailyPeak = equity
	}
	if w := weekKey(now); w != t.isoWeek {
		t.isoWeek = w
		t.weeklyPeak = equity
	}

	t.equity = equity
	if equity > t.dailyPeak {
		t.dailyPeak = equity
	}
	if equity > t.weeklyPeak {
		t.weeklyPeak = equity
	}
	if equity > t.allPeak {
		t.allPeak = equity
	}
}

// RegisterTradeClose 记录一笔已平仓交易的实现盈亏
func (t *DrawdownTracker) RegisterTradeClose(pnl float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.realized += pnl
	if pnl >= 0 {
		t.wins++
	} else {
		t.losses++
	}
}

// Equity 最近一次写入的权益
func (t *DrawdownTracker) Equity() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.equity
}

// DailyDrawdown 相对当日峰值的回撤比例（小数）
func (t *DrawdownTracker) DailyDrawdown() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return drawdown(t.dailyPeak, t.equity)
}

// WeeklyDrawdown 相对本 ISO 周峰值的回撤比例（小数）
func (t *DrawdownTracker) WeeklyDrawdown() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return drawdown(t.weeklyPeak, t.equity)
}

// MaxDrawdown 相对历史峰值的回撤比例（小数）
func (t *DrawdownTracker) MaxDrawdown() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return drawdown(t.allPeak, t.equity)
}

// ClosedTrades 已记录的平仓笔数
func (t *DrawdownTracker) ClosedTrades() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wins + t.losses
}

// WinRate 平仓胜率，无样本时返回 0
func (t *DrawdownTracker) WinRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.wins + t.losses
	if total == 0 {
		return 0
	}
	return float64(t.wins) / float64(total)
}

func drawdown(peak, equity float64) float64 {
	if peak <= 0 || equity >= peak {
		return 0
	}
	return (peak - equity) / peak
}

func dayKey(ts time.Time) string { return ts.UTC().Format("2006-01-02") }

func weekKey(ts time.Time) string {
	y, w := ts.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}
