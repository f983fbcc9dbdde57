package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDrawdownTracksDailyPeak(t *testing.T) {
	clock := newFakeClock()
	dd := NewDrawdownTracker(10000).WithClock(clock)

	dd.Update(10500)
	assert.Zero(t, dd.DailyDrawdown())

	dd.Update(10080)
	assert.InDelta(t, 0.04, dd.DailyDrawdown(), 1e-9)
	assert.InDelta(t, 0.04, dd.WeeklyDrawdown(), 1e-9)
}

func TestDrawdownResetsOnNewDay(t *testing.T) {
	clock := newFakeClock()
	dd := NewDrawdownTracker(10000).WithClock(clock)

	dd.Update(10500)
	dd.Update(10080)

	// 跨日后日峰值重置为当前权益，周峰值保留
	clock.advance(24 * time.Hour)
	dd.Update(10080)
	assert.Zero(t, dd.DailyDrawdown())
	assert.InDelta(t, 0.04, dd.WeeklyDrawdown(), 1e-9)
}

func TestDrawdownResetsOnNewISOWeek(t *testing.T) {
	clock := newFakeClock() // 2025-06-02 周一
	dd := NewDrawdownTracker(10000).WithClock(clock)

	dd.Update(10500)
	dd.Update(10080)

	clock.advance(7 * 24 * time.Hour)
	dd.Update(10080)
	assert.Zero(t, dd.WeeklyDrawdown())
	// 历史最大回撤不随窗口翻转消失
	assert.InDelta(t, 0.04, dd.MaxDrawdown(), 1e-9)
}

func TestDrawdownWinRate(t *testing.T) {
	dd := NewDrawdownTracker(10000)
	assert.Zero(t, dd.WinRate())

	dd.RegisterTradeClose(50)
	dd.RegisterTradeClose(-20)
	dd.RegisterTradeClose(30)
	assert.InDelta(t, 2.0/3.0, dd.WinRate(), 1e-9)
}
