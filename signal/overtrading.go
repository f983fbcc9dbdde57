package signal

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrCooldown     = errors.New("cooldown not elapsed")
	ErrFrequencyCap = errors.New("frequency cap reached")
	ErrLossPause    = errors.New("paused after consecutive losses")
)

// GuardConfig 防过度交易配置
type GuardConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Cooldown      time.Duration `yaml:"cooldown"`        // 同一 symbol+strategy 两次下单最小间隔
	Window        time.Duration `yaml:"window"`          // 频率统计窗口
	MaxPerWindow  int           `yaml:"max_per_window"`  // 窗口内最大下单数
	LossPauseN    int           `yaml:"loss_pause_n"`    // 连亏 N 笔后暂停
	PauseDuration time.Duration `yaml:"pause_duration"`  // 暂停时长
}

// DefaultGuardConfig 返回默认配置
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Enabled:       true,
		Cooldown:      5 * time.Minute,
		Window:        time.Hour,
		MaxPerWindow:  6,
		LossPauseN:    3,
		PauseDuration: 4 * time.Hour,
	}
}

type guardState struct {
	lastAccepted time.Time
	accepted     []time.Time // 窗口内已接受时间戳
	lossStreak   int
	pausedUntil  time.Time
}

// OvertradingGuard 在风控 sizing 之前拦截候选信号。
// 状态按 (symbol, strategy) 维度维护；只在订单终态（成交/拒绝/撤销）
// 时更新结果统计，意向创建不计入。
type OvertradingGuard struct {
	cfg   GuardConfig
	clock Clock
	mu    sync.Mutex
	state map[string]*guardState
}

// NewOvertradingGuard 创建过滤器
func NewOvertradingGuard(cfg GuardConfig) *OvertradingGuard {
	return &OvertradingGuard{
		cfg:   cfg,
		clock: NowUTC,
		state: make(map[string]*guardState),
	}
}

// WithClock 注入时钟（测试用）
func (g *OvertradingGuard) WithClock(c Clock) *OvertradingGuard {
	g.clock = c
	return g
}

// Allow 检查信号是否允许进入风控。拒绝时返回具体原因错误。
func (g *OvertradingGuard) Allow(sig Signal) error {
	if !g.cfg.Enabled {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	st := g.getState(sig.Key())

	if !st.pausedUntil.IsZero() && now.Before(st.pausedUntil) {
		return fmt.Errorf("%w: until %s", ErrLossPause, st.pausedUntil.Format(time.RFC3339))
	}

	if g.cfg.Cooldown > 0 && !st.lastAccepted.IsZero() && now.Sub(st.lastAccepted) < g.cfg.Cooldown {
		return fmt.Errorf("%w: last order %s ago", ErrCooldown, now.Sub(st.lastAccepted))
	}

	if g.cfg.MaxPerWindow > 0 {
		st.accepted = trimWindow(st.accepted, now.Add(-g.cfg.Window))
		if len(st.accepted) >= g.cfg.MaxPerWindow {
			return fmt.Errorf("%w: %d in %s", ErrFrequencyCap, len(st.accepted), g.cfg.Window)
		}
	}
	return nil
}

// RegisterAccepted 记录一个已通过并进入下单流程的信号
func (g *OvertradingGuard) RegisterAccepted(sig Signal) {
	if !g.cfg.Enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	st := g.getState(sig.Key())
	st.lastAccepted = now
	st.accepted = append(st.accepted, now)
}

// RegisterOutcome 记录订单终态结果；won=false 累计连亏，
// 达到阈值后暂停该 symbol+strategy 的交易。
func (g *OvertradingGuard) RegisterOutcome(symbol, strategyID string, won bool) {
	if !g.cfg.Enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.getState(symbol + "|" + strategyID)
	if won {
		st.lossStreak = 0
		return
	}
	st.lossStreak++
	if g.cfg.LossPauseN > 0 && st.lossStreak >= g.cfg.LossPauseN {
		st.pausedUntil = g.clock.Now().Add(g.cfg.PauseDuration)
		st.lossStreak = 0
	}
}

// PausedUntil 返回指定键的暂停截止时间（零值表示未暂停）
func (g *OvertradingGuard) PausedUntil(symbol, strategyID string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.state[symbol+"|"+strategyID]; ok {
		return st.pausedUntil
	}
	return time.Time{}
}

func (g *OvertradingGuard) getState(key string) *guardState {
	st, ok := g.state[key]
	if !ok {
		st = &guardState{}
		g.state[key] = st
	}
	return st
}

func trimWindow(items []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(items); i++ {
		if items[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		items = items[i:]
	}
	return items
}
