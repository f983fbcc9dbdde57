package risk

import (
	"math"
	"sync"
)

// Position 账户内单个 symbol 的净头寸
type Position struct {
	Symbol        string
	NetQuantity   float64 // 带符号，买正卖负
	AvgEntryPrice float64
	MarkPrice     float64
}

// Notional 按最近标记价计算的名义敞口（无标记价时退回均价）
func (p *Position) Notional() float64 {
	px := p.MarkPrice
	if px <= 0 {
		px = p.AvgEntryPrice
	}
	return math.Abs(p.NetQuantity) * px
}

// UnrealizedPnL 浮动盈亏
func (p *Position) UnrealizedPnL() float64 {
	if p.MarkPrice <= 0 || p.NetQuantity == 0 {
		return 0
	}
	return (p.MarkPrice - p.AvgEntryPrice) * p.NetQuantity
}

type reservation struct {
	symbol   string
	notional float64
}

// ExposureTracker 维护净头寸与在途预留敞口。
// 预留在意向通过风控时登记，订单终态时释放；成交会落入头寸。
// 统计口径 = 已成交头寸 + 在途预留，防止并发意向击穿限额。
type ExposureTracker struct {
	mu        sync.Mutex
	positions map[string]*Position
	reserved  map[string]reservation // reservationID -> 预留
	groups    map[string]string      // symbol -> 相关性分组
}

// NewExposureTracker groups 可为 nil，未分组的 symbol 自成一组
func NewExposureTracker(groups map[string]string) *ExposureTracker {
	return &ExposureTracker{
		positions: make(map[string]*Position),
		reserved:  make(map[string]reservation),
		groups:    groups,
	}
}

// GroupOf 返回 symbol 的相关性分组
func (t *ExposureTracker) GroupOf(symbol string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.groupOfLocked(symbol)
}

func (t *ExposureTracker) groupOfLocked(symbol string) string {
	if g, ok := t.groups[symbol]; ok {
		return g
	}
	return symbol
}

// SetGroups 替换相关性分组映射（配置热更新）
func (t *ExposureTracker) SetGroups(groups map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.groups = groups
}

// Reserve 登记在途预留敞口
func (t *ExposureTracker) Reserve(id, symbol string, notional float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reserved[id] = reservation{symbol: symbol, notional: notional}
}

// Release 释放预留（拒单、撤单、成交落账后调用）
func (t *ExposureTracker) Release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reserved, id)
}

// ApplyFill 把成交并入净头寸，返回本次平仓实现的盈亏。
// signedQty 买正卖负；方向反转时先平旧仓再开新仓。
func (t *ExposureTracker) ApplyFill(symbol string, signedQty, price float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		p = &Position{Symbol: symbol}
		t.positions[symbol] = p
	}
	p.MarkPrice = price

	var realized float64
	switch {
	case p.NetQuantity == 0 || sameSign(p.NetQuantity, signedQty):
		// 加仓，更新加权均价
		total := p.NetQuantity + signedQty
		p.AvgEntryPrice = (p.AvgEntryPrice*math.Abs(p.NetQuantity) + price*math.Abs(signedQty)) / math.Abs(total)
		p.NetQuantity = total

	case math.Abs(signedQty) <= math.Abs(p.NetQuantity):
		// 减仓或刚好平仓
		closed := math.Abs(signedQty)
		realized = (price - p.AvgEntryPrice) * closed * sign(p.NetQuantity)
		p.NetQuantity += signedQty
		if p.NetQuantity == 0 {
			p.AvgEntryPrice = 0
		}

	default:
		// 反手：全平旧仓，剩余部分按成交价开新仓
		closed := math.Abs(p.NetQuantity)
		realized = (price - p.AvgEntryPrice) * closed * sign(p.NetQuantity)
		p.NetQuantity += signedQty
		p.AvgEntryPrice = price
	}

	if p.NetQuantity == 0 {
		delete(t.positions, symbol)
	}
	return realized
}

// MarkPrice 更新标记价
func (t *ExposureTracker) MarkPrice(symbol string, price float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[symbol]; ok {
		p.MarkPrice = price
	}
}

// OpenCount 开仓数量，含在途预留中尚未持仓的 symbol
func (t *ExposureTracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.openCountLocked()
}

func (t *ExposureTracker) openCountLocked() int {
	seen := make(map[string]struct{}, len(t.positions))
	for sym := range t.positions {
		seen[sym] = struct{}{}
	}
	for _, r := range t.reserved {
		seen[r.symbol] = struct{}{}
	}
	return len(seen)
}

// SymbolNotional symbol 的头寸名义 + 在途预留名义
func (t *ExposureTracker) SymbolNotional(symbol string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.symbolNotionalLocked(symbol)
}

func (t *ExposureTracker) symbolNotionalLocked(symbol string) float64 {
	var n float64
	if p, ok := t.positions[symbol]; ok {
		n += p.Notional()
	}
	for _, r := range t.reserved {
		if r.symbol == symbol {
			n += r.notional
		}
	}
	return n
}

// GroupNotional 相关性分组的总名义敞口
func (t *ExposureTracker) GroupNotional(group string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n float64
	for sym, p := range t.positions {
		if t.groupOfLocked(sym) == group {
			n += p.Notional()
		}
	}
	for _, r := range t.reserved {
		if t.groupOfLocked(r.symbol) == group {
			n += r.notional
		}
	}
	return n
}

// HasPosition 是否已持有该 symbol 的净头寸
func (t *ExposureTracker) HasPosition(symbol string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.positions[symbol]
	return ok
}

// Snapshot 返回当前所有头寸的副本
func (t *ExposureTracker) Snapshot() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, *p)
	}
	return out
}

func sameSign(a, b float64) bool { return a*b > 0 }

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
