package order

import (
	"fmt"
	"sync"
)

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机，只放行预先定义的合法转换
type StateMachine struct {
	transitions map[StateTransition]bool
	mu          sync.RWMutex
}

// NewStateMachine 创建状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{transitions: make(map[StateTransition]bool)}
	sm.initializeTransitions()
	return sm
}

func (sm *StateMachine) initializeTransitions() {
	legal := []StateTransition{
		// CREATED 可以转到
		{StatusCreated, StatusSubmitted},
		{StatusCreated, StatusRejected},
		{StatusCreated, StatusCancelled},

		// SUBMITTED 可以转到（成交回报可能先于确认到达）
		{StatusSubmitted, StatusAcknowledged},
		{StatusSubmitted, StatusPartiallyFilled},
		{StatusSubmitted, StatusFilled},
		{StatusSubmitted, StatusRejected},
		{StatusSubmitted, StatusCancelled},
		{StatusSubmitted, StatusExpired},

		// ACKNOWLEDGED 可以转到
		{StatusAcknowledged, StatusPartiallyFilled},
		{StatusAcknowledged, StatusFilled},
		{StatusAcknowledged, StatusCancelled},
		{StatusAcknowledged, StatusExpired},
		{StatusAcknowledged, StatusRejected},

		// PARTIALLY_FILLED 可以转到
		{StatusPartiallyFilled, StatusPartiallyFilled}, // 多次部分成交
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCancelled},
		{StatusPartiallyFilled, StatusExpired},

		// 终态不可再转换
	}
	for _, t := range legal {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证转换是否合法；同状态视为幂等放行
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}
	return nil
}

// IsFinalState 是否终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusRejected, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// CanCancel 当前状态下是否可撤单
func (sm *StateMachine) CanCancel(status Status) bool {
	switch status {
	case StatusCreated, StatusSubmitted, StatusAcknowledged, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}
