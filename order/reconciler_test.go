package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto-trader-go/exec"
	"auto-trader-go/infrastructure/alert"
)

func newTestReconciler(fx *omsFixture, alerts *alert.Manager) *Reconciler {
	return NewReconciler(ReconcilerConfig{
		Interval:       time.Hour, // 测试里手动触发
		LostOrderGrace: 10 * time.Millisecond,
		PriceTolerance: 0.005,
	}, fx.mgr, fx.adapter, nil, alerts, nil, nil, nil)
}

func alarmsOfClass(ch *alert.MockChannel, class string) int {
	n := 0
	for _, a := range ch.Alerts() {
		if a.Fields["class"] == class {
			n++
		}
	}
	return n
}

func TestReconcileAdoptsPhantomOrder(t *testing.T) {
	fx := newOMSFixture(t, nil)
	ch := &alert.MockChannel{}
	alerts := alert.NewManager(0, ch)
	r := newTestReconciler(fx, alerts)

	// 经纪商有一笔本地完全不知道的订单
	fx.adapter.open = []exec.BrokerOrder{{
		BrokerOrderID: "b-phantom",
		ClientOrderID: "phantom-key",
		Symbol:        "EURUSD",
		Side:          "BUY",
		Status:        "NEW",
		Quantity:      500,
		UpdatedAt:     time.Now().UTC(),
	}}

	require.NoError(t, r.ReconcileOnce(context.Background()))

	adopted, err := fx.mgr.Get("phantom-key")
	require.NoError(t, err)
	assert.Equal(t, StatusAcknowledged, adopted.Status)
	assert.Equal(t, "b-phantom", adopted.BrokerOrderID)
	assert.Equal(t, "adopted_from_broker", adopted.Reason)
	assert.Equal(t, 1, alarmsOfClass(ch, AlarmPhantomOrder))

	// 第二轮不再重复收编或告警
	require.NoError(t, r.ReconcileOnce(context.Background()))
	assert.Equal(t, 1, alarmsOfClass(ch, AlarmPhantomOrder))
}

func TestReconcileFlagsLostOrderAndSuspendsKey(t *testing.T) {
	fx := newOMSFixture(t, nil)
	ch := &alert.MockChannel{}
	alerts := alert.NewManager(0, ch)
	r := newTestReconciler(fx, alerts)

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, o.Status)

	// 经纪商侧什么都没有，等过宽限期
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.ReconcileOnce(context.Background()))

	assert.Equal(t, 1, alarmsOfClass(ch, AlarmLostOrder))
	assert.True(t, fx.mgr.isSuspended(o.IdempotencyKey), "lost order must suspend further retries")

	// 订单保持 SUBMITTED，不自动改状态
	got, err := fx.mgr.Get(o.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, got.Status)
}

func TestReconcileLostOrderRespectsGracePeriod(t *testing.T) {
	fx := newOMSFixture(t, nil)
	ch := &alert.MockChannel{}
	alerts := alert.NewManager(0, ch)
	r := NewReconciler(ReconcilerConfig{
		Interval:       time.Hour,
		LostOrderGrace: time.Hour,
	}, fx.mgr, fx.adapter, nil, alerts, nil, nil, nil)

	_, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.NoError(t, err)

	require.NoError(t, r.ReconcileOnce(context.Background()))
	assert.Zero(t, alarmsOfClass(ch, AlarmLostOrder), "inside grace period no alarm")
}

func TestReconcileReplaysMissedFills(t *testing.T) {
	fx := newOMSFixture(t, nil)
	r := newTestReconciler(fx, nil)

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.NoError(t, err)

	// 成交只存在于经纪商的历史记录里（推送丢了）
	fx.adapter.fills = []exec.Fill{{
		FillID:        "f-missed",
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.IdempotencyKey,
		Symbol:        "EURUSD",
		Side:          "BUY",
		Quantity:      1000,
		Price:         1.1005,
		Source:        exec.SourceLive,
		Timestamp:     time.Now().UTC(),
	}}
	fx.adapter.open = []exec.BrokerOrder{{
		BrokerOrderID:  "b-1",
		ClientOrderID:  o.IdempotencyKey,
		Symbol:         "EURUSD",
		Side:           "BUY",
		Status:         "FILLED",
		Quantity:       1000,
		FilledQuantity: 1000,
		AvgFillPrice:   1.1005,
	}}

	require.NoError(t, r.ReconcileOnce(context.Background()))

	got, err := fx.mgr.Get(o.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.InDelta(t, 1000, got.FilledQuantity, 1e-9)
}

func TestReconcileFlagsPriceDeviation(t *testing.T) {
	fx := newOMSFixture(t, nil)
	ch := &alert.MockChannel{}
	alerts := alert.NewManager(0, ch)
	r := newTestReconciler(fx, alerts)

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.NoError(t, err)

	// 本地落了一笔成交
	require.NoError(t, fx.mgr.ApplyFill(exec.Fill{
		FillID:        "f-1",
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.IdempotencyKey,
		Symbol:        "EURUSD",
		Side:          "BUY",
		Quantity:      500,
		Price:         1.1000,
		Timestamp:     time.Now().UTC(),
	}))

	// 经纪商侧均价偏离超过容忍度
	fx.adapter.open = []exec.BrokerOrder{{
		BrokerOrderID:  o.BrokerOrderID,
		ClientOrderID:  o.IdempotencyKey,
		Symbol:         "EURUSD",
		Side:           "BUY",
		Status:         "PARTIALLY_FILLED",
		Quantity:       1000,
		FilledQuantity: 500,
		AvgFillPrice:   1.1100,
	}}

	require.NoError(t, r.ReconcileOnce(context.Background()))
	assert.Equal(t, 1, alarmsOfClass(ch, AlarmPriceDeviation))
}
