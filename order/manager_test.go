package order

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto-trader-go/exec"
	"auto-trader-go/risk"
	"auto-trader-go/signal"
)

// mockAdapter 手写 mock，记录所有提交并可注入失败
type mockAdapter struct {
	mu        sync.Mutex
	failures  int // 前 N 次 Submit 返回临时错误
	permanent bool
	autoFill  bool // 提交成功后立即推全量成交
	fillPrice float64
	submits   []exec.OrderRequest
	cancels   []string
	subs      []func(exec.Fill)
	open      []exec.BrokerOrder
	fills     []exec.Fill
	seq       int
}

func (m *mockAdapter) Name() string { return "mock" }

func (m *mockAdapter) Submit(_ context.Context, req exec.OrderRequest) (string, error) {
	m.mu.Lock()
	m.submits = append(m.submits, req)
	if m.permanent {
		m.mu.Unlock()
		return "", exec.Permanent("INSUFFICIENT_MARGIN", errors.New("margin check failed"))
	}
	if m.failures > 0 {
		m.failures--
		m.mu.Unlock()
		return "", exec.Transient("TIMEOUT", errors.New("simulated broker timeout"))
	}
	m.seq++
	brokerID := fmt.Sprintf("b-%d", m.seq)
	subs := m.subs
	price := m.fillPrice
	if price == 0 {
		price = 1.1
	}
	autoFill := m.autoFill
	m.mu.Unlock()

	if autoFill {
		fill := exec.Fill{
			FillID:        brokerID + "-f1",
			BrokerOrderID: brokerID,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      req.Quantity,
			Price:         price,
			Source:        exec.SourcePaper,
			Timestamp:     time.Now().UTC(),
		}
		for _, fn := range subs {
			fn(fill)
		}
	}
	return brokerID, nil
}

func (m *mockAdapter) Cancel(_ context.Context, brokerOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, brokerOrderID)
	return nil
}

func (m *mockAdapter) OpenOrders(_ context.Context) ([]exec.BrokerOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exec.BrokerOrder(nil), m.open...), nil
}

func (m *mockAdapter) Fills(_ context.Context, since time.Time) ([]exec.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []exec.Fill
	for _, f := range m.fills {
		if f.Timestamp.After(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockAdapter) SubscribeFills(fn func(exec.Fill)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *mockAdapter) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submits)
}

type omsFixture struct {
	mgr     *Manager
	riskMgr *risk.Manager
	ks      *risk.KillSwitch
	ledger  *Ledger
	adapter *mockAdapter
}

func newOMSFixture(t *testing.T, mut func(*ManagerConfig)) *omsFixture {
	t.Helper()

	ledger, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	ks := risk.NewKillSwitch(nil, nil, nil, ledger, nil)
	riskCfg := risk.Config{
		Sizing: risk.SizingConfig{Method: risk.SizeFixedUnits, Units: 1000},
	}
	riskMgr := risk.NewManager(riskCfg, ks, nil, nil, nil)

	cfg := ManagerConfig{
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			JitterPct:      0.1,
		},
		CallTimeout: time.Second,
		Broker:      "mock",
	}
	if mut != nil {
		mut(&cfg)
	}

	adapter := &mockAdapter{}
	return &omsFixture{
		mgr:     NewManager(cfg, ledger, adapter, riskMgr, nil, nil, nil, nil),
		riskMgr: riskMgr,
		ks:      ks,
		ledger:  ledger,
		adapter: adapter,
	}
}

func omsSignal() signal.Signal {
	return signal.Signal{
		Symbol:     "EURUSD",
		Direction:  signal.Buy,
		StrategyID: "trend_following",
		Confidence: 0.8,
		EntryPrice: 1.1000,
		Timestamp:  time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}
}

func (fx *omsFixture) intent(t *testing.T) *risk.Intent {
	t.Helper()
	intent, err := fx.riskMgr.Evaluate(omsSignal(), risk.AccountSnapshot{AccountID: "acct-1", Equity: 10000})
	require.NoError(t, err)
	return intent
}

func TestSubmitIntentFillsOrder(t *testing.T) {
	fx := newOMSFixture(t, nil)
	fx.adapter.autoFill = true
	fx.adapter.fillPrice = 1.1002

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.NoError(t, err)
	assert.Equal(t, "b-1", o.BrokerOrderID)
	assert.Zero(t, o.RetryCount)

	// 成交异步应用
	require.Eventually(t, func() bool {
		got, err := fx.mgr.Get(o.IdempotencyKey)
		return err == nil && got.Status == StatusFilled
	}, time.Second, 10*time.Millisecond)

	got, err := fx.mgr.Get(o.IdempotencyKey)
	require.NoError(t, err)
	assert.InDelta(t, 1000, got.FilledQuantity, 1e-9)
	assert.InDelta(t, 1.1002, got.AvgFillPrice, 1e-9)
}

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	fx := newOMSFixture(t, nil)
	fx.adapter.failures = 1

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.NoError(t, err)

	// 首次超时后重试一次成功，只产生一笔经纪商订单
	assert.Equal(t, 1, o.RetryCount)
	assert.Equal(t, "b-1", o.BrokerOrderID)
	assert.Equal(t, 2, fx.adapter.submitCount())
}

func TestSubmitRetryExhaustedRejects(t *testing.T) {
	fx := newOMSFixture(t, nil)
	fx.adapter.failures = 10

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.Error(t, err)
	assert.Equal(t, StatusRejected, o.Status)
	assert.Contains(t, o.Reason, "retry_exhausted")
	assert.Equal(t, 3, fx.adapter.submitCount())
}

func TestSubmitPermanentErrorDoesNotRetry(t *testing.T) {
	fx := newOMSFixture(t, nil)
	fx.adapter.permanent = true

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.Error(t, err)
	assert.Equal(t, StatusRejected, o.Status)
	assert.Equal(t, 1, fx.adapter.submitCount(), "permanent error must not retry")
}

func TestSubmitCoalescesConcurrentDuplicates(t *testing.T) {
	fx := newOMSFixture(t, nil)

	const n = 8
	var wg sync.WaitGroup
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			intent, err := fx.riskMgr.Evaluate(omsSignal(), risk.AccountSnapshot{AccountID: "acct-1", Equity: 10000})
			if err != nil {
				return
			}
			o, err := fx.mgr.SubmitIntent(context.Background(), intent)
			if err == nil {
				keys[i] = o.IdempotencyKey
			}
		}(i)
	}
	wg.Wait()

	// 同一信号并发提交只有一笔到达经纪商
	assert.Equal(t, 1, fx.adapter.submitCount())
	for i := 1; i < n; i++ {
		if keys[i] != "" {
			assert.Equal(t, keys[0], keys[i])
		}
	}
}

func TestKillSwitchBlocksNewSubmit(t *testing.T) {
	fx := newOMSFixture(t, nil)
	intent := fx.intent(t)
	fx.ks.Trip(risk.ReasonManual, "drill")

	o, err := fx.mgr.SubmitIntent(context.Background(), intent)
	assert.ErrorIs(t, err, risk.ErrKillSwitchActive)
	assert.Equal(t, StatusRejected, o.Status)
	assert.Zero(t, fx.adapter.submitCount())
}

func TestCancelSubmittedOrder(t *testing.T) {
	fx := newOMSFixture(t, nil)

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.NoError(t, err)

	require.NoError(t, fx.mgr.Cancel(context.Background(), o.IdempotencyKey))
	got, err := fx.mgr.Get(o.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, []string{"b-1"}, fx.adapter.cancels)

	// 终态后不可再撤
	assert.ErrorIs(t, fx.mgr.Cancel(context.Background(), o.IdempotencyKey), ErrNotCancellable)
}

func TestCancelBlockedWhenTripped(t *testing.T) {
	fx := newOMSFixture(t, func(cfg *ManagerConfig) { cfg.AllowCancelWhenTripped = false })

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.NoError(t, err)

	fx.ks.Trip(risk.ReasonManual, "drill")
	assert.ErrorIs(t, fx.mgr.Cancel(context.Background(), o.IdempotencyKey), ErrCancelBlocked)
}

func TestCancelAllowedWhenTrippedByConfig(t *testing.T) {
	fx := newOMSFixture(t, func(cfg *ManagerConfig) { cfg.AllowCancelWhenTripped = true })

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.NoError(t, err)

	fx.ks.Trip(risk.ReasonManual, "drill")
	assert.NoError(t, fx.mgr.Cancel(context.Background(), o.IdempotencyKey))
}

func TestApplyFillIsIdempotentByFillID(t *testing.T) {
	fx := newOMSFixture(t, nil)

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.NoError(t, err)

	fill := exec.Fill{
		FillID:        "f-dup",
		BrokerOrderID: o.BrokerOrderID,
		ClientOrderID: o.IdempotencyKey,
		Symbol:        "EURUSD",
		Side:          "BUY",
		Quantity:      400,
		Price:         1.1001,
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, fx.mgr.ApplyFill(fill))
	require.NoError(t, fx.mgr.ApplyFill(fill))

	got, err := fx.mgr.Get(o.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyFilled, got.Status)
	assert.InDelta(t, 400, got.FilledQuantity, 1e-9, "duplicate fill must not double count")
}

func TestPartialFillsAccumulateToFilled(t *testing.T) {
	fx := newOMSFixture(t, nil)

	o, err := fx.mgr.SubmitIntent(context.Background(), fx.intent(t))
	require.NoError(t, err)

	mkFill := func(fid string, qty, price float64) exec.Fill {
		return exec.Fill{
			FillID:        fid,
			BrokerOrderID: o.BrokerOrderID,
			ClientOrderID: o.IdempotencyKey,
			Symbol:        "EURUSD",
			Side:          "BUY",
			Quantity:      qty,
			Price:         price,
			Timestamp:     time.Now().UTC(),
		}
	}
	require.NoError(t, fx.mgr.ApplyFill(mkFill("f-1", 600, 1.1000)))
	require.NoError(t, fx.mgr.ApplyFill(mkFill("f-2", 400, 1.1010)))

	got, err := fx.mgr.Get(o.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.InDelta(t, 1000, got.FilledQuantity, 1e-9)
	// 加权均价 (600*1.1000 + 400*1.1010)/1000
	assert.InDelta(t, 1.1004, got.AvgFillPrice, 1e-9)
}

func TestSuspendedKeyStopsRetries(t *testing.T) {
	fx := newOMSFixture(t, func(cfg *ManagerConfig) {
		cfg.Retry.MaxAttempts = 5
		cfg.Retry.InitialBackoff = 20 * time.Millisecond
	})
	fx.adapter.failures = 5

	intent := fx.intent(t)
	key := IdempotencyKey("EURUSD", "BUY", "trend_following", "mock", omsSignal().Timestamp)

	done := make(chan error, 1)
	go func() {
		_, err := fx.mgr.SubmitIntent(context.Background(), intent)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	fx.mgr.SuspendKey(key)

	err := <-done
	assert.ErrorIs(t, err, ErrSubmitSuspended)
	assert.Less(t, fx.adapter.submitCount(), 5)
}
