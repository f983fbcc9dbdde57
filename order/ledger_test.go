package order

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto-trader-go/exec"
)

func timeMustParse(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	require.NoError(t, err)
	return ts
}

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func sampleOrder(key string) *Order {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	return &Order{
		ID:             "01TEST" + key,
		IdempotencyKey: key,
		AccountID:      "acct-1",
		ReservationID:  "res-1",
		Symbol:         "EURUSD",
		Side:           "BUY",
		Type:           "MARKET",
		Quantity:       1000,
		ExpectedPrice:  1.1,
		Status:         StatusCreated,
		StrategyID:     "trend_following",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestLedgerOrderRoundTrip(t *testing.T) {
	l := openTestLedger(t)
	o := sampleOrder("key-1")
	require.NoError(t, l.UpsertOrder(o))

	got, err := l.GetByKey("key-1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, StatusCreated, got.Status)
	assert.Equal(t, "acct-1", got.AccountID)
	assert.Equal(t, "trend_following", got.StrategyID)

	// 更新后同键覆盖
	o.Status = StatusFilled
	o.BrokerOrderID = "b-77"
	o.FilledQuantity = 1000
	o.AvgFillPrice = 1.1003
	o.RetryCount = 2
	require.NoError(t, l.UpsertOrder(o))

	got, err = l.GetByKey("key-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, "b-77", got.BrokerOrderID)
	assert.Equal(t, 2, got.RetryCount)
	assert.InDelta(t, 1.1003, got.AvgFillPrice, 1e-9)
}

func TestLedgerGetByKeyNotFound(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.GetByKey("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLedgerOpenOrdersExcludesTerminal(t *testing.T) {
	l := openTestLedger(t)

	open := sampleOrder("key-open")
	open.Status = StatusSubmitted
	require.NoError(t, l.UpsertOrder(open))

	done := sampleOrder("key-done")
	done.ID = "01TESTdone"
	done.Status = StatusFilled
	require.NoError(t, l.UpsertOrder(done))

	got, err := l.OpenOrders()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "key-open", got[0].IdempotencyKey)
}

func TestLedgerFillDeduplication(t *testing.T) {
	l := openTestLedger(t)
	o := sampleOrder("key-1")
	require.NoError(t, l.UpsertOrder(o))

	fill := exec.Fill{
		FillID:        "f-1",
		BrokerOrderID: "b-1",
		ClientOrderID: "key-1",
		Symbol:        "EURUSD",
		Side:          "BUY",
		Quantity:      500,
		Price:         1.1001,
		Timestamp:     time.Now().UTC(),
	}

	inserted, err := l.RecordFill(o.ID, fill)
	require.NoError(t, err)
	assert.True(t, inserted)

	// 同一 FillID 重放不再入账
	inserted, err = l.RecordFill(o.ID, fill)
	require.NoError(t, err)
	assert.False(t, inserted)

	fills, err := l.FillsForOrder(o.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestLedgerKillSwitchRoundTrip(t *testing.T) {
	l := openTestLedger(t)

	// 从未写入时返回空
	state, _, _, err := l.LoadKillSwitch()
	require.NoError(t, err)
	assert.Empty(t, state)

	at := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	require.NoError(t, l.SaveKillSwitch("TRIPPED", "daily_drawdown", at))

	state, reason, loaded, err := l.LoadKillSwitch()
	require.NoError(t, err)
	assert.Equal(t, "TRIPPED", state)
	assert.Equal(t, "daily_drawdown", reason)
	assert.True(t, loaded.Equal(at))

	require.NoError(t, l.SaveKillSwitch("ARMED", "", time.Time{}))
	state, _, _, err = l.LoadKillSwitch()
	require.NoError(t, err)
	assert.Equal(t, "ARMED", state)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	l, err := OpenLedger(path)
	require.NoError(t, err)
	o := sampleOrder("key-persist")
	o.Status = StatusSubmitted
	require.NoError(t, l.UpsertOrder(o))
	require.NoError(t, l.Close())

	// 重启后未终态订单仍在
	l2, err := OpenLedger(path)
	require.NoError(t, err)
	defer l2.Close()

	open, err := l2.OpenOrders()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "key-persist", open[0].IdempotencyKey)
}
