package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPaper() *PaperAdapter {
	sim := NewFillSimulator(FillSimConfig{Seed: 7}, nil, nil)
	a := NewPaperAdapter(sim)
	a.UpdateQuote(testQuote())
	return a
}

func TestPaperMarketOrderFillsImmediately(t *testing.T) {
	a := newTestPaper()
	var fills []Fill
	a.SubscribeFills(func(f Fill) { fills = append(fills, f) })

	brokerID, err := a.Submit(context.Background(), marketBuy(1000))
	require.NoError(t, err)
	require.NotEmpty(t, brokerID)

	require.Len(t, fills, 1)
	assert.InDelta(t, 1.1002, fills[0].Price, 1e-9, "market buy fills at the ask")
	assert.Equal(t, SourcePaper, fills[0].Source)

	view, ok := a.Lookup("key-1")
	require.True(t, ok)
	assert.Equal(t, "FILLED", view.Status)
	assert.InDelta(t, 1000, view.FilledQuantity, 1e-9)
}

func TestPaperSubmitIsIdempotentByClientOrderID(t *testing.T) {
	a := newTestPaper()
	var fills []Fill
	a.SubscribeFills(func(f Fill) { fills = append(fills, f) })

	first, err := a.Submit(context.Background(), marketBuy(1000))
	require.NoError(t, err)

	// 重复提交同一 ClientOrderID 返回同一订单号且不再撮合
	second, err := a.Submit(context.Background(), marketBuy(1000))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, fills, 1)
}

func TestPaperLimitOrderRestsUntilCrossed(t *testing.T) {
	a := newTestPaper()
	var fills []Fill
	a.SubscribeFills(func(f Fill) { fills = append(fills, f) })

	req := OrderRequest{
		ClientOrderID: "key-limit",
		Symbol:        "EURUSD",
		Side:          SideBuy,
		Type:          TypeLimit,
		Quantity:      1000,
		LimitPrice:    1.0990, // 低于当前卖价，挂起
	}
	brokerID, err := a.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, fills)

	open, err := a.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, brokerID, open[0].BrokerOrderID)

	// 卖价下穿限价后成交
	a.UpdateQuote(Quote{Symbol: "EURUSD", Bid: 1.0985, Ask: 1.0989, Volume: 100000, Timestamp: time.Now()})
	require.Len(t, fills, 1)
	assert.InDelta(t, 1.0990, fills[0].Price, 1e-9)
}

func TestPaperCancelPendingOrder(t *testing.T) {
	a := newTestPaper()

	req := OrderRequest{
		ClientOrderID: "key-limit",
		Symbol:        "EURUSD",
		Side:          SideSell,
		Type:          TypeLimit,
		Quantity:      1000,
		LimitPrice:    1.2000,
	}
	brokerID, err := a.Submit(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, a.Cancel(context.Background(), brokerID))

	open, err := a.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)

	// 已成交的订单不可撤
	mktID, err := a.Submit(context.Background(), marketBuy(500))
	require.NoError(t, err)
	err = a.Cancel(context.Background(), mktID)
	assert.Equal(t, ClassPermanent, Classify(err))
}

func TestPaperValidation(t *testing.T) {
	a := newTestPaper()

	_, err := a.Submit(context.Background(), OrderRequest{Symbol: "EURUSD", Side: SideBuy, Type: TypeMarket, Quantity: 1})
	assert.Equal(t, ClassValidation, Classify(err))

	bad := marketBuy(-5)
	_, err = a.Submit(context.Background(), bad)
	assert.Equal(t, ClassValidation, Classify(err))

	// 无报价的市价单报临时错误，等行情恢复可重试
	noQuote := marketBuy(100)
	noQuote.Symbol = "USDJPY"
	noQuote.ClientOrderID = "key-jpy"
	_, err = a.Submit(context.Background(), noQuote)
	assert.True(t, IsRetryable(err))
}

func TestBacktestLimitTriggersInsideBarRange(t *testing.T) {
	sim := NewFillSimulator(FillSimConfig{Seed: 7}, nil, nil)
	a := NewBacktestAdapter(sim)
	var fills []Fill
	a.SubscribeFills(func(f Fill) { fills = append(fills, f) })

	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	a.OnBar(Bar{Symbol: "EURUSD", Open: 1.10, High: 1.101, Low: 1.099, Close: 1.10, Volume: 1e6, Timestamp: start})

	req := OrderRequest{
		ClientOrderID: "bt-limit",
		Symbol:        "EURUSD",
		Side:          SideBuy,
		Type:          TypeLimit,
		Quantity:      1000,
		LimitPrice:    1.0950,
	}
	_, err := a.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, fills)

	// 限价在 K 线区间内触发，按限价成交，时间为该 K 线时间
	barTime := start.Add(time.Minute)
	a.OnBar(Bar{Symbol: "EURUSD", Open: 1.098, High: 1.0985, Low: 1.0940, Close: 1.0960, Volume: 1e6, Timestamp: barTime})
	require.Len(t, fills, 1)
	assert.InDelta(t, 1.0950, fills[0].Price, 1e-9)
	assert.Equal(t, barTime, fills[0].Timestamp)
	assert.Equal(t, SourceBacktest, fills[0].Source)
}

func TestBacktestMarketFillIsLabeledBacktest(t *testing.T) {
	sim := NewFillSimulator(FillSimConfig{Seed: 7}, nil, nil)
	a := NewBacktestAdapter(sim)
	var fills []Fill
	a.SubscribeFills(func(f Fill) { fills = append(fills, f) })

	a.OnBar(Bar{Symbol: "EURUSD", Open: 1.10, High: 1.101, Low: 1.099, Close: 1.10, Volume: 1e6,
		Timestamp: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)})
	_, err := a.Submit(context.Background(), marketBuy(1000))
	require.NoError(t, err)

	require.Len(t, fills, 1)
	assert.Equal(t, SourceBacktest, fills[0].Source)

	recorded, err := a.Fills(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, SourceBacktest, recorded[0].Source)
}
