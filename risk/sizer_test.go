package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseInput() SizingInput {
	return SizingInput{
		Symbol:       "EURUSD",
		EntryPrice:   1.1000,
		StopDistance: 0.0050, // 50 pips
		Equity:       10000,
	}
}

func TestComputeSizePercentRisk(t *testing.T) {
	cfg := SizingConfig{Method: SizePercentRisk, RiskPct: 0.01}

	s, err := ComputeSize(cfg, baseInput())
	require.NoError(t, err)

	// 风险金额 100，止损距离 0.0050 -> 20000 units
	assert.InDelta(t, 20000, s.Units, 1e-9)
	assert.InDelta(t, 100, s.RiskAmount, 1e-9)
	assert.InDelta(t, 0.01, s.RiskPercent, 1e-9)
	assert.False(t, s.Capped)
}

func TestComputeSizeFixedUnits(t *testing.T) {
	cfg := SizingConfig{Method: SizeFixedUnits, Units: 1500}

	s, err := ComputeSize(cfg, baseInput())
	require.NoError(t, err)
	assert.InDelta(t, 1500, s.Units, 1e-9)
	assert.InDelta(t, 1650, s.Notional, 1e-9)
}

func TestComputeSizeFixedAmount(t *testing.T) {
	cfg := SizingConfig{Method: SizeFixedAmount, Amount: 2200}

	s, err := ComputeSize(cfg, baseInput())
	require.NoError(t, err)
	assert.InDelta(t, 2000, s.Units, 1e-9)
}

func TestComputeSizePercentEquity(t *testing.T) {
	cfg := SizingConfig{Method: SizePercentEquity, EquityPct: 0.11}

	s, err := ComputeSize(cfg, baseInput())
	require.NoError(t, err)
	// 名义 1100 -> 1000 units
	assert.InDelta(t, 1000, s.Units, 1e-9)
}

func TestComputeSizeATRBased(t *testing.T) {
	cfg := SizingConfig{Method: SizeATRBased, RiskPct: 0.01, ATRMultiplier: 2}
	in := baseInput()
	in.ATR = 0.0025 // 止损距离 = 0.0050

	s, err := ComputeSize(cfg, in)
	require.NoError(t, err)
	assert.InDelta(t, 20000, s.Units, 1e-9)
}

func TestComputeSizeKellyFractional(t *testing.T) {
	cfg := SizingConfig{Method: SizeKellyFractional, KellyFraction: 0.5, WinLossRatio: 2}
	in := baseInput()
	in.WinRate = 0.6

	// full kelly = (0.6*3-1)/2 = 0.4，half kelly = 0.2
	// units = 10000*0.2/0.0050 = 400000
	s, err := ComputeSize(cfg, in)
	require.NoError(t, err)
	assert.InDelta(t, 400000, s.Units, 1e-6)
}

func TestComputeSizeKellyInputRatioOverridesConfig(t *testing.T) {
	cfg := SizingConfig{Method: SizeKellyFractional, KellyFraction: 0.5, WinLossRatio: 2}
	in := baseInput()
	in.WinRate = 0.6
	in.WinLossRatio = 3 // 实测盈亏比优先于配置先验

	// full kelly = (0.6*4-1)/3 = 0.4667，half kelly = 0.2333
	s, err := ComputeSize(cfg, in)
	require.NoError(t, err)
	assert.InDelta(t, 466666.67, s.Units, 1e-1)
}

func TestComputeSizeKellyNoEdgeIsZero(t *testing.T) {
	cfg := SizingConfig{Method: SizeKellyFractional, KellyFraction: 0.5, WinLossRatio: 1}
	in := baseInput()
	in.WinRate = 0.4 // 负期望

	_, err := ComputeSize(cfg, in)
	assert.ErrorIs(t, err, ErrZeroSize)
}

func TestComputeSizeCaps(t *testing.T) {
	t.Run("max_position_pct", func(t *testing.T) {
		cfg := SizingConfig{Method: SizePercentRisk, RiskPct: 0.05, MaxPositionPct: 0.5}
		s, err := ComputeSize(cfg, baseInput())
		require.NoError(t, err)
		assert.True(t, s.Capped)
		assert.Equal(t, CapMaxPositionPct, s.CapReason)
		assert.InDelta(t, 5000, s.Notional, 1e-6)
	})

	t.Run("max_units", func(t *testing.T) {
		cfg := SizingConfig{Method: SizePercentRisk, RiskPct: 0.01, MaxUnits: 5000}
		s, err := ComputeSize(cfg, baseInput())
		require.NoError(t, err)
		assert.True(t, s.Capped)
		assert.Equal(t, CapMaxUnits, s.CapReason)
		assert.InDelta(t, 5000, s.Units, 1e-9)
	})

	t.Run("max_risk_per_trade", func(t *testing.T) {
		cfg := SizingConfig{Method: SizePercentRisk, RiskPct: 0.05, MaxRiskPerTrade: 0.02}
		s, err := ComputeSize(cfg, baseInput())
		require.NoError(t, err)
		assert.True(t, s.Capped)
		assert.Equal(t, CapMaxRiskPerTrade, s.CapReason)
		assert.InDelta(t, 0.02, s.RiskPercent, 1e-9)
	})
}

func TestComputeSizeValidation(t *testing.T) {
	_, err := ComputeSize(SizingConfig{Method: SizePercentRisk, RiskPct: 0.01}, SizingInput{EntryPrice: 0, Equity: 10000})
	assert.ErrorIs(t, err, ErrInvalidSizing)

	in := baseInput()
	in.StopDistance = 0
	_, err = ComputeSize(SizingConfig{Method: SizePercentRisk, RiskPct: 0.01}, in)
	assert.ErrorIs(t, err, ErrInvalidSizing)

	_, err = ComputeSize(SizingConfig{Method: "martingale"}, baseInput())
	assert.ErrorIs(t, err, ErrUnknownMethod)
}
