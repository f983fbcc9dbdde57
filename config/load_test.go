package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auto-trader-go/risk"
)

const sampleYAML = `
env: dev
mode: paper
account:
  id: acct-1
  initial_equity: 10000
logging:
  level: debug
  outputs: [stdout]
  format: console
metrics:
  enabled: true
  addr: ":9188"
bus:
  backend: memory
  queue_size: 256
risk:
  sizing:
    method: percent_risk
    risk_pct: 0.01
    max_risk_per_trade: 0.02
  limits:
    max_open_positions: 3
    max_daily_drawdown: 0.03
  monitor:
    window: 5m
    min_samples: 10
    max_error_rate: 0.3
  correlation_groups:
    EURUSD: usd_majors
    GBPUSD: usd_majors
overtrading:
  enabled: true
  cooldown: 5m
  window: 1h
  max_per_window: 6
oms:
  ledger_path: /tmp/test-ledger.db
  manager:
    retry:
      max_attempts: 4
      initial_backoff: 500ms
      max_backoff: 10s
      jitter_pct: 0.1
  reconciler:
    interval: 30s
    lost_order_grace: 1m
    price_tolerance: 0.005
fills:
  seed: 42
  volume_cap_ratio: 0.5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trader.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.Mode)
	assert.Equal(t, "acct-1", cfg.Account.ID)
	assert.InDelta(t, 10000, cfg.Account.InitialEquity, 1e-9)
	assert.Equal(t, risk.SizePercentRisk, cfg.Risk.Sizing.Method)
	assert.InDelta(t, 0.01, cfg.Risk.Sizing.RiskPct, 1e-9)
	assert.Equal(t, 3, cfg.Risk.Limits.MaxOpenPositions)
	assert.Equal(t, "usd_majors", cfg.Risk.Groups["GBPUSD"])
	assert.Equal(t, 5*time.Minute, cfg.Overtrading.Cooldown)
	assert.Equal(t, 4, cfg.OMS.Manager.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.OMS.Manager.Retry.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.OMS.Reconciler.Interval)
	assert.Equal(t, int64(42), cfg.Fills.Seed)
}

func TestLoadAppliesDefaults(t *testing.T) {
	minimal := `
account:
  initial_equity: 5000
risk:
  sizing:
    method: fixed_units
    units: 1000
`
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)

	assert.Equal(t, ModePaper, cfg.Mode)
	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, 1024, cfg.Bus.QueueSize)
	assert.Equal(t, "default", cfg.Account.ID)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 4, cfg.OMS.Manager.Retry.MaxAttempts)
	assert.Positive(t, cfg.Risk.Monitor.Window)
}

func TestLoadEnvOverridesCredentials(t *testing.T) {
	body := sampleYAML + `
gateway:
  base_url: https://api.example.com
  api_key: from-file
  secret: from-file
`
	t.Setenv("BROKER_API_KEY", "from-env")
	t.Setenv("BROKER_API_SECRET", "s3cret")

	cfg, err := LoadWithEnvOverrides(writeConfig(t, body))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Gateway.APIKey)
	assert.Equal(t, "s3cret", cfg.Gateway.Secret)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	base := func() AppConfig {
		cfg, err := Load(writeConfig(t, sampleYAML))
		require.NoError(t, err)
		return cfg
	}

	t.Run("unknown mode", func(t *testing.T) {
		cfg := base()
		cfg.Mode = "sandbox"
		assert.ErrorContains(t, Validate(cfg), "invalid mode")
	})

	t.Run("live without credentials", func(t *testing.T) {
		cfg := base()
		cfg.Mode = ModeLive
		cfg.Gateway.BaseURL = "https://api.example.com"
		assert.ErrorContains(t, Validate(cfg), "credentials")
	})

	t.Run("durable bus without journal dir", func(t *testing.T) {
		cfg := base()
		cfg.Bus.Backend = "durable"
		assert.ErrorContains(t, Validate(cfg), "journal_dir")
	})

	t.Run("unknown sizing method", func(t *testing.T) {
		cfg := base()
		cfg.Risk.Sizing.Method = "martingale"
		assert.ErrorContains(t, Validate(cfg), "sizing method")
	})

	t.Run("drawdown limit out of range", func(t *testing.T) {
		cfg := base()
		cfg.Risk.Limits.MaxDailyDrawdown = 1.5
		assert.ErrorContains(t, Validate(cfg), "max_daily_drawdown")
	})

	t.Run("non-positive equity", func(t *testing.T) {
		cfg := base()
		cfg.Account.InitialEquity = 0
		assert.ErrorContains(t, Validate(cfg), "initial_equity")
	})

	t.Run("reject rate out of range", func(t *testing.T) {
		cfg := base()
		cfg.Fills.RejectRate = 1.2
		assert.ErrorContains(t, Validate(cfg), "reject_rate")
	})

	t.Run("unknown slippage model", func(t *testing.T) {
		cfg := base()
		cfg.Slippage.Model = "teleport"
		assert.ErrorContains(t, Validate(cfg), "slippage model")
	})
}

func TestSlippageAndCommissionSelection(t *testing.T) {
	slip, err := SlippageConfig{Model: "spread", Fraction: 0.5}.Slippage()
	require.NoError(t, err)
	assert.NotNil(t, slip)

	comm, err := CommissionConfig{Model: "notional", Rate: 0.0002}.Commission()
	require.NoError(t, err)
	assert.NotNil(t, comm)

	// none 显式关闭
	slip, err = SlippageConfig{}.Slippage()
	require.NoError(t, err)
	assert.Nil(t, slip)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
