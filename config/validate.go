package config

import (
	"fmt"

	"auto-trader-go/risk"
)

// Validate 检查配置的完整性与一致性
func Validate(cfg AppConfig) error {
	switch cfg.Mode {
	case ModeLive, ModePaper, ModeBacktest:
	default:
		return fmt.Errorf("invalid mode: %q", cfg.Mode)
	}

	if cfg.Mode == ModeLive {
		if cfg.Gateway.BaseURL == "" {
			return fmt.Errorf("live mode requires gateway.base_url")
		}
		if cfg.Gateway.APIKey == "" || cfg.Gateway.Secret == "" {
			return fmt.Errorf("live mode requires broker credentials")
		}
	}

	switch cfg.Bus.Backend {
	case "memory":
	case "durable":
		if cfg.Bus.JournalDir == "" {
			return fmt.Errorf("durable bus requires bus.journal_dir")
		}
	default:
		return fmt.Errorf("invalid bus backend: %q", cfg.Bus.Backend)
	}

	if cfg.Account.InitialEquity <= 0 {
		return fmt.Errorf("account.initial_equity must be positive")
	}

	if err := validateSizing(cfg.Risk.Sizing); err != nil {
		return err
	}
	if err := validateLimits(cfg.Risk.Limits); err != nil {
		return err
	}

	if cfg.OMS.Manager.Retry.MaxAttempts < 1 {
		return fmt.Errorf("oms.manager.retry.max_attempts must be at least 1")
	}
	if cfg.OMS.Manager.Retry.JitterPct < 0 || cfg.OMS.Manager.Retry.JitterPct > 1 {
		return fmt.Errorf("oms.manager.retry.jitter_pct must be in [0,1]")
	}
	if cfg.OMS.Reconciler.PriceTolerance < 0 {
		return fmt.Errorf("oms.reconciler.price_tolerance must not be negative")
	}

	if cfg.Fills.RejectRate < 0 || cfg.Fills.RejectRate >= 1 {
		return fmt.Errorf("fills.reject_rate must be in [0,1)")
	}
	if _, err := cfg.Slippage.Slippage(); err != nil {
		return err
	}
	if _, err := cfg.Commission.Commission(); err != nil {
		return err
	}

	if g := cfg.Overtrading; g.Enabled {
		if g.Window > 0 && g.MaxPerWindow <= 0 {
			return fmt.Errorf("overtrading.max_per_window must be positive when window is set")
		}
	}
	return nil
}

func validateSizing(s risk.SizingConfig) error {
	switch s.Method {
	case risk.SizeFixedUnits, risk.SizeFixedAmount, risk.SizePercentEquity,
		risk.SizePercentRisk, risk.SizeATRBased, risk.SizeKellyFractional:
	case "":
		return fmt.Errorf("risk.sizing.method is required")
	default:
		return fmt.Errorf("unknown sizing method: %q", s.Method)
	}

	if s.MaxPositionPct < 0 || s.MaxPositionPct > 1 {
		return fmt.Errorf("risk.sizing.max_position_pct must be in [0,1]")
	}
	if s.MaxRiskPerTrade < 0 || s.MaxRiskPerTrade > 1 {
		return fmt.Errorf("risk.sizing.max_risk_per_trade must be in [0,1]")
	}
	if s.MaxUnits < 0 {
		return fmt.Errorf("risk.sizing.max_units must not be negative")
	}
	if s.WinRatePrior < 0 || s.WinRatePrior >= 1 {
		return fmt.Errorf("risk.sizing.win_rate_prior must be in [0,1)")
	}
	return nil
}

func validateLimits(l risk.Limits) error {
	if l.MaxOpenPositions < 0 {
		return fmt.Errorf("risk.limits.max_open_positions must not be negative")
	}
	if l.MaxDailyDrawdown < 0 || l.MaxDailyDrawdown > 1 {
		return fmt.Errorf("risk.limits.max_daily_drawdown must be in [0,1]")
	}
	if l.MaxWeeklyDrawdown < 0 || l.MaxWeeklyDrawdown > 1 {
		return fmt.Errorf("risk.limits.max_weekly_drawdown must be in [0,1]")
	}
	if l.MaxSymbolExposure < 0 || l.MaxGroupExposure < 0 {
		return fmt.Errorf("risk.limits exposure caps must not be negative")
	}
	return nil
}
