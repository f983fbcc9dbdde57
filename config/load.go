// Package config 加载与校验应用配置，支持环境变量覆盖与热更新。
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"auto-trader-go/exec"
	"auto-trader-go/gateway"
	"auto-trader-go/infrastructure/logger"
	"auto-trader-go/order"
	"auto-trader-go/risk"
	"auto-trader-go/signal"
)

// 运行模式
const (
	ModeLive     = "live"
	ModePaper    = "paper"
	ModeBacktest = "backtest"
)

// BusConfig 事件总线配置
type BusConfig struct {
	Backend    string `yaml:"backend"`     // memory 或 durable
	JournalDir string `yaml:"journal_dir"` // durable 模式的日志目录
	QueueSize  int    `yaml:"queue_size"`
}

// AccountConfig 账户配置
type AccountConfig struct {
	ID            string  `yaml:"id"`
	InitialEquity float64 `yaml:"initial_equity"`
}

// MetricsConfig 指标暴露配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AlertConfig 告警配置
type AlertConfig struct {
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
}

// OMSConfig 订单管理配置
type OMSConfig struct {
	Manager    order.ManagerConfig    `yaml:"manager"`
	Reconciler order.ReconcilerConfig `yaml:"reconciler"`
	LedgerPath string                 `yaml:"ledger_path"`
}

// SlippageConfig 模拟撮合的滑点模型选择
type SlippageConfig struct {
	Model         string  `yaml:"model"` // none / fixed / spread / volume
	Points        float64 `yaml:"points"`
	Fraction      float64 `yaml:"fraction"`
	ImpactPerUnit float64 `yaml:"impact_per_unit"`
}

// CommissionConfig 模拟撮合的手续费模型选择
type CommissionConfig struct {
	Model   string  `yaml:"model"` // none / fixed / per_unit / notional
	Amount  float64 `yaml:"amount"`
	PerUnit float64 `yaml:"per_unit"`
	Rate    float64 `yaml:"rate"`
}

// Slippage 根据配置构造滑点模型，none 返回 nil
func (c SlippageConfig) Slippage() (exec.SlippageModel, error) {
	switch c.Model {
	case "", "none":
		return nil, nil
	case "fixed":
		return exec.FixedSlippage{Points: c.Points}, nil
	case "spread":
		return exec.SpreadSlippage{Fraction: c.Fraction}, nil
	case "volume":
		return exec.VolumeSlippage{ImpactPerUnit: c.ImpactPerUnit}, nil
	default:
		return nil, fmt.Errorf("unknown slippage model: %q", c.Model)
	}
}

// Commission 根据配置构造手续费模型，none 返回 nil
func (c CommissionConfig) Commission() (exec.CommissionModel, error) {
	switch c.Model {
	case "", "none":
		return nil, nil
	case "fixed":
		return exec.FixedCommission{PerTrade: c.Amount}, nil
	case "per_unit":
		return exec.PerUnitCommission{PerUnit: c.PerUnit}, nil
	case "notional":
		return exec.NotionalCommission{Rate: c.Rate}, nil
	default:
		return nil, fmt.Errorf("unknown commission model: %q", c.Model)
	}
}

// AppConfig 应用总配置
type AppConfig struct {
	Env         string             `yaml:"env"`  // dev / staging / prod
	Mode        string             `yaml:"mode"` // live / paper / backtest
	Logging     logger.Config      `yaml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Alerts      AlertConfig        `yaml:"alerts"`
	Bus         BusConfig          `yaml:"bus"`
	Account     AccountConfig      `yaml:"account"`
	Gateway     gateway.Config     `yaml:"gateway"`
	Risk        risk.Config        `yaml:"risk"`
	Overtrading signal.GuardConfig `yaml:"overtrading"`
	OMS         OMSConfig          `yaml:"oms"`
	Fills       exec.FillSimConfig `yaml:"fills"`      // paper/backtest 撮合参数
	Slippage    SlippageConfig     `yaml:"slippage"`   // 模拟滑点模型
	Commission  CommissionConfig   `yaml:"commission"` // 模拟手续费模型
}

// Load 从 YAML 文件读取配置并校验
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides 加载配置后用环境变量覆盖敏感字段。
// 当前目录存在 .env 时先行载入。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	_ = godotenv.Load() // .env 不存在不算错误

	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("BROKER_API_SECRET"); v != "" {
		cfg.Gateway.Secret = v
	}
	if v := os.Getenv("TRADER_LEDGER_PATH"); v != "" {
		cfg.OMS.LedgerPath = v
	}
	return cfg, Validate(cfg)
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Mode == "" {
		cfg.Mode = ModePaper
	}
	if cfg.Logging.Level == "" {
		cfg.Logging = logger.DefaultConfig()
	}
	if cfg.Bus.Backend == "" {
		cfg.Bus.Backend = "memory"
	}
	if cfg.Bus.QueueSize <= 0 {
		cfg.Bus.QueueSize = 1024
	}
	if cfg.Alerts.ThrottleInterval <= 0 {
		cfg.Alerts.ThrottleInterval = time.Minute
	}
	if cfg.OMS.LedgerPath == "" {
		cfg.OMS.LedgerPath = "trader.db"
	}
	if cfg.OMS.Manager.Retry.MaxAttempts <= 0 {
		cfg.OMS.Manager.Retry = order.DefaultRetryConfig()
	}
	if cfg.Risk.Monitor.Window <= 0 {
		cfg.Risk.Monitor = risk.DefaultMonitorConfig()
	}
	if cfg.Account.ID == "" {
		cfg.Account.ID = "default"
	}
}
