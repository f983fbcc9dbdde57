package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"auto-trader-go/bus"
	"auto-trader-go/config"
	"auto-trader-go/exec"
	"auto-trader-go/gateway"
	"auto-trader-go/infrastructure/alert"
	"auto-trader-go/infrastructure/logger"
	"auto-trader-go/internal/engine"
	"auto-trader-go/metrics"
	"auto-trader-go/order"
	"auto-trader-go/risk"
	sig "auto-trader-go/signal"
)

var runMode string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "启动交易守护进程",
	RunE:  runTrader,
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", "", "覆盖配置中的运行模式（live/paper）")
	rootCmd.AddCommand(runCmd)
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithEnvOverrides(cfgPath)
	if err != nil {
		return err
	}
	if runMode != "" {
		cfg.Mode = runMode
		if err := config.Validate(cfg); err != nil {
			return err
		}
	}
	if cfg.Mode == config.ModeBacktest {
		return fmt.Errorf("backtest mode runs via the backtest subcommand")
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	mc := metrics.New()
	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Addr)
	}
	alerts := alert.NewManager(cfg.Alerts.ThrottleInterval, alert.NewLogChannel("stderr", os.Stderr))

	events, err := buildBus(cfg.Bus)
	if err != nil {
		return err
	}

	ledger, err := order.OpenLedger(cfg.OMS.LedgerPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	ks := risk.NewKillSwitch(log, events, alerts, ledger, mc)
	if err := ks.Restore(); err != nil {
		return fmt.Errorf("restore kill switch: %w", err)
	}
	if ks.Tripped() {
		reason, at := ks.Reason()
		log.Warn("starting with kill switch tripped, no new orders until manual reset",
			zap.String("reason", string(reason)), zap.Time("tripped_at", at))
	}
	monitor := risk.NewMonitor(cfg.Risk.Monitor, ks)
	riskMgr := risk.NewManager(cfg.Risk, ks, monitor, log, mc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter, err := buildAdapter(ctx, cfg, log, mc)
	if err != nil {
		return err
	}

	orderMgr := order.NewManager(cfg.OMS.Manager, ledger, adapter, riskMgr, monitor, events, log, mc)
	reconciler := order.NewReconciler(cfg.OMS.Reconciler, orderMgr, adapter, events, alerts, monitor, log, mc)

	guard := sig.NewOvertradingGuard(cfg.Overtrading)
	eng := engine.New(engine.Config{
		AccountID:     cfg.Account.ID,
		InitialEquity: cfg.Account.InitialEquity,
	}, events, guard, riskMgr, orderMgr, log, mc)

	eng.Start(ctx)
	if err := events.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	if err := reconciler.Start(ctx); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}

	reloader := config.NewHotReloader(cfgPath, cfg, 2*time.Second, log)
	reloader.OnReload(func(old, fresh config.AppConfig) error {
		riskMgr.UpdateConfig(fresh.Risk)
		return nil
	})
	if err := reloader.Start(); err != nil {
		log.Warn("config hot reload disabled", zap.Error(err))
	} else {
		defer reloader.Stop()
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdogLoop(ctx)

	log.Info("trader running",
		zap.String("mode", cfg.Mode),
		zap.String("account", cfg.Account.ID),
		zap.String("bus", cfg.Bus.Backend))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	cancel()
	reconciler.Stop()
	events.Stop()
	eng.Stop()
	return nil
}

func buildBus(cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Backend {
	case "durable":
		return bus.NewDurableBus(cfg.JournalDir)
	default:
		return bus.NewMemoryBus(cfg.QueueSize), nil
	}
}

func buildAdapter(ctx context.Context, cfg config.AppConfig, log *logger.Logger, mc *metrics.Collector) (exec.Adapter, error) {
	switch cfg.Mode {
	case config.ModeLive:
		client := gateway.NewClient(cfg.Gateway)
		live := exec.NewLiveAdapter(client, cfg.Gateway, log, mc)
		go func() {
			if err := live.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("live adapter stopped", zap.Error(err))
			}
		}()
		return live, nil
	case config.ModePaper:
		slip, err := cfg.Slippage.Slippage()
		if err != nil {
			return nil, err
		}
		comm, err := cfg.Commission.Commission()
		if err != nil {
			return nil, err
		}
		sim := exec.NewFillSimulator(cfg.Fills, slip, comm)
		return exec.NewPaperAdapter(sim), nil
	default:
		return nil, fmt.Errorf("no adapter for mode %q", cfg.Mode)
	}
}

// watchdogLoop systemd watchdog 心跳；未启用时直接返回
func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
