package cmd

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"auto-trader-go/bus"
	"auto-trader-go/config"
	"auto-trader-go/exec"
	"auto-trader-go/infrastructure/logger"
	"auto-trader-go/internal/engine"
	"auto-trader-go/order"
	"auto-trader-go/risk"
	sig "auto-trader-go/signal"
)

var (
	btBars    string
	btSignals string
	btSymbol  string
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "用 K 线与信号文件回放完整交易链路",
	Long: `backtest 把历史 K 线逐根喂给回测撮合器，同时按时间戳回放信号文件。
每个信号走与实盘相同的过滤、风控与订单路径，结束后输出汇总。

K 线 CSV 列：timestamp,open,high,low,close,volume
信号 CSV 列：timestamp,direction,strategy,entry_price,stop_distance`,
	RunE: runBacktest,
}

func init() {
	backtestCmd.Flags().StringVar(&btBars, "bars", "", "K 线 CSV 文件（必填）")
	backtestCmd.Flags().StringVar(&btSignals, "signals", "", "信号 CSV 文件（必填）")
	backtestCmd.Flags().StringVar(&btSymbol, "symbol", "EURUSD", "回测标的")
	_ = backtestCmd.MarkFlagRequired("bars")
	_ = backtestCmd.MarkFlagRequired("signals")
	rootCmd.AddCommand(backtestCmd)
}

type backtestStats struct {
	signals  int
	filtered int
	rejected int
	failed   int
	accepted int
	closed   atomic.Int64 // 成交回报异步落账
	wins     atomic.Int64
	minEq    float64
	maxEq    float64
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithEnvOverrides(cfgPath)
	if err != nil {
		return err
	}

	bars, err := loadBars(btBars, btSymbol)
	if err != nil {
		return fmt.Errorf("load bars: %w", err)
	}
	signals, err := loadSignals(btSignals, btSymbol)
	if err != nil {
		return fmt.Errorf("load signals: %w", err)
	}
	if len(bars) == 0 {
		return fmt.Errorf("no bars in %s", btBars)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	dir, err := os.MkdirTemp("", "backtest-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	ledger, err := order.OpenLedger(filepath.Join(dir, "ledger.db"))
	if err != nil {
		return err
	}
	defer ledger.Close()

	ks := risk.NewKillSwitch(log, nil, nil, ledger, nil)
	monitor := risk.NewMonitor(cfg.Risk.Monitor, ks)
	riskMgr := risk.NewManager(cfg.Risk, ks, monitor, log, nil)

	if cfg.Fills.Seed == 0 {
		cfg.Fills.Seed = 1 // 未指定种子时固定，保证可复现
	}
	slip, err := cfg.Slippage.Slippage()
	if err != nil {
		return err
	}
	comm, err := cfg.Commission.Commission()
	if err != nil {
		return err
	}
	adapter := exec.NewBacktestAdapter(exec.NewFillSimulator(cfg.Fills, slip, comm))

	omsCfg := cfg.OMS.Manager
	omsCfg.Broker = "backtest"
	orderMgr := order.NewManager(omsCfg, ledger, adapter, riskMgr, monitor, bus.NewMemoryBus(16), log, nil)

	guard := sig.NewOvertradingGuard(cfg.Overtrading)
	eng := engine.New(engine.Config{
		AccountID:     cfg.Account.ID,
		InitialEquity: cfg.Account.InitialEquity,
	}, bus.NewMemoryBus(16), guard, riskMgr, orderMgr, log, nil)

	stats := &backtestStats{minEq: cfg.Account.InitialEquity, maxEq: cfg.Account.InitialEquity}
	inner := orderMgr.OnTradeClosed // 引擎的权益与连亏统计
	orderMgr.OnTradeClosed = func(symbol, strategyID string, pnl float64, won bool) {
		if inner != nil {
			inner(symbol, strategyID, pnl, won)
		}
		stats.closed.Add(1)
		if won {
			stats.wins.Add(1)
		}
	}

	sort.Slice(signals, func(i, j int) bool { return signals[i].Timestamp.Before(signals[j].Timestamp) })
	next := 0
	for _, bar := range bars {
		adapter.OnBar(bar)
		eng.MarkPrice(bar.Symbol, bar.Close)

		for next < len(signals) && !signals[next].Timestamp.After(bar.Timestamp) {
			s := signals[next]
			next++
			if s.EntryPrice == 0 {
				s.EntryPrice = bar.Close
			}
			stats.signals++
			o, err := eng.ProcessSignal(s)
			switch {
			case err != nil && o == nil && isGuardReject(err):
				stats.filtered++
			case err != nil && o == nil:
				stats.rejected++
			case err != nil:
				stats.failed++
			default:
				stats.accepted++
			}
		}

		// 成交异步落账，给回报一点时间追上当前 K 线
		time.Sleep(2 * time.Millisecond)
		if eq := eng.Equity(); eq < stats.minEq {
			stats.minEq = eq
		} else if eq > stats.maxEq {
			stats.maxEq = eq
		}
	}
	time.Sleep(50 * time.Millisecond) // 收尾的异步成交

	printSummary(cfg, stats, eng.Equity())
	return nil
}

func isGuardReject(err error) bool {
	return errors.Is(err, sig.ErrCooldown) ||
		errors.Is(err, sig.ErrFrequencyCap) ||
		errors.Is(err, sig.ErrLossPause)
}

func printSummary(cfg config.AppConfig, stats *backtestStats, finalEquity float64) {
	pnl := finalEquity - cfg.Account.InitialEquity
	closed := stats.closed.Load()
	winRate := 0.0
	if closed > 0 {
		winRate = float64(stats.wins.Load()) / float64(closed)
	}
	maxDD := 0.0
	if stats.maxEq > 0 {
		maxDD = (stats.maxEq - stats.minEq) / stats.maxEq
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("BACKTEST SUMMARY")
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Symbol", btSymbol},
		{"Signals", stats.signals},
		{"Filtered (overtrading)", stats.filtered},
		{"Rejected (risk)", stats.rejected},
		{"Submit failures", stats.failed},
		{"Orders accepted", stats.accepted},
		{"Round trips closed", closed},
		{"Win rate", fmt.Sprintf("%.1f%%", winRate*100)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Initial equity", fmt.Sprintf("%.2f", cfg.Account.InitialEquity)},
		{"Final equity", fmt.Sprintf("%.2f", finalEquity)},
		{"PnL", fmt.Sprintf("%+.2f", pnl)},
		{"Max drawdown", fmt.Sprintf("%.2f%%", maxDD*100)},
	})
	t.Render()
}

func loadBars(path, symbol string) ([]exec.Bar, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	bars := make([]exec.Bar, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("line %d: want 6 columns, got %d", i+2, len(row))
		}
		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad timestamp %q", i+2, row[0])
		}
		vals := make([]float64, 5)
		for j := 0; j < 5; j++ {
			v, err := strconv.ParseFloat(row[j+1], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad number %q", i+2, row[j+1])
			}
			vals[j] = v
		}
		bars = append(bars, exec.Bar{
			Symbol: symbol, Timestamp: ts,
			Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4],
		})
	}
	return bars, nil
}

func loadSignals(path, symbol string) ([]sig.Signal, error) {
	rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	out := make([]sig.Signal, 0, len(rows))
	for i, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("line %d: want at least 3 columns", i+2)
		}
		ts, err := time.Parse(time.RFC3339, row[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: bad timestamp %q", i+2, row[0])
		}
		s := sig.Signal{
			Symbol:     symbol,
			Direction:  sig.Direction(row[1]),
			StrategyID: row[2],
			Broker:     "backtest",
			Timestamp:  ts,
		}
		if len(row) > 3 && row[3] != "" {
			if s.EntryPrice, err = strconv.ParseFloat(row[3], 64); err != nil {
				return nil, fmt.Errorf("line %d: bad entry price %q", i+2, row[3])
			}
		}
		if len(row) > 4 && row[4] != "" {
			if s.StopDistance, err = strconv.ParseFloat(row[4], 64); err != nil {
				return nil, fmt.Errorf("line %d: bad stop distance %q", i+2, row[4])
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// readCSV 读取并跳过表头
func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		if _, err := time.Parse(time.RFC3339, rows[0][0]); err != nil {
			rows = rows[1:] // 表头
		}
	}
	return rows, nil
}
