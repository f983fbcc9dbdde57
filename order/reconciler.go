package order

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"auto-trader-go/bus"
	"auto-trader-go/exec"
	"auto-trader-go/infrastructure/alert"
	"auto-trader-go/infrastructure/logger"
	"auto-trader-go/metrics"
	"auto-trader-go/risk"
)

// 对账差异类别
const (
	AlarmPhantomOrder   = "phantom_order"   // 经纪商有、本地无
	AlarmLostOrder      = "lost_order"      // 本地已提交、经纪商查不到
	AlarmMissedFill     = "missed_fill"     // 经纪商成交量领先本地
	AlarmPriceDeviation = "price_deviation" // 成交均价偏离
	AlarmOverfill       = "overfill"        // 成交量超过订单量
)

// ReconcilerConfig 对账器配置
type ReconcilerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	LostOrderGrace time.Duration `yaml:"lost_order_grace"` // 提交后多久查不到才算丢单
	PriceTolerance float64       `yaml:"price_tolerance"`  // 均价相对偏差容忍度
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

// Reconciler 周期性比对本地台账与经纪商侧真相。
// 差异只告警并做保守修正，不自动撤单或补单。
type Reconciler struct {
	cfg     ReconcilerConfig
	manager *Manager
	adapter exec.Adapter
	events  bus.Bus
	alerts  *alert.Manager
	monitor *risk.Monitor
	log     *logger.Logger
	metrics *metrics.Collector

	stopChan chan struct{}
	doneChan chan struct{}

	mu        sync.Mutex
	lastFills time.Time
	runs      int64
}

// NewReconciler alerts/monitor/metrics 可为 nil
func NewReconciler(cfg ReconcilerConfig, manager *Manager, adapter exec.Adapter,
	events bus.Bus, alerts *alert.Manager, monitor *risk.Monitor,
	log *logger.Logger, mc *metrics.Collector) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.LostOrderGrace <= 0 {
		cfg.LostOrderGrace = time.Minute
	}
	if cfg.PriceTolerance <= 0 {
		cfg.PriceTolerance = 0.005
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{
		cfg:       cfg,
		manager:   manager,
		adapter:   adapter,
		events:    events,
		alerts:    alerts,
		monitor:   monitor,
		log:       log.Named("reconciler"),
		metrics:   mc,
		stopChan:  make(chan struct{}),
		doneChan:  make(chan struct{}),
		lastFills: time.Now().UTC().Add(-time.Hour),
	}
}

// Start 启动对账循环
func (r *Reconciler) Start(ctx context.Context) error {
	go r.loop(ctx)
	return nil
}

// Stop 停止并等待循环退出
func (r *Reconciler) Stop() error {
	close(r.stopChan)
	<-r.doneChan
	return nil
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.doneChan)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				r.log.Warn("reconcile pass failed: " + err.Error())
			}
		}
	}
}

// ReconcileOnce 执行一轮对账
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	brokerOrders, err := r.adapter.OpenOrders(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch broker open orders: %w", err)
	}

	localOpen, err := r.manager.ledger.OpenOrders()
	if err != nil {
		return fmt.Errorf("load local open orders: %w", err)
	}

	byClient := make(map[string]exec.BrokerOrder, len(brokerOrders))
	for _, bo := range brokerOrders {
		byClient[bo.ClientOrderID] = bo
	}
	localByKey := make(map[string]*Order, len(localOpen))
	for _, o := range localOpen {
		localByKey[o.IdempotencyKey] = o
	}

	// 补偿错过的成交推送，先于差异比对让台账尽量追平
	r.replayMissedFills(ctx)

	// 类别一：经纪商有、本地无 -> 收编 + 告警
	for _, bo := range brokerOrders {
		if _, ok := localByKey[bo.ClientOrderID]; ok {
			continue
		}
		if _, err := r.manager.Get(bo.ClientOrderID); err == nil {
			continue // 本地已终态，不算幻影
		}
		if _, err := r.manager.AdoptOrder(bo); err != nil {
			r.log.Warn("adopt phantom order failed: " + err.Error())
			continue
		}
		r.alarm(AlarmPhantomOrder, bo.ClientOrderID, bo.BrokerOrderID, bo.Symbol,
			fmt.Sprintf("broker order %s not in local ledger", bo.BrokerOrderID), 0, 0)
	}

	now := time.Now().UTC()
	for _, o := range localOpen {
		bo, onBroker := byClient[o.IdempotencyKey]

		// 类别二：本地已提交、经纪商查不到
		if !onBroker && o.Status == StatusSubmitted && o.BrokerOrderID != "" {
			if now.Sub(o.UpdatedAt) < r.cfg.LostOrderGrace {
				continue
			}
			// 挂起该键的重试，等人工结论，绝不自动重发
			r.manager.SuspendKey(o.IdempotencyKey)
			r.alarm(AlarmLostOrder, o.IdempotencyKey, o.BrokerOrderID, o.Symbol,
				"submitted order missing on broker side", 0, 0)
			continue
		}
		if !onBroker {
			continue
		}

		if o.Status == StatusSubmitted {
			_ = r.manager.MarkAcknowledged(o.IdempotencyKey, bo.BrokerOrderID)
		}

		// 类别三：成交量不一致
		if bo.FilledQuantity > o.FilledQuantity+fillEpsilon {
			r.alarm(AlarmMissedFill, o.IdempotencyKey, bo.BrokerOrderID, o.Symbol,
				"broker filled quantity ahead of ledger", bo.FilledQuantity, o.FilledQuantity)
		}
		if o.FilledQuantity > o.Quantity+fillEpsilon {
			r.alarm(AlarmOverfill, o.IdempotencyKey, bo.BrokerOrderID, o.Symbol,
				"ledger filled quantity exceeds order quantity", o.Quantity, o.FilledQuantity)
		}

		// 类别四：成交均价偏离
		if o.AvgFillPrice > 0 && bo.AvgFillPrice > 0 {
			dev := math.Abs(bo.AvgFillPrice-o.AvgFillPrice) / o.AvgFillPrice
			if dev > r.cfg.PriceTolerance {
				r.alarm(AlarmPriceDeviation, o.IdempotencyKey, bo.BrokerOrderID, o.Symbol,
					fmt.Sprintf("avg fill price deviates %.3f%%", dev*100), o.AvgFillPrice, bo.AvgFillPrice)
			}
		}
	}

	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.ReconcileRuns.Inc()
	}
	return nil
}

// replayMissedFills 拉取自上次对账以来的成交并重放（FillID 幂等去重）
func (r *Reconciler) replayMissedFills(ctx context.Context) {
	r.mu.Lock()
	since := r.lastFills
	r.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	fills, err := r.adapter.Fills(callCtx, since)
	cancel()
	if err != nil {
		r.log.Warn("fetch fills for replay failed: " + err.Error())
		return
	}

	latest := since
	for _, f := range fills {
		if err := r.manager.ApplyFill(f); err != nil {
			r.log.Warn("replay fill failed: " + err.Error())
		}
		if f.Timestamp.After(latest) {
			latest = f.Timestamp
		}
	}

	r.mu.Lock()
	r.lastFills = latest
	r.mu.Unlock()
}

// Runs 已完成的对账轮数
func (r *Reconciler) Runs() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func (r *Reconciler) alarm(class, key, brokerID, symbol, detail string, expected, actual float64) {
	r.log.Warn("reconciliation alarm",
		zap.String("class", class),
		zap.String("idempotency_key", key),
		zap.String("symbol", symbol),
		zap.String("detail", detail))

	if r.metrics != nil {
		r.metrics.ReconcileAlarms.WithLabelValues(class).Inc()
	}
	if r.alerts != nil {
		r.alerts.ReconciliationAlarm(class, detail, map[string]interface{}{
			"idempotency_key": key,
			"broker_order_id": brokerID,
			"symbol":          symbol,
		})
	}
	if r.events != nil {
		r.events.Publish(bus.Event{
			Type: bus.EventReconciliationAlarm,
			Payload: &bus.AlarmEvent{
				Class:          class,
				IdempotencyKey: key,
				BrokerOrderID:  brokerID,
				Symbol:         symbol,
				Detail:         detail,
				Expected:       expected,
				Actual:         actual,
			},
		})
	}
	if r.monitor != nil {
		r.monitor.RecordReconcileAlarm(class, detail)
	}
}
