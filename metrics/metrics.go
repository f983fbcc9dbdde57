// Package metrics 提供交易核心的 Prometheus 指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 聚合 OMS/风控/事件总线指标
type Collector struct {
	OrdersByState    *prometheus.CounterVec
	SubmitRetries    prometheus.Counter
	RiskRejects      *prometheus.CounterVec
	SignalsFiltered  *prometheus.CounterVec
	KillSwitch       prometheus.Gauge
	ReconcileAlarms  *prometheus.CounterVec
	ReconcileRuns    prometheus.Counter
	BusDepth         *prometheus.GaugeVec
	AdapterLatency   *prometheus.HistogramVec
	OpenPositions    prometheus.Gauge
	Equity           prometheus.Gauge
	ExposureBySymbol *prometheus.GaugeVec
}

// New 创建并注册指标（promauto 使用默认 registry）
func New() *Collector {
	return &Collector{
		OrdersByState: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_order_transitions_total",
			Help: "订单状态转换数量",
		}, []string{"state"}),
		SubmitRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oms_submit_retries_total",
			Help: "提交重试次数",
		}),
		RiskRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_rejects_total",
			Help: "风控拒单数量",
		}, []string{"limit"}),
		SignalsFiltered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "overtrading_filtered_total",
			Help: "防过度交易过滤的信号数量",
		}, []string{"reason"}),
		KillSwitch: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kill_switch_tripped",
			Help: "熔断状态(0=armed,1=tripped)",
		}),
		ReconcileAlarms: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_alarms_total",
			Help: "对账差异告警数量",
		}, []string{"class"}),
		ReconcileRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "对账执行次数",
		}),
		BusDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "event_bus_queue_depth",
			Help: "事件总线各订阅者队列深度",
		}, []string{"topic"}),
		AdapterLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exec_adapter_latency_seconds",
			Help:    "执行适配器调用耗时",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_open_positions",
			Help: "当前持仓数量",
		}),
		Equity: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "risk_equity",
			Help: "当前账户权益",
		}),
		ExposureBySymbol: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "risk_exposure_notional",
			Help: "各交易标的名义敞口",
		}, []string{"symbol"}),
	}
}

// StartServer 启动Prometheus指标服务器
func StartServer(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}
