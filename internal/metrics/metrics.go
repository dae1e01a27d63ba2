package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memberpay"

// Registry 独立注册表，避免与默认注册表冲突
var Registry = prometheus.NewRegistry()

var (
	// HTTPRequestsTotal HTTP 请求计数
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)
	// OrdersCreated 支付单创建计数
	OrdersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "orders_created_total",
			Help:      "Total number of payment orders created",
		},
		[]string{"provider", "status"},
	)
	// CallbacksTotal 回调处理结果计数
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "callbacks_total",
			Help:      "Total number of provider callbacks by outcome",
		},
		[]string{"provider", "result"}, // result: ack, reject, retry
	)
	// FinalizationsTotal 入账计数
	FinalizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "finalizations_total",
			Help:      "Total number of membership ledger finalizations",
		},
		[]string{"provider", "result"}, // result: granted, duplicate, revoked
	)
	// ReconciliationsTotal 对账计数
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "reconciliations_total",
			Help:      "Total number of provider reconciliations",
		},
		[]string{"provider", "result"}, // result: applied, failed
	)
	// BreakerStateChanges 熔断状态变化计数
	BreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payment",
			Name:      "breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes",
		},
		[]string{"provider", "from", "to"},
	)
	// OutboxPublished 发件箱投递计数
	OutboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Total number of outbox events published",
		},
		[]string{"result"}, // result: sent, failed
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OrdersCreated,
		CallbacksTotal,
		FinalizationsTotal,
		ReconciliationsTotal,
		BreakerStateChanges,
		OutboxPublished,
	)
}

// Handler 暴露 /metrics
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveBreakerChange 记录熔断状态变化
func ObserveBreakerChange(provider, from, to string) {
	BreakerStateChanges.WithLabelValues(provider, from, to).Inc()
}
