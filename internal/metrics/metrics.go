// Package metrics 定义库存引擎的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MorseWayne/stock_engine/internal/domain"
)

const namespace = "stock_engine"

// Metrics 引擎指标集合，nil 接收者上的方法为空操作
type Metrics struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	lockWait      *prometheus.HistogramVec
	notifyDropped *prometheus.CounterVec
	notifyFailed  *prometheus.CounterVec
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Stock operations by type and outcome.",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_ms",
			Help:      "Total stock operation duration in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 3000},
		}, []string{"operation"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_ms",
			Help:      "Time spent waiting for the per-product lock in milliseconds.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 3000},
		}, []string{"operation"}),
		notifyDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Audit/alert notifications dropped because the queue was full.",
		}, []string{"kind"}),
		notifyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Audit/alert notifications whose sink returned an error.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.lockWait, m.notifyDropped, m.notifyFailed)
	}
	return m
}

// ObserveOperation 记录一次操作结果
func (m *Metrics) ObserveOperation(r *domain.OperationResult) {
	if m == nil || r == nil {
		return
	}
	op := string(r.OperationType)
	outcome := "success"
	if !r.Succeeded {
		outcome = string(r.ErrorCode)
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(float64(r.TotalDurationMs))
	m.lockWait.WithLabelValues(op).Observe(float64(r.LockWaitMs))
}

// NotificationDropped 记录被丢弃的通知
func (m *Metrics) NotificationDropped(kind string) {
	if m == nil {
		return
	}
	m.notifyDropped.WithLabelValues(kind).Inc()
}

// NotificationFailed 记录投递失败的通知
func (m *Metrics) NotificationFailed(kind string) {
	if m == nil {
		return
	}
	m.notifyFailed.WithLabelValues(kind).Inc()
}
