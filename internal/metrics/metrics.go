// Package metrics exposes engine and delivery counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives operation outcomes. A nil *Metrics is a valid no-op
// Recorder.
type Recorder interface {
	Observe(ctx context.Context, operation, outcome string, duration time.Duration)
	Rejected(reason string)
	Conflict(operation string)
	Invited(n int)
	Delivery(outcome string)
}

// Outcomes used as label values.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

type Metrics struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	rejections *prometheus.CounterVec
	conflicts  *prometheus.CounterVec
	invited    prometheus.Counter
	deliveries *prometheus.CounterVec
}

// New builds collectors on a private registry. Process and Go runtime
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drawline",
			Name:      "operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "drawline",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drawline",
			Name:      "rejections_total",
			Help:      "Registration requests refused, by reason.",
		}, []string{"reason"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drawline",
			Name:      "version_conflicts_total",
			Help:      "Optimistic lock conflicts that triggered a retry.",
		}, []string{"operation"}),
		invited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drawline",
			Name:      "lottery_invited_total",
			Help:      "Participants moved to the invited pool by lotteries.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drawline",
			Name:      "notification_deliveries_total",
			Help:      "Webhook deliveries by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.operations, m.durations, m.rejections, m.conflicts, m.invited, m.deliveries)
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Observe(_ context.Context, operation, outcome string, duration time.Duration) {
	if m == nil || operation == "" {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.durations.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) Conflict(operation string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(operation).Inc()
}

func (m *Metrics) Invited(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.invited.Add(float64(n))
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}
