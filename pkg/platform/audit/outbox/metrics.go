package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for outbox delivery.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Enqueued      prometheus.Counter
	Sent          prometheus.Counter
	Failed        prometheus.Counter
	Discarded     prometheus.Counter
	Open          prometheus.Gauge
	FlushDuration prometheus.Histogram
}

// NewMetrics registers outbox metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_outbox_enqueued_total",
			Help: "Total number of audit events queued for post-commit delivery",
		}),
		Sent: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_outbox_sent_total",
			Help: "Total number of outbox entries delivered to the transport",
		}),
		Failed: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_outbox_failed_total",
			Help: "Total number of outbox entries that reached the failed state",
		}),
		Discarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_outbox_discarded_total",
			Help: "Total number of outbox entries dropped by a rollback",
		}),
		Open: factory.NewGauge(prometheus.GaugeOpts{
			Name: "auditlog_outbox_open",
			Help: "Number of transactions with buffered audit events",
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditlog_outbox_flush_duration_seconds",
			Help:    "Time taken to flush one committed outbox",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) incEnqueued() {
	if m != nil {
		m.Enqueued.Inc()
	}
}

func (m *Metrics) incSent() {
	if m != nil {
		m.Sent.Inc()
	}
}

func (m *Metrics) incFailed() {
	if m != nil {
		m.Failed.Inc()
	}
}

func (m *Metrics) addDiscarded(n int) {
	if m != nil {
		m.Discarded.Add(float64(n))
	}
}

func (m *Metrics) setOpen(n int) {
	if m != nil {
		m.Open.Set(float64(n))
	}
}

func (m *Metrics) observeFlush(seconds float64) {
	if m != nil {
		m.FlushDuration.Observe(seconds)
	}
}
