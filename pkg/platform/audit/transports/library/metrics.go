package library

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	audit "auditlog/pkg/platform/audit"
)

// Metrics holds Prometheus metrics for the library transport.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Deliveries  *prometheus.CounterVec
	TokenFetch  prometheus.Counter
	AuthRetries prometheus.Counter
}

// NewMetrics registers library transport metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auditlog_library_deliveries_total",
			Help: "Delivery attempts to the audit-log service by outcome",
		}, []string{"outcome"}),
		TokenFetch: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_library_token_fetches_total",
			Help: "Client-credentials token requests issued",
		}),
		AuthRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "auditlog_library_auth_retries_total",
			Help: "Deliveries retried after a 401",
		}),
	}
}

func (m *Metrics) observeDelivery(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(audit.CategoryOf(err))
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incTokenFetch() {
	if m == nil {
		return
	}
	m.TokenFetch.Inc()
}

func (m *Metrics) incAuthRetry() {
	if m == nil {
		return
	}
	m.AuthRetries.Inc()
}
