package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for blobstore_rpc_requests_total.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure" // soft failure Result
	OutcomeError     = "error"
	OutcomeUnhandled = "unhandled"
)

// Metrics records per-method dispatch counts and latency.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the dispatch collectors on reg. A nil reg leaves them
// unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blobstore",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Blobstore calls by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "blobstore",
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "Blobstore call latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

func (m *Metrics) observe(method, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	if outcome != OutcomeUnhandled {
		m.duration.WithLabelValues(method).Observe(time.Since(started).Seconds())
	}
}
