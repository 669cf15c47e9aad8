package server

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procbridge/guard"
	"procbridge/handler"
)

type metrics struct {
	conns    prometheus.Gauge
	accepted prometheus.Counter
	rejected prometheus.Counter
	pushed   prometheus.Counter
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// newMetrics builds the server collectors and registers them with reg when it is not nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	const ns, sub = "procbridge", "server"
	m := &metrics{
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "connections",
			Help: "Number of live client connections.",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "connections_accepted_total",
			Help: "Total number of accepted client connections.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "connections_rejected_total",
			Help: "Connections closed immediately because the connection limit was reached.",
		}),
		pushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "pushed_messages_total",
			Help: "Messages queued to clients outside a request.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "requests_total",
			Help: "Handled requests by api and outcome.",
		}, []string{"api", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, Name: "request_duration_seconds",
			Help:    "Handler latency by api.",
			Buckets: prometheus.DefBuckets,
		}, []string{"api"}),
	}
	if reg != nil {
		reg.MustRegister(m.conns, m.accepted, m.rejected, m.pushed, m.requests, m.duration)
	}
	return m
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, guard.ErrTimeout):
		return "timeout"
	case errors.Is(err, handler.ErrNotFound):
		// unknown names are not used as label values
		return "unknown_api"
	default:
		return "error"
	}
}

func (m *metrics) observe(api string, err error, elapsed time.Duration) {
	result := outcome(err)
	if result == "unknown_api" {
		api = "unknown"
	}
	m.requests.WithLabelValues(api, result).Inc()
	m.duration.WithLabelValues(api).Observe(elapsed.Seconds())
}
