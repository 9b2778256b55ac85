package lsp

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by all connections.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	notificationsTotal *prometheus.CounterVec
	unmatchedTotal     *prometheus.CounterVec
	decodeErrorsTotal  *prometheus.CounterVec
	pendingRequests    *prometheus.GaugeVec
}

// NewMetrics registers the LSP collectors with reg under namespace.
// A nil reg registers with the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{}

	m.requestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lsp",
			Name:      "requests_total",
			Help:      "Total number of requests sent to language servers",
		},
		[]string{"server", "method", "status"},
	)

	m.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lsp",
			Name:      "request_duration_seconds",
			Help:      "Round-trip time of language server requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method"},
	)

	m.notificationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lsp",
			Name:      "notifications_received_total",
			Help:      "Total number of notifications and server requests received",
		},
		[]string{"server", "method"},
	)

	m.unmatchedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lsp",
			Name:      "unmatched_responses_total",
			Help:      "Responses whose id matched no pending request",
		},
		[]string{"server"},
	)

	m.decodeErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lsp",
			Name:      "decode_errors_total",
			Help:      "Frames skipped because their JSON could not be decoded",
		},
		[]string{"server"},
	)

	m.pendingRequests = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lsp",
			Name:      "pending_requests",
			Help:      "Requests awaiting a response",
		},
		[]string{"server"},
	)

	return m
}

// RecordRequest records a completed request.
func (m *Metrics) RecordRequest(server, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(server, method, status).Inc()
	m.requestDuration.WithLabelValues(server, method).Observe(duration.Seconds())
}

// RecordNotification records an incoming notification or server request.
func (m *Metrics) RecordNotification(server, method string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(server, method).Inc()
}

// RecordUnmatched records a response that matched no pending request.
func (m *Metrics) RecordUnmatched(server string) {
	if m == nil {
		return
	}
	m.unmatchedTotal.WithLabelValues(server).Inc()
}

// RecordDecodeError records a skipped undecodable frame.
func (m *Metrics) RecordDecodeError(server string) {
	if m == nil {
		return
	}
	m.decodeErrorsTotal.WithLabelValues(server).Inc()
}

// SetPending sets the number of in-flight requests.
func (m *Metrics) SetPending(server string, n int) {
	if m == nil {
		return
	}
	m.pendingRequests.WithLabelValues(server).Set(float64(n))
}

// requestStatus labels the outcome of a request.
func requestStatus(err error) string {
	if err == nil {
		return "ok"
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return "error_response"
	}
	return "failed"
}
