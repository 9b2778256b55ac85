package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Highlight modes recorded in metrics.
const (
	modeFused   = "fused"
	modeLexical = "lexical"
)

// highlightMetrics counts highlight passes by the mode that produced them.
type highlightMetrics struct {
	total        *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	decodeErrors prometheus.Counter
}

func newHighlightMetrics(namespace string, reg prometheus.Registerer) *highlightMetrics {
	factory := promauto.With(reg)
	return &highlightMetrics{
		total: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "highlight",
				Name:      "passes_total",
				Help:      "Total number of highlight passes by mode",
			},
			[]string{"mode"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "highlight",
				Name:      "duration_seconds",
				Help:      "Time to produce a token tree in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		decodeErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "highlight",
				Name:      "semantic_decode_errors_total",
				Help:      "Semantic token responses that did not fit their document",
			},
		),
	}
}

func (m *highlightMetrics) observe(mode string, d time.Duration) {
	m.total.WithLabelValues(mode).Inc()
	m.duration.WithLabelValues(mode).Observe(d.Seconds())
}
