package metrics

import "github.com/prometheus/client_golang/prometheus"

// Usage pipeline Prometheus metrics.
var (
	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctxmeter",
			Name:      "snapshots_total",
			Help:      "Snapshots submitted to arbitration by source and decision",
		},
		[]string{"source", "decision"}, // decision: "accepted" / "dropped"
	)

	ExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctxmeter",
			Name:      "extractions_total",
			Help:      "Network usage extraction attempts by result",
		},
		[]string{"result"}, // "hit" / "miss" / "malformed" / "filtered" / "read_error"
	)

	EstimateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ctxmeter",
			Name:      "estimate_duration_seconds",
			Help:      "DOM usage estimation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	EstimatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctxmeter",
			Name:      "estimates_total",
			Help:      "Debounced DOM estimations by outcome",
		},
		[]string{"outcome"}, // "submitted" / "suppressed" / "superseded" / "empty" / "error"
	)

	RelayFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctxmeter",
			Name:      "relay_failures_total",
			Help:      "Swallowed change relay failures by sink",
		},
		[]string{"sink"},
	)

	TokenizerLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctxmeter",
			Name:      "tokenizer_loads_total",
			Help:      "Tokenizer vocabulary load attempts",
		},
		[]string{"status"},
	)

	ContextsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ctxmeter",
			Name:      "contexts_active",
			Help:      "Live execution contexts",
		},
	)
)

var usageMetricsRegistered bool

// RegisterUsageMetrics registers the usage pipeline metrics. Must be called once from main.
func RegisterUsageMetrics() {
	if usageMetricsRegistered {
		return
	}
	prometheus.MustRegister(SnapshotsTotal)
	prometheus.MustRegister(ExtractionsTotal)
	prometheus.MustRegister(EstimateDuration)
	prometheus.MustRegister(EstimatesTotal)
	prometheus.MustRegister(RelayFailuresTotal)
	prometheus.MustRegister(TokenizerLoadsTotal)
	prometheus.MustRegister(ContextsActive)
	usageMetricsRegistered = true
}
