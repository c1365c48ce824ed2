package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrecall_http_requests_total",
			Help: "Total number of HTTP requests by method, route and status.",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sqlrecall_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path", "status"},
	)
	httpRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlrecall_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served.",
		},
	)

	validationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrecall_validations_total",
			Help: "Total number of SQL validations by result and rejection code.",
		},
		[]string{"result", "code"},
	)
	retrievalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrecall_retrievals_total",
			Help: "Total number of pattern retrievals by result (hit or miss).",
		},
		[]string{"result"},
	)
	retrievalLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sqlrecall_retrieval_latency_ms",
			Help:    "Pattern retrieval latency in milliseconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500},
		},
	)
	retrievalStoreErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlrecall_retrieval_store_errors_total",
			Help: "Total number of retrievals that degraded to empty because the pattern store failed.",
		},
	)
	feedbackEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrecall_feedback_events_total",
			Help: "Total number of feedback events by verdict and result.",
		},
		[]string{"verdict", "result"},
	)
	prunedPatternsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlrecall_pruned_patterns_total",
			Help: "Total number of patterns removed by pruning.",
		},
	)
	exportRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sqlrecall_export_runs_total",
			Help: "Total number of pattern export runs by result.",
		},
		[]string{"result"},
	)
	exportedPatternsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sqlrecall_exported_patterns_total",
			Help: "Total number of patterns written to export snapshots.",
		},
	)
	storedFingerprints = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sqlrecall_stored_fingerprints",
			Help: "Number of schema fingerprints with at least one stored pattern, as of the last maintenance run.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpRequestsInFlight,
		validationsTotal,
		retrievalsTotal,
		retrievalLatencyMs,
		retrievalStoreErrorsTotal,
		feedbackEventsTotal,
		prunedPatternsTotal,
		exportRunsTotal,
		exportedPatternsTotal,
		storedFingerprints,
	)
}

// ObserveValidation counts one validator verdict. code is empty for accepted
// statements.
func ObserveValidation(accepted bool, code string) {
	result := "rejected"
	if accepted {
		result = "accepted"
		code = ""
	}
	validationsTotal.WithLabelValues(result, code).Inc()
}

func ObserveRetrieval(matches int, elapsed time.Duration) {
	result := "miss"
	if matches > 0 {
		result = "hit"
	}
	retrievalsTotal.WithLabelValues(result).Inc()
	retrievalLatencyMs.Observe(float64(elapsed.Microseconds()) / 1000)
}

func IncrementRetrievalStoreError() {
	retrievalStoreErrorsTotal.Inc()
}

func ObserveFeedback(verdict, result string) {
	feedbackEventsTotal.WithLabelValues(verdict, result).Inc()
}

func ObservePrune(removed int) {
	if removed > 0 {
		prunedPatternsTotal.Add(float64(removed))
	}
}

func ObserveExport(exported int, err error) {
	if err != nil {
		exportRunsTotal.WithLabelValues("failed").Inc()
		return
	}
	exportRunsTotal.WithLabelValues("succeeded").Inc()
	if exported > 0 {
		exportedPatternsTotal.Add(float64(exported))
	}
}

func SetStoredFingerprints(count int) {
	if count < 0 {
		count = 0
	}
	storedFingerprints.Set(float64(count))
}
