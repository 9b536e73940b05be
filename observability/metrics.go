package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	optionsMetricsOnce sync.Once
	optionsRegistry    *OptionsMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording HTTP API
// activity per module and route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Count of module requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// OptionsMetrics tracks escrow engine operations and oracle health.
type OptionsMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	settlements  *prometheus.CounterVec
	sampleAge    prometheus.Gauge
	oracleErrors *prometheus.CounterVec
}

// Options returns the singleton metrics registry for the options engine.
func Options() *OptionsMetrics {
	optionsMetricsOnce.Do(func() {
		optionsRegistry = &OptionsMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "options",
				Name:      "operations_total",
				Help:      "Count of escrow operations segmented by operation and outcome code.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nhb",
				Subsystem: "options",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "options",
				Name:      "settlements_total",
				Help:      "Settled escrows segmented by winning side.",
			}, []string{"winner"}),
			sampleAge: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "options",
				Name:      "oracle_sample_age_seconds",
				Help:      "Age of the freshest oracle sample at the last refresh.",
			}),
			oracleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "options",
				Name:      "oracle_errors_total",
				Help:      "Oracle refresh failures segmented by source.",
			}, []string{"source"}),
		}
		prometheus.MustRegister(
			optionsRegistry.operations,
			optionsRegistry.latency,
			optionsRegistry.settlements,
			optionsRegistry.sampleAge,
			optionsRegistry.oracleErrors,
		)
	})
	return optionsRegistry
}

// RecordOperation records one engine call. outcome is "ok" or the error code.
func (m *OptionsMetrics) RecordOperation(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSettlement counts a settlement by winning side ("creator" or "taker").
func (m *OptionsMetrics) RecordSettlement(side string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(side).Inc()
}

// SetSampleAge publishes the age of the freshest oracle sample.
func (m *OptionsMetrics) SetSampleAge(age time.Duration) {
	if m == nil {
		return
	}
	m.sampleAge.Set(age.Seconds())
}

// RecordOracleError counts a failed refresh from source.
func (m *OptionsMetrics) RecordOracleError(source string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.oracleErrors.WithLabelValues(source).Inc()
}
