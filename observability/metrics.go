package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics records escrow engine activity segmented by operation and
// outcome.
type EngineMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics
)

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coopmarket",
				Subsystem: "escrow",
				Name:      "operations_total",
				Help:      "Total escrow engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "coopmarket",
				Subsystem: "escrow",
				Name:      "operation_errors_total",
				Help:      "Escrow engine failures segmented by operation and error kind.",
			}, []string{"operation", "kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "coopmarket",
				Subsystem: "escrow",
				Name:      "operation_duration_seconds",
				Help:      "Escrow engine operation latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(engineRegistry.requests, engineRegistry.errors, engineRegistry.latency)
	})
	return engineRegistry
}

// Observe records one engine operation. Kind is empty on success.
func (m *EngineMetrics) Observe(operation string, kind string, duration time.Duration) {
	if m == nil {
		return
	}
	operation = strings.ToLower(strings.TrimSpace(operation))
	outcome := "ok"
	if kind != "" {
		outcome = "error"
		m.errors.WithLabelValues(operation, kind).Inc()
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}
