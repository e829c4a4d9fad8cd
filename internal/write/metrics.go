package write

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "write"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Submissions by operation and outcome (confirmed, preflight_rejected,
	// user_rejected, reverted, ...).
	Submissions metrics.Counter
	// Time from dry-run to confirmation.
	ConfirmSeconds metrics.Histogram
	// Optimistic changes rolled back after a failed write.
	Rollbacks metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Submissions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "submissions_total",
			Help:      "State-changing submissions by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ConfirmSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "confirm_seconds",
			Help:      "Time from dry-run to confirmation.",
			Buckets:   stdprometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"operation"}),
		Rollbacks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rollbacks_total",
			Help:      "Optimistic changes rolled back after a failed write.",
		}, []string{"operation"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Submissions:    discard.NewCounter(),
		ConfirmSeconds: discard.NewHistogram(),
		Rollbacks:      discard.NewCounter(),
	}
}
