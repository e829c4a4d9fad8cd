package discovery

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "discovery"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Strategy attempts, labelled by strategy and outcome (ok, unsupported, error).
	Attempts metrics.Counter
	// Number of ids found by the last successful pass.
	LoanIDs metrics.Gauge
	// Passes in which every strategy failed.
	Exhausted metrics.Counter
	// Wall time of a full discovery pass.
	DurationSeconds metrics.Histogram
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Attempts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "strategy_attempts_total",
			Help:      "Discovery strategy attempts by outcome.",
		}, []string{"strategy", "outcome"}),
		LoanIDs: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "loan_ids",
			Help:      "Loan ids found by the last discovery pass.",
		}, []string{}),
		Exhausted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "exhausted_total",
			Help:      "Discovery passes in which every strategy failed.",
		}, []string{}),
		DurationSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "duration_seconds",
			Help:      "Time taken by a discovery pass.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Attempts:        discard.NewCounter(),
		LoanIDs:         discard.NewGauge(),
		Exhausted:       discard.NewCounter(),
		DurationSeconds: discard.NewHistogram(),
	}
}
