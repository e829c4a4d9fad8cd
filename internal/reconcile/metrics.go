package reconcile

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "reconcile"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Push events handled, labelled by event type and outcome.
	Events metrics.Counter
	// Entities re-read from the ledger, labelled by entity and whether the
	// local view changed.
	Reconciled metrics.Counter
	// Event streams re-established after a failure.
	StreamRestarts metrics.Counter
	// Number of active subscriptions.
	Subscriptions metrics.Gauge
	// Scheduled poll passes, labelled by outcome.
	Polls metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Events: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "events_total",
			Help:      "Ledger push events handled.",
		}, []string{"type", "outcome"}),
		Reconciled: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reconciled_total",
			Help:      "Entities re-read from the ledger.",
		}, []string{"entity", "changed"}),
		StreamRestarts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "stream_restarts_total",
			Help:      "Event streams re-established after a failure.",
		}, []string{}),
		Subscriptions: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "subscriptions",
			Help:      "Active event subscriptions.",
		}, []string{}),
		Polls: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "polls_total",
			Help:      "Scheduled reconciliation passes.",
		}, []string{"outcome"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Events:         discard.NewCounter(),
		Reconciled:     discard.NewCounter(),
		StreamRestarts: discard.NewCounter(),
		Subscriptions:  discard.NewGauge(),
		Polls:          discard.NewCounter(),
	}
}
