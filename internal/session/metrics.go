package session

import (
	"github.com/loansync/loansync/internal/discovery"
	"github.com/loansync/loansync/internal/reconcile"
	"github.com/loansync/loansync/internal/write"
)

// Metrics bundles the metrics of every component a session wires.
type Metrics struct {
	Discovery *discovery.Metrics
	Write     *write.Metrics
	Reconcile *reconcile.Metrics
}

// PrometheusMetrics registers every component's metrics under namespace. It
// must only be called once per process.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Discovery: discovery.PrometheusMetrics(namespace),
		Write:     write.PrometheusMetrics(namespace),
		Reconcile: reconcile.PrometheusMetrics(namespace),
	}
}

func NopMetrics() *Metrics {
	return &Metrics{
		Discovery: discovery.NopMetrics(),
		Write:     write.NopMetrics(),
		Reconcile: reconcile.NopMetrics(),
	}
}
