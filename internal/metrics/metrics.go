// Package metrics holds the Prometheus collectors of a migration run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "docmigrator"
	subsystem = "migrations"
)

// Metrics counts applied migrations and procedure rounds.
type Metrics struct {
	Applied   *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Rounds    *prometheus.CounterVec
	Processed prometheus.Counter
	LockBusy  prometheus.Counter
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "applied_total",
			Help:      "Number of migrations attempted, by kind and result",
		}, []string{"kind", "result"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Duration of a single migration",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"kind"}),
		Rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "procedure_rounds_total",
			Help:      "Number of remote procedure invocations, by reported status",
		}, []string{"status"}),
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "procedure_processed_total",
			Help:      "Number of items remote procedures reported as processed",
		}),
		LockBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "lock_busy_total",
			Help:      "Number of runs refused because the migration table was locked",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Applied, m.Duration, m.Rounds, m.Processed, m.LockBusy)
	}
	return m
}
