// Package metrics exposes dispatch counters. A nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	outcomes      *prometheus.CounterVec
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	commitErrors  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_outcomes_total",
			Help: "Records resolved by a dispatch cycle, by outcome.",
		}, []string{"outcome"}),
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_cycles_total",
			Help: "Dispatch cycles by result.",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_cycle_duration_seconds",
			Help:    "Wall time of a dispatch cycle including pacing.",
			Buckets: []float64{1, 5, 15, 30, 60, 90, 120, 180, 300},
		}),
		commitErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_commit_errors_total",
			Help: "Outcome writes the store rejected.",
		}),
	}
}

func (m *Metrics) Outcome(kind string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(kind).Inc()
}

// Cycle records one finished cycle. result is ok, failed or skipped.
func (m *Metrics) Cycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	if result != "skipped" {
		m.cycleDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) CommitError() {
	if m == nil {
		return
	}
	m.commitErrors.Inc()
}
