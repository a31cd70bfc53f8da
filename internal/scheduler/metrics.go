package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the trigger scheduler.
type Metrics struct {
	TriggersFired  prometheus.Counter
	Triggers       *prometheus.CounterVec
	TriggersMissed prometheus.Counter
	TickDuration   prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		TriggersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "scheduler",
			Name:      "triggers_fired_total",
			Help:      "Total trigger scripts started by the scheduler.",
		}),
		Triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "scheduler",
			Name:      "trigger_results_total",
			Help:      "Total trigger runs by execution status.",
		}, []string{"status"}),
		TriggersMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "scheduler",
			Name:      "triggers_missed_total",
			Help:      "Total triggers skipped because they were outside the missed window.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scriptbox",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler tick (poll + run cycle).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.TriggersFired,
		m.Triggers,
		m.TriggersMissed,
		m.TickDuration,
	)

	return m
}
