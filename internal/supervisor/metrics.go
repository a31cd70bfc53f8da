package supervisor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for script execution.
type Metrics struct {
	Compilations      *prometheus.CounterVec
	Executions        *prometheus.CounterVec
	Violations        *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	StepsUsed         prometheus.Histogram
	InFlight          prometheus.Gauge
}

// NewMetrics creates and registers supervisor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Compilations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "supervisor",
			Name:      "compilations_total",
			Help:      "Total script compilations by result.",
		}, []string{"result", "privileged"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "supervisor",
			Name:      "executions_total",
			Help:      "Total executions by terminal status.",
		}, []string{"status"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scriptbox",
			Subsystem: "supervisor",
			Name:      "violations_total",
			Help:      "Total security violations by kind.",
		}, []string{"kind"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scriptbox",
			Subsystem: "supervisor",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of executions.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		StepsUsed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scriptbox",
			Subsystem: "supervisor",
			Name:      "steps_used",
			Help:      "Global steps counted per execution.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scriptbox",
			Subsystem: "supervisor",
			Name:      "executions_in_flight",
			Help:      "Executions currently holding a worker.",
		}),
	}

	reg.MustRegister(
		m.Compilations,
		m.Executions,
		m.Violations,
		m.ExecutionDuration,
		m.StepsUsed,
		m.InFlight,
	)

	return m
}
