package pipeline

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts pipeline runs. A nil *Metrics records nothing.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timecapsule_pipeline_runs_total",
			Help: "Total pipeline runs by pipeline and outcome.",
		}, []string{"pipeline", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timecapsule_pipeline_failures_total",
			Help: "Pipeline failures by pipeline, stage and kind.",
		}, []string{"pipeline", "stage", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timecapsule_pipeline_duration_seconds",
			Help:    "Pipeline run latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline"}),
	}
	reg.MustRegister(m.runs, m.failures, m.duration)
	return m
}

func (m *Metrics) observe(r *run, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(r.name).Observe(time.Since(r.started).Seconds())
	if err == nil {
		m.runs.WithLabelValues(r.name, "success").Inc()
		return
	}
	m.runs.WithLabelValues(r.name, "failure").Inc()
	var pe *Error
	if errors.As(err, &pe) {
		m.failures.WithLabelValues(r.name, string(pe.Stage), string(pe.Kind)).Inc()
	}
}
