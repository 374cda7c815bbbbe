package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nordlight-io/cqres/metrics"
	"github.com/nordlight-io/cqres/saga"
)

// sagaMetrics implements saga.Metrics using Prometheus.
type sagaMetrics struct {
	stepDuration *prometheus.HistogramVec
	stepResult   *prometheus.CounterVec
	stepSkipped  *prometheus.CounterVec
}

// NewSagaMetrics creates a new Prometheus implementation of saga.Metrics.
func NewSagaMetrics(reg prometheus.Registerer) saga.Metrics {
	m := &sagaMetrics{
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clstr_saga_step_duration_seconds",
			Help:    "Saga step run latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"saga_type", "step"}),

		stepResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_saga_step_total",
			Help: "Total number of saga steps run",
		}, []string{"saga_type", "step", "success"}),

		stepSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_saga_step_skipped_total",
			Help: "Total number of saga steps skipped because they already completed",
		}, []string{"saga_type", "step"}),
	}
	reg.MustRegister(m.stepDuration, m.stepResult, m.stepSkipped)
	return m
}

func (m *sagaMetrics) StepDuration(sagaType, step string) metrics.Timer {
	return newTimer(m.stepDuration.WithLabelValues(sagaType, step))
}

func (m *sagaMetrics) StepResult(sagaType, step string, success bool) {
	m.stepResult.WithLabelValues(sagaType, step, boolToStr(success)).Inc()
}

func (m *sagaMetrics) StepSkipped(sagaType, step string) {
	m.stepSkipped.WithLabelValues(sagaType, step).Inc()
}

var _ saga.Metrics = (*sagaMetrics)(nil)
