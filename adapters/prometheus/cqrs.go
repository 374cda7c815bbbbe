package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nordlight-io/cqres/cqrs"
	"github.com/nordlight-io/cqres/metrics"
)

// commandBusMetrics implements cqrs.CommandBusMetrics using Prometheus.
type commandBusMetrics struct {
	dispatchDuration *prometheus.HistogramVec
	dispatchResult   *prometheus.CounterVec
}

// NewCommandBusMetrics creates a new Prometheus implementation of cqrs.CommandBusMetrics.
func NewCommandBusMetrics(reg prometheus.Registerer) cqrs.CommandBusMetrics {
	m := &commandBusMetrics{
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clstr_cqrs_command_dispatch_duration_seconds",
			Help:    "Command dispatch latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"command_type"}),

		dispatchResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_cqrs_command_dispatch_total",
			Help: "Total number of commands dispatched",
		}, []string{"command_type", "success"}),
	}
	reg.MustRegister(m.dispatchDuration, m.dispatchResult)
	return m
}

func (m *commandBusMetrics) DispatchDuration(cmdType string) metrics.Timer {
	return newTimer(m.dispatchDuration.WithLabelValues(cmdType))
}

func (m *commandBusMetrics) DispatchResult(cmdType string, success bool) {
	m.dispatchResult.WithLabelValues(cmdType, boolToStr(success)).Inc()
}

var _ cqrs.CommandBusMetrics = (*commandBusMetrics)(nil)

// queryBusMetrics implements cqrs.QueryBusMetrics using Prometheus.
type queryBusMetrics struct {
	dispatchDuration *prometheus.HistogramVec
	dispatchResult   *prometheus.CounterVec
}

// NewQueryBusMetrics creates a new Prometheus implementation of cqrs.QueryBusMetrics.
func NewQueryBusMetrics(reg prometheus.Registerer) cqrs.QueryBusMetrics {
	m := &queryBusMetrics{
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clstr_cqrs_query_dispatch_duration_seconds",
			Help:    "Query dispatch latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"query_type"}),

		dispatchResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clstr_cqrs_query_dispatch_total",
			Help: "Total number of queries dispatched",
		}, []string{"query_type", "success"}),
	}
	reg.MustRegister(m.dispatchDuration, m.dispatchResult)
	return m
}

func (m *queryBusMetrics) DispatchDuration(queryType string) metrics.Timer {
	return newTimer(m.dispatchDuration.WithLabelValues(queryType))
}

func (m *queryBusMetrics) DispatchResult(queryType string, success bool) {
	m.dispatchResult.WithLabelValues(queryType, boolToStr(success)).Inc()
}

var _ cqrs.QueryBusMetrics = (*queryBusMetrics)(nil)
