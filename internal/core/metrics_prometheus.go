package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder publishes operation durations and result counts
// through a prometheus registerer. It fulfills MetricsRecorder for
// deployments scraped by Prometheus.
type PrometheusMetricsRecorder struct {
	durations *prometheus.HistogramVec
	results   *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder constructs a recorder and registers its
// collectors with the supplied registerer (prometheus.DefaultRegisterer when
// nil).
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vivarium",
			Subsystem: "core",
			Name:      "operation_duration_seconds",
			Help:      "Duration of core service operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vivarium",
			Subsystem: "core",
			Name:      "operation_results_total",
			Help:      "Outcome counts of core service operations.",
		}, []string{"operation", "status"}),
	}
	if err := reg.Register(r.durations); err != nil {
		return nil, err
	}
	if err := reg.Register(r.results); err != nil {
		return nil, err
	}
	return r, nil
}

// Observe records one operation outcome and its duration.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, status).Inc()
}
