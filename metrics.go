package activity

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics defines the instrumentation points of the logging pipeline.
type Metrics interface {
	// ActivityLogged is called once per successfully persisted record.
	ActivityLogged(activityType string)
	// ActivityDropped is called for records vetoed by the before-log gate or
	// rejected by validation.
	ActivityDropped(activityType string)
	// WriteLatency records the duration of one storage write attempt.
	WriteLatency(activityType string, d time.Duration)
}

// PrometheusMetrics implements Metrics with Prometheus.
type PrometheusMetrics struct {
	logged  *prometheus.CounterVec
	dropped *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance registered on
// the given registerer, falling back to the default registerer when nil.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		logged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "activity_records_logged_total",
				Help: "Total number of activity records persisted",
			},
			[]string{"activity_type"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "activity_records_dropped_total",
				Help: "Total number of activity records vetoed or rejected",
			},
			[]string{"activity_type"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "activity_write_latency_seconds",
				Help:    "Latency of activity record storage writes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"activity_type"},
		),
	}
	registerer.MustRegister(m.logged, m.dropped, m.latency)
	return m
}

// ActivityLogged increments the persisted counter.
func (m *PrometheusMetrics) ActivityLogged(activityType string) {
	m.logged.WithLabelValues(activityType).Inc()
}

// ActivityDropped increments the dropped counter.
func (m *PrometheusMetrics) ActivityDropped(activityType string) {
	m.dropped.WithLabelValues(activityType).Inc()
}

// WriteLatency records the storage write latency.
func (m *PrometheusMetrics) WriteLatency(activityType string, d time.Duration) {
	m.latency.WithLabelValues(activityType).Observe(d.Seconds())
}

// nopMetrics is a no-op Metrics implementation.
type nopMetrics struct{}

func (nopMetrics) ActivityLogged(activityType string)                  {}
func (nopMetrics) ActivityDropped(activityType string)                 {}
func (nopMetrics) WriteLatency(activityType string, d time.Duration)   {}
