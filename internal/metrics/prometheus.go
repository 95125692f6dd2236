// Package metrics provides Prometheus metrics for serial issuance, license
// validation, update checks and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "serialkeeper"

// PrometheusMetrics holds every metric the application exports. It
// satisfies license.Recorder and updater.Recorder.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	now      func() time.Time

	SerialsIssued     prometheus.Counter
	SerialValidations *prometheus.CounterVec
	UpdateChecks      *prometheus.CounterVec
	UpdateRuns        *prometheus.CounterVec
	LastUpdateCheck   prometheus.Gauge
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// NewPrometheusMetrics creates the metrics and registers them on reg. It
// fails if any of them is already registered.
func NewPrometheusMetrics(reg *prometheus.Registry) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		registry: reg,
		now:      time.Now,
		SerialsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serials_issued_total",
			Help:      "Total number of license serials issued.",
		}),
		SerialValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serial_validations_total",
			Help:      "Total number of serial validations by outcome.",
		}, []string{"outcome"}),
		UpdateChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_checks_total",
			Help:      "Total number of release checks by outcome.",
		}, []string{"outcome"}),
		UpdateRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_runs_total",
			Help:      "Total number of update pipeline runs by final state.",
		}, []string{"state"}),
		LastUpdateCheck: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "update_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful release check.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	for _, c := range []prometheus.Collector{
		m.SerialsIssued,
		m.SerialValidations,
		m.UpdateChecks,
		m.UpdateRuns,
		m.LastUpdateCheck,
		m.HTTPRequests,
		m.HTTPDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RegisterRuntime adds the Go runtime and process collectors.
func (m *PrometheusMetrics) RegisterRuntime() error {
	if err := m.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	return m.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// SerialIssued implements license.Recorder.
func (m *PrometheusMetrics) SerialIssued() {
	m.SerialsIssued.Inc()
}

// SerialValidated implements license.Recorder.
func (m *PrometheusMetrics) SerialValidated(outcome string) {
	m.SerialValidations.WithLabelValues(outcome).Inc()
}

// UpdateChecked implements updater.Recorder. Checks that reached the
// release source also move the last-success gauge.
func (m *PrometheusMetrics) UpdateChecked(outcome string) {
	m.UpdateChecks.WithLabelValues(outcome).Inc()
	if outcome == "up_to_date" || outcome == "available" {
		m.LastUpdateCheck.Set(float64(m.now().Unix()))
	}
}

// UpdateFinished implements updater.Recorder.
func (m *PrometheusMetrics) UpdateFinished(state string) {
	m.UpdateRuns.WithLabelValues(state).Inc()
}

// RecordRequest records one served HTTP request.
func (m *PrometheusMetrics) RecordRequest(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
