package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/ecole-peg-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the reconciler daemon.
type MetricsService struct {
	registry            *prometheus.Registry
	handler             http.Handler
	requestDuration     *prometheus.HistogramVec
	requestTotal        *prometheus.CounterVec
	cacheLatency        prometheus.Observer
	cacheWrite          prometheus.Observer
	cacheLookups        *prometheus.CounterVec
	transitions         *prometheus.CounterVec
	reconcileFailures   *prometheus.CounterVec
	reconcileDuration   *prometheus.HistogramVec
	admissionRejections *prometheus.CounterVec
	notifications       *prometheus.CounterVec
	sweepDuration       prometheus.Observer
	sweepDue            prometheus.Gauge
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache lookups",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Cache lookups by result",
	}, []string{"result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "status_transitions_total",
		Help: "Status changes written by the reconciler",
	}, []string{"entity", "from", "to"})

	reconcileFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_failures_total",
		Help: "Reconciliations that failed and were dropped",
	}, []string{"entity"})

	reconcileDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconcile_duration_seconds",
		Help:    "Duration of a single reconciliation",
		Buckets: prometheus.DefBuckets,
	}, []string{"entity"})

	admissionRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_rejections_total",
		Help: "Enrollment admissions rejected by code",
	}, []string{"code"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "change_notifications_total",
		Help: "Change notifications received by channel and outcome",
	}, []string{"channel", "outcome"})

	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweep_duration_seconds",
		Help:    "Duration of sweep runs",
		Buckets: prometheus.DefBuckets,
	})

	sweepDue := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sweep_due_sessions",
		Help: "Sessions found stale by the last sweep",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheLookups, transitions,
		reconcileFailures, reconcileDuration, admissionRejections, notifications, sweepDuration, sweepDue, goroutines)

	return &MetricsService{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:     requestDuration,
		requestTotal:        requestTotal,
		cacheLatency:        cacheLatency,
		cacheWrite:          cacheWrite,
		cacheLookups:        cacheLookups,
		transitions:         transitions,
		reconcileFailures:   reconcileFailures,
		reconcileDuration:   reconcileDuration,
		admissionRejections: admissionRejections,
		notifications:       notifications,
		sweepDuration:       sweepDuration,
		sweepDue:            sweepDue,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records a cache lookup.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordTransitions counts the status changes written by one reconciliation.
func (m *MetricsService) RecordTransitions(transitions []models.Transition) {
	if m == nil {
		return
	}
	for _, t := range transitions {
		m.transitions.WithLabelValues(t.Entity, t.From, t.To).Inc()
	}
}

// ObserveReconcile records the duration of a reconciliation and whether it failed.
func (m *MetricsService) ObserveReconcile(entity string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.reconcileDuration.WithLabelValues(entity).Observe(duration.Seconds())
	if err != nil {
		m.reconcileFailures.WithLabelValues(entity).Inc()
	}
}

// RecordAdmissionRejection counts a refused admission by error code.
func (m *MetricsService) RecordAdmissionRejection(code string) {
	if m == nil {
		return
	}
	m.admissionRejections.WithLabelValues(code).Inc()
}

// RecordNotification counts a change notification by channel and outcome.
func (m *MetricsService) RecordNotification(channel, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, outcome).Inc()
}

// ObserveSweep records a sweep run.
func (m *MetricsService) ObserveSweep(duration time.Duration, due int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(duration.Seconds())
	m.sweepDue.Set(float64(due))
}
