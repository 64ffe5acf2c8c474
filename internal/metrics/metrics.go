// Package metrics exposes the engine's Prometheus collectors. A Metrics
// value satisfies the recorder interfaces of the scheduler, the tracking
// service and the trigger runner.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liyaqa/drip-engine/internal/domain"
)

// Metrics holds all Prometheus metrics for the drip engine.
type Metrics struct {
	// Scheduler
	StepsDispatchedTotal *prometheus.CounterVec
	EnrollmentsFinished  *prometheus.CounterVec
	PassDurationSeconds  prometheus.Histogram
	PassEnrollmentsTotal *prometheus.CounterVec
	LastPassTimestamp    prometheus.Gauge

	// Tracking
	TokensResolvedTotal     *prometheus.CounterVec
	EngagementConsumedTotal *prometheus.CounterVec

	// Triggers
	TriggerEnrolledTotal *prometheus.CounterVec

	// API
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all collectors registered on a
// private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		StepsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_steps_dispatched_total",
				Help: "Step executions by channel and resulting message status",
			},
			[]string{"channel", "status"},
		),
		EnrollmentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_enrollments_finished_total",
				Help: "Enrollments that reached a terminal status in the scheduler",
			},
			[]string{"status"},
		),
		PassDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "drip_scheduler_pass_duration_seconds",
				Help:    "Duration of one scheduler pass",
				Buckets: prometheus.DefBuckets,
			},
		),
		PassEnrollmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_scheduler_enrollments_total",
				Help: "Enrollments handled by scheduler passes",
			},
			[]string{"result"},
		),
		LastPassTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "drip_scheduler_last_pass_timestamp_seconds",
				Help: "Unix time of the last finished scheduler pass",
			},
		),
		TokensResolvedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_tracking_tokens_resolved_total",
				Help: "Tracking token requests by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		EngagementConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_engagement_events_consumed_total",
				Help: "Engagement events consumed from the queue",
			},
			[]string{"type", "device"},
		),
		TriggerEnrolledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_trigger_enrolled_total",
				Help: "Members enrolled by scheduled trigger jobs",
			},
			[]string{"trigger"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drip_api_requests_total",
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "drip_api_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.StepsDispatchedTotal,
		m.EnrollmentsFinished,
		m.PassDurationSeconds,
		m.PassEnrollmentsTotal,
		m.LastPassTimestamp,
		m.TokensResolvedTotal,
		m.EngagementConsumedTotal,
		m.TriggerEnrolledTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StepDispatched(channel domain.Channel, status domain.MessageStatus) {
	m.StepsDispatchedTotal.WithLabelValues(string(channel), string(status)).Inc()
}

func (m *Metrics) EnrollmentFinished(status domain.EnrollmentStatus) {
	m.EnrollmentsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) PassFinished(processed, failed int, took time.Duration) {
	m.PassDurationSeconds.Observe(took.Seconds())
	m.PassEnrollmentsTotal.WithLabelValues("processed").Add(float64(processed))
	m.PassEnrollmentsTotal.WithLabelValues("failed").Add(float64(failed))
	m.LastPassTimestamp.SetToCurrentTime()
}

func (m *Metrics) TokenResolved(tokenType domain.TokenType, outcome string) {
	m.TokensResolvedTotal.WithLabelValues(string(tokenType), outcome).Inc()
}

func (m *Metrics) EngagementConsumed(tokenType domain.TokenType, device string) {
	m.EngagementConsumedTotal.WithLabelValues(string(tokenType), device).Inc()
}

func (m *Metrics) TriggerEnrolled(trigger string, n int) {
	m.TriggerEnrolledTotal.WithLabelValues(trigger).Add(float64(n))
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		m.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
