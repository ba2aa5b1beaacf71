package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audiolibrelab/lessoncapture/internal/audio"
	"github.com/audiolibrelab/lessoncapture/internal/service"
	"github.com/audiolibrelab/lessoncapture/internal/summary"
)

// Metrics contains all Prometheus metrics for the lesson capture service
type Metrics struct {
	registry *prometheus.Registry

	// Capture metrics
	SessionsStarted   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionFailures   prometheus.Counter
	PermissionDenials prometheus.Counter
	CaptureArmed      prometheus.Gauge
	RecordingDuration prometheus.Histogram
	ArtifactSize      prometheus.Histogram

	// Summarizer metrics
	SummaryRequests *prometheus.CounterVec
	SummaryDuration *prometheus.HistogramVec

	// Lesson metrics
	LessonTransitions *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "lessoncapture_sessions_started_total",
			Help: "Total number of capture sessions armed",
		}),
		SessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "lessoncapture_sessions_completed_total",
			Help: "Total number of capture sessions that produced an artifact",
		}),
		SessionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "lessoncapture_session_failures_total",
			Help: "Total number of capture sessions that ended without an artifact",
		}),
		PermissionDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "lessoncapture_permission_denials_total",
			Help: "Total number of refused microphone requests",
		}),
		CaptureArmed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lessoncapture_capture_armed",
			Help: "1 while a capture session is recording",
		}),
		RecordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lessoncapture_recording_duration_seconds",
			Help:    "Duration of finished recordings",
			Buckets: prometheus.ExponentialBuckets(30, 2, 8), // 30s to ~64 minutes
		}),
		ArtifactSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lessoncapture_artifact_size_bytes",
			Help:    "Size of finished recordings in bytes",
			Buckets: prometheus.ExponentialBuckets(64*1024, 2, 10), // 64KB to ~32MB
		}),

		SummaryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lessoncapture_summary_requests_total",
			Help: "Total number of summarizer calls",
		}, []string{"provider", "result"}),
		SummaryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lessoncapture_summary_duration_seconds",
			Help:    "Duration of summarizer calls",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4 minutes
		}, []string{"provider"}),

		LessonTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lessoncapture_lesson_transitions_total",
			Help: "Total number of lesson status changes by target status",
		}, []string{"status"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lessoncapture_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lessoncapture_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SessionStarted records an armed session
func (m *Metrics) SessionStarted() {
	m.SessionsStarted.Inc()
	m.CaptureArmed.Set(1)
}

// PermissionDenied records a refused microphone request
func (m *Metrics) PermissionDenied() {
	m.PermissionDenials.Inc()
}

// SessionCompleted records a delivered artifact
func (m *Metrics) SessionCompleted(artifact audio.Artifact) {
	m.SessionsCompleted.Inc()
	m.CaptureArmed.Set(0)
	m.RecordingDuration.Observe(float64(artifact.DurationSeconds))
	m.ArtifactSize.Observe(float64(artifact.Size()))
}

// SessionFailed records a session that ended without an artifact
func (m *Metrics) SessionFailed(err error) {
	m.SessionFailures.Inc()
	m.CaptureArmed.Set(0)
}

// SummaryFinished records one summarizer call
func (m *Metrics) SummaryFinished(provider string, elapsed time.Duration, err error) {
	result := "success"
	switch {
	case errors.Is(err, summary.ErrDisabled):
		result = "disabled"
	case err != nil:
		result = "failure"
	}
	m.SummaryRequests.WithLabelValues(provider, result).Inc()
	if result != "disabled" {
		m.SummaryDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	}
}

// LessonStatusChanged counts a lesson entering status
func (m *Metrics) LessonStatusChanged(status service.LessonStatus) {
	m.LessonTransitions.WithLabelValues(string(status)).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

var (
	_ audio.Observer         = (*Metrics)(nil)
	_ service.LessonObserver = (*Metrics)(nil)
)
