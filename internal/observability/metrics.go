package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "batch_analyzer"

// Metrics stores Prometheus collectors used by API and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	photosAnalyzedTotal    *prometheus.CounterVec
	analysisErrorsTotal    *prometheus.CounterVec
	inferenceDuration      *prometheus.HistogramVec
	workerInflight         prometheus.Gauge
	jobsEnqueuedTotal      *prometheus.CounterVec
	progressCacheRequests  *prometheus.CounterVec
	relayEventsTotal       *prometheus.CounterVec
	relayPublishFailures   prometheus.Counter
	activeSubscriptions    prometheus.Gauge
	recoveryRequeuedTotal  prometheus.Counter
	batchesCreatedTotal    prometheus.Counter
	duplicateDeliveryTotal prometheus.Counter
	inferenceThrottled     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		photosAnalyzedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "photos_analyzed_total",
				Help:      "Photos that reached a terminal analysis state, by outcome.",
			},
			[]string{"outcome"},
		),
		analysisErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analysis_errors_total",
				Help:      "Failed photo analyses by error code.",
			},
			[]string{"code"},
		),
		inferenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_duration_seconds",
				Help:      "Inference call duration in seconds grouped by provider.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"provider"},
		),
		workerInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_inflight",
				Help:      "Current number of analysis jobs being processed.",
			},
		),
		jobsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_enqueued_total",
				Help:      "Analysis jobs published to the queue, by source.",
			},
			[]string{"source"},
		),
		progressCacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "progress_cache_requests_total",
				Help:      "Progress cache lookups by result (hit, miss, error).",
			},
			[]string{"result"},
		),
		relayEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_events_total",
				Help:      "Events delivered to live progress subscribers, by event type.",
			},
			[]string{"event"},
		),
		relayPublishFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_publish_failures_total",
				Help:      "Batch update notifications that failed to invalidate, recompute, or publish.",
			},
		),
		activeSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_subscriptions",
				Help:      "Current number of live progress subscriptions.",
			},
		),
		recoveryRequeuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_requeued_total",
				Help:      "Photos stuck in processing that were moved back to the queue.",
			},
		),
		batchesCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_created_total",
				Help:      "Batches created.",
			},
		),
		duplicateDeliveryTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_deliveries_total",
				Help:      "Queue deliveries skipped because the job or photo was already handled.",
			},
		),
		inferenceThrottled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inference_throttled_total",
				Help:      "Inference calls delayed by the per-provider rate limit.",
			},
			[]string{"provider"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.photosAnalyzedTotal,
		m.analysisErrorsTotal,
		m.inferenceDuration,
		m.workerInflight,
		m.jobsEnqueuedTotal,
		m.progressCacheRequests,
		m.relayEventsTotal,
		m.relayPublishFailures,
		m.activeSubscriptions,
		m.recoveryRequeuedTotal,
		m.batchesCreatedTotal,
		m.duplicateDeliveryTotal,
		m.inferenceThrottled,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncPhotoAnalyzed(outcome string) {
	if m == nil {
		return
	}
	m.photosAnalyzedTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncAnalysisError(code string) {
	if m == nil {
		return
	}
	m.analysisErrorsTotal.WithLabelValues(strings.ToUpper(normalizeLabel(code))).Inc()
}

func (m *Metrics) ObserveInferenceDuration(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.WithLabelValues(normalizeLabel(provider)).Observe(max(duration.Seconds(), 0))
}

func (m *Metrics) IncWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Inc()
}

func (m *Metrics) DecWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Dec()
}

func (m *Metrics) IncJobsEnqueued(source string) {
	if m == nil {
		return
	}
	m.jobsEnqueuedTotal.WithLabelValues(normalizeLabel(source)).Inc()
}

// IncProgressCache counts a progress cache lookup; result is hit, miss or error.
func (m *Metrics) IncProgressCache(result string) {
	if m == nil {
		return
	}
	m.progressCacheRequests.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *Metrics) IncRelayEvent(event string) {
	if m == nil {
		return
	}
	m.relayEventsTotal.WithLabelValues(normalizeLabel(event)).Inc()
}

func (m *Metrics) IncRelayPublishFailure() {
	if m == nil {
		return
	}
	m.relayPublishFailures.Inc()
}

func (m *Metrics) IncActiveSubscriptions() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Inc()
}

func (m *Metrics) DecActiveSubscriptions() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Dec()
}

func (m *Metrics) IncRecoveryRequeued() {
	if m == nil {
		return
	}
	m.recoveryRequeuedTotal.Inc()
}

func (m *Metrics) IncBatchesCreated() {
	if m == nil {
		return
	}
	m.batchesCreatedTotal.Inc()
}

func (m *Metrics) IncDuplicateDelivery() {
	if m == nil {
		return
	}
	m.duplicateDeliveryTotal.Inc()
}

func (m *Metrics) IncInferenceThrottled(provider string) {
	if m == nil {
		return
	}
	m.inferenceThrottled.WithLabelValues(provider).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
