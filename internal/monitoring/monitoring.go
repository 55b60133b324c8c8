// Package monitoring exposes Prometheus metrics for the task engine.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hrchat"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	tasks          *prometheus.CounterVec
	outputs        *prometheus.CounterVec
	outputDuration *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	usageDenials   *prometheus.CounterVec
	degraded       *prometheus.CounterVec
	streams        prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finalized_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"type", "status"}),
		outputs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outputs_total",
			Help:      "Outputs processed by terminal status.",
		}, []string{"type", "status"}),
		outputDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "output_duration_seconds",
			Help:      "Wall time of one generation callback.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"type"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in a queue at last observation.",
		}, []string{"queue"}),
		usageDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_denials_total",
			Help:      "Requests refused at admission.",
		}, []string{"type", "reason"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_degraded_total",
			Help:      "Pipeline steps that fell back to a degraded mode.",
		}, []string{"step"}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connections",
			Help:      "Open SSE connections.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		m.tasks, m.outputs, m.outputDuration, m.queueDepth,
		m.usageDenials, m.degraded, m.streams,
		m.httpRequests, m.httpDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskFinalized(taskType, status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(taskType, status).Inc()
}

func (m *Metrics) OutputDone(taskType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.outputs.WithLabelValues(taskType, status).Inc()
	m.outputDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(queue string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (m *Metrics) UsageDenied(taskType, reason string) {
	if m == nil {
		return
	}
	m.usageDenials.WithLabelValues(taskType, reason).Inc()
}

func (m *Metrics) Degraded(step string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(step).Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.streams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.streams.Dec()
}

// Middleware records request counts and latency keyed by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(started).Seconds())
	})
}
