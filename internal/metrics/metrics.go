// Package metrics exposes Prometheus metrics for the detection service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/uniform-check/internal/model"
)

// Rejection reasons recorded by ObserveRejection.
const (
	RejectDecode    = "decode"
	RejectNotReady  = "not_ready"
	RejectInference = "inference"
	RejectStorage   = "storage"
	RejectCanceled  = "canceled"
)

// Manager owns the service's collectors and the registry they live on.
type Manager struct {
	namespace string
	buckets   []float64
	registry  *prometheus.Registry

	detections       *prometheus.CounterVec
	rejections       *prometheus.CounterVec
	inferenceLatency prometheus.Histogram
	modelState       prometheus.Gauge

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewManager builds a Manager on a private registry unless one is supplied.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace: "uniform",
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)

	m.detections = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "detection",
		Name:      "events_total",
		Help:      "Detection events appended, by compliance label",
	}, []string{"label"})

	m.rejections = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "detection",
		Name:      "rejections_total",
		Help:      "Detection requests that ended without an event, by reason",
	}, []string{"reason"})

	m.inferenceLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "model",
		Name:      "inference_duration_seconds",
		Help:      "Time spent in the classifier per request",
		Buckets:   m.buckets,
	})

	m.modelState = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "model",
		Name:      "state",
		Help:      "Model lifecycle state (0=NOT_LOADED 1=LOADING 2=READY 3=FAILED)",
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"method", "route", "code"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   m.buckets,
	}, []string{"method", "route"})
}

// TrackOutstandingTensors exports fn as the number of live tensor buffers.
func (m *Manager) TrackOutstandingTensors(fn func() int64) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: "tensor",
		Name:      "outstanding",
		Help:      "Tensor buffers allocated and not yet released",
	}, func() float64 { return float64(fn()) })
}

// ObserveDetection counts an appended event.
func (m *Manager) ObserveDetection(label string) {
	m.detections.WithLabelValues(label).Inc()
}

// ObserveRejection counts a request that produced no event.
func (m *Manager) ObserveRejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

// ObserveInference records one classifier call.
func (m *Manager) ObserveInference(d time.Duration) {
	m.inferenceLatency.Observe(d.Seconds())
}

// ObserveModelState has the model.Observer signature so it can be passed to
// model.NewGuard directly.
func (m *Manager) ObserveModelState(s model.State) {
	m.modelState.Set(float64(s))
}

// ObserveHTTPRequest records one served request.
func (m *Manager) ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Registry returns the registry the collectors are registered on.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
