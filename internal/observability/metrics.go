package observability

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	syncDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds all Prometheus metric instruments for the coordinator.
// All recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Connection metrics
	ConnectionsActive     prometheus.Gauge
	ConnectionEventsTotal *prometheus.CounterVec
	FramesTotal           *prometheus.CounterVec

	// Session metrics
	SubscriptionsActive prometheus.Gauge
	SessionsActive      prometheus.Gauge
	StageEventsTotal    *prometheus.CounterVec

	// Dispatch metrics
	DispatchDeliveriesTotal *prometheus.CounterVec
	DispatchQueueDepth      prometheus.Gauge

	// Durable sync metrics
	SyncUpsertsTotal  *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	SyncRetriesTotal  prometheus.Counter
	SyncDroppedTotal  prometheus.Counter
	SyncBreakerState  prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulse_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Connections
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_connections_active",
			Help: "Number of registered observer connections.",
		}),
		ConnectionEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_connection_events_total",
			Help: "Connection lifecycle events.",
		}, []string{"event"}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_ws_frames_total",
			Help: "Websocket frames by direction and type.",
		}, []string{"direction", "type"}),

		// Sessions
		SubscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_subscriptions_active",
			Help: "Number of (connection, session) subscriptions.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_sessions_active",
			Help: "Number of workflow sessions held in memory.",
		}),
		StageEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_stage_events_total",
			Help: "Producer stage events by event and outcome.",
		}, []string{"event", "outcome"}),

		// Dispatch
		DispatchDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_dispatch_deliveries_total",
			Help: "Per-subscriber deliveries by result.",
		}, []string{"result"}),
		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_dispatch_queue_depth",
			Help: "Committed events waiting in session dispatch lanes.",
		}),

		// Durable sync
		SyncUpsertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_sync_upserts_total",
			Help: "Durable upserts by record kind and result.",
		}, []string{"kind", "result"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pulse_sync_upsert_duration_seconds",
			Help:    "Durable upsert duration in seconds, including retries.",
			Buckets: syncDurationBuckets,
		}, []string{"kind"}),
		SyncRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_sync_retries_total",
			Help: "Total durable upsert retries.",
		}),
		SyncDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pulse_sync_dropped_total",
			Help: "Records dropped because the sync queue was full.",
		}),
		SyncBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_sync_breaker_state",
			Help: "Durable sync circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ConnectionsActive,
		m.ConnectionEventsTotal,
		m.FramesTotal,
		m.SubscriptionsActive,
		m.SessionsActive,
		m.StageEventsTotal,
		m.DispatchDeliveriesTotal,
		m.DispatchQueueDepth,
		m.SyncUpsertsTotal,
		m.SyncDuration,
		m.SyncRetriesTotal,
		m.SyncDroppedTotal,
		m.SyncBreakerState,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordConnectionEvent records a connection lifecycle event such as
// "registered", "authenticated", "auth_failed" or "deregistered".
func (m *Metrics) RecordConnectionEvent(event string) {
	if m == nil {
		return
	}
	m.ConnectionEventsTotal.WithLabelValues(event).Inc()
}

// SetConnectionsActive sets the number of registered connections.
func (m *Metrics) SetConnectionsActive(n int) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Set(float64(n))
}

// RecordFrame records a websocket frame. Direction is "in" or "out".
func (m *Metrics) RecordFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, frameType).Inc()
}

// SetSubscriptionsActive sets the number of subscriptions.
func (m *Metrics) SetSubscriptionsActive(n int) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Set(float64(n))
}

// SetSessionsActive sets the number of in-memory sessions.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// RecordStageEvent records a producer event. Outcome is "applied", "ignored"
// or "rejected".
func (m *Metrics) RecordStageEvent(event, outcome string) {
	if m == nil {
		return
	}
	m.StageEventsTotal.WithLabelValues(event, outcome).Inc()
}

// RecordDelivery records a single subscriber delivery. Result is "delivered"
// or "failed".
func (m *Metrics) RecordDelivery(result string) {
	if m == nil {
		return
	}
	m.DispatchDeliveriesTotal.WithLabelValues(result).Inc()
}

// AddDispatchQueueDepth adjusts the dispatch queue depth gauge.
func (m *Metrics) AddDispatchQueueDepth(delta int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Add(float64(delta))
}

// RecordSyncUpsert records a durable upsert. Result is "stored", "conflict"
// or "failed".
func (m *Metrics) RecordSyncUpsert(kind, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncUpsertsTotal.WithLabelValues(kind, result).Inc()
	m.SyncDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordSyncRetry records a durable upsert retry.
func (m *Metrics) RecordSyncRetry() {
	if m == nil {
		return
	}
	m.SyncRetriesTotal.Inc()
}

// RecordSyncDropped records a record dropped because the sync queue was full.
func (m *Metrics) RecordSyncDropped() {
	if m == nil {
		return
	}
	m.SyncDroppedTotal.Inc()
}

// SetSyncBreakerState sets the sync circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetSyncBreakerState(state float64) {
	if m == nil {
		return
	}
	m.SyncBreakerState.Set(state)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder captures the response status for the metrics and tracing
// middlewares. It passes through http.Hijacker so websocket upgrades work
// behind it.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("observability: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.written = true
	return hj.Hijack()
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
