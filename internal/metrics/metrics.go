// Package metrics provides Prometheus instrumentation for the cart engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MutationsTotal counts SetQuantity calls, partitioned by auth mode.
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartengine_mutations_total",
		Help: "Total cart quantity mutations",
	}, []string{"mode"})

	// CoalescedDeltas counts deltas absorbed into an already-pending delta
	// instead of issuing their own network write.
	CoalescedDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cartengine_coalesced_deltas_total",
		Help: "Quantity deltas coalesced by the pending-delta buffer",
	})

	// FlushesTotal counts buffer flushes by outcome.
	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartengine_flushes_total",
		Help: "Pending-delta buffer flushes",
	}, []string{"result"})

	// FlushLatency tracks wall time of a full buffer flush.
	FlushLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cartengine_flush_latency_seconds",
		Help:    "Pending-delta buffer flush latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// MergesTotal counts guest→authenticated merges by outcome.
	MergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartengine_merges_total",
		Help: "Guest cart merges on login",
	}, []string{"result"})

	// GatewayRequests counts upstream cart API calls by operation and result.
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartengine_gateway_requests_total",
		Help: "Upstream cart API requests",
	}, []string{"op", "result"})

	// ActiveSessions tracks live engine instances in the registry.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartengine_active_sessions",
		Help: "Number of live cart sessions",
	})

	// WebSocketClients tracks connected snapshot stream clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cartengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cartengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cartengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by the chi route pattern so path parameters do not blow up
		// cardinality; the raw path is the fallback outside a chi route.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer so WebSocket upgrades work
// behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
