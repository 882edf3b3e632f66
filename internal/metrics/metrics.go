// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SettlementsTotal counts committed ledger entries, partitioned by side.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_committed_total",
		Help: "Total number of committed settlements",
	}, []string{"side"})

	// SettlementFailures counts failed settlement calls by error kind.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_failures_total",
		Help: "Failed settlement calls by error kind",
	}, []string{"kind"})

	// SettlementLatency tracks end-to-end settlement latency including the quote fetch.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// ConflictRetries counts transaction attempts aborted by storage contention.
	ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_conflict_retries_total",
		Help: "Settlement transactions retried after a storage conflict",
	})

	// QuoteFailures counts rejected or failed quote fetches.
	QuoteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_quote_failures_total",
		Help: "Quote fetches that failed or were rejected",
	}, []string{"reason"})

	// LimitRejections counts trades rejected by the risk limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_limit_rejections_total",
		Help: "Trades rejected by the risk limiter",
	})

	// SettledVolume tracks cumulative traded quantity per symbol.
	SettledVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_volume_total",
		Help: "Cumulative settled quantity",
	}, []string{"symbol", "side"})

	// WebSocketClients tracks connected ledger feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps account IDs out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
