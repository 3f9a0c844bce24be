// Package metrics provides Prometheus instrumentation for the prediction engine.
package metrics

import (
	"bufio"
	"errors"
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
	// TradesTotal counts committed trades, partitioned by operation (buy/sell) and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_trades_total",
		Help: "Total number of prediction trades committed",
	}, []string{"op", "side"})

	// TradeLatency tracks how long a trade transaction takes end to end.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predict_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TradeVolume tracks cumulative money moved by trades per currency.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_trade_volume_total",
		Help: "Cumulative amount spent or received by trades",
	}, []string{"op", "currency"})

	// Rejections counts failed operations by error kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_rejections_total",
		Help: "Operations rejected, by operation and error kind",
	}, []string{"op", "kind"})

	// MarketsCreated counts newly opened markets by type.
	MarketsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_markets_created_total",
		Help: "Markets created",
	}, []string{"type"})

	// Resolutions counts settled markets by outcome (yes/no/null/cancelled).
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_resolutions_total",
		Help: "Markets resolved or cancelled",
	}, []string{"result"})

	// Payouts counts share lots paid out at resolution.
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_payouts_total",
		Help: "Share lots paid out at resolution",
	}, []string{"type"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "predict_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "predict_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predict_http_request_duration_seconds",
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

		// Route pattern, not the raw path, keeps label cardinality bounded.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
