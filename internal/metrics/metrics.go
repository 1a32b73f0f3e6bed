// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// OrdersTotal counts accepted orders by side, type and final status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepros_orders_total",
		Help: "Total number of accepted orders",
	}, []string{"side", "type", "status"})

	// OrderRejections counts submits rejected before reaching the book.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepros_order_rejections_total",
		Help: "Orders rejected by validation, funding or risk checks",
	}, []string{"reason"})

	// TradesTotal counts executed matches per symbol.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepros_trades_total",
		Help: "Total number of matches executed",
	}, []string{"symbol"})

	// TradeVolume tracks cumulative matched quantity per symbol.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepros_trade_volume_total",
		Help: "Cumulative matched quantity",
	}, []string{"symbol"})

	// SubmitLatency tracks end-to-end submit latency.
	SubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradepros_submit_latency_seconds",
		Help:    "Order submit latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	}, []string{"type"})

	// RestingOrders tracks orders currently resting per symbol.
	RestingOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradepros_resting_orders",
		Help: "Number of orders resting in the book",
	}, []string{"symbol"})

	// CancelsTotal counts successful cancels.
	CancelsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepros_cancels_total",
		Help: "Total number of orders cancelled by users",
	})

	// PersistFailures counts batches the store failed to write.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradepros_persist_failures_total",
		Help: "Batches that failed to persist",
	})

	// FeedTicks counts simulated price ticks per symbol.
	FeedTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepros_feed_ticks_total",
		Help: "Simulated market data ticks",
	}, []string{"symbol"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradepros_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsDropped counts events a sink discarded because its queue was full.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepros_events_dropped_total",
		Help: "Events dropped by a full sink queue",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradepros_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradepros_http_request_duration_seconds",
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

		// Route pattern keeps order ids out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
