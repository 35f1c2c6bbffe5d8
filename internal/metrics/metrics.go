// Package metrics provides Prometheus instrumentation for the paper-trading
// service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpened counts positions opened, partitioned by side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"side"})

	// PositionsClosed counts positions closed, partitioned by reason
	// (MANUAL, SL, TP).
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_positions_closed_total",
		Help: "Total number of positions closed",
	}, []string{"reason"})

	// OrderRejections counts rejected order attempts by cause.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_order_rejections_total",
		Help: "Order attempts rejected before opening a position",
	}, []string{"cause"})

	// ActiveSessions tracks sessions currently running.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrade_active_sessions",
		Help: "Number of currently active trading sessions",
	})

	// Lockouts counts risk-rule lockouts by reason.
	Lockouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_lockouts_total",
		Help: "Risk rule lockouts triggered",
	}, []string{"reason"})

	// ChallengeVerdicts counts challenge runs reaching a terminal state.
	ChallengeVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_challenge_verdicts_total",
		Help: "Challenge runs that passed or failed",
	}, []string{"status"})

	// PricePolls counts quote polls by outcome (success, error, skipped).
	PricePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_price_polls_total",
		Help: "Quote polls by outcome",
	}, []string{"outcome"})

	// PriceFetchLatency tracks quote request latency.
	PriceFetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "papertrade_price_fetch_seconds",
		Help:    "Quote request latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// JournalWrites counts trade-history appends by outcome.
	JournalWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_journal_writes_total",
		Help: "Trade-history appends by outcome",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrade_http_request_duration_seconds",
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

		// Use the route pattern for the path label; user ids in the raw
		// path would explode cardinality.
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
