// Package metrics provides Prometheus instrumentation for the settlement
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OptionsOpened counts options bought, partitioned by kind and
	// settlement mode.
	OptionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_options_opened_total",
		Help: "Total options bought",
	}, []string{"kind", "settlement"})

	// OptionsSettled counts terminal option transitions by outcome
	// (exercised or expired).
	OptionsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_options_settled_total",
		Help: "Total options settled, by outcome",
	}, []string{"outcome"})

	// PositionsOpened counts leveraged positions opened, by side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_positions_opened_total",
		Help: "Total leveraged positions opened",
	}, []string{"side"})

	// PositionsClosed counts position closes and liquidations.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_positions_closed_total",
		Help: "Total leveraged positions removed, by outcome",
	}, []string{"outcome"})

	// FeesAccrued tracks cumulative fees collected into the fee ledger.
	FeesAccrued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_fees_accrued_total",
		Help: "Cumulative trading fees accrued",
	})

	// PoolValue tracks each pool's total value.
	PoolValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_pool_value",
		Help: "Total value in custody per pool",
	}, []string{"pool"})

	// PoolLocked tracks each pool's collateral-locked value.
	PoolLocked = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_pool_locked",
		Help: "Value locked under open derivatives per pool",
	}, []string{"pool"})

	// PoolShares tracks each pool's shares outstanding.
	PoolShares = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "engine_pool_shares",
		Help: "Shares outstanding per pool",
	}, []string{"pool"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SetPoolGauges refreshes the per-pool gauges from a pool's current totals.
func SetPoolGauges(pool string, totalValue, lockedValue, totalShares float64) {
	PoolValue.WithLabelValues(pool).Set(totalValue)
	PoolLocked.WithLabelValues(pool).Set(lockedValue)
	PoolShares.WithLabelValues(pool).Set(totalShares)
}

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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
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
