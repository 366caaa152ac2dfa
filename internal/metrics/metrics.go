// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// LedgerOpsTotal counts ledger operations by name and outcome.
	LedgerOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolledger_ops_total",
		Help: "Total ledger operations by operation and result",
	}, []string{"op", "result"})

	// LedgerOpLatency tracks end-to-end operation latency including retries.
	LedgerOpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolledger_op_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TxRetries counts transactions retried after a conflict.
	TxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolledger_tx_retries_total",
		Help: "Transactions retried after a serialization or lock conflict",
	}, []string{"op"})

	// ContributionsTotal counts recorded contributions by status.
	ContributionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolledger_contributions_total",
		Help: "Contributions recorded, by status",
	}, []string{"status"})

	// ContributedVolume tracks cumulative succeeded capital in minor units.
	ContributedVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolledger_contributed_minor_units_total",
		Help: "Cumulative succeeded contribution volume in minor units",
	})

	// SettlementsTotal counts position settlements by resulting status.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolledger_settlements_total",
		Help: "Position settlements by resulting status",
	}, []string{"status"})

	// OpenPositions tracks the number of pending positions.
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolledger_open_positions",
		Help: "Number of positions awaiting settlement",
	})

	// WithdrawalsTotal counts withdrawal requests by status.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolledger_withdrawals_total",
		Help: "Withdrawal requests by status",
	}, []string{"status"})

	// LimitRejections counts positions rejected by the exposure limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "poolledger_limit_rejections_total",
		Help: "Positions rejected by the exposure limiter",
	})

	// AuditViolations is the number of violations found by the last
	// reconciliation pass.
	AuditViolations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolledger_audit_violations",
		Help: "Violations found by the last reconciliation pass",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "poolledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "poolledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poolledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOp records the outcome and latency of one ledger operation.
func ObserveOp(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LedgerOpsTotal.WithLabelValues(op, result).Inc()
	LedgerOpLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
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

		// The route pattern keeps IDs out of the label set.
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

// Hijack lets WebSocket upgrades through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
