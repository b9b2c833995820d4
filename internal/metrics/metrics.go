package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SessionsPrepared counts prepared sessions
	SessionsPrepared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_sessions_prepared_total",
			Help: "Total number of sessions prepared",
		},
	)

	// SessionsInterrupted counts interrupted sessions
	SessionsInterrupted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_sessions_interrupted_total",
			Help: "Total number of sessions interrupted",
		},
	)

	// SessionsDeleted counts deleted sessions
	SessionsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_sessions_deleted_total",
			Help: "Total number of sessions deleted",
		},
	)

	// ExecutionsStarted counts started executions
	ExecutionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_executions_started_total",
			Help: "Total number of executions started",
		},
	)

	// ExecutionsCompleted counts cleanly completed executions
	ExecutionsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_executions_completed_total",
			Help: "Total number of executions completed with exit code 0",
		},
	)

	// ExecutionsFailed counts failed executions
	ExecutionsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_executions_failed_total",
			Help: "Total number of executions that ended in failure",
		},
	)

	// ExecutionDuration tracks how long executions run
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// StreamEventsTotal counts emitted stream events by type
	StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_stream_events_total",
			Help: "Total number of stream events emitted",
		},
		[]string{"type"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	// StaleExecutionsRecovered counts cron-recovered executions
	StaleExecutionsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "warden_stale_executions_recovered_total",
			Help: "Total number of stale executions recovered by the cleanup sweep",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if strings.HasPrefix(path, "/v1/sessions") {
			if strings.HasSuffix(path, "/stream") {
				return "/v1/sessions/{id}/stream"
			}
			if strings.HasSuffix(path, "/interrupt") {
				return "/v1/sessions/{id}/interrupt"
			}
			return "/v1/sessions"
		}
		if strings.HasPrefix(path, "/mcp/") {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordStreamEvent records one emitted stream event
func RecordStreamEvent(eventType string) {
	StreamEventsTotal.WithLabelValues(eventType).Inc()
}
