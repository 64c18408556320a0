package obs

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// JobTransitions counts job state changes by kind and resulting status.
	JobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_transitions_total",
			Help: "Job state transitions by kind and status.",
		},
		[]string{"kind", "status"},
	)

	// JobsEnqueued counts envelopes handed to the dispatch queue.
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Jobs enqueued for dispatch by kind and priority.",
		},
		[]string{"kind", "priority"},
	)

	// AccessDenials counts rejected authentication or authorization checks.
	AccessDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_denials_total",
			Help: "Rejected access checks by reason.",
		},
		[]string{"reason"},
	)

	// LeaseExpiries counts jobs failed because their queue lease lapsed on
	// the last attempt.
	LeaseExpiries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_lease_expiries_total",
		Help: "Jobs failed after their final queue lease expired.",
	})

	// EventsDropped counts broadcast deliveries skipped for slow subscribers.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "events_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	})

	// AuditWriteFailures counts audit entries that could not be persisted.
	AuditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_write_failures_total",
		Help: "Audit entries that failed to persist.",
	})

	initOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			JobTransitions, JobsEnqueued, LeaseExpiries, AccessDenials, EventsDropped, AuditWriteFailures,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// routeTemplates lists the parameterised routes; ":id" matches one segment.
var routeTemplates = []string{
	"/v1/extractions/:id",
	"/v1/extractions/:id/cancel",
	"/v1/extractions/:id/progress",
	"/v1/analysis/:id",
	"/v1/analysis/:id/cancel",
	"/v1/analysis/:id/progress",
	"/v1/organizations/:id",
	"/v1/organizations/:id/credentials",
	"/v1/organizations/:id/connectivity-test",
	"/v1/organizations/:id/clients",
	"/v1/principals/:id/permissions",
	"/v1/principals/:id/unlock",
	"/internal/jobs/:id/status",
}

var staticRoutes = map[string]struct{}{
	"/":                  {},
	"/healthz":           {},
	"/readyz":            {},
	"/metrics":           {},
	"/v1/auth/login":     {},
	"/v1/extractions":    {},
	"/v1/analysis":       {},
	"/v1/organizations":  {},
	"/v1/principals":     {},
	"/v1/audit":          {},
	"/v1/events/ws":      {},
	"/v1/events/stream":  {},
	"/internal/analysis": {},
}

// CanonicalPath maps a request path onto a bounded label set so metrics
// cardinality does not grow with identifiers. Unknown paths collapse to "/other".
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	if _, ok := staticRoutes[p]; ok {
		return p
	}
	segs := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for _, tpl := range routeTemplates {
		if matchTemplate(tpl, segs) {
			return tpl
		}
	}
	return "/other"
}

func matchTemplate(tpl string, segs []string) bool {
	parts := strings.Split(strings.TrimPrefix(tpl, "/"), "/")
	if len(parts) != len(segs) {
		return false
	}
	for i, part := range parts {
		if part == ":id" {
			if segs[i] == "" {
				return false
			}
			continue
		}
		if part != segs[i] {
			return false
		}
	}
	return true
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController and websocket upgrades reach the
// underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets websocket upgrades take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
