package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
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
)

// Auth metrics
var (
	gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_gate_decisions_total",
			Help: "Request gate outcomes.",
		},
		[]string{"outcome"},
	)

	sessionOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_session_operations_total",
			Help: "Session operations by result.",
		},
		[]string{"op", "result"},
	)

	policyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_policy_decisions_total",
			Help: "Authorization evaluator decisions.",
		},
		[]string{"requirement", "decision"},
	)

	sweptEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_whitelist_swept_total",
		Help: "Expired whitelist entries removed by the sweeper.",
	})

	sweepFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_whitelist_sweep_failures_total",
		Help: "Sweeper runs that failed.",
	})
)

// Gate outcomes.
const (
	GateAnonymous = "anonymous"
	GateAccepted  = "accepted"
	GateInvalid   = "invalid"
	GateRevoked   = "revoked"
	GateError     = "error"
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			gateDecisions, sessionOps, policyDecisions, sweptEntries, sweepFailures,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordGate counts one request gate outcome.
func RecordGate(outcome string) {
	gateDecisions.WithLabelValues(outcome).Inc()
}

// RecordSession counts a session operation; err == nil is a success.
func RecordSession(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	sessionOps.WithLabelValues(op, result).Inc()
}

// RecordPolicy counts one evaluator decision.
func RecordPolicy(requirement, decision string) {
	policyDecisions.WithLabelValues(requirement, decision).Inc()
}

// RecordSweep counts removed entries or a failed run.
func RecordSweep(removed int64, err error) {
	if err != nil {
		sweepFailures.Inc()
		return
	}
	sweptEntries.Add(float64(removed))
}

var knownPaths = map[string]struct{}{
	"/healthz":            {},
	"/readyz":             {},
	"/metrics":            {},
	"/v1/auth/register":   {},
	"/v1/auth/login":      {},
	"/v1/auth/refresh":    {},
	"/v1/auth/logout":     {},
	"/v1/auth/logout-all": {},
	"/v1/auth/promote":    {},
	"/v1/auth/me":         {},
}

// CanonicalPath maps a request path onto a bounded label set.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == "/" {
		return "/"
	}
	path = strings.TrimSuffix(path, "/")
	if _, ok := knownPaths[path]; ok {
		return path
	}
	return "other"
}

// Instrument measures RPS, latency and in-flight requests.
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

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
