package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

// Security-path metrics.
var (
	mfaVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mfa_verifications_total",
			Help: "MFA verification attempts by factor type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	trustedDeviceChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trusted_device_checks_total",
			Help: "Trusted-device cookie checks by outcome.",
		},
		[]string{"outcome"},
	)

	dekCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dek_cache_lookups_total",
			Help: "Workspace DEK cache lookups by result.",
		},
		[]string{"result"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		mfaVerificationsTotal, trustedDeviceChecksTotal, dekCacheLookupsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveMFAVerification records one verification attempt.
func ObserveMFAVerification(factorType, outcome string) {
	mfaVerificationsTotal.WithLabelValues(factorType, outcome).Inc()
}

// ObserveTrustedDeviceCheck records one trusted-device check.
func ObserveTrustedDeviceCheck(outcome string) {
	trustedDeviceChecksTotal.WithLabelValues(outcome).Inc()
}

// ObserveDEKCacheLookup records a DEK cache hit or miss.
func ObserveDEKCacheLookup(result string) {
	dekCacheLookupsTotal.WithLabelValues(result).Inc()
}

// CanonicalPath collapses identifier segments so metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	// /v1/mfa/factors/<id> and /v1/trusted-device/<id> carry row ids
	if len(parts) == 5 && parts[1] == "v1" && parts[2] == "mfa" && parts[3] == "factors" {
		parts[4] = ":id"
		return strings.Join(parts, "/")
	}
	if len(parts) == 4 && parts[1] == "v1" && parts[2] == "trusted-device" && parts[3] != "" {
		parts[3] = ":id"
		return strings.Join(parts, "/")
	}
	return path
}

// Instrument wraps a handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
