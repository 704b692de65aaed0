package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ThrottleResult captures the outcome of a throttle check.
type ThrottleResult string

const (
	// ThrottleAllowed indicates the request fit inside its budget.
	ThrottleAllowed ThrottleResult = "allowed"
	// ThrottleRejected indicates the request exhausted its budget.
	ThrottleRejected ThrottleResult = "rejected"
	// ThrottleError indicates the limiter failed and the request was admitted.
	ThrottleError ThrottleResult = "error"
)

// ReloadResult captures the outcome of a configuration reload.
type ReloadResult string

const (
	ReloadApplied  ReloadResult = "applied"
	ReloadRejected ReloadResult = "rejected"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	throttleChecks  *prometheus.CounterVec
	identityCalls   *prometheus.CounterVec
	cacheOperations *prometheus.CounterVec
	reloads         *prometheus.CounterVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostgate",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Requests handled by the gateway, by site and routing decision.",
	}, []string{"site", "decision", "status_code"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hostgate",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for requests handled by the gateway, upstream time included.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"site", "decision"})

	throttleChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostgate",
		Subsystem: "throttle",
		Name:      "checks_total",
		Help:      "Throttle checks by budget class and result.",
	}, []string{"budget", "result"})

	identityCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostgate",
		Subsystem: "session",
		Name:      "identity_calls_total",
		Help:      "Identity provider and role store calls made while refreshing sessions.",
	}, []string{"operation", "result"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostgate",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Role cache operations executed by the session adapter.",
	}, []string{"operation", "result"})

	reloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hostgate",
		Subsystem: "config",
		Name:      "reloads_total",
		Help:      "Configuration reload attempts by result.",
	}, []string{"result"})

	reg.MustRegister(requests, requestLatency, throttleChecks, identityCalls, cacheOperations, reloads)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		requests:        requests,
		requestLatency:  requestLatency,
		throttleChecks:  throttleChecks,
		identityCalls:   identityCalls,
		cacheOperations: cacheOperations,
		reloads:         reloads,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the decision, status and latency of a handled request.
func (r *Recorder) ObserveRequest(site, decision string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	siteLabel := normalizeLabel(site)
	decisionLabel := normalizeLabel(decision)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.requests.WithLabelValues(siteLabel, decisionLabel, statusLabel).Inc()
	r.requestLatency.WithLabelValues(siteLabel, decisionLabel).Observe(duration.Seconds())
}

// ObserveThrottle records a throttle check against the named budget.
func (r *Recorder) ObserveThrottle(budget string, result ThrottleResult) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(ThrottleError)
	}
	r.throttleChecks.WithLabelValues(normalizeLabel(budget), resultLabel).Inc()
}

// ObserveIdentityCall records an identity provider or role store call.
func (r *Recorder) ObserveIdentityCall(operation, result string) {
	if r == nil {
		return
	}
	r.identityCalls.WithLabelValues(normalizeLabel(operation), normalizeLabel(result)).Inc()
}

// ObserveCacheOperation records a role cache lookup or store.
func (r *Recorder) ObserveCacheOperation(operation, result string) {
	if r == nil {
		return
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(operation), normalizeLabel(result)).Inc()
}

// ObserveReload records a configuration reload attempt.
func (r *Recorder) ObserveReload(result ReloadResult) {
	if r == nil {
		return
	}
	r.reloads.WithLabelValues(normalizeLabel(string(result))).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
