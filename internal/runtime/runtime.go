package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ia-rk/hostgate/internal/config"
	"github.com/ia-rk/hostgate/internal/metrics"
	"github.com/ia-rk/hostgate/internal/runtime/admission"
	"github.com/ia-rk/hostgate/internal/runtime/cache"
	"github.com/ia-rk/hostgate/internal/runtime/forwardpolicy"
	"github.com/ia-rk/hostgate/internal/runtime/pipeline"
	"github.com/ia-rk/hostgate/internal/runtime/responsepolicy"
	"github.com/ia-rk/hostgate/internal/runtime/routing"
	"github.com/ia-rk/hostgate/internal/session"
	"github.com/ia-rk/hostgate/internal/site"
	"github.com/ia-rk/hostgate/internal/throttle"
	"github.com/ia-rk/hostgate/internal/upstream"
)

// Forwarder hands a routed request to the application upstream.
type Forwarder interface {
	Forward(http.ResponseWriter, *http.Request, upstream.Target)
}

// Metrics is the slice of the recorder the pipeline reports to.
type Metrics interface {
	ObserveRequest(site, decision string, statusCode int, duration time.Duration)
	ObserveThrottle(budget string, result metrics.ThrottleResult)
}

// Policy is the reloadable part of the pipeline: everything derived from the
// routing, throttle and session configuration.
type Policy struct {
	Router       *site.Router
	Guard        *site.Guard
	Session      *session.Adapter
	Resolver     *throttle.AddressResolver
	Budgets      throttle.Budgets
	Scheme       string
	RuleSources  []string
	SkippedRules []config.DefinitionSkip
}

type PipelineOptions struct {
	Policy            Policy
	Limiter           throttle.Limiter
	Upstream          Forwarder
	Cache             cache.Cache
	CorrelationHeader string
	Metrics           Metrics
}

type Pipeline struct {
	logger            *slog.Logger
	limiter           throttle.Limiter
	upstream          Forwarder
	cache             cache.Cache
	correlationHeader string
	metrics           Metrics

	mu     sync.RWMutex
	policy Policy
	agents []pipeline.Agent
}

func NewPipeline(logger *slog.Logger, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	roleCache := opts.Cache
	if roleCache == nil {
		roleCache = cache.NewMemory(0)
	}
	p := &Pipeline{
		logger:            logger.With(slog.String("agent", "pipeline")),
		limiter:           opts.Limiter,
		upstream:          opts.Upstream,
		cache:             roleCache,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		metrics:           opts.Metrics,
	}
	p.install(opts.Policy)
	return p
}

func (p *Pipeline) Close(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Close(ctx)
}

func (p *Pipeline) install(policy Policy) {
	policy = withPolicyDefaults(policy)
	p.policy = policy
	p.agents = traceAgents(p.logger, p.buildAgents(policy))
}

func withPolicyDefaults(policy Policy) Policy {
	if policy.Router == nil {
		policy.Router = site.NewRouter(site.RouterOptions{})
	}
	if policy.Guard == nil {
		policy.Guard = site.NewGuard(site.DefaultAreas())
	}
	if policy.Session == nil {
		policy.Session = session.NewAdapter(session.Anonymous{}, session.Options{Areas: policy.Guard.Areas()})
	}
	if policy.Resolver == nil {
		policy.Resolver = throttle.NewAddressResolver(nil)
	}
	if policy.Budgets == (throttle.Budgets{}) {
		policy.Budgets = throttle.DefaultBudgets()
	}
	if policy.Scheme == "" {
		policy.Scheme = "https"
	}
	return policy
}

func (p *Pipeline) buildAgents(policy Policy) []pipeline.Agent {
	var observer admission.Observer
	if p.metrics != nil {
		observer = p.metrics
	}
	return []pipeline.Agent{
		admission.New(admission.Config{
			Limiter:  p.limiter,
			Resolver: policy.Resolver,
			Budgets:  policy.Budgets,
			Areas:    policy.Guard.Areas(),
			Logger:   p.logger.With(slog.String("agent", "throttle")),
			Observer: observer,
		}),
		routing.NewClassifyAgent(),
		routing.NewGuardAgent(policy.Guard),
		routing.NewRewriteAgent(policy.Router),
		newSessionAgent(policy.Session),
		forwardpolicy.New(),
		responsepolicy.New(policy.Scheme),
	}
}

func (p *Pipeline) snapshot() (Policy, []pipeline.Agent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.policy, p.agents
}

// Reload swaps the active policy and drops cached role claims so subsequent
// requests evaluate against the latest configuration snapshot. In-flight
// requests finish on the policy they started with.
func (p *Pipeline) Reload(ctx context.Context, policy Policy) {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.Lock()
	p.install(policy)
	p.mu.Unlock()

	if invalidator, ok := p.cache.(cache.ReloadInvalidator); ok {
		scope := cache.ReloadScope{Prefix: session.RoleCacheNamespace}
		if err := invalidator.InvalidateOnReload(ctx, scope); err != nil {
			p.logger.Warn("cache reload invalidation failed", slog.Any("error", err), slog.String("cache_prefix", scope.Prefix))
		}
	}
	p.logger.Info("configuration reloaded", slog.String("event", "policy_reload"), slog.Int("rules", len(policy.RuleSources)))
}

// ServeHTTP runs the routing pipeline for one request and either answers it
// directly or proxies it to the upstream with the internal path applied.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	_, agents := p.snapshot()

	correlationID := p.requestCorrelationID(r)
	state := pipeline.NewState(r, correlationID)
	reqLogger := p.logger.With(slog.String("correlation_id", correlationID))

	for _, ag := range agents {
		// Agents publish their observable state via the shared pipeline.State.
		_ = ag.Execute(r.Context(), r, state)
	}

	for _, c := range state.Session.Cookies {
		http.SetCookie(w, c)
	}
	if p.correlationHeader != "" {
		w.Header().Set(p.correlationHeader, correlationID)
	}

	status := state.Response.Status
	if status != 0 {
		for k, v := range state.Response.Headers {
			w.Header().Set(k, v)
		}
		if status >= http.StatusBadRequest {
			p.WriteError(w, status, state.Response.Message)
		} else {
			w.WriteHeader(status)
		}
	} else {
		rec := &statusRecorder{ResponseWriter: w}
		p.forward(rec, r, upstream.Target{
			Path:    state.Routing.InternalPath,
			Headers: state.Forward.Headers,
			Cookies: state.Session.Cookies,
		})
		status = rec.Status()
	}

	duration := time.Since(start)
	p.logDebugDecisionSnapshot(r.Context(), reqLogger, state)
	reqLogger.Info("pipeline completed",
		slog.String("site", state.Routing.SiteName),
		slog.String("decision", state.Routing.Kind),
		slog.String("agents", state.TraceSummary()),
		slog.Int("http_status", status),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
	if p.metrics != nil {
		p.metrics.ObserveRequest(state.Routing.SiteName, state.Routing.Kind, status, duration)
	}
}

func (p *Pipeline) forward(w http.ResponseWriter, r *http.Request, t upstream.Target) {
	if p.upstream == nil {
		p.WriteError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	p.upstream.Forward(w, r, t)
}

func (p *Pipeline) logDebugDecisionSnapshot(ctx context.Context, logger *slog.Logger, state *pipeline.State) {
	if logger == nil || state == nil {
		return
	}
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{
		slog.String("host", state.Request.Host),
		slog.String("path", state.Request.Path),
		slog.String("client_address", state.Request.ClientAddress),
		slog.String("throttle_key", state.Throttle.Key),
		slog.Int("throttle_remaining", state.Throttle.Remaining),
		slog.Bool("guarded", state.Routing.Guarded),
		slog.String("internal_path", state.Routing.InternalPath),
		slog.Bool("authenticated", state.Session.Authenticated),
		slog.Int("cookies_rotated", len(state.Session.Cookies)),
	}
	if state.Routing.Reason != "" {
		attrs = append(attrs, slog.String("reason", state.Routing.Reason))
	}
	if state.Routing.Location != "" {
		attrs = append(attrs, slog.String("location", state.Routing.Location))
	}
	if state.Throttle.Error != "" {
		attrs = append(attrs, slog.String("throttle_error", state.Throttle.Error))
	}
	if state.Session.Error != "" {
		attrs = append(attrs, slog.String("session_error", state.Session.Error))
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "routing decision snapshot", attrs...)
}

// WriteError emits a JSON error payload shared by the pipeline and the admin
// handlers.
func (p *Pipeline) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	if strings.TrimSpace(message) == "" {
		message = strings.ToLower(http.StatusText(status))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		p.logger.Error("error response encode failed", slog.Any("error", err))
	}
}

// ServeHealth reports the throttle backend, cache usage and rule provenance.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	policy, _ := p.snapshot()
	cacheSize, err := p.cache.Size(r.Context())
	if err != nil {
		p.logger.Error("cache size query failed", slog.Any("error", err))
		cacheSize = 0
	}
	status := map[string]any{
		"status":       "ok",
		"cacheEntries": cacheSize,
		"observedAt":   time.Now().UTC(),
	}
	if p.limiter != nil {
		status["throttleBackend"] = p.limiter.Name()
		if degradable, ok := p.limiter.(interface{ Degraded() bool }); ok && degradable.Degraded() {
			status["status"] = "degraded"
			status["throttleDegraded"] = true
		}
	}
	if len(policy.RuleSources) > 0 {
		status["ruleSources"] = policy.RuleSources
	}
	if len(policy.SkippedRules) > 0 {
		status["skippedRules"] = policy.SkippedRules
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		p.logger.Error("health encode failed", slog.Any("error", err))
	}
}

// Explanation is the side-effect-free routing verdict for a host and path.
type Explanation struct {
	Host         string                  `json:"host"`
	Path         string                  `json:"path"`
	Static       bool                    `json:"static"`
	Routing      pipeline.RoutingState   `json:"routing"`
	Status       int                     `json:"status,omitempty"`
	Agents       []pipeline.Result       `json:"agents"`
	RuleSources  []string                `json:"ruleSources,omitempty"`
	SkippedRules []config.DefinitionSkip `json:"skippedRules,omitempty"`
}

// Explain classifies, guards and routes host and path without touching the
// throttle, the session or the upstream. Static paths are still guarded.
func (p *Pipeline) Explain(ctx context.Context, host, path string) Explanation {
	policy, _ := p.snapshot()
	path = pipeline.CleanPath(path)
	out := Explanation{
		Host:         host,
		Path:         path,
		Static:       policy.Router.IsStatic(path),
		RuleSources:  policy.RuleSources,
		SkippedRules: policy.SkippedRules,
	}

	req := (&http.Request{
		Method: http.MethodGet,
		Host:   host,
		URL:    &url.URL{Path: path},
		Header: make(http.Header),
	}).WithContext(ctx)
	state := pipeline.NewState(req, "explain")
	agents := []pipeline.Agent{
		routing.NewClassifyAgent(),
		routing.NewGuardAgent(policy.Guard),
		routing.NewRewriteAgent(policy.Router),
		responsepolicy.New(policy.Scheme),
	}
	for _, ag := range agents {
		out.Agents = append(out.Agents, ag.Execute(ctx, req, state))
	}
	out.Routing = state.Routing
	out.Status = state.Response.Status
	return out
}

// ServeExplain renders Explain for the host and path query parameters. The
// host defaults to the admin request's own host.
func (p *Pipeline) ServeExplain(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	host := strings.TrimSpace(q.Get("host"))
	if host == "" {
		host = r.Host
	}
	path := strings.TrimSpace(q.Get("path"))
	if path == "" {
		p.WriteError(w, http.StatusBadRequest, "path parameter required")
		return
	}
	payload := p.Explain(r.Context(), host, path)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("explain encode failed", slog.Any("error", err))
	}
}

// ServeLink resolves an outbound link for the path, site and host query
// parameters. site defaults to the current site and host to the admin
// request's own host.
func (p *Pipeline) ServeLink(w http.ResponseWriter, r *http.Request) {
	policy, _ := p.snapshot()
	q := r.URL.Query()
	logicalPath := strings.TrimSpace(q.Get("path"))
	if logicalPath == "" {
		p.WriteError(w, http.StatusBadRequest, "path parameter required")
		return
	}
	targetName := strings.TrimSpace(q.Get("site"))
	if targetName == "" {
		targetName = site.TargetCurrent.String()
	}
	target, err := site.ParseTarget(targetName)
	if err != nil {
		p.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	host := r.Host
	if q.Has("host") {
		host = strings.TrimSpace(q.Get("host"))
	}

	link := site.Linker{Scheme: policy.Scheme}.Resolve(logicalPath, target, host)
	payload := map[string]any{
		"url":         link.URL,
		"provisional": link.Provisional,
		"target":      target.String(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		p.logger.Error("link encode failed", slog.Any("error", err))
	}
}

func (p *Pipeline) requestCorrelationID(r *http.Request) string {
	if r != nil && p.correlationHeader != "" {
		if candidate := strings.TrimSpace(r.Header.Get(p.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	return uuid.NewString()
}

// statusRecorder remembers the status the upstream answered with.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 && code >= http.StatusOK {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusRecorder) Status() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
