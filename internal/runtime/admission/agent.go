// Package admission gates requests on the per-client request budgets before
// any routing work happens.
package admission

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ia-rk/hostgate/internal/metrics"
	"github.com/ia-rk/hostgate/internal/runtime/pipeline"
	"github.com/ia-rk/hostgate/internal/site"
	"github.com/ia-rk/hostgate/internal/throttle"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// Observer receives one report per throttle check.
type Observer interface {
	ObserveThrottle(budget string, result metrics.ThrottleResult)
}

// Config describes the admission policy in force.
type Config struct {
	Limiter  throttle.Limiter
	Resolver *throttle.AddressResolver
	Budgets  throttle.Budgets
	Areas    site.Areas
	Logger   *slog.Logger
	Observer Observer
	Now      func() time.Time
}

type Agent struct {
	limiter  throttle.Limiter
	resolver *throttle.AddressResolver
	budgets  throttle.Budgets
	areas    site.Areas
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

func New(cfg Config) *Agent {
	if cfg.Resolver == nil {
		cfg.Resolver = throttle.NewAddressResolver(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Agent{
		limiter:  cfg.Limiter,
		resolver: cfg.Resolver,
		budgets:  cfg.Budgets,
		areas:    cfg.Areas,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		now:      cfg.Now,
	}
}

func (a *Agent) Name() string { return "throttle" }

// Execute charges the request against its budget class. A rejected request is
// answered with 429 and the rate limit headers. A limiter failure admits the
// request.
func (a *Agent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	address := a.resolver.Resolve(r)
	state.Request.ClientAddress = address

	if a.limiter == nil {
		return pipeline.Result{Name: a.Name(), Status: "disabled"}
	}

	class := throttle.ClassGeneral
	if a.areas.AuthSensitive(state.Request.Path) {
		class = throttle.ClassAuth
	}
	key := throttle.Key(class, address)
	state.Throttle.Checked = true
	state.Throttle.Class = string(class)
	state.Throttle.Key = key

	res, err := a.limiter.Check(ctx, key, a.budgets.For(class))
	if err != nil {
		state.Throttle.Allowed = true
		state.Throttle.Error = err.Error()
		a.logger.Error("throttle check failed",
			slog.String("key", key),
			slog.String("backend", a.limiter.Name()),
			slog.Any("error", err),
		)
		a.observe(class, metrics.ThrottleError)
		return pipeline.Result{Name: a.Name(), Status: "error", Details: err.Error()}
	}

	state.Throttle.Allowed = res.Allowed
	state.Throttle.Limit = res.Limit
	state.Throttle.Remaining = res.Remaining
	state.Throttle.ResetAt = res.ResetAt

	meta := map[string]any{
		"class":     string(class),
		"remaining": res.Remaining,
	}
	if res.Allowed {
		a.observe(class, metrics.ThrottleAllowed)
		return pipeline.Result{Name: a.Name(), Status: "allowed", Meta: meta}
	}

	a.observe(class, metrics.ThrottleRejected)
	state.Respond(http.StatusTooManyRequests, "too many requests")
	for name, value := range Headers(res, a.now()) {
		state.Response.Headers[name] = value
	}
	return pipeline.Result{Name: a.Name(), Status: "rejected", Meta: meta}
}

func (a *Agent) observe(class throttle.Class, result metrics.ThrottleResult) {
	if a.observer != nil {
		a.observer.ObserveThrottle(string(class), result)
	}
}

// Headers renders the rate limit headers for res. The reset is reported in
// unix seconds and Retry-After counts whole seconds from now, at least one.
func Headers(res throttle.Result, now time.Time) map[string]string {
	retry := int(math.Ceil(res.ResetAt.Sub(now).Seconds()))
	if retry < 1 {
		retry = 1
	}
	return map[string]string{
		HeaderLimit:      strconv.Itoa(res.Limit),
		HeaderRemaining:  strconv.Itoa(res.Remaining),
		HeaderReset:      strconv.FormatInt(res.ResetAt.Unix(), 10),
		HeaderRetryAfter: strconv.Itoa(retry),
	}
}
