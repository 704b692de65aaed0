// Package routing holds the agents that classify the request host, apply the
// access guard and compute the rewrite decision.
package routing

import (
	"context"
	"net/http"

	"github.com/ia-rk/hostgate/internal/runtime/pipeline"
	"github.com/ia-rk/hostgate/internal/site"
)

// ClassifyAgent maps the Host header onto a site identity.
type ClassifyAgent struct{}

func NewClassifyAgent() *ClassifyAgent { return &ClassifyAgent{} }

func (a *ClassifyAgent) Name() string { return "classify" }

func (a *ClassifyAgent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	id := site.Classify(state.Request.Host)
	state.Routing.Site = id
	state.Routing.SiteName = id.String()
	state.Routing.BaseHost = site.BaseHost(state.Request.Host)
	return pipeline.Result{
		Name:    a.Name(),
		Status:  "classified",
		Details: id.String(),
	}
}

// GuardAgent enforces host-based access boundaries and operator rules.
type GuardAgent struct {
	guard *site.Guard
}

func NewGuardAgent(guard *site.Guard) *GuardAgent {
	if guard == nil {
		guard = site.NewGuard(site.DefaultAreas())
	}
	return &GuardAgent{guard: guard}
}

func (a *GuardAgent) Name() string { return "guard" }

func (a *GuardAgent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.ShortCircuited() {
		return pipeline.Skipped(a.Name())
	}
	decision, ok := a.guard.Check(state.Routing.Site, state.Request.Path)
	if !ok {
		return pipeline.Result{Name: a.Name(), Status: "allowed"}
	}
	state.Routing.Guarded = true
	state.Decide(decision)
	return pipeline.Result{
		Name:    a.Name(),
		Status:  decision.Kind.String(),
		Details: decision.Reason,
	}
}

// RewriteAgent computes the canonical redirect or internal rewrite.
type RewriteAgent struct {
	router *site.Router
}

func NewRewriteAgent(router *site.Router) *RewriteAgent {
	if router == nil {
		router = site.NewRouter(site.RouterOptions{})
	}
	return &RewriteAgent{router: router}
}

func (a *RewriteAgent) Name() string { return "rewrite" }

func (a *RewriteAgent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.ShortCircuited() {
		return pipeline.Skipped(a.Name())
	}
	decision := a.router.Route(state.Routing.Site, state.Request.Path)
	state.Decide(decision)
	result := pipeline.Result{
		Name:    a.Name(),
		Status:  decision.Kind.String(),
		Details: decision.Reason,
	}
	if decision.Kind == site.Rewrite {
		result.Meta = map[string]any{"internalPath": state.Routing.InternalPath}
	}
	return result
}
