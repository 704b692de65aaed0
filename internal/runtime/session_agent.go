package runtime

import (
	"context"
	"net/http"

	"github.com/ia-rk/hostgate/internal/runtime/pipeline"
	"github.com/ia-rk/hostgate/internal/session"
)

// sessionAgent refreshes the caller's session once per request and applies the
// protected area rules to the refreshed identity.
type sessionAgent struct {
	adapter *session.Adapter
}

func newSessionAgent(adapter *session.Adapter) *sessionAgent {
	return &sessionAgent{adapter: adapter}
}

func (a *sessionAgent) Name() string { return "session" }

func (a *sessionAgent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	if state.ShortCircuited() {
		return pipeline.Skipped(a.Name())
	}
	if a.adapter == nil {
		return pipeline.Result{Name: a.Name(), Status: "disabled"}
	}

	result := a.adapter.Refresh(ctx, r)
	state.Session.Checked = true
	state.Session.Cookies = result.Cookies
	state.Session.Principal = result.Principal
	if result.Err != nil {
		state.Session.Error = result.Err.Error()
	}
	if result.Authenticated() {
		state.Session.Authenticated = true
		state.Session.UserID = result.Principal.ID.String()
		state.Session.Role = result.Principal.RoleClaim
	}

	meta := map[string]any{
		"authenticated": state.Session.Authenticated,
		"cookies":       len(result.Cookies),
	}
	if decision, ok := a.adapter.Enforce(state.Request.Path, result.Principal); ok {
		state.Decide(decision)
		return pipeline.Result{Name: a.Name(), Status: "redirect", Details: decision.Reason, Meta: meta}
	}
	status := "anonymous"
	if state.Session.Authenticated {
		status = "authenticated"
	}
	return pipeline.Result{Name: a.Name(), Status: status, Meta: meta}
}
