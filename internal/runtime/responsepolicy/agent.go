// Package responsepolicy materializes the direct response for requests the
// gateway answers itself.
package responsepolicy

import (
	"context"
	"net/http"
	"strings"

	"github.com/ia-rk/hostgate/internal/runtime/pipeline"
	"github.com/ia-rk/hostgate/internal/site"
)

// Agent renders redirect and deny decisions into the response state.
type Agent struct {
	scheme string
}

// New constructs a response policy agent. scheme is used for cross-site
// redirect targets.
func New(scheme string) *Agent {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		scheme = "https"
	}
	return &Agent{scheme: scheme}
}

// Name identifies the response policy agent for logging and snapshots.
func (a *Agent) Name() string { return "response_policy" }

func (a *Agent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.Response.Status != 0 {
		return pipeline.Result{
			Name:    a.Name(),
			Status:  "answered",
			Details: state.Response.Message,
		}
	}
	decision := state.Routing.Decision
	switch decision.Kind {
	case site.Redirect:
		location := decision.Location(state.Request.Host, a.scheme, state.Request.RawQuery)
		status := decision.Status
		if status == 0 {
			status = http.StatusTemporaryRedirect
		}
		state.Respond(status, "")
		state.Response.Headers["Location"] = location
		state.Routing.Location = location
		return pipeline.Result{Name: a.Name(), Status: "redirect", Details: location}
	case site.Deny:
		status := decision.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		state.Respond(status, coalesce(http.StatusText(status), "request denied"))
		return pipeline.Result{Name: a.Name(), Status: "deny", Details: decision.Reason}
	default:
		return pipeline.Result{Name: a.Name(), Status: "proxy", Details: state.Routing.InternalPath}
	}
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
