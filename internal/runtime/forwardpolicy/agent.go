// Package forwardpolicy prepares the identity headers the upstream application
// receives alongside a proxied request.
package forwardpolicy

import (
	"context"
	"net/http"

	"github.com/ia-rk/hostgate/internal/runtime/pipeline"
)

// Headers set on every proxied request. Client-supplied values under the
// X-Auth- and X-Site- families never reach the upstream.
const (
	HeaderOriginalPath = "X-Original-Path"
	HeaderSiteIdentity = "X-Site-Identity"
	HeaderSiteBaseHost = "X-Site-Base-Host"
	HeaderUserID       = "X-Auth-User-Id"
	HeaderRole         = "X-Auth-Role"
)

// ReservedPrefixes lists the header families the gateway owns.
var ReservedPrefixes = []string{"X-Auth-", "X-Site-"}

// Agent records the forward headers on the pipeline state.
type Agent struct{}

func New() *Agent { return &Agent{} }

// Name identifies the forward request policy agent for logging and result
// snapshots.
func (a *Agent) Name() string { return "forward_request_policy" }

func (a *Agent) Execute(_ context.Context, _ *http.Request, state *pipeline.State) pipeline.Result {
	if state.ShortCircuited() {
		return pipeline.Skipped(a.Name())
	}
	headers := make(map[string]string, 5)
	headers[HeaderOriginalPath] = state.Request.Path
	headers[HeaderSiteIdentity] = state.Routing.SiteName
	headers[HeaderSiteBaseHost] = state.Routing.BaseHost
	if state.Session.Authenticated {
		headers[HeaderUserID] = state.Session.UserID
		headers[HeaderRole] = state.Session.Role
	}
	state.Forward.Headers = headers

	return pipeline.Result{
		Name:   a.Name(),
		Status: "ready",
		Meta: map[string]any{
			"headerCount":   len(headers),
			"authenticated": state.Session.Authenticated,
		},
	}
}
