package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ia-rk/hostgate/internal/policy"
	"github.com/ia-rk/hostgate/internal/runtime/pipeline"
	"github.com/ia-rk/hostgate/internal/site"
)

func run(t *testing.T, target string, agents ...pipeline.Agent) (*pipeline.State, []pipeline.Result) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	state := pipeline.NewState(req, "corr")
	results := make([]pipeline.Result, 0, len(agents))
	for _, agent := range agents {
		results = append(results, agent.Execute(context.Background(), req, state))
	}
	return state, results
}

func defaultAgents() []pipeline.Agent {
	return []pipeline.Agent{
		NewClassifyAgent(),
		NewGuardAgent(site.NewGuard(site.DefaultAreas())),
		NewRewriteAgent(site.NewRouter(site.RouterOptions{})),
	}
}

func TestAgentsRewriteSubdomainPath(t *testing.T) {
	state, results := run(t, "http://event.ia-rk.com/archive/2024", defaultAgents()...)

	require.Equal(t, site.Events, state.Routing.Site)
	require.Equal(t, "events", state.Routing.SiteName)
	require.Equal(t, "ia-rk.com", state.Routing.BaseHost)
	require.Equal(t, "rewrite", state.Routing.Kind)
	require.Equal(t, "/event/archive/2024", state.Routing.InternalPath)
	require.Equal(t, "allowed", results[1].Status)
	require.Equal(t, "/event/archive/2024", results[2].Meta["internalPath"])
}

func TestAgentsRedirectCanonicalPrefix(t *testing.T) {
	state, _ := run(t, "http://ia-rk.com/donasi/beasiswa?ref=mail", defaultAgents()...)

	require.Equal(t, "redirect", state.Routing.Kind)
	require.True(t, state.Routing.Decision.CrossSite)
	require.Equal(t, http.StatusMovedPermanently, state.Routing.Decision.Status)
	require.Equal(t, "https://donasi.ia-rk.com/beasiswa?ref=mail", state.Routing.Decision.Location(state.Request.Host, "https", state.Request.RawQuery))
}

func TestGuardShortCircuitsRewrite(t *testing.T) {
	state, results := run(t, "http://event.ia-rk.com/dashboard/profile", defaultAgents()...)

	require.True(t, state.Routing.Guarded)
	require.Equal(t, "redirect", results[1].Status)
	require.Equal(t, pipeline.StatusSkipped, results[2].Status)
	require.Equal(t, "https://ia-rk.com/", state.Routing.Decision.Location(state.Request.Host, "https", ""))
}

func TestGuardAppliesOperatorRules(t *testing.T) {
	checks, err := policy.CompileAll([]policy.RuleSpec{{
		Name:   "no-wp",
		When:   `under(path, "/wp-admin")`,
		Status: http.StatusNotFound,
	}}, nil)
	require.NoError(t, err)

	state, results := run(t, "http://donasi.ia-rk.com/wp-admin/install.php",
		NewClassifyAgent(),
		NewGuardAgent(site.NewGuard(site.DefaultAreas(), checks...)),
		NewRewriteAgent(nil),
	)

	require.Equal(t, "deny", results[1].Status)
	require.Equal(t, http.StatusNotFound, state.Routing.Decision.Status)
	require.Equal(t, pipeline.StatusSkipped, results[2].Status)
}

func TestAgentsSkipAfterDirectResponse(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://event.ia-rk.com/", nil)
	state := pipeline.NewState(req, "corr")
	state.Respond(http.StatusTooManyRequests, "too many requests")

	NewClassifyAgent().Execute(context.Background(), req, state)
	guard := NewGuardAgent(nil).Execute(context.Background(), req, state)
	rewrite := NewRewriteAgent(nil).Execute(context.Background(), req, state)

	require.Equal(t, pipeline.StatusSkipped, guard.Status)
	require.Equal(t, pipeline.StatusSkipped, rewrite.Status)
	require.Equal(t, "pass_through", state.Routing.Kind)
}
