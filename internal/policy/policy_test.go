package policy

import (
	"bytes"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ia-rk/hostgate/internal/site"
)

func TestEnvironmentUnderHelper(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`site == "events" && under(path, "/archive")`)
	require.NoError(t, err)
	require.Equal(t, `site == "events" && under(path, "/archive")`, program.Source())

	matched, err := program.Matches(site.Events, "/archive/2024")
	require.NoError(t, err)
	require.True(t, matched)

	matched, err = program.Matches(site.Events, "/archived")
	require.NoError(t, err)
	require.False(t, matched, "under must respect segment boundaries")

	matched, err = program.Matches(site.Main, "/archive")
	require.NoError(t, err)
	require.False(t, matched)
}

func TestEnvironmentRejectsNonBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`path + "x"`)
	require.Error(t, err)
	_, err = env.Compile(`   `)
	require.Error(t, err)
	_, err = env.Compile(`unknown_var == 1`)
	require.Error(t, err)
}

func TestRendererDropsEnvironmentHelpers(t *testing.T) {
	renderer := NewRenderer()
	_, err := renderer.Compile("env", `{{ env "HOME" }}`)
	require.Error(t, err)

	tmpl, err := renderer.Compile("target", `/{{ .Segments | last | lower }}`)
	require.NoError(t, err)
	out, err := tmpl.Render(newTargetData("events", "/Archive/Concert"))
	require.NoError(t, err)
	require.Equal(t, "/concert", out)

	blank, err := renderer.Compile("blank", "  ")
	require.NoError(t, err)
	require.Nil(t, blank)
}

func TestRuleRedirects(t *testing.T) {
	checks, err := CompileAll([]RuleSpec{
		{
			Name:   "legacy-campaigns",
			Sites:  []string{"donations"},
			When:   `path.startsWith("/campaign/")`,
			Target: `/{{ index .Segments 1 }}`,
			Status: http.StatusMovedPermanently,
		},
		{
			Name:   "events-help",
			Sites:  []string{"events"},
			When:   `path == "/help"`,
			Target: `/faq`,
			Site:   "main",
		},
	}, nil)
	require.NoError(t, err)
	require.Len(t, checks, 2)

	d, ok := checks[0].Evaluate(site.Donations, "/campaign/beasiswa")
	require.True(t, ok)
	require.Equal(t, site.Redirect, d.Kind)
	require.False(t, d.CrossSite)
	require.Equal(t, "/beasiswa", d.Path)
	require.Equal(t, http.StatusMovedPermanently, d.Status)

	_, ok = checks[0].Evaluate(site.Events, "/campaign/beasiswa")
	require.False(t, ok, "rule limited to donations")

	d, ok = checks[1].Evaluate(site.Events, "/help")
	require.True(t, ok)
	require.True(t, d.CrossSite)
	require.Equal(t, site.Main, d.Site)
	require.Equal(t, http.StatusTemporaryRedirect, d.Status)
	require.Equal(t, "https://ia-rk.com/faq", d.Location("event.ia-rk.com", "https", ""))
}

func TestRuleDenies(t *testing.T) {
	checks, err := CompileAll([]RuleSpec{{
		Name:   "no-wp",
		When:   `under(path, "/wp-admin")`,
		Status: http.StatusNotFound,
	}}, nil)
	require.NoError(t, err)

	d, ok := checks[0].Evaluate(site.Main, "/wp-admin/setup.php")
	require.True(t, ok)
	require.Equal(t, site.Deny, d.Kind)
	require.Equal(t, http.StatusNotFound, d.Status)
	require.Equal(t, "rule no-wp", d.Reason)
}

func TestRuleRejectsNonLocalTarget(t *testing.T) {
	targets := []string{
		`//evil.example{{ .Path }}`,
		`/\evil.example{{ .Path }}`,
		`https://evil.example/`,
		`{{ .Path }}`,
	}
	for _, target := range targets {
		t.Run(target, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			checks, err := CompileAll([]RuleSpec{{
				Name:   "escape",
				When:   `true`,
				Target: target,
			}}, logger)
			require.NoError(t, err)

			_, ok := checks[0].Evaluate(site.Main, "/\\x")
			require.False(t, ok)
			require.Contains(t, buf.String(), "not a local path")
		})
	}
}

func TestLocalPath(t *testing.T) {
	require.True(t, localPath("/"))
	require.True(t, localPath("/faq"))
	require.True(t, localPath("/a//b"))
	require.False(t, localPath(""))
	require.False(t, localPath("//evil.example"))
	require.False(t, localPath(`/\evil.example`))
	require.False(t, localPath("evil.example"))
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		spec RuleSpec
	}{
		{name: "missing name", spec: RuleSpec{When: "true", Target: "/"}},
		{name: "bad predicate", spec: RuleSpec{Name: "a", When: "path ==", Target: "/"}},
		{name: "missing target", spec: RuleSpec{Name: "a", When: "true"}},
		{name: "bad template", spec: RuleSpec{Name: "a", When: "true", Target: "{{ .Path "}},
		{name: "bad site", spec: RuleSpec{Name: "a", When: "true", Target: "/", Site: "shop"}},
		{name: "bad sites", spec: RuleSpec{Name: "a", Sites: []string{"shop"}, When: "true", Target: "/"}},
		{name: "bad status", spec: RuleSpec{Name: "a", When: "true", Target: "/", Status: 200}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := CompileAll([]RuleSpec{tc.spec}, nil)
			require.Error(t, err)
		})
	}

	_, err := CompileAll([]RuleSpec{
		{Name: "dup", When: "true", Target: "/"},
		{Name: "dup", When: "false", Target: "/"},
	}, nil)
	require.ErrorContains(t, err, "duplicate")
}

func TestGuardConsultsCompiledRules(t *testing.T) {
	checks, err := CompileAll([]RuleSpec{{
		Name:   "maintenance",
		Sites:  []string{"donasi"},
		When:   `under(path, "/pay")`,
		Target: `/maintenance`,
	}}, nil)
	require.NoError(t, err)

	guard := site.NewGuard(site.DefaultAreas(), checks...)
	d, ok := guard.Check(site.Donations, "/pay/now")
	require.True(t, ok)
	require.Equal(t, "/maintenance", d.Path)

	d, ok = guard.Check(site.Donations, "/admin")
	require.True(t, ok)
	require.Equal(t, "/", d.Path, "built-in rules win over operator rules")
}
