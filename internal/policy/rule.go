// Package policy compiles operator-defined guard rules. A rule matches a
// request with a CEL predicate and answers with a redirect, whose target is a
// sprig template, or with a denial.
package policy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ia-rk/hostgate/internal/site"
)

// RuleSpec is the declarative form of one rule.
type RuleSpec struct {
	Name string
	// Sites limits the rule to these sites. Empty means every site.
	Sites []string
	When  string
	// Target renders the redirect destination path. Ignored for denials.
	Target string
	// Site sends the redirect to another site. Empty keeps the current host.
	Site   string
	Status int
}

// Rule is a compiled RuleSpec. It satisfies site.Check.
type Rule struct {
	name   string
	sites  map[site.Identity]struct{}
	when   Program
	target *Template
	dest   site.Identity
	cross  bool
	status int
	logger *slog.Logger
}

func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isDenyStatus(status int) bool {
	return status >= 400 && status <= 499
}

// Compile validates spec and prepares it for evaluation.
func Compile(env *Environment, renderer *Renderer, spec RuleSpec, logger *slog.Logger) (*Rule, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, errors.New("policy: rule name required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rule := &Rule{name: name, status: spec.Status, logger: logger}
	if rule.status == 0 {
		rule.status = http.StatusTemporaryRedirect
	}
	if !isRedirectStatus(rule.status) && !isDenyStatus(rule.status) {
		return nil, fmt.Errorf("policy: rule %q: status %d is neither a redirect nor a client error", name, rule.status)
	}

	if len(spec.Sites) > 0 {
		rule.sites = make(map[site.Identity]struct{}, len(spec.Sites))
		for _, raw := range spec.Sites {
			id, err := site.ParseIdentity(raw)
			if err != nil {
				return nil, fmt.Errorf("policy: rule %q: %w", name, err)
			}
			rule.sites[id] = struct{}{}
		}
	}

	program, err := env.Compile(spec.When)
	if err != nil {
		return nil, fmt.Errorf("policy: rule %q: %w", name, err)
	}
	rule.when = program

	if isRedirectStatus(rule.status) {
		target, err := renderer.Compile(name, spec.Target)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", name, err)
		}
		if target == nil {
			return nil, fmt.Errorf("policy: rule %q: redirect target required", name)
		}
		rule.target = target
	}

	if strings.TrimSpace(spec.Site) != "" {
		dest, err := site.ParseIdentity(spec.Site)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", name, err)
		}
		rule.dest = dest
		rule.cross = true
	}
	return rule, nil
}

// CompileAll compiles specs in order and returns them as guard checks.
func CompileAll(specs []RuleSpec, logger *slog.Logger) ([]site.Check, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	renderer := NewRenderer()
	checks := make([]site.Check, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		rule, err := Compile(env, renderer, spec, logger)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[rule.name]; dup {
			return nil, fmt.Errorf("policy: duplicate rule name %q", rule.name)
		}
		seen[rule.name] = struct{}{}
		checks = append(checks, rule)
	}
	return checks, nil
}

func (r *Rule) Name() string { return r.name }

// Evaluate answers for a matching request. Evaluation or render failures are
// logged and treated as no match.
func (r *Rule) Evaluate(id site.Identity, requestPath string) (site.Decision, bool) {
	if r.sites != nil {
		if _, ok := r.sites[id]; !ok {
			return site.Decision{}, false
		}
	}
	matched, err := r.when.Matches(id, requestPath)
	if err != nil {
		r.logger.Warn("guard rule evaluation failed", slog.String("rule", r.name), slog.Any("error", err))
		return site.Decision{}, false
	}
	if !matched {
		return site.Decision{}, false
	}

	reason := "rule " + r.name
	if isDenyStatus(r.status) {
		return site.DenyWith(r.status, reason), true
	}

	target, err := r.target.Render(newTargetData(id.String(), requestPath))
	if err != nil {
		r.logger.Warn("guard rule target failed", slog.String("rule", r.name), slog.Any("error", err))
		return site.Decision{}, false
	}
	if !localPath(target) {
		r.logger.Warn("guard rule target is not a local path",
			slog.String("rule", r.name),
			slog.String("target", target),
		)
		return site.Decision{}, false
	}
	if r.cross && r.dest != id {
		return site.CrossSiteRedirect(r.dest, target, r.status, reason), true
	}
	d := site.RedirectTo(target, reason)
	d.Status = r.status
	return d, true
}

// localPath reports whether target stays on the current host. Browsers read a
// leading "/\" the same as "//".
func localPath(target string) bool {
	if !strings.HasPrefix(target, "/") {
		return false
	}
	return len(target) == 1 || (target[1] != '/' && target[1] != '\\')
}
