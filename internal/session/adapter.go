package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ia-rk/hostgate/internal/site"
)

const (
	DefaultReturnParam = "redirect"
	DefaultAdminRole   = "admin"
)

// Result is the outcome of one refresh. Cookies are always written back,
// including when Principal is nil.
type Result struct {
	Principal *Principal
	Cookies   []*http.Cookie
	Err       error
}

// Authenticated reports whether a principal was resolved.
func (r Result) Authenticated() bool { return r.Principal != nil }

type Options struct {
	Areas       site.Areas
	ReturnParam string
	AdminRole   string
	Roles       RoleStore
	Logger      *slog.Logger
	Observer    Observer
}

// Adapter refreshes the session once per request and applies the protected
// area rules to the result.
type Adapter struct {
	provider    IdentityProvider
	roles       RoleStore
	areas       site.Areas
	returnParam string
	adminRole   string
	logger      *slog.Logger
	observer    Observer
}

func NewAdapter(provider IdentityProvider, opts Options) *Adapter {
	if provider == nil {
		provider = Anonymous{}
	}
	if opts.ReturnParam == "" {
		opts.ReturnParam = DefaultReturnParam
	}
	if opts.AdminRole == "" {
		opts.AdminRole = DefaultAdminRole
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Adapter{
		provider:    provider,
		roles:       opts.Roles,
		areas:       opts.Areas,
		returnParam: opts.ReturnParam,
		adminRole:   opts.AdminRole,
		logger:      opts.Logger,
		observer:    opts.Observer,
	}
}

// Refresh asks the provider to validate or rotate the session. A provider
// failure resolves to an anonymous result carrying the error, so protected
// paths fail closed. When a role store is configured its answer replaces the
// provider's role claim; a failed lookup leaves the claim empty.
func (a *Adapter) Refresh(ctx context.Context, r *http.Request) Result {
	principal, cookies, err := a.provider.GetPrincipal(ctx, r)
	if err != nil {
		a.observer.ObserveIdentityCall("refresh", "error")
		a.logger.Warn("identity provider failed", slog.Any("error", err))
		return Result{Cookies: cookies, Err: err}
	}
	if principal == nil {
		a.observer.ObserveIdentityCall("refresh", "anonymous")
		return Result{Cookies: cookies}
	}
	a.observer.ObserveIdentityCall("refresh", "ok")

	if a.roles != nil {
		resolved := *principal
		role, err := a.roles.RoleClaim(ctx, principal.ID)
		if err != nil {
			a.observer.ObserveIdentityCall("role_lookup", "error")
			a.logger.Warn("role lookup failed",
				slog.String("principal", principal.ID.String()),
				slog.Any("error", err),
			)
			role = ""
		} else {
			a.observer.ObserveIdentityCall("role_lookup", "ok")
		}
		resolved.RoleClaim = role
		principal = &resolved
	}
	return Result{Principal: principal, Cookies: cookies}
}

// Enforce applies the authentication rules for requestPath, the path as the
// client sent it. It returns false when the request may continue.
func (a *Adapter) Enforce(requestPath string, principal *Principal) (site.Decision, bool) {
	if !a.areas.Protected(requestPath) {
		return site.Decision{}, false
	}
	if principal == nil {
		target := a.areas.SignIn + "?" + url.Values{a.returnParam: {requestPath}}.Encode()
		return site.RedirectTo(target, "authentication required"), true
	}
	if a.areas.InBackoffice(requestPath) && principal.RoleClaim != a.adminRole {
		return site.RedirectTo(a.areas.Dashboard, "admin role required"), true
	}
	return site.Decision{}, false
}

// Areas exposes the protected areas the adapter enforces.
func (a *Adapter) Areas() site.Areas { return a.areas }
