package site

import (
	"net/http"
	"strings"
)

// Areas names the protected areas and authentication entry paths shared by
// the guard and session enforcement.
type Areas struct {
	Dashboard  string
	Backoffice string
	SignIn     string
	SignUp     string
	Callback   string
}

// DefaultAreas returns the platform's stock paths.
func DefaultAreas() Areas {
	return Areas{
		Dashboard:  "/dashboard",
		Backoffice: "/admin",
		SignIn:     "/login",
		SignUp:     "/register",
		Callback:   "/auth/callback",
	}
}

// Protected reports whether p is under either protected-area prefix.
func (a Areas) Protected(p string) bool {
	return HasPrefix(p, a.Dashboard) || HasPrefix(p, a.Backoffice)
}

// InBackoffice reports whether p is under the admin-only prefix.
func (a Areas) InBackoffice(p string) bool {
	return HasPrefix(p, a.Backoffice)
}

// AuthEntry reports whether p is exactly a sign-in or sign-up path.
func (a Areas) AuthEntry(p string) bool {
	p = strings.TrimSuffix(p, "/")
	return p == a.SignIn || p == a.SignUp
}

// AuthSensitive reports whether p should draw from the tight throttle budget.
func (a Areas) AuthSensitive(p string) bool {
	if a.AuthEntry(p) {
		return true
	}
	return a.Callback != "" && HasPrefix(p, a.Callback)
}

// Check is an additional guard rule consulted after the built-in ones.
type Check interface {
	Evaluate(id Identity, path string) (Decision, bool)
}

// Guard enforces host-based access boundaries before any rewrite happens.
type Guard struct {
	areas  Areas
	checks []Check
}

func NewGuard(areas Areas, checks ...Check) *Guard {
	return &Guard{areas: areas, checks: checks}
}

// Areas exposes the guard's protected paths.
func (g *Guard) Areas() Areas { return g.areas }

// Check returns a redirect when p must not be served on id. ok is false when
// the guard has no opinion and routing should continue.
func (g *Guard) Check(id Identity, p string) (Decision, bool) {
	if id != Main {
		if g.areas.Protected(p) {
			return redirectTo(Main, "/", true, http.StatusTemporaryRedirect, "protected area is main-only"), true
		}
		if g.areas.AuthEntry(p) {
			return redirectTo(Main, p, true, http.StatusTemporaryRedirect, "authentication is main-only").withQuery(), true
		}
	}
	for _, check := range g.checks {
		if check == nil {
			continue
		}
		if decision, ok := check.Evaluate(id, p); ok {
			return decision, true
		}
	}
	return Decision{}, false
}
