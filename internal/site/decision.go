package site

import (
	"net/http"
	"net/url"
	"strings"
)

// Kind enumerates the mutually exclusive outcomes of routing one request.
type Kind int

const (
	PassThrough Kind = iota
	Rewrite
	Redirect
	Deny
)

func (k Kind) String() string {
	switch k {
	case Rewrite:
		return "rewrite"
	case Redirect:
		return "redirect"
	case Deny:
		return "deny"
	default:
		return "pass_through"
	}
}

// Decision is the single routing verdict for a request.
//
// For Rewrite, Path is the internal path to serve. For Redirect, Path is the
// destination path and Site the destination site; CrossSite redirects leave
// the current host. Status carries the HTTP status for Redirect and Deny.
// KeepQuery forwards the original query string onto the redirect target.
type Decision struct {
	Kind      Kind
	Path      string
	Site      Identity
	CrossSite bool
	Status    int
	KeepQuery bool
	Reason    string
}

func passThrough(reason string) Decision {
	return Decision{Kind: PassThrough, Reason: reason}
}

func rewriteTo(path, reason string) Decision {
	return Decision{Kind: Rewrite, Path: path, Reason: reason}
}

func redirectTo(id Identity, path string, crossSite bool, status int, reason string) Decision {
	return Decision{Kind: Redirect, Path: path, Site: id, CrossSite: crossSite, Status: status, Reason: reason}
}

func (d Decision) withQuery() Decision {
	d.KeepQuery = true
	return d
}

// DenyWith builds a Deny decision.
func DenyWith(status int, reason string) Decision {
	return Decision{Kind: Deny, Status: status, Reason: reason}
}

// RedirectTo builds a same-site temporary redirect. Used by components outside
// this package that decide after routing (session enforcement).
func RedirectTo(path, reason string) Decision {
	return Decision{Kind: Redirect, Path: path, Status: http.StatusTemporaryRedirect, Reason: reason}
}

// CrossSiteRedirect builds a redirect that leaves the current host for id.
func CrossSiteRedirect(id Identity, path string, status int, reason string) Decision {
	if status == 0 {
		status = http.StatusTemporaryRedirect
	}
	return redirectTo(id, path, true, status, reason)
}

// InternalPath returns the path application routing should serve for this
// decision, given the path the request arrived with.
func (d Decision) InternalPath(requested string) string {
	if d.Kind == Rewrite {
		return d.Path
	}
	return requested
}

// Location materializes a redirect target. Cross-site targets become absolute
// URLs whose host is derived through the prefix table; same-site targets stay
// relative so the browser keeps its current origin. rawQuery is appended only
// for KeepQuery decisions whose path carries no query of its own.
func (d Decision) Location(currentHost, scheme, rawQuery string) string {
	target := d.Path
	if target == "" {
		target = "/"
	}
	if d.KeepQuery && rawQuery != "" && !strings.Contains(target, "?") {
		target += "?" + rawQuery
	}
	if !d.CrossSite {
		return target
	}
	if scheme == "" {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: HostFor(d.Site, currentHost)}
	return u.String() + target
}
