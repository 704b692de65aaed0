package site

import (
	"fmt"
	"net/url"
)

// Target selects the site a link should point at. TargetCurrent means
// "whichever site served the current page".
type Target struct {
	identity Identity
	current  bool
}

// TargetCurrent resolves to the current host's site.
var TargetCurrent = Target{current: true}

// To targets a specific site.
func To(id Identity) Target { return Target{identity: id} }

func (t Target) String() string {
	if t.current {
		return "current"
	}
	return t.identity.String()
}

// ParseTarget accepts "current" or any ParseIdentity value.
func ParseTarget(value string) (Target, error) {
	if value == "current" {
		return TargetCurrent, nil
	}
	id, err := ParseIdentity(value)
	if err != nil {
		return Target{}, fmt.Errorf("site: link target: %w", err)
	}
	return To(id), nil
}

// Link is a resolved outbound URL. Provisional links were built without a
// known current host and must be recomputed once the host is available.
type Link struct {
	URL         string
	Provisional bool
}

// Linker builds outbound links that stay consistent with Route.
type Linker struct {
	Scheme string
}

// Resolve computes the URL for logicalPath on target as seen from a page
// served by currentHost.
//
// Same-site links are relative and never re-add the canonical prefix, since
// the current subdomain already implies it. Cross-site links are absolute and
// built on the base host with the target's label. With no current host the
// link falls back to the main-host canonical prefix form, which the main
// host redirects onto the right subdomain.
func (l Linker) Resolve(logicalPath string, target Target, currentHost string) Link {
	if logicalPath == "" || logicalPath[0] != '/' {
		logicalPath = "/" + logicalPath
	}
	if currentHost == "" {
		id := target.identity
		if target.current {
			id = Main
		}
		if prefix := PrefixOf(id); prefix != "" {
			return Link{URL: joinPrefix(prefix, logicalPath), Provisional: true}
		}
		return Link{URL: logicalPath, Provisional: true}
	}

	current := Classify(currentHost)
	id := target.identity
	if target.current {
		id = current
	}
	if id == current {
		return Link{URL: logicalPath}
	}

	scheme := l.Scheme
	if scheme == "" {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: HostFor(id, currentHost)}
	return Link{URL: u.String() + logicalPath}
}

// ResolveLink is Resolve with the https scheme, returning only the URL.
func ResolveLink(logicalPath string, target Target, currentHost string) string {
	return Linker{Scheme: "https"}.Resolve(logicalPath, target, currentHost).URL
}
