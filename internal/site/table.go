package site

import "strings"

type tableEntry struct {
	identity Identity
	prefix   string
	label    string
}

// table is the one canonical mapping between subdomain sites, their path
// prefix on the main host, and their host label. Route and the link helpers
// both read it; nothing else may hardcode these strings.
var table = [...]tableEntry{
	{identity: Events, prefix: "/event", label: "event."},
	{identity: Donations, prefix: "/donasi", label: "donasi."},
}

func lookup(id Identity) (tableEntry, bool) {
	for _, entry := range table {
		if entry.identity == id {
			return entry, true
		}
	}
	return tableEntry{}, false
}

// PrefixOf returns the canonical main-host prefix for id, or "" for Main.
func PrefixOf(id Identity) string {
	entry, _ := lookup(id)
	return entry.prefix
}

// LabelOf returns the subdomain label (with trailing dot) for id, or "" for Main.
func LabelOf(id Identity) string {
	entry, _ := lookup(id)
	return entry.label
}

// Identities lists every site, Main first.
func Identities() []Identity {
	out := []Identity{Main}
	for _, entry := range table {
		out = append(out, entry.identity)
	}
	return out
}

// BaseHost strips a known subdomain label from host, keeping any port.
func BaseHost(host string) string {
	for _, entry := range table {
		if strings.HasPrefix(host, entry.label) {
			return strings.TrimPrefix(host, entry.label)
		}
	}
	return host
}

// HostFor returns the host that serves id, derived from whatever host the
// current request arrived on.
func HostFor(id Identity, currentHost string) string {
	return LabelOf(id) + BaseHost(currentHost)
}

// HasPrefix reports whether path sits under prefix on a segment boundary, so
// "/event" and "/event/x" match "/event" but "/eventful" does not.
func HasPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}

// stripPrefix removes a canonical prefix and always returns a rooted path.
func stripPrefix(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// joinPrefix is the inverse of stripPrefix.
func joinPrefix(prefix, path string) string {
	if path == "" || path == "/" {
		return prefix
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return prefix + path
}
