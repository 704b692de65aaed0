package server

import (
	"fmt"
	"net/http"
	"strings"
)

// DefaultAdminPrefix is where the admin routes live when none is configured.
const DefaultAdminPrefix = "/_gateway"

// PipelineHTTP defines the minimal surface the lifecycle router needs from the
// runtime pipeline to serve HTTP requests.
type PipelineHTTP interface {
	http.Handler
	ServeHealth(http.ResponseWriter, *http.Request)
	ServeExplain(http.ResponseWriter, *http.Request)
	ServeLink(http.ResponseWriter, *http.Request)
	WriteError(http.ResponseWriter, int, string)
}

// NewPipelineHandler mounts the admin routes under adminPrefix and sends every
// other request through the routing pipeline. Admin routes are never routed,
// throttled or proxied.
func NewPipelineHandler(p PipelineHTTP, adminPrefix string, metrics http.Handler) http.Handler {
	if p == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "pipeline unavailable", http.StatusServiceUnavailable)
		})
	}
	prefix := "/" + strings.Trim(strings.TrimSpace(adminPrefix), "/")
	if prefix == "/" {
		prefix = DefaultAdminPrefix
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, ok := parseAdminRoute(prefix, r.URL.Path)
		if !ok {
			p.ServeHTTP(w, r)
			return
		}
		switch route {
		case "healthz":
			p.ServeHealth(w, r)
		case "explain":
			p.ServeExplain(w, r)
		case "link":
			p.ServeLink(w, r)
		case "metrics":
			if metrics == nil {
				p.WriteError(w, http.StatusNotFound, "metrics disabled")
				return
			}
			metrics.ServeHTTP(w, r)
		default:
			p.WriteError(w, http.StatusNotFound, fmt.Sprintf("admin route %q not found", route))
		}
	})
}

// parseAdminRoute reports whether path is under prefix and returns the route
// name below it. Matching respects segment boundaries.
func parseAdminRoute(prefix, path string) (string, bool) {
	if path != prefix && !strings.HasPrefix(path, prefix+"/") {
		return "", false
	}
	route := strings.ToLower(strings.Trim(strings.TrimPrefix(path, prefix), "/"))
	switch route {
	case "health", "healthz":
		return "healthz", true
	default:
		return route, true
	}
}
