// Package upstream forwards routed requests to the application server.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/ia-rk/hostgate/internal/runtime/forwardpolicy"
)

// Target describes how one request is forwarded: the internal path the
// application serves, the gateway-owned headers to set and the session
// cookies rotated while handling the request.
type Target struct {
	Path    string
	Headers map[string]string
	Cookies []*http.Cookie
}

type Options struct {
	URL       string
	Timeout   time.Duration
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Proxy is a reverse proxy to a single application upstream.
type Proxy struct {
	base   *url.URL
	proxy  *httputil.ReverseProxy
	logger *slog.Logger
}

type targetContextKey struct{}

func New(opts Options) (*Proxy, error) {
	raw := strings.TrimSpace(opts.URL)
	if raw == "" {
		return nil, errors.New("upstream: url required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream: url must be absolute: %q", raw)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Timeout > 0 {
			t.ResponseHeaderTimeout = opts.Timeout
		}
		transport = t
	}

	p := &Proxy{
		base:   base,
		logger: logger.With(slog.String("agent", "upstream")),
	}
	p.proxy = &httputil.ReverseProxy{
		Rewrite:      p.rewrite,
		Transport:    transport,
		ErrorHandler: p.handleError,
	}
	return p, nil
}

// Forward proxies r to the upstream with t applied.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, t Target) {
	ctx := context.WithValue(r.Context(), targetContextKey{}, t)
	p.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	t, _ := pr.In.Context().Value(targetContextKey{}).(Target)
	if t.Path != "" {
		pr.Out.URL.Path = t.Path
		pr.Out.URL.RawPath = ""
	}
	pr.SetURL(p.base)
	pr.SetXForwarded()

	for name := range pr.Out.Header {
		if reserved(name) {
			pr.Out.Header.Del(name)
		}
	}
	for name, value := range t.Headers {
		if value == "" {
			continue
		}
		pr.Out.Header.Set(name, value)
	}
	rewriteCookies(pr.Out.Header, t.Cookies)
}

// rewriteCookies replaces the request cookies the session refresh rotated so
// the application sees the same tokens the browser is about to store. Cookies
// the refresh cleared are removed.
func rewriteCookies(h http.Header, rotated []*http.Cookie) {
	if len(rotated) == 0 {
		return
	}
	updates := make(map[string]*http.Cookie, len(rotated))
	for _, c := range rotated {
		if c != nil && c.Name != "" {
			updates[c.Name] = c
		}
	}

	existing := (&http.Request{Header: http.Header{"Cookie": h.Values("Cookie")}}).Cookies()
	now := time.Now()
	out := make([]string, 0, len(existing)+len(updates))
	for _, c := range existing {
		if u, ok := updates[c.Name]; ok {
			delete(updates, c.Name)
			if cleared(u, now) {
				continue
			}
			c = u
		}
		out = append(out, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}
	for _, c := range rotated {
		if c == nil {
			continue
		}
		if _, pending := updates[c.Name]; !pending || cleared(c, now) {
			continue
		}
		delete(updates, c.Name)
		out = append(out, (&http.Cookie{Name: c.Name, Value: c.Value}).String())
	}

	h.Del("Cookie")
	if len(out) > 0 {
		h.Set("Cookie", strings.Join(out, "; "))
	}
}

func cleared(c *http.Cookie, now time.Time) bool {
	if c.MaxAge < 0 {
		return true
	}
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		p.logger.Debug("upstream request cancelled by client", slog.String("path", r.URL.Path))
		return
	}
	p.logger.Error("upstream request failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "upstream unavailable"})
}

func reserved(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	for _, prefix := range forwardpolicy.ReservedPrefixes {
		if strings.HasPrefix(canonical, prefix) {
			return true
		}
	}
	return false
}
