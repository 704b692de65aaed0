package site

import (
	"net/http"
	"path"
	"strings"
)

const (
	// DefaultCampaign is the campaign slug used when /checkout is requested on
	// the donations host without a campaign.
	DefaultCampaign = "donasi-umum"
	checkoutPath    = "/checkout"
)

// DefaultStaticPrefixes lists framework and asset paths that never get routed.
var DefaultStaticPrefixes = []string{
	"/_next/",
	"/static/",
	"/assets/",
	"/favicon.ico",
	"/robots.txt",
	"/sitemap.xml",
}

// Router implements the path normalizer and rewriter.
type Router struct {
	staticPrefixes  []string
	defaultCampaign string
}

// RouterOptions configures a Router. Zero values select the defaults.
type RouterOptions struct {
	StaticPrefixes  []string
	DefaultCampaign string
}

func NewRouter(opts RouterOptions) *Router {
	prefixes := opts.StaticPrefixes
	if len(prefixes) == 0 {
		prefixes = DefaultStaticPrefixes
	}
	campaign := strings.Trim(strings.TrimSpace(opts.DefaultCampaign), "/")
	if campaign == "" {
		campaign = DefaultCampaign
	}
	return &Router{
		staticPrefixes:  append([]string(nil), prefixes...),
		defaultCampaign: campaign,
	}
}

// IsStatic reports whether p is an asset or framework path that bypasses routing.
func (r *Router) IsStatic(p string) bool {
	for _, prefix := range r.staticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return path.Ext(path.Base(p)) != ""
}

// CheckoutPath is where a bare /checkout on the donations host lands.
func (r *Router) CheckoutPath() string {
	return "/" + r.defaultCampaign + checkoutPath
}

// Route decides how a request for p on site id is served.
func (r *Router) Route(id Identity, p string) Decision {
	if p == "" {
		p = "/"
	}
	if r.IsStatic(p) {
		return passThrough("static asset")
	}

	if id == Main {
		for _, entry := range table {
			if HasPrefix(p, entry.prefix) {
				return redirectTo(entry.identity, stripPrefix(p, entry.prefix), true, http.StatusMovedPermanently, "canonical subdomain").withQuery()
			}
		}
		return passThrough("main site")
	}

	entry, ok := lookup(id)
	if !ok {
		return passThrough("unmapped site")
	}
	if id == Donations && p == checkoutPath {
		return redirectTo(id, r.CheckoutPath(), false, http.StatusTemporaryRedirect, "checkout requires campaign").withQuery()
	}
	if HasPrefix(p, entry.prefix) {
		return passThrough("already prefixed")
	}
	return rewriteTo(joinPrefix(entry.prefix, p), "subdomain rewrite")
}
