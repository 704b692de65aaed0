package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ia-rk/hostgate/internal/policy"
	"github.com/ia-rk/hostgate/internal/site"
	"github.com/ia-rk/hostgate/internal/throttle"
)

// Config holds every option the gateway reads at startup or on reload.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Sites    SitesConfig    `koanf:"sites"`
	Routing  RoutingConfig  `koanf:"routing"`
	Throttle ThrottleConfig `koanf:"throttle"`
	Session  SessionConfig  `koanf:"session"`
	Upstream UpstreamConfig `koanf:"upstream"`

	// RuleSources records the files that contributed guard rules.
	RuleSources []string `koanf:"-"`
	// SkippedRules lists rule definitions the loader disabled, for example
	// duplicates across sources.
	SkippedRules []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects process level knobs.
type ServerConfig struct {
	Listen      ListenConfig      `koanf:"listen"`
	Logging     LoggingConfig     `koanf:"logging"`
	AdminPrefix string            `koanf:"adminPrefix"`
	Redis       RedisConfig       `koanf:"redis"`
	Cache       ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// RedisConfig addresses the valkey/redis server shared by the throttle and
// the role cache. It is only dialled when a backend selects it.
type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// ServerCacheConfig selects the role-claim cache.
type ServerCacheConfig struct {
	Backend    string `koanf:"backend"`
	TTLSeconds int    `koanf:"ttlSeconds"`
}

// TTL returns the configured entry lifetime.
func (c ServerCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SitesConfig shapes the prefix rewriting.
type SitesConfig struct {
	Scheme          string   `koanf:"scheme"`
	DefaultCampaign string   `koanf:"defaultCampaign"`
	StaticPrefixes  []string `koanf:"staticPrefixes"`
}

// RoutingConfig names protected areas and operator guard rules.
type RoutingConfig struct {
	Areas       AreasConfig  `koanf:"areas"`
	ReturnParam string       `koanf:"returnParam"`
	AdminRole   string       `koanf:"adminRole"`
	RulesFile   string       `koanf:"rulesFile"`
	Rules       []RuleConfig `koanf:"rules"`
}

type AreasConfig struct {
	Dashboard  string `koanf:"dashboard"`
	Backoffice string `koanf:"backoffice"`
	SignIn     string `koanf:"signIn"`
	SignUp     string `koanf:"signUp"`
	Callback   string `koanf:"callback"`
}

// RuleConfig is one operator guard rule. See policy.RuleSpec.
type RuleConfig struct {
	Name   string   `koanf:"name" json:"name"`
	Sites  []string `koanf:"sites" json:"sites,omitempty"`
	When   string   `koanf:"when" json:"when"`
	Target string   `koanf:"target" json:"target,omitempty"`
	Site   string   `koanf:"site" json:"site,omitempty"`
	Status int      `koanf:"status" json:"status,omitempty"`
}

// Spec converts the rule to its policy form.
func (r RuleConfig) Spec() policy.RuleSpec {
	return policy.RuleSpec{
		Name:   r.Name,
		Sites:  r.Sites,
		When:   r.When,
		Target: r.Target,
		Site:   r.Site,
		Status: r.Status,
	}
}

// RuleSpecs converts every rule in order.
func (c RoutingConfig) RuleSpecs() []policy.RuleSpec {
	specs := make([]policy.RuleSpec, 0, len(c.Rules))
	for _, rule := range c.Rules {
		specs = append(specs, rule.Spec())
	}
	return specs
}

// ThrottleConfig selects the window store and the per-class budgets.
type ThrottleConfig struct {
	Backend         string        `koanf:"backend"`
	KeyPrefix       string        `koanf:"keyPrefix"`
	Auth            BudgetConfig  `koanf:"auth"`
	General         BudgetConfig  `koanf:"general"`
	TrustedProxyIPs []string      `koanf:"trustedProxyIPs"`
	PruneInterval   time.Duration `koanf:"pruneInterval"`
}

type BudgetConfig struct {
	Limit  int           `koanf:"limit"`
	Window time.Duration `koanf:"window"`
}

// Budgets converts the configured classes.
func (c ThrottleConfig) Budgets() throttle.Budgets {
	return throttle.Budgets{
		Auth:    throttle.Budget{Limit: c.Auth.Limit, Window: c.Auth.Window},
		General: throttle.Budget{Limit: c.General.Limit, Window: c.General.Window},
	}
}

// SessionConfig wires the identity provider and role lookup.
type SessionConfig struct {
	Provider     string        `koanf:"provider"`
	URL          string        `koanf:"url"`
	APIKey       string        `koanf:"apiKey"`
	Timeout      time.Duration `koanf:"timeout"`
	Cookies      CookiesConfig `koanf:"cookies"`
	DatabaseURL  string        `koanf:"databaseURL"`
	RoleCacheTTL time.Duration `koanf:"roleCacheTTL"`
}

type CookiesConfig struct {
	AccessName  string `koanf:"accessName"`
	RefreshName string `koanf:"refreshName"`
	Domain      string `koanf:"domain"`
	Secure      bool   `koanf:"secure"`
}

// UpstreamConfig points at the application server.
type UpstreamConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// DefinitionSkip describes a rule the loader intentionally ignored.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	prefix := strings.TrimSpace(c.Server.AdminPrefix)
	if !strings.HasPrefix(prefix, "/") || prefix == "/" {
		return fmt.Errorf("config: server.adminPrefix must be a non-root absolute path: %q", c.Server.AdminPrefix)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	if err := c.validateBackend("server.cache.backend", c.Server.Cache.Backend); err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(c.Sites.Scheme)) {
	case "http", "https":
	default:
		return fmt.Errorf("config: sites.scheme unsupported: %q", c.Sites.Scheme)
	}
	if strings.Trim(c.Sites.DefaultCampaign, "/") == "" {
		return errors.New("config: sites.defaultCampaign required")
	}
	for i, p := range c.Sites.StaticPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("config: sites.staticPrefixes[%d] must start with /: %q", i, p)
		}
	}

	areas := map[string]string{
		"dashboard":  c.Routing.Areas.Dashboard,
		"backoffice": c.Routing.Areas.Backoffice,
		"signIn":     c.Routing.Areas.SignIn,
		"signUp":     c.Routing.Areas.SignUp,
	}
	for name, p := range areas {
		if !strings.HasPrefix(p, "/") || p == "/" {
			return fmt.Errorf("config: routing.areas.%s must be a non-root absolute path: %q", name, p)
		}
	}
	if c.Routing.Areas.Callback != "" && !strings.HasPrefix(c.Routing.Areas.Callback, "/") {
		return fmt.Errorf("config: routing.areas.callback must start with /: %q", c.Routing.Areas.Callback)
	}
	if strings.TrimSpace(c.Routing.ReturnParam) == "" {
		return errors.New("config: routing.returnParam required")
	}
	if strings.TrimSpace(c.Routing.AdminRole) == "" {
		return errors.New("config: routing.adminRole required")
	}
	if _, err := policy.CompileAll(c.Routing.RuleSpecs(), nil); err != nil {
		return fmt.Errorf("config: routing.rules: %w", err)
	}

	if err := c.validateBackend("throttle.backend", c.Throttle.Backend); err != nil {
		return err
	}
	for name, budget := range map[string]BudgetConfig{"auth": c.Throttle.Auth, "general": c.Throttle.General} {
		if budget.Limit <= 0 || budget.Window <= 0 {
			return fmt.Errorf("config: throttle.%s requires positive limit and window", name)
		}
	}
	if c.Throttle.PruneInterval < 0 {
		return fmt.Errorf("config: throttle.pruneInterval invalid: %s", c.Throttle.PruneInterval)
	}
	if len(throttle.ParseCIDRs(c.Throttle.TrustedProxyIPs)) != countNonBlank(c.Throttle.TrustedProxyIPs) {
		return fmt.Errorf("config: throttle.trustedProxyIPs contains an invalid entry: %v", c.Throttle.TrustedProxyIPs)
	}

	switch strings.ToLower(strings.TrimSpace(c.Session.Provider)) {
	case "", "none":
	case "gotrue":
		if err := validateURL("session.url", c.Session.URL); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config: session.provider unsupported: %s", c.Session.Provider)
	}
	if c.Session.Timeout < 0 || c.Session.RoleCacheTTL < 0 {
		return errors.New("config: session durations must not be negative")
	}

	if err := validateURL("upstream.url", c.Upstream.URL); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateBackend(field, backend string) error {
	switch strings.TrimSpace(strings.ToLower(backend)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Redis.Address) == "" {
			return fmt.Errorf("config: server.redis.address required when %s is redis", field)
		}
	default:
		return fmt.Errorf("config: %s unsupported: %s", field, backend)
	}
	return nil
}

func validateURL(field, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("config: %s required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: %s invalid: %w", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute http(s) URL: %q", field, raw)
	}
	return nil
}

func countNonBlank(values []string) int {
	n := 0
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

// DefaultConfig returns the baseline values for the platform.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			AdminPrefix: "/_gateway",
			Cache: ServerCacheConfig{
				Backend:    "memory",
				TTLSeconds: 60,
			},
		},
		Sites: SitesConfig{
			Scheme:          "https",
			DefaultCampaign: "donasi-umum",
			StaticPrefixes:  []string{"/_next/", "/static/", "/assets/", "/favicon.ico", "/robots.txt", "/sitemap.xml"},
		},
		Routing: RoutingConfig{
			Areas: AreasConfig{
				Dashboard:  "/dashboard",
				Backoffice: "/admin",
				SignIn:     "/login",
				SignUp:     "/register",
				Callback:   "/auth/callback",
			},
			ReturnParam: "redirect",
			AdminRole:   "admin",
		},
		Throttle: ThrottleConfig{
			Backend:       "memory",
			KeyPrefix:     "hostgate:throttle:",
			Auth:          BudgetConfig{Limit: 10, Window: time.Minute},
			General:       BudgetConfig{Limit: 100, Window: time.Minute},
			PruneInterval: time.Minute,
		},
		Session: SessionConfig{
			Provider: "none",
			Timeout:  5 * time.Second,
			Cookies: CookiesConfig{
				AccessName:  "sb-access-token",
				RefreshName: "sb-refresh-token",
				Secure:      true,
			},
			RoleCacheTTL: time.Minute,
		},
		Upstream: UpstreamConfig{
			URL:     "http://127.0.0.1:3000",
			Timeout: 30 * time.Second,
		},
	}
}

// Areas converts the configured paths for the guard and session enforcement.
func (a AreasConfig) Areas() site.Areas {
	return site.Areas{
		Dashboard:  a.Dashboard,
		Backoffice: a.Backoffice,
		SignIn:     a.SignIn,
		SignUp:     a.SignUp,
		Callback:   a.Callback,
	}
}
