package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a loader for the given env prefix and config files.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the config files the loader reads, in load order.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, f := range l.files {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Load assembles the effective snapshot: defaults, then each file, then the
// environment. Guard rules from routing.rulesFile are merged after the inline
// ones before validation.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaults := structToMap(DefaultConfig())
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := canonicalKeys(k.Keys())
		transform := func(s string) string {
			// Double underscores signal a nested path (THROTTLE__AUTH__LIMIT -> throttle.auth.limit).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			// Single underscores are removed so ADMIN_PREFIX collapses into adminprefix.
			key = strings.ToLower(strings.ReplaceAll(key, "_", ""))
			if mapped, ok := canonical[key]; ok {
				return mapped
			}
			return key
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	bundle, err := buildRuleBundle(ctx, cfg.Routing.Rules, cfg.Routing.RulesFile)
	if err != nil {
		return Config{}, err
	}
	cfg.Routing.Rules = bundle.Rules
	cfg.RuleSources = bundle.Sources
	cfg.SkippedRules = bundle.Skipped

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// canonicalKeys maps the lowercased, underscore-free form of every known key
// to its camelCase spelling so env overrides land on the same key as files.
func canonicalKeys(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		out[strings.ToLower(strings.ReplaceAll(key, "_", ""))] = key
	}
	return out
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %q", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"adminPrefix": cfg.Server.AdminPrefix,
			"redis": map[string]any{
				"address":  cfg.Server.Redis.Address,
				"username": cfg.Server.Redis.Username,
				"password": cfg.Server.Redis.Password,
				"db":       cfg.Server.Redis.DB,
				"tls": map[string]any{
					"enabled": cfg.Server.Redis.TLS.Enabled,
					"caFile":  cfg.Server.Redis.TLS.CAFile,
				},
			},
			"cache": map[string]any{
				"backend":    cfg.Server.Cache.Backend,
				"ttlSeconds": cfg.Server.Cache.TTLSeconds,
			},
		},
		"sites": map[string]any{
			"scheme":          cfg.Sites.Scheme,
			"defaultCampaign": cfg.Sites.DefaultCampaign,
			"staticPrefixes":  cfg.Sites.StaticPrefixes,
		},
		"routing": map[string]any{
			"areas": map[string]any{
				"dashboard":  cfg.Routing.Areas.Dashboard,
				"backoffice": cfg.Routing.Areas.Backoffice,
				"signIn":     cfg.Routing.Areas.SignIn,
				"signUp":     cfg.Routing.Areas.SignUp,
				"callback":   cfg.Routing.Areas.Callback,
			},
			"returnParam": cfg.Routing.ReturnParam,
			"adminRole":   cfg.Routing.AdminRole,
			"rulesFile":   cfg.Routing.RulesFile,
		},
		"throttle": map[string]any{
			"backend":   cfg.Throttle.Backend,
			"keyPrefix": cfg.Throttle.KeyPrefix,
			"auth": map[string]any{
				"limit":  cfg.Throttle.Auth.Limit,
				"window": cfg.Throttle.Auth.Window.String(),
			},
			"general": map[string]any{
				"limit":  cfg.Throttle.General.Limit,
				"window": cfg.Throttle.General.Window.String(),
			},
			"trustedProxyIPs": cfg.Throttle.TrustedProxyIPs,
			"pruneInterval":   cfg.Throttle.PruneInterval.String(),
		},
		"session": map[string]any{
			"provider": cfg.Session.Provider,
			"url":      cfg.Session.URL,
			"apiKey":   cfg.Session.APIKey,
			"timeout":  cfg.Session.Timeout.String(),
			"cookies": map[string]any{
				"accessName":  cfg.Session.Cookies.AccessName,
				"refreshName": cfg.Session.Cookies.RefreshName,
				"domain":      cfg.Session.Cookies.Domain,
				"secure":      cfg.Session.Cookies.Secure,
			},
			"databaseURL":  cfg.Session.DatabaseURL,
			"roleCacheTTL": cfg.Session.RoleCacheTTL.String(),
		},
		"upstream": map[string]any{
			"url":     cfg.Upstream.URL,
			"timeout": cfg.Upstream.Timeout.String(),
		},
	}
}
