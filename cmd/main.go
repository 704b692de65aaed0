package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/ia-rk/hostgate/internal/config"
	"github.com/ia-rk/hostgate/internal/logging"
	"github.com/ia-rk/hostgate/internal/metrics"
	"github.com/ia-rk/hostgate/internal/policy"
	"github.com/ia-rk/hostgate/internal/runtime"
	"github.com/ia-rk/hostgate/internal/runtime/cache"
	"github.com/ia-rk/hostgate/internal/server"
	"github.com/ia-rk/hostgate/internal/session"
	"github.com/ia-rk/hostgate/internal/site"
	"github.com/ia-rk/hostgate/internal/throttle"
	"github.com/ia-rk/hostgate/internal/upstream"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to gateway configuration file")
		envPrefix  = flag.String("env-prefix", "HOSTGATE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

type configWatcher interface {
	Stop()
}

type configLoader interface {
	Load(context.Context) (config.Config, error)
	Watch(context.Context, config.Config, func(config.Config), func(error)) (configWatcher, error)
}

type runnableServer interface {
	Run(context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, cfg config.Config, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	w, err := l.Loader.Watch(ctx, cfg, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var newConfigLoader = func(envPrefix, configFile string) configLoader {
	return fileLoader{Loader: config.NewLoader(envPrefix, configFile)}
}

var newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	gw, err := newGateway(ctx, cfg, logger, recorder)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}
	defer gw.close()

	if configFile != "" || cfg.Routing.RulesFile != "" {
		watcher, err := loader.Watch(ctx, cfg, func(next config.Config) {
			gw.reload(ctx, next)
		}, func(err error) {
			if err == nil {
				return
			}
			logger.Error("configuration reload rejected", slog.Any("error", err))
			recorder.ObserveReload(metrics.ReloadRejected)
		})
		if err != nil {
			logger.Error("configuration watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := newHTTPServer(cfg, logger, gw.handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		return fmt.Errorf("failed to construct server: %w", err)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

// gateway owns everything built from one configuration: the shared backends
// that live for the whole process and the pipeline whose policy is swapped on
// reload.
type gateway struct {
	cfg      config.Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	roles    session.RoleStore
	pipeline *runtime.Pipeline
	handler  http.Handler

	cancel  context.CancelFunc
	closers []func()
}

func newGateway(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (*gateway, error) {
	bgCtx, cancel := context.WithCancel(ctx)
	gw := &gateway{cfg: cfg, logger: logger, recorder: recorder, cancel: cancel}

	var client valkey.Client
	if usesRedis(cfg) {
		c, err := cache.NewValkeyClient(redisConfig(cfg.Server.Redis))
		if err != nil {
			logger.Error("redis initialization failed, using memory backends", slog.Any("error", err))
		} else {
			client = c
			gw.closers = append(gw.closers, c.Close)
		}
	}

	limiter := buildLimiter(bgCtx, logger, cfg.Throttle, client)
	roleCache := buildRoleCache(logger, cfg.Server.Cache, client)

	if dsn := strings.TrimSpace(cfg.Session.DatabaseURL); dsn != "" {
		store, err := session.NewPostgresRoles(ctx, dsn)
		if err != nil {
			gw.close()
			return nil, err
		}
		gw.closers = append(gw.closers, store.Close)
		gw.roles = session.NewCachedRoles(store, roleCache, cfg.Session.RoleCacheTTL, recorder)
	}

	pol, err := gw.buildPolicy(cfg)
	if err != nil {
		gw.close()
		return nil, err
	}

	proxy, err := upstream.New(upstream.Options{
		URL:     cfg.Upstream.URL,
		Timeout: cfg.Upstream.Timeout,
		Logger:  logger,
	})
	if err != nil {
		gw.close()
		return nil, err
	}

	gw.pipeline = runtime.NewPipeline(logger, runtime.PipelineOptions{
		Policy:            pol,
		Limiter:           limiter,
		Upstream:          proxy,
		Cache:             roleCache,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Metrics:           recorder,
	})
	gw.handler = server.NewPipelineHandler(gw.pipeline, cfg.Server.AdminPrefix, recorder.Handler())
	return gw, nil
}

// buildPolicy derives the reloadable routing, guard, throttle and session
// policy. The role store is process scoped and carried across reloads.
func (g *gateway) buildPolicy(cfg config.Config) (runtime.Policy, error) {
	checks, err := policy.CompileAll(cfg.Routing.RuleSpecs(), g.logger.With(slog.String("agent", "guard_rules")))
	if err != nil {
		return runtime.Policy{}, err
	}
	provider, err := buildIdentityProvider(cfg.Session)
	if err != nil {
		return runtime.Policy{}, err
	}
	areas := cfg.Routing.Areas.Areas()
	adapter := session.NewAdapter(provider, session.Options{
		Areas:       areas,
		ReturnParam: cfg.Routing.ReturnParam,
		AdminRole:   cfg.Routing.AdminRole,
		Roles:       g.roles,
		Logger:      g.logger,
		Observer:    g.recorder,
	})
	return runtime.Policy{
		Router: site.NewRouter(site.RouterOptions{
			StaticPrefixes:  cfg.Sites.StaticPrefixes,
			DefaultCampaign: cfg.Sites.DefaultCampaign,
		}),
		Guard:        site.NewGuard(areas, checks...),
		Session:      adapter,
		Resolver:     throttle.NewAddressResolver(throttle.ParseCIDRs(cfg.Throttle.TrustedProxyIPs)),
		Budgets:      cfg.Throttle.Budgets(),
		Scheme:       strings.ToLower(strings.TrimSpace(cfg.Sites.Scheme)),
		RuleSources:  cfg.RuleSources,
		SkippedRules: cfg.SkippedRules,
	}, nil
}

// reload applies a validated configuration. Process level settings are fixed
// at startup; changes to them are reported and ignored.
func (g *gateway) reload(ctx context.Context, next config.Config) {
	if processSettingsChanged(g.cfg, next) {
		g.logger.Warn("process settings changed, restart required to apply them")
	}
	pol, err := g.buildPolicy(next)
	if err != nil {
		g.logger.Error("configuration reload rejected", slog.Any("error", err))
		g.recorder.ObserveReload(metrics.ReloadRejected)
		return
	}
	g.pipeline.Reload(ctx, pol)
	g.cfg = next
	g.recorder.ObserveReload(metrics.ReloadApplied)
}

func (g *gateway) close() {
	g.cancel()
	if g.pipeline != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := g.pipeline.Close(shutdownCtx); err != nil {
			g.logger.Error("cache shutdown failed", slog.Any("error", err))
		}
		cancel()
	}
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
}

func processSettingsChanged(prev, next config.Config) bool {
	return prev.Server.Listen != next.Server.Listen ||
		prev.Server.Redis != next.Server.Redis ||
		!strings.EqualFold(prev.Server.Cache.Backend, next.Server.Cache.Backend) ||
		!strings.EqualFold(prev.Throttle.Backend, next.Throttle.Backend) ||
		prev.Session.DatabaseURL != next.Session.DatabaseURL ||
		prev.Upstream != next.Upstream
}

func usesRedis(cfg config.Config) bool {
	return isRedis(cfg.Throttle.Backend) || isRedis(cfg.Server.Cache.Backend)
}

func isRedis(backend string) bool {
	return strings.EqualFold(strings.TrimSpace(backend), "redis")
}

func redisConfig(cfg config.RedisConfig) cache.RedisConfig {
	return cache.RedisConfig{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		TLS: cache.RedisTLSConfig{
			Enabled: cfg.TLS.Enabled,
			CAFile:  cfg.TLS.CAFile,
		},
	}
}

// buildLimiter always starts the in-process store: it is either the selected
// backend or the fallback behind the shared one.
func buildLimiter(ctx context.Context, logger *slog.Logger, cfg config.ThrottleConfig, client valkey.Client) throttle.Limiter {
	memory := throttle.NewMemory()
	go memory.Run(ctx, cfg.PruneInterval)

	if !isRedis(cfg.Backend) {
		logger.Info("using memory throttle windows")
		return memory
	}
	if client == nil {
		logger.Warn("redis throttle unavailable, using memory windows")
		return memory
	}
	shared, err := throttle.NewValkey(client, cfg.KeyPrefix)
	if err != nil {
		logger.Error("redis throttle initialization failed, using memory windows", slog.Any("error", err))
		return memory
	}
	logger.Info("using redis throttle windows", slog.String("key_prefix", cfg.KeyPrefix))
	return throttle.NewFallback(shared, memory, logger)
}

func buildRoleCache(logger *slog.Logger, cfg config.ServerCacheConfig, client valkey.Client) cache.Cache {
	ttl := cfg.TTL()
	if !isRedis(cfg.Backend) {
		logger.Info("using memory role cache", slog.Duration("ttl", ttl))
		return cache.NewMemory(ttl)
	}
	if client == nil {
		logger.Warn("redis role cache unavailable, falling back to memory cache")
		return cache.NewMemory(ttl)
	}
	shared, err := cache.NewValkey(client, "")
	if err != nil {
		logger.Error("redis cache initialization failed, falling back to memory cache", slog.Any("error", err))
		return cache.NewMemory(ttl)
	}
	logger.Info("using redis role cache")
	return shared
}

func buildIdentityProvider(cfg config.SessionConfig) (session.IdentityProvider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "gotrue":
		provider, err := session.NewGoTrue(session.GoTrueOptions{
			URL:     cfg.URL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
			Cookies: session.CookieConfig{
				AccessName:  cfg.Cookies.AccessName,
				RefreshName: cfg.Cookies.RefreshName,
				Domain:      cfg.Cookies.Domain,
				Secure:      cfg.Cookies.Secure,
			},
		})
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return session.Anonymous{}, nil
	}
}
