package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/ia-rk/hostgate/internal/config"
	"github.com/ia-rk/hostgate/internal/metrics"
	"github.com/ia-rk/hostgate/internal/runtime/cache"
	"github.com/ia-rk/hostgate/internal/session"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newMiniredisClient(t *testing.T) valkey.Client {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skip("miniredis unavailable in sandbox")
		}
		require.NoError(t, err)
	}
	t.Cleanup(server.Close)

	client, err := cache.NewValkeyClient(cache.RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestBuildRoleCache(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.ServerCacheConfig
		client func(t *testing.T) valkey.Client
	}{
		{
			name:   "defaults to memory",
			cfg:    config.ServerCacheConfig{TTLSeconds: 1},
			client: func(*testing.T) valkey.Client { return nil },
		},
		{
			name:   "redis without client falls back to memory",
			cfg:    config.ServerCacheConfig{Backend: "redis", TTLSeconds: 1},
			client: func(*testing.T) valkey.Client { return nil },
		},
		{
			name:   "constructs redis cache on shared client",
			cfg:    config.ServerCacheConfig{Backend: "redis", TTLSeconds: 1},
			client: newMiniredisClient,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			roleCache := buildRoleCache(newTestLogger(), tc.cfg, tc.client(t))
			require.NotNil(t, roleCache)

			now := time.Now().UTC()
			entry := cache.Entry{Value: "admin", StoredAt: now, ExpiresAt: now.Add(time.Second)}
			require.NoError(t, roleCache.Store(ctx, session.RoleCacheNamespace+"abc", entry))
			got, ok, err := roleCache.Lookup(ctx, session.RoleCacheNamespace+"abc")
			require.NoError(t, err)
			require.True(t, ok, "expected lookup to succeed")
			require.Equal(t, "admin", got.Value)
			require.NoError(t, roleCache.Close(ctx))
		})
	}
}

func TestBuildLimiter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memory := buildLimiter(ctx, newTestLogger(), config.ThrottleConfig{Backend: "memory"}, nil)
	require.Equal(t, "memory", memory.Name())

	missing := buildLimiter(ctx, newTestLogger(), config.ThrottleConfig{Backend: "redis"}, nil)
	require.Equal(t, "memory", missing.Name(), "redis without a client degrades to memory windows")

	shared := buildLimiter(ctx, newTestLogger(), config.ThrottleConfig{Backend: "redis", KeyPrefix: "test:"}, newMiniredisClient(t))
	require.Equal(t, "valkey+memory", shared.Name())
}

func TestBuildIdentityProvider(t *testing.T) {
	provider, err := buildIdentityProvider(config.SessionConfig{Provider: "none"})
	require.NoError(t, err)
	require.IsType(t, session.Anonymous{}, provider)

	provider, err = buildIdentityProvider(config.SessionConfig{Provider: "GoTrue", URL: "https://auth.example.test"})
	require.NoError(t, err)
	require.IsType(t, &session.GoTrue{}, provider)

	_, err = buildIdentityProvider(config.SessionConfig{Provider: "gotrue"})
	require.Error(t, err)
}

func TestGatewayReload(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	gw, err := newGateway(ctx, cfg, newTestLogger(), recorder)
	require.NoError(t, err)
	t.Cleanup(gw.close)

	before := gw.pipeline.Explain(ctx, "ia-rk.com", "/wp-admin/setup")
	require.Equal(t, "pass_through", before.Routing.Kind)

	next := cfg
	next.Routing.Rules = []config.RuleConfig{{
		Name:   "no-wp",
		When:   `under(path, "/wp-admin")`,
		Status: http.StatusNotFound,
	}}
	gw.reload(ctx, next)

	after := gw.pipeline.Explain(ctx, "ia-rk.com", "/wp-admin/setup")
	require.Equal(t, "deny", after.Routing.Kind)
	require.Equal(t, http.StatusNotFound, after.Status)

	broken := next
	broken.Session.Provider = "gotrue"
	broken.Session.URL = ""
	gw.reload(ctx, broken)

	kept := gw.pipeline.Explain(ctx, "ia-rk.com", "/wp-admin/setup")
	require.Equal(t, "deny", kept.Routing.Kind, "a rejected reload keeps the previous policy")
	require.NotEqual(t, "gotrue", gw.cfg.Session.Provider)
}

func TestProcessSettingsChanged(t *testing.T) {
	base := config.DefaultConfig()
	require.False(t, processSettingsChanged(base, base))

	rules := base
	rules.Routing.Rules = []config.RuleConfig{{Name: "x", When: "true", Target: "/"}}
	require.False(t, processSettingsChanged(base, rules), "rules are reloadable")

	port := base
	port.Server.Listen.Port = 9090
	require.True(t, processSettingsChanged(base, port))

	backend := base
	backend.Throttle.Backend = "redis"
	require.True(t, processSettingsChanged(base, backend))
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "HOSTGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "HOSTGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "HOSTGATE", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunWatchesConfigFile(t *testing.T) {
	stopped := false
	loader := &fakeLoader{cfg: config.DefaultConfig(), stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })

	var handler http.Handler
	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, h http.Handler) (runnableServer, error) {
		handler = h
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "HOSTGATE", "hostgate.yaml"))
	require.True(t, loader.watchSeen, "expected config watcher to start")
	require.True(t, stopped, "expected config watcher to stop on shutdown")
	require.NotNil(t, handler)
}

func TestRunSkipsWatcherWithoutFiles(t *testing.T) {
	loader := &fakeLoader{cfg: config.DefaultConfig()}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "HOSTGATE", ""))
	require.False(t, loader.watchSeen)
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) Watch(context.Context, config.Config, func(config.Config), func(error)) (configWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err error
}

func (s *stubServer) Run(context.Context) error {
	return s.err
}
