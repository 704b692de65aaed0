package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ia-rk/hostgate/internal/config"
)

const shutdownTimeout = 5 * time.Second

// Server owns the gateway listener and drains it on shutdown.
type Server struct {
	addr        string
	adminPrefix string
	upstream    string
	logger      *slog.Logger
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
	once     sync.Once
}

// New builds the HTTP server for handler on the configured listen address.
// Write timeouts are left unset because proxied responses may stream.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", "lifecycle"))

	addr := net.JoinHostPort(cfg.Server.Listen.Address, strconv.Itoa(cfg.Server.Listen.Port))
	return &Server{
		addr:        addr,
		adminPrefix: cfg.Server.AdminPrefix,
		upstream:    cfg.Upstream.URL,
		logger:      logger,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
	}, nil
}

// Addr reports the bound address once Run has opened the listener, and the
// configured address before that.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Run binds the listener and serves until ctx is cancelled, then drains
// in-flight requests. Bind failures are returned before serving starts.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening",
			slog.String("address", ln.Addr().String()),
			slog.String("admin_prefix", s.adminPrefix),
			slog.String("upstream", s.upstream),
		)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// shutdown stops the listener at most once.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("gateway draining", slog.Duration("timeout", shutdownTimeout))
		shutdownErr = s.httpServer.Shutdown(ctx)
	})
	return shutdownErr
}
