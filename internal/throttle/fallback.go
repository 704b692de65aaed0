package throttle

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// Fallback checks against a shared primary store and degrades to a local one
// whenever the primary errors, so an unreachable counter store never turns
// into an outage or an unthrottled gateway.
type Fallback struct {
	primary   Limiter
	secondary Limiter
	logger    *slog.Logger
	degraded  atomic.Bool
}

func NewFallback(primary, secondary Limiter, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With(slog.String("agent", "throttle_fallback")),
	}
}

func (f *Fallback) Name() string {
	if f.degraded.Load() {
		return f.primary.Name() + "+" + f.secondary.Name() + " (degraded)"
	}
	return f.primary.Name() + "+" + f.secondary.Name()
}

// Degraded reports whether the last check had to use the secondary store.
func (f *Fallback) Degraded() bool { return f.degraded.Load() }

func (f *Fallback) Check(ctx context.Context, key string, budget Budget) (Result, error) {
	res, err := f.primary.Check(ctx, key, budget)
	if err == nil {
		if f.degraded.CompareAndSwap(true, false) {
			f.logger.Info("throttle primary store recovered", slog.String("store", f.primary.Name()))
		}
		return res, nil
	}
	if errors.Is(err, ErrInvalidBudget) {
		return Result{}, err
	}
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.Error("throttle primary store failed, using local windows",
			slog.String("store", f.primary.Name()),
			slog.Any("error", err),
		)
	}
	return f.secondary.Check(ctx, key, budget)
}
