package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ia-rk/hostgate/internal/runtime/pipeline"
)

// tracedAgent records every agent outcome on the request state and logs it at
// debug level.
type tracedAgent struct {
	inner  pipeline.Agent
	logger *slog.Logger
}

func (a *tracedAgent) Name() string { return a.inner.Name() }

func (a *tracedAgent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	start := time.Now()
	result := a.inner.Execute(ctx, r, state)
	if state == nil {
		return result
	}
	state.Record(result)

	if !a.logger.Enabled(ctx, slog.LevelDebug) {
		return result
	}
	attrs := []slog.Attr{
		slog.String("status", result.Status),
		slog.String("correlation_id", state.CorrelationID),
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	}
	if state.Routing.SiteName != "" {
		attrs = append(attrs, slog.String("site", state.Routing.SiteName))
	}
	if result.Details != "" {
		attrs = append(attrs, slog.String("details", result.Details))
	}
	if len(result.Meta) > 0 {
		attrs = append(attrs, slog.Any("meta", result.Meta))
	}
	a.logger.LogAttrs(ctx, slog.LevelDebug, "agent executed", attrs...)
	return result
}

func traceAgents(logger *slog.Logger, agents []pipeline.Agent) []pipeline.Agent {
	wrapped := make([]pipeline.Agent, 0, len(agents))
	for _, ag := range agents {
		if ag == nil {
			continue
		}
		wrapped = append(wrapped, &tracedAgent{
			inner:  ag,
			logger: logger.With(slog.String("agent", ag.Name())),
		})
	}
	return wrapped
}
