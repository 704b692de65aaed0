package throttle

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// Memory keeps windows in process. Counts are exact for a single instance;
// separate instances never see each other's traffic.
type Memory struct {
	now func() time.Time

	mu      sync.Mutex
	windows map[string]window
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, windows: make(map[string]window)}
}

func (m *Memory) Name() string { return "memory" }

// Check increments the window for key, replacing it first when it expired.
func (m *Memory) Check(_ context.Context, key string, budget Budget) (Result, error) {
	if err := budget.validate(); err != nil {
		return Result{}, err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = window{count: 1, resetAt: now.Add(budget.Window)}
	} else {
		w.count++
	}
	m.windows[key] = w
	return newResult(w.count, budget, w.resetAt), nil
}

// Prune drops every window that expired at or before now and reports how many
// were removed.
func (m *Memory) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// Size reports the number of tracked windows.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Run prunes expired windows every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Prune(m.now())
		}
	}
}
