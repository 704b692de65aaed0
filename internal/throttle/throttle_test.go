package throttle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	valkey "github.com/valkey-io/valkey-go"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryGeneralBudgetScenario(t *testing.T) {
	ctx := context.Background()
	key := Key(ClassGeneral, "1.2.3.4")

	roomy := NewMemory()
	for i := 1; i <= 11; i++ {
		res, err := roomy.Check(ctx, key, Budget{Limit: 100, Window: time.Minute})
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d", i)
		require.Equal(t, 100-i, res.Remaining)
	}

	tight := NewMemory()
	var last Result
	for i := 1; i <= 11; i++ {
		res, err := tight.Check(ctx, key, Budget{Limit: 10, Window: time.Minute})
		require.NoError(t, err)
		if i <= 10 {
			require.True(t, res.Allowed, "request %d", i)
		}
		last = res
	}
	require.False(t, last.Allowed)
	require.Equal(t, 0, last.Remaining)
	require.Equal(t, 10, last.Limit)
}

func TestMemoryRemainingIsMonotonicWithinWindow(t *testing.T) {
	clock := &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemory()
	m.now = clock.Now
	budget := Budget{Limit: 3, Window: time.Minute}

	prev := budget.Limit
	for i := 0; i < 6; i++ {
		res, err := m.Check(context.Background(), "k", budget)
		require.NoError(t, err)
		require.LessOrEqual(t, res.Remaining, prev)
		require.GreaterOrEqual(t, res.Remaining, 0)
		prev = res.Remaining
		clock.Advance(time.Second)
	}
}

func TestMemoryWindowResetsAfterExpiry(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}
	m := NewMemory()
	m.now = clock.Now
	budget := Budget{Limit: 1, Window: time.Minute}

	first, err := m.Check(context.Background(), "k", budget)
	require.NoError(t, err)
	require.True(t, first.Allowed)
	require.Equal(t, start.Add(time.Minute), first.ResetAt)

	second, err := m.Check(context.Background(), "k", budget)
	require.NoError(t, err)
	require.False(t, second.Allowed)
	require.Equal(t, first.ResetAt, second.ResetAt)

	clock.Advance(time.Minute)
	third, err := m.Check(context.Background(), "k", budget)
	require.NoError(t, err)
	require.True(t, third.Allowed)
	require.Equal(t, 0, third.Remaining)
	require.Equal(t, start.Add(2*time.Minute), third.ResetAt)
}

func TestMemoryClassesUseSeparateCounters(t *testing.T) {
	m := NewMemory()
	budget := Budget{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	res, err := m.Check(ctx, Key(ClassAuth, "1.2.3.4"), budget)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = m.Check(ctx, Key(ClassGeneral, "1.2.3.4"), budget)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestMemoryConcurrentChecksCountEveryRequest(t *testing.T) {
	m := NewMemory()
	budget := Budget{Limit: 50, Window: time.Minute}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Check(context.Background(), "shared", budget)
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 50, allowed)
}

func TestMemoryPrune(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &testClock{now: start}
	m := NewMemory()
	m.now = clock.Now
	ctx := context.Background()

	_, err := m.Check(ctx, "short", Budget{Limit: 5, Window: time.Second})
	require.NoError(t, err)
	_, err = m.Check(ctx, "long", Budget{Limit: 5, Window: time.Hour})
	require.NoError(t, err)
	require.Equal(t, 2, m.Size())

	clock.Advance(2 * time.Second)
	require.Equal(t, 1, m.Prune(clock.Now()))
	require.Equal(t, 1, m.Size())
}

func TestInvalidBudgetRejected(t *testing.T) {
	_, err := NewMemory().Check(context.Background(), "k", Budget{Limit: 0, Window: time.Minute})
	require.ErrorIs(t, err, ErrInvalidBudget)
	_, err = NewMemory().Check(context.Background(), "k", Budget{Limit: 1})
	require.ErrorIs(t, err, ErrInvalidBudget)
}

func TestBudgetsFor(t *testing.T) {
	budgets := DefaultBudgets()
	require.Equal(t, 10, budgets.For(ClassAuth).Limit)
	require.Equal(t, 100, budgets.For(ClassGeneral).Limit)
	require.Equal(t, "auth:1.2.3.4", Key(ClassAuth, "1.2.3.4"))
}

func newValkeyClient(t *testing.T, addr string) valkey.Client {
	t.Helper()
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{addr},
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestValkeySharesWindowAcrossInstances(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client := newValkeyClient(t, server.Addr())
	first, err := NewValkey(client, "")
	require.NoError(t, err)
	second, err := NewValkey(client, "")
	require.NoError(t, err)

	ctx := context.Background()
	budget := Budget{Limit: 2, Window: time.Minute}
	key := Key(ClassGeneral, "1.2.3.4")

	res, err := first.Check(ctx, key, budget)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Remaining)

	res, err = second.Check(ctx, key, budget)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)

	res, err = first.Check(ctx, key, budget)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.True(t, server.Exists("hostgate:throttle:"+key))
	require.Greater(t, server.TTL("hostgate:throttle:"+key), time.Duration(0))

	server.FastForward(time.Minute + time.Second)
	res, err = second.Check(ctx, key, budget)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Remaining)
}

func TestValkeyRequiresClient(t *testing.T) {
	_, err := NewValkey(nil, "")
	require.Error(t, err)
}

type failingLimiter struct{ calls int }

func (f *failingLimiter) Name() string { return "broken" }

func (f *failingLimiter) Check(context.Context, string, Budget) (Result, error) {
	f.calls++
	return Result{}, errors.New("connection refused")
}

func TestFallbackDegradesToSecondary(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	primary := &failingLimiter{}
	limiter := NewFallback(primary, NewMemory(), logger)
	budget := Budget{Limit: 1, Window: time.Minute}

	res, err := limiter.Check(context.Background(), "k", budget)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.True(t, limiter.Degraded())

	res, err = limiter.Check(context.Background(), "k", budget)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 2, primary.calls)
	require.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("throttle primary store failed")))
	require.Contains(t, limiter.Name(), "degraded")
}

func TestFallbackPassesInvalidBudgetThrough(t *testing.T) {
	limiter := NewFallback(NewMemory(), NewMemory(), nil)
	_, err := limiter.Check(context.Background(), "k", Budget{})
	require.ErrorIs(t, err, ErrInvalidBudget)
	require.False(t, limiter.Degraded())
}

func TestAddressResolver(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trusted []string
		want    string
	}{
		{name: "first forwarded hop", remote: "10.0.0.1:1234", headers: map[string]string{"X-Forwarded-For": "1.2.3.4, 10.0.0.1"}, want: "1.2.3.4"},
		{name: "rfc7239 forwarded", remote: "10.0.0.1:1234", headers: map[string]string{"Forwarded": `for="[2001:db8::1]:4711";proto=https, for=10.0.0.1`}, want: "2001:db8::1"},
		{name: "peer without header", remote: "198.51.100.7:5555", want: "198.51.100.7"},
		{name: "placeholder when nothing parses", remote: "not-an-address", want: LoopbackPlaceholder},
		{name: "malformed header falls back to peer", remote: "198.51.100.7:5555", headers: map[string]string{"X-Forwarded-For": "garbage"}, want: "198.51.100.7"},
		{name: "untrusted peer ignores header", remote: "198.51.100.7:5555", headers: map[string]string{"X-Forwarded-For": "1.2.3.4"}, trusted: []string{"10.0.0.0/8"}, want: "198.51.100.7"},
		{name: "trusted chain walks past proxies", remote: "10.0.0.2:80", headers: map[string]string{"X-Forwarded-For": "6.6.6.6, 1.2.3.4, 10.0.0.9"}, trusted: []string{"10.0.0.0/8"}, want: "1.2.3.4"},
		{name: "all hops trusted uses first", remote: "10.0.0.2:80", headers: map[string]string{"X-Forwarded-For": "10.1.1.1, 10.0.0.9"}, trusted: []string{"10.0.0.0/8"}, want: "10.1.1.1"},
		{name: "bare trusted address", remote: "192.0.2.1:80", headers: map[string]string{"X-Forwarded-For": "1.2.3.4"}, trusted: []string{"192.0.2.1"}, want: "1.2.3.4"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://ia-rk.com/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			got := NewAddressResolver(ParseCIDRs(tc.trusted)).Resolve(req)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestClientAddressTrustsHeaderWithoutProxies(t *testing.T) {
	req := httptest.NewRequest("GET", "http://ia-rk.com/", nil)
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	require.Equal(t, "1.2.3.4", ClientAddress(req))
}

func TestParseCIDRsSkipsInvalid(t *testing.T) {
	prefixes := ParseCIDRs([]string{"10.0.0.0/8", " ", "bogus", "192.0.2.1"})
	require.Len(t, prefixes, 2)
	require.Equal(t, 32, prefixes[1].Bits())
}
