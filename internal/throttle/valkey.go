package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const defaultKeyPrefix = "hostgate:throttle:"

// windowScript increments the counter and arms its expiry on the first hit of
// a window, so increment-or-reset happens atomically on the server. A key that
// somehow lost its TTL is re-armed instead of living forever.
var windowScript = valkey.NewLuaScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Valkey shares windows across every gateway instance through a valkey or
// redis server.
type Valkey struct {
	client valkey.Client
	prefix string
	now    func() time.Time
}

// NewValkey wraps an existing client. The caller owns the client lifecycle.
func NewValkey(client valkey.Client, prefix string) (*Valkey, error) {
	if client == nil {
		return nil, errors.New("throttle: valkey client required")
	}
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Valkey{client: client, prefix: prefix, now: time.Now}, nil
}

func (v *Valkey) Name() string { return "valkey" }

func (v *Valkey) Check(ctx context.Context, key string, budget Budget) (Result, error) {
	if err := budget.validate(); err != nil {
		return Result{}, err
	}
	windowMs := budget.Window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	resp := windowScript.Exec(ctx, v.client, []string{v.prefix + key}, []string{strconv.FormatInt(windowMs, 10)})
	values, err := resp.ToArray()
	if err != nil {
		return Result{}, fmt.Errorf("throttle: valkey window: %w", err)
	}
	if len(values) != 2 {
		return Result{}, fmt.Errorf("throttle: valkey window: unexpected reply length %d", len(values))
	}
	count, err := values[0].AsInt64()
	if err != nil {
		return Result{}, fmt.Errorf("throttle: valkey count: %w", err)
	}
	ttl, err := values[1].AsInt64()
	if err != nil {
		return Result{}, fmt.Errorf("throttle: valkey ttl: %w", err)
	}
	resetAt := v.now().Add(time.Duration(ttl) * time.Millisecond)
	return newResult(int(count), budget, resetAt), nil
}
