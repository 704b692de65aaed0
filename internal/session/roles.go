package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ia-rk/hostgate/internal/runtime/cache"
)

// PostgresRoles reads role claims from the application's profiles table.
type PostgresRoles struct {
	pool *pgxpool.Pool
}

// NewPostgresRoles opens and verifies a pool. Close it on shutdown.
func NewPostgresRoles(ctx context.Context, databaseURL string) (*PostgresRoles, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("session: postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session: postgres ping: %w", err)
	}
	return &PostgresRoles{pool: pool}, nil
}

func (s *PostgresRoles) Close() {
	s.pool.Close()
}

// RoleClaim returns the stored role, or "" when the profile is missing or has
// no role.
func (s *PostgresRoles) RoleClaim(ctx context.Context, id uuid.UUID) (string, error) {
	var role *string
	err := s.pool.QueryRow(ctx, "SELECT role FROM profiles WHERE id = $1", id).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: role query: %w", err)
	}
	if role == nil {
		return "", nil
	}
	return *role, nil
}

// RoleCacheNamespace prefixes every cached role claim.
const RoleCacheNamespace = "role:"

// CachedRoles serves role claims from a cache in front of another store.
// Lookup failures of the cache fall through to the store.
type CachedRoles struct {
	store    RoleStore
	cache    cache.Cache
	ttl      time.Duration
	observer Observer
}

func NewCachedRoles(store RoleStore, c cache.Cache, ttl time.Duration, observer Observer) *CachedRoles {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &CachedRoles{store: store, cache: c, ttl: ttl, observer: observer}
}

func (c *CachedRoles) RoleClaim(ctx context.Context, id uuid.UUID) (string, error) {
	key := RoleCacheNamespace + id.String()
	entry, ok, err := c.cache.Lookup(ctx, key)
	switch {
	case err != nil:
		c.observer.ObserveCacheOperation("lookup", "error")
	case ok:
		c.observer.ObserveCacheOperation("lookup", "hit")
		return entry.Value, nil
	default:
		c.observer.ObserveCacheOperation("lookup", "miss")
	}

	role, err := c.store.RoleClaim(ctx, id)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if err := c.cache.Store(ctx, key, roleEntry(role, now, c.ttl)); err != nil {
		c.observer.ObserveCacheOperation("store", "error")
	} else {
		c.observer.ObserveCacheOperation("store", "ok")
	}
	return role, nil
}

// Invalidate drops every cached role claim.
func (c *CachedRoles) Invalidate(ctx context.Context) error {
	return c.cache.DeletePrefix(ctx, RoleCacheNamespace)
}

func roleEntry(value string, now time.Time, ttl time.Duration) cache.Entry {
	return cache.Entry{Value: value, StoredAt: now, ExpiresAt: now.Add(ttl)}
}
