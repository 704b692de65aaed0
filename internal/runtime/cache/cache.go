package cache

import (
	"context"
	"time"
)

// Entry is one cached value. Entries past ExpiresAt are never returned.
type Entry struct {
	Value     string    `json:"value"`
	StoredAt  time.Time `json:"storedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (e Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Cache stores short-lived string values such as resolved role claims.
type Cache interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, entry Entry) error
	DeletePrefix(ctx context.Context, prefix string) error
	Size(ctx context.Context) (int64, error)
	Close(ctx context.Context) error
}

// ReloadScope names the entries to drop when configuration is swapped.
type ReloadScope struct {
	Prefix string
}

// ReloadInvalidator is implemented by backends that can drop a key range when
// the gateway reloads its policy.
type ReloadInvalidator interface {
	InvalidateOnReload(ctx context.Context, scope ReloadScope) error
}
