package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig addresses a valkey or redis server shared by the throttle and
// the role cache.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

// NewValkeyClient dials the server and verifies it answers PING. The caller
// owns the returned client.
func NewValkeyClient(cfg RedisConfig) (valkey.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return client, nil
}

const defaultValkeyPrefix = "hostgate:cache:"

type valkeyCache struct {
	client valkey.Client
	prefix string
	owned  bool
}

// NewValkey stores entries under prefix on a shared client. Close does not
// close a shared client.
func NewValkey(client valkey.Client, prefix string) (Cache, error) {
	if client == nil {
		return nil, errors.New("cache: valkey client required")
	}
	if prefix == "" {
		prefix = defaultValkeyPrefix
	}
	return &valkeyCache{client: client, prefix: prefix}, nil
}

// NewRedis dials its own client and closes it on Close.
func NewRedis(cfg RedisConfig) (Cache, error) {
	client, err := NewValkeyClient(cfg)
	if err != nil {
		return nil, err
	}
	return &valkeyCache{client: client, prefix: defaultValkeyPrefix, owned: true}, nil
}

func (c *valkeyCache) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(c.prefix+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (c *valkeyCache) Store(ctx context.Context, key string, entry Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	if entry.ExpiresAt.IsZero() || entry.ExpiresAt.Before(entry.StoredAt) {
		return errors.New("cache: redis entry expiry required")
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	cmd := c.client.B().Set().Key(c.prefix + key).Value(string(payload)).Px(ttl).Build()
	if err := c.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// keys walks every key under the cache prefix plus extra with SCAN.
func (c *valkeyCache) keys(ctx context.Context, extra string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		cmd := c.client.B().Scan().Cursor(cursor).Match(c.prefix + extra + "*").Count(100).Build()
		entry, err := c.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("cache: redis scan: %w", err)
		}
		out = append(out, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return out, nil
		}
	}
}

func (c *valkeyCache) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return nil
	}
	keys, err := c.keys(ctx, prefix)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Do(ctx, c.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("cache: redis del: %w", err)
	}
	return nil
}

func (c *valkeyCache) Size(ctx context.Context) (int64, error) {
	keys, err := c.keys(ctx, "")
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

func (c *valkeyCache) Close(context.Context) error {
	if c.owned {
		c.client.Close()
	}
	return nil
}

func (c *valkeyCache) InvalidateOnReload(ctx context.Context, scope ReloadScope) error {
	return c.DeletePrefix(ctx, scope.Prefix)
}
