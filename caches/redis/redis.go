// Package redis provides a caches.Backend for Redis-protocol stores.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dgduncan/modx-cache/caches"
)

// DefaultScanCount is the COUNT hint passed to SCAN.
const DefaultScanCount = 100

// compareAndDelete runs GET and DEL as one step on the server.
var compareAndDelete = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config describes how to reach the store. When URL is set it takes
// precedence over Addr, DB, Username and Password.
type Config struct {
	URL string

	Addr     string
	DB       int
	Username string
	Password string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	TLS bool
	// TLSSkipVerify disables certificate verification when TLS is enabled.
	TLSSkipVerify bool
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
	}
}

// Options converts c into go-redis client options.
func (c Config) Options() (*goredis.Options, error) {
	var opts *goredis.Options
	if c.URL != "" {
		parsed, err := goredis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		opts = parsed
	} else {
		if c.Addr == "" {
			return nil, caches.ValidationError{Reason: "redis address must not be empty"}
		}
		opts = &goredis.Options{
			Addr:     c.Addr,
			DB:       c.DB,
			Username: c.Username,
			Password: c.Password,
		}
	}

	if c.DialTimeout > 0 {
		opts.DialTimeout = c.DialTimeout
	}
	if c.ReadTimeout > 0 {
		opts.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		opts.WriteTimeout = c.WriteTimeout
	}
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	}

	if c.TLS && opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: c.TLSSkipVerify, //nolint:gosec // opt-in
		}
	}

	return opts, nil
}

// NewClient builds a client from c without connecting.
func NewClient(c Config) (*goredis.Client, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(opts), nil
}

// Cache is a caches.Backend over a go-redis client.
type Cache struct {
	client goredis.UniversalClient

	scanCount int64
}

// New wraps client and checks that the store answers. The returned Cache owns
// client and closes it on Close.
func New(ctx context.Context, client goredis.UniversalClient) (*Cache, error) {
	if client == nil {
		return nil, caches.ValidationError{Reason: "redis client must not be nil"}
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(caches.ErrPingFailed, err)
	}

	return &Cache{client: client, scanCount: DefaultScanCount}, nil
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	res, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, caches.ErrNoCacheItem
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return c.client.Del(ctx, keys...).Result()
}

func (c *Cache) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.client, []string{key}, value).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	// go-redis passes the -1 and -2 replies through unscaled
	ttl, err := c.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	switch ttl {
	case -1:
		return caches.NoExpiry, nil
	case -2:
		return caches.KeyAbsent, nil
	default:
		return ttl, nil
	}
}

func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		n, err := c.client.Del(ctx, key).Result()
		return n > 0, err
	}
	return c.client.PExpire(ctx, key, ttl).Result()
}

func (c *Cache) Persist(ctx context.Context, key string) (bool, error) {
	return c.client.Persist(ctx, key).Result()
}

func (c *Cache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.client.IncrBy(ctx, key, delta).Result()
	if err != nil && strings.Contains(err.Error(), "not an integer") {
		return 0, errors.Join(caches.ErrNotInteger, err)
	}
	return n, err
}

// Scan walks the keyspace with SCAN MATCH prefix*. Glob metacharacters in
// prefix are escaped.
func (c *Cache) Scan(ctx context.Context, prefix string) iter.Seq2[string, error] {
	match := escapeGlob(prefix) + "*"

	return func(yield func(string, error) bool) {
		var cursor uint64
		for {
			keys, next, err := c.client.Scan(ctx, cursor, match, c.scanCount).Result()
			if err != nil {
				yield("", err)
				return
			}

			for _, key := range keys {
				if !yield(key, nil) {
					return
				}
			}

			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ caches.Backend = (*Cache)(nil)
