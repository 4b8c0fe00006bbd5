// Package signed implements the modxcache.Cache contract on top of a byte
// level caches.Backend. It namespaces keys, signs payloads, stores
// tombstones for known-absent keys and removes entries that fail
// verification.
package signed

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	modxcache "github.com/dgduncan/modx-cache"
	"github.com/dgduncan/modx-cache/caches"
)

// DefaultClearBatchSize is how many keys Clear deletes per backend call.
const DefaultClearBatchSize = 500

// DefaultHealTimeout bounds the background delete of a corrupted entry.
const DefaultHealTimeout = 5 * time.Second

type Config struct {
	// Prefix is prepended to every logical key.
	Prefix string

	// Secret enables HMAC-SHA256 signing of every payload when non-empty.
	Secret []byte

	// DefaultTTL is applied by Set. A value <= 0 stores without expiry.
	DefaultTTL time.Duration

	// NegativeTTL is applied to tombstones written by SetNegative.
	NegativeTTL time.Duration

	HealTimeout    time.Duration
	ClearBatchSize int

	// MeterProvider receives the cache metrics. Nil uses the global provider.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Prefix:         caches.DefaultPrefix,
		DefaultTTL:     caches.DefaultTTL,
		NegativeTTL:    caches.DefaultNegativeTTL,
		HealTimeout:    DefaultHealTimeout,
		ClearBatchSize: DefaultClearBatchSize,
	}
}

// Cache is a modxcache.Cache backed by a caches.Backend.
//
// Backend failures are logged and never returned: reads degrade to a miss
// and writes are dropped. A payload that fails verification is reported as a
// miss and deleted in the background.
type Cache[V any] struct {
	backend caches.Backend
	codec   caches.Codec[V]
	logger  *slog.Logger
	metrics *metrics

	c Config

	reads singleflight.Group

	healMu  sync.Mutex
	healing map[string]uint64
	healSeq uint64
	heals   sync.WaitGroup
}

// Key returns the physical key stored in the backend for key.
func (c *Cache[V]) Key(key string) string {
	return c.c.Prefix + key
}

// Get implements modxcache.Cache.
func (c *Cache[V]) Get(ctx context.Context, key string) modxcache.Lookup[V] {
	l := c.get(ctx, key)
	c.metrics.lookup(ctx, l.Kind())
	return l
}

func (c *Cache[V]) get(ctx context.Context, key string) modxcache.Lookup[V] {
	pk := c.Key(key)
	if c.isHealing(pk) {
		return modxcache.Miss[V]()
	}

	// concurrent reads of one key share a single round trip
	res, err, _ := c.reads.Do(pk, func() (any, error) {
		return c.backend.Get(ctx, pk)
	})
	if errors.Is(err, caches.ErrNoCacheItem) {
		return modxcache.Miss[V]()
	}
	if err != nil {
		c.storeError(ctx, "get", key, err)
		return modxcache.Miss[V]()
	}

	v, tombstone, err := c.codec.Decode(res.([]byte))
	if err != nil {
		c.logger.WarnContext(ctx, "cache item failed integrity check, removing", "key", key, "error", err)
		c.metrics.corrupted(ctx)
		c.heal(ctx, pk, res.([]byte))
		return modxcache.Miss[V]()
	}

	if tombstone {
		return modxcache.NegativeHit[V]()
	}

	return modxcache.Hit(v)
}

func (c *Cache[V]) isHealing(pk string) bool {
	c.healMu.Lock()
	defer c.healMu.Unlock()
	_, ok := c.healing[pk]
	return ok
}

// heal removes the corrupted bytes stored at pk in the background. Only
// those bytes are deleted, so a value written meanwhile survives. The delete
// outlives ctx but is bounded by HealTimeout; its failure is only logged.
func (c *Cache[V]) heal(ctx context.Context, pk string, corrupted []byte) {
	c.healMu.Lock()
	if _, ok := c.healing[pk]; ok {
		c.healMu.Unlock()
		return
	}
	c.healSeq++
	gen := c.healSeq
	c.healing[pk] = gen
	c.healMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.c.HealTimeout)

	c.heals.Add(1)
	go func() {
		defer c.heals.Done()
		defer cancel()
		defer c.healed(pk, gen)

		if _, err := c.backend.CompareAndDelete(ctx, pk, corrupted); err != nil {
			c.logger.DebugContext(ctx, "failed to remove corrupted cache item", "key", pk, "error", err)
		}
	}()
}

// healed clears the pending heal mark of pk if it still belongs to gen.
// gen 0 clears any mark.
func (c *Cache[V]) healed(pk string, gen uint64) {
	c.healMu.Lock()
	defer c.healMu.Unlock()

	if cur, ok := c.healing[pk]; ok && (gen == 0 || cur == gen) {
		delete(c.healing, pk)
	}
}

// Set implements modxcache.Cache.
func (c *Cache[V]) Set(ctx context.Context, key string, v V) {
	c.SetX(ctx, key, v, c.c.DefaultTTL)
}

// SetX implements modxcache.Cache.
func (c *Cache[V]) SetX(ctx context.Context, key string, v V, ttl time.Duration) {
	data, err := c.codec.Encode(v)
	if err != nil {
		c.logger.ErrorContext(ctx, "error encoding cache item", "key", key, "error", err)
		return
	}

	c.write(ctx, key, data, ttl)
}

// SetNegative implements modxcache.Cache.
func (c *Cache[V]) SetNegative(ctx context.Context, key string) {
	data, err := c.codec.EncodeTombstone()
	if err != nil {
		c.logger.ErrorContext(ctx, "error encoding tombstone", "key", key, "error", err)
		return
	}

	c.write(ctx, key, data, c.c.NegativeTTL)
}

func (c *Cache[V]) write(ctx context.Context, key string, data []byte, ttl time.Duration) {
	pk := c.Key(key)
	if err := c.backend.Set(ctx, pk, data, ttl); err != nil {
		c.storeError(ctx, "set", key, err)
		return
	}

	// the store no longer holds the corrupted bytes
	c.healed(pk, 0)

	c.logger.DebugContext(ctx, "cache item stored", "key", key, "ttl", ttl)
}

// Delete implements modxcache.Cache. An unreachable store is reported as
// modxcache.ErrNotFound as well.
func (c *Cache[V]) Delete(ctx context.Context, key string) error {
	n, err := c.backend.Delete(ctx, c.Key(key))
	if err != nil {
		c.storeError(ctx, "delete", key, err)
		return modxcache.ErrNotFound
	}

	if n == 0 {
		return modxcache.ErrNotFound
	}

	return nil
}

// TTL implements modxcache.Cache. Store failures report caches.KeyAbsent.
func (c *Cache[V]) TTL(ctx context.Context, key string) time.Duration {
	ttl, err := c.backend.TTL(ctx, c.Key(key))
	if err != nil {
		c.storeError(ctx, "ttl", key, err)
		return caches.KeyAbsent
	}

	return ttl
}

// Expire implements modxcache.Cache.
func (c *Cache[V]) Expire(ctx context.Context, key string, ttl time.Duration) {
	var err error
	if ttl <= 0 {
		_, err = c.backend.Persist(ctx, c.Key(key))
	} else {
		_, err = c.backend.Expire(ctx, c.Key(key), ttl)
	}

	if err != nil {
		c.storeError(ctx, "expire", key, err)
	}
}

// Incr implements modxcache.Cache. Counters are stored as plain integers,
// not as signed payloads, so they must be read with Incr(ctx, key, 0): a Get
// of a counter fails verification and removes it.
func (c *Cache[V]) Incr(ctx context.Context, key string, amount int64) int64 {
	n, err := c.backend.IncrBy(ctx, c.Key(key), amount)
	if err != nil {
		c.storeError(ctx, "incr", key, err)
		return 0
	}

	return n
}

// Decr implements modxcache.Cache.
func (c *Cache[V]) Decr(ctx context.Context, key string, amount int64) int64 {
	return c.Incr(ctx, key, -amount)
}

// Scan implements modxcache.Cache. Physical keys outside the prefix are
// skipped. A store error ends the iteration early.
func (c *Cache[V]) Scan(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for pk, err := range c.backend.Scan(ctx, c.c.Prefix) {
			if err != nil {
				c.storeError(ctx, "scan", c.c.Prefix+"*", err)
				return
			}

			key, ok := strings.CutPrefix(pk, c.c.Prefix)
			if !ok {
				continue
			}

			if !yield(key) {
				return
			}
		}
	}
}

// Clear deletes every key of the namespace in batches. It is not atomic:
// keys written while it runs may survive.
func (c *Cache[V]) Clear(ctx context.Context) {
	batch := make([]string, 0, c.c.ClearBatchSize)
	var cleared int64

	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		n, err := c.backend.Delete(ctx, batch...)
		if err != nil {
			c.storeError(ctx, "clear", c.c.Prefix+"*", err)
			return false
		}
		cleared += n
		batch = batch[:0]
		return true
	}

	for key := range c.Scan(ctx) {
		batch = append(batch, c.Key(key))
		if len(batch) == c.c.ClearBatchSize && !flush() {
			return
		}
	}

	if !flush() {
		return
	}

	c.logger.InfoContext(ctx, "cache cleared", "prefix", c.c.Prefix, "deleted", cleared)
}

// Ping checks that the backend is reachable.
func (c *Cache[V]) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// Close waits for pending background deletes and closes the backend.
func (c *Cache[V]) Close() error {
	c.heals.Wait()
	return c.backend.Close()
}

func (c *Cache[V]) storeError(ctx context.Context, op, key string, err error) {
	c.metrics.storeError(ctx, op)
	c.logger.ErrorContext(ctx, "cache store error", "op", op, "key", key, "error", err)
}

// New returns a Cache storing V values in backend.
//
// If 'opts' is nil, DefaultConfig is used; an empty Prefix and zero
// durations and sizes in opts fall back to their defaults, except DefaultTTL
// where zero means no expiry.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
func New[V any](backend caches.Backend, opts *Config, logger *slog.Logger) (*Cache[V], error) {
	if backend == nil {
		return nil, caches.ValidationError{Reason: "backend must not be nil"}
	}

	c := DefaultConfig()
	if opts != nil {
		c = *opts
		if c.Prefix == "" {
			// an empty namespace would let Clear wipe the whole store
			c.Prefix = caches.DefaultPrefix
		}
		if c.NegativeTTL <= 0 {
			c.NegativeTTL = caches.DefaultNegativeTTL
		}
		if c.HealTimeout <= 0 {
			c.HealTimeout = DefaultHealTimeout
		}
		if c.ClearBatchSize <= 0 {
			c.ClearBatchSize = DefaultClearBatchSize
		}
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mp := c.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}

	return &Cache[V]{
		backend: backend,
		codec:   caches.NewCodec[V](c.Secret),
		logger:  logger,
		metrics: m,
		c:       c,
		healing: make(map[string]uint64),
	}, nil
}

var (
	_ modxcache.Cache[any] = (*Cache[any])(nil)
	_ modxcache.Clearer    = (*Cache[any])(nil)
)
