package caches

import (
	"context"
	"iter"
	"time"
)

// Backend is a networked (or in-process) byte store with Redis-like TTL
// semantics. Keys passed to a Backend are physical keys: namespacing is the
// caller's concern.
//
// Implementations must be safe for concurrent use. Single-key operations are
// expected to be atomic at the store; nothing else is.
type Backend interface {
	// Get returns the stored bytes, or ErrNoCacheItem when the key is absent
	// or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A ttl <= 0 stores the value without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the keys and reports how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// CompareAndDelete removes key only while it still holds value and
	// reports whether it did. A write that replaced value survives.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	// TTL returns the remaining time to live, NoExpiry for a live key without
	// expiry, or KeyAbsent when the key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Expire sets an expiry on an existing key. It reports false if the key
	// does not exist. A ttl <= 0 expires the key immediately.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Persist removes the expiry of an existing key. It reports false if the
	// key does not exist or had no expiry.
	Persist(ctx context.Context, key string) (bool, error)

	// IncrBy atomically adds delta to the integer stored at key, treating an
	// absent key as zero, and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// Scan yields every live key starting with prefix. Iteration is not a
	// snapshot: concurrent writers may cause keys to be skipped or repeated.
	Scan(ctx context.Context, prefix string) iter.Seq2[string, error]

	// Ping checks connectivity with the store.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}
