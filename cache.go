// Package modxcache is a signed, TTL-based conversation cache that sits in
// front of a chat-completion API. It defines the cache contract, the free
// helpers built on it, and a Completer decorator that commits each finished
// turn to the cache.
package modxcache

import (
	"context"
	"errors"
	"iter"
	"time"
)

var (
	// ErrNotFound is returned by Delete and Pop when nothing was removed.
	ErrNotFound = errors.New("cache item not found")

	// ErrEmpty is returned by PopItem when the namespace holds no keys.
	ErrEmpty = errors.New("cache is empty")
)

// Cache is the store-agnostic cache contract. Implementations never surface
// backing store failures: reads degrade to a miss and writes become no-ops.
type Cache[V any] interface {
	// Get looks up key.
	Get(ctx context.Context, key string) Lookup[V]

	// Set stores v with the implementation's default TTL, replacing any
	// value or tombstone.
	Set(ctx context.Context, key string, v V)

	// SetX stores v with ttl. A ttl <= 0 stores v without expiry.
	SetX(ctx context.Context, key string, v V, ttl time.Duration)

	// SetNegative records that key is known to be absent.
	SetNegative(ctx context.Context, key string)

	// Delete removes the value or tombstone at key. It returns ErrNotFound
	// when nothing was removed.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining time to live of key, caches.NoExpiry for a
	// key without expiry or caches.KeyAbsent when there is no such key.
	TTL(ctx context.Context, key string) time.Duration

	// Expire sets the expiry of an existing key. A ttl <= 0 clears it.
	Expire(ctx context.Context, key string, ttl time.Duration)

	// Incr adds amount to the integer at key, treating an absent key as zero.
	Incr(ctx context.Context, key string, amount int64) int64

	// Decr subtracts amount from the integer at key.
	Decr(ctx context.Context, key string, amount int64) int64

	// Scan yields the logical keys of the namespace. It is not a snapshot.
	Scan(ctx context.Context) iter.Seq[string]
}

// Clearer is implemented by caches that can delete their namespace more
// efficiently than one key at a time.
type Clearer interface {
	Clear(ctx context.Context)
}

// LookupKind tells the three lookup outcomes apart.
type LookupKind int

const (
	// KindMiss means nothing usable is stored, or the store failed.
	KindMiss LookupKind = iota
	// KindHit means a verified value was found.
	KindHit
	// KindNegativeHit means a tombstone was found.
	KindNegativeHit
)

func (k LookupKind) String() string {
	switch k {
	case KindHit:
		return "hit"
	case KindNegativeHit:
		return "negative"
	default:
		return "miss"
	}
}

// Lookup is the result of Cache.Get. The zero value is a miss.
type Lookup[V any] struct {
	kind  LookupKind
	value V
}

// Hit returns a lookup holding v.
func Hit[V any](v V) Lookup[V] {
	return Lookup[V]{kind: KindHit, value: v}
}

// Miss returns a lookup for an absent key.
func Miss[V any]() Lookup[V] {
	return Lookup[V]{kind: KindMiss}
}

// NegativeHit returns a lookup for a tombstoned key.
func NegativeHit[V any]() Lookup[V] {
	return Lookup[V]{kind: KindNegativeHit}
}

// Kind reports which outcome l represents.
func (l Lookup[V]) Kind() LookupKind {
	return l.kind
}

// Value returns the stored value. ok is false unless l is a hit.
func (l Lookup[V]) Value() (v V, ok bool) {
	if l.kind != KindHit {
		return v, false
	}
	return l.value, true
}

// ValueOr returns the stored value on a hit and def otherwise.
func (l Lookup[V]) ValueOr(def V) V {
	if v, ok := l.Value(); ok {
		return v
	}
	return def
}
