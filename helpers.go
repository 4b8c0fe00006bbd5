package modxcache

import (
	"context"
	"errors"
	"iter"
	"slices"

	"github.com/dgduncan/modx-cache/caches"
)

// The helpers below are built on the Cache interface only. They issue several
// store calls in sequence and are not atomic: a concurrent writer of the same
// key can interleave with them.

// SetDefault returns the value stored at key when there is one.
//
// On a tombstone it returns def (if non-nil) and leaves the tombstone and its
// TTL untouched. On a miss it stores def with the default TTL and returns it,
// or, when def is nil, stores a fresh tombstone and returns ok == false.
func SetDefault[V any](ctx context.Context, c Cache[V], key string, def *V) (v V, ok bool) {
	l := c.Get(ctx, key)
	switch l.Kind() {
	case KindHit:
		return l.Value()
	case KindNegativeHit:
		if def == nil {
			return v, false
		}
		return *def, true
	}

	if def == nil {
		c.SetNegative(ctx, key)
		return v, false
	}

	c.Set(ctx, key, *def)
	return *def, true
}

// Pop removes key and returns its value. It returns ErrNotFound when key
// holds no value; a tombstone at key is removed as well.
func Pop[V any](ctx context.Context, c Cache[V], key string) (V, error) {
	var zero V

	l := c.Get(ctx, key)
	switch l.Kind() {
	case KindMiss:
		return zero, ErrNotFound
	case KindNegativeHit:
		_ = c.Delete(ctx, key)
		return zero, ErrNotFound
	}

	if err := c.Delete(ctx, key); err != nil {
		// someone else removed it first
		return zero, err
	}

	v, _ := l.Value()
	return v, nil
}

// PopItem removes and returns an arbitrary entry. The choice is whatever the
// scan yields first, not a uniform random pick. It returns ErrEmpty once the
// scan produced no key that could be popped.
func PopItem[V any](ctx context.Context, c Cache[V]) (string, V, error) {
	for key := range c.Scan(ctx) {
		v, err := Pop(ctx, c, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return key, v, err
	}

	var zero V
	return "", zero, ErrEmpty
}

// Clear deletes every key of the namespace, preferring a batched Clear when c
// provides one. It is best-effort.
func Clear[V any](ctx context.Context, c Cache[V]) {
	if clearer, ok := c.(Clearer); ok {
		clearer.Clear(ctx)
		return
	}

	for _, key := range Keys(ctx, c) {
		_ = c.Delete(ctx, key)
	}
}

// Keys returns the logical keys of the namespace.
func Keys[V any](ctx context.Context, c Cache[V]) []string {
	return slices.Collect(c.Scan(ctx))
}

// Items yields every key holding a value together with that value. Keys that
// miss or hold a tombstone by the time they are read are skipped.
func Items[V any](ctx context.Context, c Cache[V]) iter.Seq2[string, V] {
	return func(yield func(string, V) bool) {
		for key := range c.Scan(ctx) {
			v, ok := c.Get(ctx, key).Value()
			if !ok {
				continue
			}
			if !yield(key, v) {
				return
			}
		}
	}
}

// Values returns the values of every key holding one.
func Values[V any](ctx context.Context, c Cache[V]) []V {
	var values []V
	for _, v := range Items(ctx, c) {
		values = append(values, v)
	}
	return values
}

// Len counts the keys of the namespace, tombstones included. The cost is a
// full namespace scan.
func Len[V any](ctx context.Context, c Cache[V]) int {
	n := 0
	for range c.Scan(ctx) {
		n++
	}
	return n
}

// Contains reports whether key exists, as a value or as a tombstone.
func Contains[V any](ctx context.Context, c Cache[V], key string) bool {
	return c.TTL(ctx, key) != caches.KeyAbsent
}
