// Package local provides an in-process caches.Backend. It is meant for tests
// and single-process deployments; nothing is shared between processes.
package local

import (
	"bytes"
	"context"
	"iter"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgduncan/modx-cache/caches"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// BasicCache is a map guarded by a RWMutex. Expired entries are evicted when
// a read, write or scan next touches them.
type BasicCache struct {
	cache map[string]entry

	lock sync.RWMutex
	now  func() time.Time
}

// lookup returns the live entry at key and evicts it if it has expired. The
// caller must hold the write lock.
func (bc *BasicCache) lookup(key string) (entry, bool) {
	e, found := bc.cache[key]
	if !found {
		return entry{}, false
	}
	if e.expired(bc.now()) {
		delete(bc.cache, key)
		return entry{}, false
	}
	return e, true
}

// read is lookup for readers: it only takes the write lock to evict.
func (bc *BasicCache) read(key string) (entry, bool) {
	bc.lock.RLock()
	e, found := bc.cache[key]
	bc.lock.RUnlock()

	if !found {
		return entry{}, false
	}
	if e.expired(bc.now()) {
		bc.evict(key)
		return entry{}, false
	}
	return e, true
}

// evict removes the keys that are still expired once the write lock is held.
func (bc *BasicCache) evict(keys ...string) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	for _, key := range keys {
		bc.lookup(key)
	}
}

func (bc *BasicCache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return bc.now().Add(ttl)
}

func (bc *BasicCache) Get(_ context.Context, key string) ([]byte, error) {
	e, found := bc.read(key)
	if !found {
		return nil, caches.ErrNoCacheItem
	}

	return bytes.Clone(e.value), nil
}

func (bc *BasicCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	bc.cache[key] = entry{value: bytes.Clone(value), expiresAt: bc.deadline(ttl)}

	return nil
}

func (bc *BasicCache) Delete(_ context.Context, keys ...string) (int64, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	var removed int64
	for _, key := range keys {
		if _, found := bc.lookup(key); found {
			removed++
		}
		delete(bc.cache, key)
	}

	return removed, nil
}

func (bc *BasicCache) CompareAndDelete(_ context.Context, key string, value []byte) (bool, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	e, found := bc.lookup(key)
	if !found || !bytes.Equal(e.value, value) {
		return false, nil
	}

	delete(bc.cache, key)
	return true, nil
}

func (bc *BasicCache) TTL(_ context.Context, key string) (time.Duration, error) {
	e, found := bc.read(key)
	switch {
	case !found:
		return caches.KeyAbsent, nil
	case e.expiresAt.IsZero():
		return caches.NoExpiry, nil
	default:
		return e.expiresAt.Sub(bc.now()), nil
	}
}

func (bc *BasicCache) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	e, found := bc.lookup(key)
	if !found {
		return false, nil
	}

	if ttl <= 0 {
		// an expiry in the past removes the key, like Redis
		delete(bc.cache, key)
		return true, nil
	}

	e.expiresAt = bc.deadline(ttl)
	bc.cache[key] = e

	return true, nil
}

func (bc *BasicCache) Persist(_ context.Context, key string) (bool, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	e, found := bc.lookup(key)
	if !found || e.expiresAt.IsZero() {
		return false, nil
	}

	e.expiresAt = time.Time{}
	bc.cache[key] = e

	return true, nil
}

func (bc *BasicCache) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	bc.lock.Lock()
	defer bc.lock.Unlock()

	e, found := bc.lookup(key)

	var current int64
	if found {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			return 0, caches.ErrNotInteger
		}
		current = n
	}

	current += delta
	e.value = strconv.AppendInt(nil, current, 10)
	bc.cache[key] = e

	return current, nil
}

func (bc *BasicCache) Scan(_ context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		now := bc.now()

		bc.lock.RLock()
		var keys, expired []string
		for key, e := range bc.cache {
			switch {
			case e.expired(now):
				expired = append(expired, key)
			case strings.HasPrefix(key, prefix):
				keys = append(keys, key)
			}
		}
		bc.lock.RUnlock()

		if len(expired) > 0 {
			bc.evict(expired...)
		}

		slices.Sort(keys)
		for _, key := range keys {
			if !yield(key, nil) {
				return
			}
		}
	}
}

func (bc *BasicCache) Ping(context.Context) error {
	return nil
}

func (bc *BasicCache) Close() error {
	return nil
}

// Len returns the number of stored entries, expired ones included until they
// are evicted.
func (bc *BasicCache) Len() int {
	bc.lock.RLock()
	defer bc.lock.RUnlock()
	return len(bc.cache)
}

func NewBasicCache() *BasicCache {
	return NewBasicCacheWithTimeFunc(time.Now)
}

// NewBasicCacheWithTimeFunc returns a cache that reads the current time from
// now, so tests can move the clock.
func NewBasicCacheWithTimeFunc(now func() time.Time) *BasicCache {
	if now == nil {
		now = time.Now
	}

	return &BasicCache{
		cache: make(map[string]entry),
		lock:  sync.RWMutex{},
		now:   now,
	}
}

var _ caches.Backend = (*BasicCache)(nil)
