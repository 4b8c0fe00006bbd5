package caches

import "time"

var (
	// DefaultPrefix is the namespace prepended to every logical key.
	DefaultPrefix = "modx:"

	// DefaultTTL is the expiry applied by Set when no explicit TTL is given.
	DefaultTTL = time.Hour

	// DefaultNegativeTTL is how long a tombstone guards a known-absent key.
	DefaultNegativeTTL = time.Minute

	// DefaultExpiredTaskTimer is the default duration of the expired task timer
	DefaultExpiredTaskTimer = 10 * time.Minute
)

// TTL sentinels returned by Backend.TTL, matching the Redis TTL command.
const (
	// NoExpiry reports a live key that has no associated expiry.
	NoExpiry time.Duration = -1

	// KeyAbsent reports a key that does not exist (or has already expired).
	KeyAbsent time.Duration = -2
)
