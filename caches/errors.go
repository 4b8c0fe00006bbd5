package caches

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of cache failed for reason : %s ", ve.Reason)
}

var (
	ErrNoCacheItem = errors.New("no value found in cache")

	// ErrPingFailed is joined with the driver error when a backend cannot
	// reach its store at construction.
	ErrPingFailed = errors.New("cache store ping failed")

	// ErrIntegrity is returned by Codec.Decode when a payload is truncated,
	// fails MAC verification or cannot be decoded.
	ErrIntegrity = errors.New("cache payload failed integrity check")

	// ErrNotInteger is returned by Backend.IncrBy when the stored value is not
	// a base-10 integer.
	ErrNotInteger = errors.New("cache value is not an integer")
)
