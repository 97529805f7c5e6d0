// Package cache defines the counter store used for circuit breaker state and
// alert de-duplication, with an in-process implementation.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotInteger is returned when a stored value cannot be read as a counter.
var ErrNotInteger = errors.New("stored value is not an integer")

// Store is a key/value store of integer counters with per-key expiry.
//
// A ttl of zero means the key never expires. Increment is atomic: the value
// is created at by when the key is absent or expired, and the ttl is applied
// only at creation. Later increments keep the original expiry.
type Store interface {
	Read(ctx context.Context, key string) (int64, bool, error)
	Write(ctx context.Context, key string, value int64, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Increment(ctx context.Context, key string, by int64, ttl time.Duration) (int64, error)
}
