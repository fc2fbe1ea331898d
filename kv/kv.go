// Package kv defines the key-value backend that persisted session state is
// written to, plus Redis and in-memory implementations.
//
// Backends are opaque string stores with per-key expiry. They are assumed to
// be eventually consistent and to offer no multi-key transactions, so callers
// must not rely on read-your-writes across processes.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidTTL is returned by Put when ttl is not positive.
var ErrInvalidTTL = errors.New("kv: ttl must be positive")

// Backend is an opaque, TTL-expiring key-value store.
type Backend interface {
	// Get returns the value stored at key. found is false if the key does
	// not exist or has expired; err is reserved for backend failures.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Put stores value at key, replacing any previous value and resetting
	// the expiry to ttl from now.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
