package kv

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Memory is an in-process Backend. It is intended for tests and for
// single-instance deployments where losing sessions on restart is acceptable.
type Memory struct {
	cache *ttlcache.Cache[string, string]
}

// NewMemory returns an empty Memory backend and starts its expiry loop.
// Call Close to stop it.
func NewMemory() *Memory {
	cache := ttlcache.New[string, string](
		// Reads must not extend the lifetime of an entry.
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()
	return &Memory{cache: cache}
}

// Get implements Backend.
func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	item := m.cache.Get(key)
	if item == nil || item.IsExpired() {
		return "", false, nil
	}
	return item.Value(), true, nil
}

// Put implements Backend.
func (m *Memory) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	m.cache.Set(key, value, ttl)
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.cache.Delete(key)
	return nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	return m.cache.Len()
}

// Close stops the expiry loop.
func (m *Memory) Close() {
	m.cache.Stop()
}

var _ Backend = (*Memory)(nil)
