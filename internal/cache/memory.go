package cache

import (
	"context"
	"time"

	ttlcache "github.com/jellydator/ttlcache/v3"
)

// MemoryProvider implements Provider with an in-process TTL cache. It is the
// default backend for single-instance deployments; idempotency claims held in
// it do not survive a restart, which at-least-once delivery tolerates.
type MemoryProvider struct {
	items *ttlcache.Cache[string, []byte]
}

// NewMemoryProvider creates a memory cache with the given default TTL.
func NewMemoryProvider(defaultTTL time.Duration) *MemoryProvider {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	items := ttlcache.New(ttlcache.WithTTL[string, []byte](defaultTTL))
	go items.Start()
	return &MemoryProvider{items: items}
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent or expired.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	item := p.items.Get(key)
	if item == nil {
		return nil, ErrCacheMiss
	}
	return item.Value(), nil
}

// Set stores bytes with the provided TTL.
func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.items.Set(key, value, ttlOrDefault(ttl))
	return nil
}

// SetNX stores the value only if the key does not already exist.
func (p *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	_, present := p.items.GetOrSet(key, value, ttlcache.WithTTL[string, []byte](ttlOrDefault(ttl)))
	return !present, nil
}

// Del removes a key.
func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.items.Delete(key)
	return nil
}

// Close stops the background expiration loop.
func (p *MemoryProvider) Close() error {
	p.items.Stop()
	return nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttlcache.DefaultTTL
	}
	return ttl
}
