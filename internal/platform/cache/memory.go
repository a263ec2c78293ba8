package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore is an in-process Store. Entries expire after their ttl, or the
// default ttl when zero is passed.
type MemoryStore struct {
	c *ttlcache.Cache[string, []byte]
}

func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	c := ttlcache.New[string, []byte](
		ttlcache.WithTTL[string, []byte](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go c.Start()
	return &MemoryStore{c: c}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	item := m.c.Get(key)
	if item == nil || item.IsExpired() {
		return nil, ErrMiss
	}
	return item.Value(), nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.DefaultTTL
	}
	m.c.Set(key, value, ttl)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.c.Delete(k)
	}
	return nil
}

// Close stops the expiry loop.
func (m *MemoryStore) Close() {
	m.c.Stop()
}
