package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Cache.Get when the key is absent.
var ErrMiss = errors.New("cache miss")

// Cache is the byte-level read-view cache shared by the balance and
// processor services.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type clientCache struct {
	rdb *redis.Client
}

func NewCache(rdb *redis.Client) Cache {
	return &clientCache{rdb: rdb}
}

func (c *clientCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	return b, err
}

func (c *clientCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

func (c *clientCache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// MemoryCache is an in-process Cache for tests and single-node tooling.
// Expiry is checked on read.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

type memoryItem struct {
	val     []byte
	expires time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memoryItem{}}
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || (!it.expires.IsZero() && time.Now().After(it.expires)) {
		delete(m.items, key)
		return nil, ErrMiss
	}
	return it.val, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := memoryItem{val: append([]byte(nil), val...)}
	if ttl > 0 {
		it.expires = time.Now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

func (m *MemoryCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// Has reports whether key is present and unexpired.
func (m *MemoryCache) Has(key string) bool {
	_, err := m.Get(context.Background(), key)
	return err == nil
}
