package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// memoryCache is an in-process Cache for single-instance runs without Redis
type memoryCache struct {
	store *gocache.Cache
}

// NewMemoryCache creates an in-process cache. Entries without a TTL never
// expire; expired entries are swept every cleanupInterval.
func NewMemoryCache(cleanupInterval time.Duration) Cache {
	return &memoryCache{store: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (m *memoryCache) Get(_ context.Context, key string) (string, error) {
	v, ok := m.store.Get(key)
	if !ok {
		return "", ErrCacheKeyNotFound{Key: key}
	}
	return v.(string), nil
}

func (m *memoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	s, err := stringify(value)
	if err != nil {
		return err
	}
	m.store.Set(key, s, expiry(ttl))
	return nil
}

func (m *memoryCache) Delete(_ context.Context, key string) error {
	m.store.Delete(key)
	return nil
}

func (m *memoryCache) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	s, err := stringify(value)
	if err != nil {
		return false, err
	}
	if err := m.store.Add(key, s, expiry(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *memoryCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}
	return nil
}

func (m *memoryCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	return m.Set(ctx, key, data, ttl)
}

func (m *memoryCache) Close() error {
	m.store.Flush()
	return nil
}

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func stringify(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("unsupported cache value type %T", value)
}
