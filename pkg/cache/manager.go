package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the forecast is not cached or has gone stale.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates a stored entry that cannot be decoded or
	// belongs to another municipality than its key.
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Manager stores stage-2 forecast bodies in Redis, one key per municipality
// and forecast date. Redis expires entries on its own; Get also rejects
// entries whose Expires has passed.
type Manager struct {
	redis redis.Cmdable
}

// NewManager wraps a Redis client. It panics on nil.
func NewManager(rdb redis.Cmdable) *Manager {
	if rdb == nil {
		panic("cache: nil redis client")
	}
	return &Manager{redis: rdb}
}

// Get returns the cached forecast for key, or ErrCacheMiss.
func (m *Manager) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	data, err := m.redis.Get(ctx, key.String()).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	case err != nil:
		return nil, m.fail("get", key, err)
	}

	entry := new(CacheEntry)
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, m.fail("get", key, fmt.Errorf("%w: %v", ErrInvalidEntry, err))
	}
	if entry.MunicipalityID != "" && entry.MunicipalityID != key.MunicipalityID {
		return nil, m.fail("get", key, fmt.Errorf("%w: holds municipality %s", ErrInvalidEntry, entry.MunicipalityID))
	}

	if entry.IsExpired() {
		// Redis normally drops these first; clear a straggler.
		_ = m.Delete(ctx, key)
		CacheMisses.Inc()
		return nil, ErrCacheMiss
	}

	CacheHits.WithLabelValues("redis").Inc()
	CacheSize.WithLabelValues("redis").Add(float64(len(data)))
	return entry, nil
}

// Set stores entry under key until entry.Expires. Entries that are already
// stale are skipped. An entry without a municipality takes the key's.
func (m *Manager) Set(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache set %s: nil entry", key)
	}

	ttl := entry.TTL()
	if ttl <= 0 {
		return nil
	}

	switch entry.MunicipalityID {
	case "":
		entry.MunicipalityID = key.MunicipalityID
	case key.MunicipalityID:
	default:
		return m.fail("set", key, fmt.Errorf("%w: holds municipality %s", ErrInvalidEntry, entry.MunicipalityID))
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return m.fail("set", key, err)
	}
	if err := m.redis.Set(ctx, key.String(), data, ttl).Err(); err != nil {
		return m.fail("set", key, err)
	}

	CacheSize.WithLabelValues("redis").Add(float64(len(data)))
	return nil
}

// Delete drops the entry for key. Deleting a missing key is not an error.
func (m *Manager) Delete(ctx context.Context, key CacheKey) error {
	if err := m.redis.Del(ctx, key.String()).Err(); err != nil {
		return m.fail("delete", key, err)
	}
	return nil
}

// Purge removes every forecast entry and returns how many keys were deleted.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		deleted int
	)

	for {
		keys, next, err := m.redis.Scan(ctx, cursor, KeyPrefix+":*", 100).Result()
		if err != nil {
			CacheErrors.WithLabelValues("delete").Inc()
			return deleted, fmt.Errorf("cache purge: scan: %w", err)
		}

		if len(keys) > 0 {
			n, err := m.redis.Del(ctx, keys...).Result()
			if err != nil {
				CacheErrors.WithLabelValues("delete").Inc()
				return deleted, fmt.Errorf("cache purge: del: %w", err)
			}
			deleted += int(n)
		}

		if cursor = next; cursor == 0 {
			return deleted, nil
		}
	}
}

func (m *Manager) fail(op string, key CacheKey, err error) error {
	CacheErrors.WithLabelValues(op).Inc()
	return fmt.Errorf("cache %s %s: %w", op, key, err)
}
