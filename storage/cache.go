package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"board-api/domain"
)

type taskLister interface {
	ListTasksByColumn(ctx context.Context, columnID string) ([]domain.Task, error)
}

// Cache wraps the catch-up read path with Redis-backed caching of
// per-column task lists. Mutation paths never read through the cache; the
// engine evicts affected columns after each accepted mutation.
type Cache struct {
	base  taskLister
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching read wrapper using the provided Redis client
// and TTL.
func NewCache(base taskLister, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasksByColumn(ctx context.Context, columnID string) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, columnID); ok {
		return tasks, nil
	}

	tasks, err := c.base.ListTasksByColumn(ctx, columnID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, columnID, tasks)
	return tasks, nil
}

// Evict drops the cached lists for the given columns. Called by the engine
// after every accepted mutation touching them.
func (c *Cache) Evict(ctx context.Context, columnIDs ...string) {
	if c.redis == nil || len(columnIDs) == 0 {
		return
	}
	keys := make([]string, len(columnIDs))
	for i, id := range columnIDs {
		keys[i] = columnCacheKey(id)
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

func (c *Cache) loadFromCache(ctx context.Context, columnID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, columnCacheKey(columnID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, columnCacheKey(columnID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, columnCacheKey(columnID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, columnID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, columnCacheKey(columnID), data, c.ttl).Err()
}

func columnCacheKey(columnID string) string {
	return "column-tasks:" + columnID
}
