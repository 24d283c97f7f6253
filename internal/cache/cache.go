// Package cache provides an optional Redis-backed read cache for quota
// lookups. Entries are written inside the ledger's per-user critical
// section, so a cached value can only ever trail the store by an in-flight
// operation on the same user.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache provides quota caching using Redis
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a new cache instance and verifies the connection
func New(host string, port int, password string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = time.Hour
	}

	return &Cache{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func quotaKey(userID string) string {
	return fmt.Sprintf("quota:%s", userID)
}

// SetQuota caches the remaining quota for a user
func (c *Cache) SetQuota(ctx context.Context, userID string, quota int) error {
	return c.client.Set(ctx, quotaKey(userID), quota, c.ttl).Err()
}

// GetQuota retrieves the cached quota for a user. The second return value
// reports whether the lookup was a hit.
func (c *Cache) GetQuota(ctx context.Context, userID string) (int, bool, error) {
	quota, err := c.client.Get(ctx, quotaKey(userID)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil // Cache miss
		}
		return 0, false, fmt.Errorf("failed to get quota from cache: %w", err)
	}
	return quota, true, nil
}

// InvalidateUser removes a user's cached quota
func (c *Cache) InvalidateUser(ctx context.Context, userID string) error {
	return c.client.Del(ctx, quotaKey(userID)).Err()
}
