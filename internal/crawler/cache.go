// Package crawler serializes full-table account crawls across any number of
// worker processes without a central scheduler, using a lease and cursor
// kept in a shared cache.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	activeWorkerKey = "account_database_crawler_cache_active_worker"
	lastUUIDKey     = "account_database_crawler_cache_last_uuid"
	accelerateKey   = "account_database_crawler_cache_accelerate"

	// A stale cursor is worse than a rescan.
	cursorTTL = 24 * time.Hour
)

// unlockScript deletes the lease only while it is still held by the
// releasing worker, so a worker whose lease expired cannot release a lease
// promoted to someone else.
var unlockScript = redis.NewScript(
	`if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`)

// RedisClient is the slice of the Redis API the cache uses. Tests inject
// fakes through it.
type RedisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// LeaseCache is the distributed lease, cursor and accelerate flag shared by
// all workers of one named crawler. Keys are prefixable so independent
// crawlers can share the cache without collisions.
type LeaseCache struct {
	client RedisClient
	prefix string
}

func NewLeaseCache(client RedisClient) *LeaseCache {
	return &LeaseCache{client: client}
}

// WithPrefix returns a cache whose keys are namespaced under the given
// prefix, allowing uses beyond the canonical crawler.
func (c *LeaseCache) WithPrefix(prefix string) *LeaseCache {
	return &LeaseCache{client: c.client, prefix: prefix + "::"}
}

func (c *LeaseCache) key(k string) string {
	return c.prefix + k
}

// ClaimLease atomically takes the lease for workerID if nobody holds it,
// with the given TTL. Returns whether the claim succeeded.
func (c *LeaseCache) ClaimLease(ctx context.Context, workerID string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(activeWorkerKey), workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim lease: %w", err)
	}
	return ok, nil
}

// ReleaseLease drops the lease if it is still held by workerID.
func (c *LeaseCache) ReleaseLease(ctx context.Context, workerID string) error {
	if err := unlockScript.Run(ctx, c.client, []string{c.key(activeWorkerKey)}, workerID).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// GetCursor returns the last successfully processed UUID, or nil meaning
// "start of table".
func (c *LeaseCache) GetCursor(ctx context.Context) (*uuid.UUID, error) {
	s, err := c.client.Get(ctx, c.key(lastUUIDKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cursor: %w", err)
	}

	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse cursor: %w", err)
	}
	return &id, nil
}

// SetCursor persists the last processed UUID; nil resets to start of table.
func (c *LeaseCache) SetCursor(ctx context.Context, id *uuid.UUID) error {
	if id == nil {
		if err := c.client.Del(ctx, c.key(lastUUIDKey)).Err(); err != nil {
			return fmt.Errorf("reset cursor: %w", err)
		}
		return nil
	}
	if err := c.client.Set(ctx, c.key(lastUUIDKey), id.String(), cursorTTL).Err(); err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// SetAccelerated sets or clears the global fast-cadence hint.
func (c *LeaseCache) SetAccelerated(ctx context.Context, accelerated bool) error {
	if accelerated {
		if err := c.client.Set(ctx, c.key(accelerateKey), "1", 0).Err(); err != nil {
			return fmt.Errorf("set accelerate: %w", err)
		}
		return nil
	}
	if err := c.client.Del(ctx, c.key(accelerateKey)).Err(); err != nil {
		return fmt.Errorf("clear accelerate: %w", err)
	}
	return nil
}

// IsAccelerated reports whether someone asked for a faster crawl cadence.
func (c *LeaseCache) IsAccelerated(ctx context.Context) (bool, error) {
	s, err := c.client.Get(ctx, c.key(accelerateKey)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("get accelerate: %w", err)
	}
	return s == "1", nil
}
