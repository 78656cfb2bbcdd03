package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/eventstore/internal/domain"
)

const snapshotKeyPrefix = "eventstore:snapshot:"

// storeIfNewer keeps the highest version under the key. Older versions never
// replace a newer cached snapshot.
var storeIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[1], 'data', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// SnapshotCache is a write-through, read-through cache of the latest snapshot
// per aggregate in front of another domain.SnapshotRepository. Cache failures
// are logged and never fail the call.
type SnapshotCache struct {
	client *redis.Client
	next   domain.SnapshotRepository
	ttl    time.Duration
	logger *slog.Logger
}

// NewSnapshotCache wraps next with a Redis cache.
func NewSnapshotCache(client *redis.Client, next domain.SnapshotRepository, ttl time.Duration, logger *slog.Logger) *SnapshotCache {
	return &SnapshotCache{
		client: client,
		next:   next,
		ttl:    ttl,
		logger: logger.With("component", "snapshot_cache"),
	}
}

// NewClient parses a redis:// URL and checks connectivity.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func snapshotKey(aggregateType, aggregateID string) string {
	return snapshotKeyPrefix + aggregateType + ":" + aggregateID
}

func (c *SnapshotCache) UpsertSnapshot(ctx context.Context, s domain.AggregateSnapshot) (domain.AggregateSnapshot, error) {
	stored, err := c.next.UpsertSnapshot(ctx, s)
	if err != nil {
		return stored, err
	}
	c.store(ctx, stored)
	return stored, nil
}

func (c *SnapshotCache) LatestSnapshot(ctx context.Context, aggregateType, aggregateID string) (domain.AggregateSnapshot, error) {
	key := snapshotKey(aggregateType, aggregateID)
	data, err := c.client.HGet(ctx, key, "data").Bytes()
	switch {
	case err == nil:
		var s domain.AggregateSnapshot
		if err := json.Unmarshal(data, &s); err == nil {
			return s, nil
		}
		c.logger.Warn("Discarding undecodable cached snapshot", "key", key)
		c.client.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("Snapshot cache read failed, falling back to storage", "key", key, "error", err)
	}

	s, err := c.next.LatestSnapshot(ctx, aggregateType, aggregateID)
	if err != nil {
		return s, err
	}
	c.store(ctx, s)
	return s, nil
}

func (c *SnapshotCache) store(ctx context.Context, s domain.AggregateSnapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		c.logger.Warn("Failed to encode snapshot for cache", "error", err)
		return
	}
	key := snapshotKey(s.AggregateType, s.AggregateID)
	args := []any{strconv.FormatInt(s.AggregateVersion, 10), data, c.ttl.Milliseconds()}
	if err := storeIfNewer.Run(ctx, c.client, []string{key}, args...).Err(); err != nil {
		c.logger.Warn("Failed to cache snapshot", "key", key, "error", err)
	}
}
