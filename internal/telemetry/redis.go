package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/gopp/internal/stats"
)

// RedisClient publishes the prover's latest snapshot for fleet dashboards,
// mirroring how pool-side services cache per-miner hashrate.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient creates a Redis client from a redis:// URL and verifies
// connectivity
func NewRedisClient(url string) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *RedisClient) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetSnapshot stores the latest snapshot under the worker's key. The TTL
// lets dashboards age out provers that stop reporting.
func (c *RedisClient) SetSnapshot(ctx context.Context, worker string, snap stats.Snapshot, ttl time.Duration) error {
	jsonData, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := fmt.Sprintf("prover:snapshot:%s", worker)
	if err := c.rdb.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}
	return nil
}

// SetProofRate stores the worker's current proofs-per-minute rate
func (c *RedisClient) SetProofRate(ctx context.Context, worker string, rate float64, ttl time.Duration) error {
	key := fmt.Sprintf("prover:rate:%s", worker)
	if err := c.rdb.Set(ctx, key, rate, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set proof rate: %w", err)
	}
	return nil
}
