package capabilities

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisMinRetention keeps an entry around even when its expiry has already
// passed at consume time.
const redisMinRetention = time.Minute

// RedisReplayStore uses SET NX with a TTL. Redis expires keys on its own, so
// Prune has nothing to do.
type RedisReplayStore struct {
	client *redis.Client
	prefix string
	clock  func() time.Time
}

// NewRedisReplayStore creates a store backed by Redis.
func NewRedisReplayStore(addr string, password string, db int) *RedisReplayStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisReplayStoreFromClient(rdb)
}

// NewRedisReplayStoreFromClient wraps an existing client.
func NewRedisReplayStoreFromClient(client *redis.Client) *RedisReplayStore {
	return &RedisReplayStore{client: client, prefix: "replay:", clock: time.Now}
}

// Ping checks connectivity.
func (s *RedisReplayStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Consume implements ReplayStore.
func (s *RedisReplayStore) Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	ttl := max(expiresAt.Sub(s.clock()), redisMinRetention)
	ok, err := s.client.SetNX(ctx, s.prefix+id, expiresAt.UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("capabilities: redis consume: %w", err)
	}
	return ok, nil
}

// Prune implements ReplayStore.
func (s *RedisReplayStore) Prune(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Close releases the client.
func (s *RedisReplayStore) Close() error {
	return s.client.Close()
}
