package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Atomic check-and-set; a missing key reads as false and never matches.
var compareAndSwapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisStore struct {
	client redis.UniversalClient
	logger *logrus.Logger
}

func NewRedisStore(client redis.UniversalClient, logger *logrus.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
	}
}

// Get retrieves the raw value stored under key
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to get credential from Redis")
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return val, nil
}

// Set stores value under key with its own expiry
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, clampTTL(ttl)).Err(); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to store credential in Redis")
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) error {
	ttlMillis := clampTTL(ttl).Milliseconds()
	swapped, err := compareAndSwapScript.Run(ctx, s.client, []string{key}, old, value, ttlMillis).Int()
	if err != nil {
		s.logger.WithError(err).WithField("key", key).Error("Failed to swap credential in Redis")
		return fmt.Errorf("failed to swap credential: %w", err)
	}
	if swapped == 0 {
		return ErrConflict
	}
	return nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key string, old []byte) error {
	deleted, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, old).Int()
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if deleted == 0 {
		return ErrConflict
	}
	return nil
}
