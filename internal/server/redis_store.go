package server

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisAttemptStore counts per-key attempts in Redis so the admin limit
// holds across replicas. The first increment in a window sets the expiry;
// the TTL doubles as the Retry-After hint.
type redisAttemptStore struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisAttemptStore(addr, password string, timeout time.Duration) *redisAttemptStore {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return &redisAttemptStore{client: client, timeout: timeout}
}

func (s *redisAttemptStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}
	return false, ttl, nil
}
