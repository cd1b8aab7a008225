package guard

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore backs counters with a shared Redis instance so rate
// limits and lockouts apply across replicas. Counters carry a TTL equal to
// their window, so Redis reclaims them without an explicit sweep.
type RedisCounterStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCounterStore wraps an existing Redis client.
func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client, prefix: "guard:"}
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	redisKey := s.prefix + key
	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, 0, err
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return 0, 0, err
		}
		return count, window, nil
	}
	ttl, err := s.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return 0, 0, err
	}
	if ttl < 0 {
		// Key lost its TTL (e.g. INCR raced an expiry); re-arm the window.
		_ = s.client.PExpire(ctx, redisKey, window).Err()
		ttl = window
	}
	return count, ttl, nil
}

func (s *RedisCounterStore) Peek(ctx context.Context, key string) (int64, time.Duration, error) {
	redisKey := s.prefix + key
	count, err := s.client.Get(ctx, redisKey).Int64()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	ttl, err := s.client.PTTL(ctx, redisKey).Result()
	if err != nil {
		return 0, 0, err
	}
	if ttl < 0 {
		return 0, 0, nil
	}
	return count, ttl, nil
}

func (s *RedisCounterStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
