package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares windows between instances. The key expiry is the window.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "ratelimit"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) Take(ctx context.Context, key string, max int, window time.Duration, now time.Time) (Window, error) {
	key = s.keyPrefix + ":" + key

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return Window{}, err
	}

	// Set expiration on first request
	if count == 1 {
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return Window{}, err
		}
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return Window{}, err
	}
	if ttl < 0 {
		// Lost the expiry (crash between INCR and PEXPIRE); start over.
		if err := s.client.PExpire(ctx, key, window).Err(); err != nil {
			return Window{}, err
		}
		ttl = window
	}

	return Window{
		Count:   int(count),
		Start:   now.Add(ttl - window),
		Allowed: count <= int64(max),
	}, nil
}
