package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCache{Client: redis.NewClient(opt), TTL: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, postID string) (Entry, bool, error) {
	val, err := c.Client.Get(ctx, key(postID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (c *RedisCache) Set(ctx context.Context, postID string, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, key(postID), b, c.TTL).Err()
}

func (c *RedisCache) Delete(ctx context.Context, postID string) error {
	return c.Client.Del(ctx, key(postID)).Err()
}

// Ping backs the readiness probe.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.Client.Close()
}
