package sequence

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// RedisCounter backs sequences with Redis INCR, which is atomic across
// server instances.
type RedisCounter struct {
	client goredis.Cmdable
}

func NewRedisCounter(client goredis.Cmdable) *RedisCounter {
	return &RedisCounter{client: client}
}

func (r *RedisCounter) Next(ctx context.Context, scope, prefix string, year int) (int64, error) {
	n, err := r.client.Incr(ctx, key(scope, prefix, year)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return n, nil
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}
