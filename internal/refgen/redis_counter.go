package refgen

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// incrementer is the slice of the go-redis client the counter needs.
type incrementer interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// RedisCounter keeps one INCR key per prefix and year.
type RedisCounter struct {
	rdb    incrementer
	prefix string
}

var _ Counter = (*RedisCounter)(nil)

// NewRedisCounter returns a counter backed by rdb. The client is owned by the caller.
func NewRedisCounter(rdb redis.UniversalClient, prefix string) *RedisCounter {
	return newRedisCounter(rdb, prefix)
}

func newRedisCounter(rdb incrementer, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCounter{rdb: rdb, prefix: prefix}
}

// Key returns the Redis key holding the sequence for year.
func (c *RedisCounter) Key(year int) string {
	return fmt.Sprintf("vigil:refseq:%s:%d", c.prefix, year)
}

func (c *RedisCounter) Next(ctx context.Context, year int) (int64, error) {
	n, err := c.rdb.Incr(ctx, c.Key(year)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", c.Key(year), err)
	}
	return n, nil
}
