package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCounter は複数プロセスで共有できるRedisバックエンドのカウンタです。
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter は RedisCounter を作成します。
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Incr はINCRとEXPIREを1パイプラインで実行し、増加後の値を返します。
func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// DeletePrefix はプレフィックスに一致するキーを走査して削除します。
func (c *RedisCounter) DeletePrefix(ctx context.Context, prefix string) error {
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close はRedis接続を閉じます。
func (c *RedisCounter) Close() error {
	return c.rdb.Close()
}
