package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"pm_chat/internal/config"
)

type (
	RedisService struct {
		rdb *redis.Client
	}
)

func NewRedis(rdb *redis.Client) *RedisService {
	return &RedisService{
		rdb: rdb,
	}
}

// Connect dials the configured server and checks it answers.
func Connect(ctx context.Context, c config.RedisConfig) (*RedisService, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return NewRedis(rdb), nil
}

func (r *RedisService) RPush(ctx context.Context, key string, value ...any) error {
	return r.rdb.RPush(ctx, key, value...).Err()
}

// BLPop waits up to timeout for the head of key. It returns "" and no error
// when nothing arrived.
func (r *RedisService) BLPop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	vals, err := r.rdb.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return vals[1], nil
}

func (r *RedisService) LLen(ctx context.Context, key string) (int64, error) {
	return r.rdb.LLen(ctx, key).Result()
}

func (r *RedisService) Close() error {
	return r.rdb.Close()
}
