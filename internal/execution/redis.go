package execution

import (
	"context"
	"fmt"

	"council/internal/config"

	"github.com/redis/go-redis/v9"
)

type listPusher interface {
	LPush(ctx context.Context, key string, values ...any) *redis.IntCmd
}

// RedisQueue 把决策 LPUSH 到列表，执行方以 BRPOP 消费。
type RedisQueue struct {
	client listPusher
	closer func() error
	key    string
}

func NewRedisQueue(cfg config.RedisConfig) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisQueue{client: client, closer: client.Close, key: cfg.Key}
}

func (r *RedisQueue) Name() string { return "redis" }

func (r *RedisQueue) Deliver(ctx context.Context, env Envelope) error {
	value, err := env.payload()
	if err != nil {
		return err
	}
	if err := r.client.LPush(ctx, r.key, value).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", r.key, err)
	}
	return nil
}

func (r *RedisQueue) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
