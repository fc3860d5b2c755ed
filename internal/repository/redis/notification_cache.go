package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/filaflow/queue-engine/pkg/logger"
)

// NotificationCache suppresses duplicate notifications. It is
// eventually consistent: a false negative re-notifies, which is
// tolerated, and no state transition ever depends on its answers.
type NotificationCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSeen(ctx context.Context, key string, ttl time.Duration) error
}

type redisNotificationCache struct {
	cli *redis.Client
	l   logger.Logger
}

func NewRedisNotificationCache(cli *redis.Client, l logger.Logger) NotificationCache {
	return &redisNotificationCache{
		cli: cli,
		l:   l,
	}
}

func (r *redisNotificationCache) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.cli.Exists(ctx, r.cacheKey(key)).Result()
	if err != nil {
		r.l.Errorf(ctx, "redisNotificationCache.Seen: %v", err)
		return false, err
	}

	return n > 0, nil
}

func (r *redisNotificationCache) MarkSeen(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.cli.SetNX(ctx, r.cacheKey(key), "1", ttl).Err(); err != nil {
		r.l.Errorf(ctx, "redisNotificationCache.MarkSeen: %v", err)
		return err
	}

	return nil
}

func (r *redisNotificationCache) cacheKey(key string) string {
	return fmt.Sprintf("dispatch:notified:%s", key)
}
