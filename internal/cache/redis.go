package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis deletes cached page bodies stored under Prefix+path and announces the
// paths on the Prefix+"invalidate" channel for other replicas.
type Redis struct {
	Client *redis.Client
	Prefix string
	Logger *zap.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedis(opts RedisOptions, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		Client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
			PoolSize: 10,
		}),
		Prefix: opts.Prefix,
		Logger: logger,
	}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) Invalidate(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = r.Prefix + "page:" + p
	}
	pipe := r.Client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.Publish(ctx, r.Prefix+"invalidate", strings.Join(paths, "\n"))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate: %w", err)
	}
	r.Logger.Debug("cache invalidated", zap.Strings("paths", paths))
	return nil
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
