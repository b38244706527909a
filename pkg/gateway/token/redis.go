package token

import (
	"context"
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voxly/interview-gateway/pkg/gateway/config"
)

// OpenRedis connects the configured redis backing store. Embedded mode runs
// an in-process miniredis, useful for local development where no real redis
// is available; tokens then do not survive a process restart.
func OpenRedis(ctx context.Context, cfg config.Config) (redis.Cmdable, func(), error) {
	switch cfg.RedisMode {
	case config.RedisModeStandalone:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		return client, func() { _ = client.Close() }, nil

	case config.RedisModeEmbedded:
		srv, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded redis: %w", err)
		}
		client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
		return client, func() {
			_ = client.Close()
			srv.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown redis mode %q", cfg.RedisMode)
	}
}
