package db

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/resumevault/backend/internal/config"
)

// ConnectRedis opens a redis client and verifies connectivity.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}
