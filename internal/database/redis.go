package database

import (
	"context"
	"fmt"

	"github.com/prudhvinik1/mealstock/internal/logger"
	"github.com/redis/go-redis/v9"
)

func NewRedisClient(ctx context.Context, redisURL string, log logger.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error pinging redis: %w", err)
	}

	log.Info("redis client created", map[string]interface{}{"addr": opts.Addr, "db": opts.DB})
	return client, nil
}
