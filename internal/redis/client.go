package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/telehealth-relay/config"
	"github.com/redis/go-redis/v9"
)

const opTimeout = 2 * time.Second

// Connect initializes a Redis client and verifies it with a ping
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

func roomKey(id string) string {
	return "room:" + id
}

func peersKey(id string) string {
	return "room:" + id + ":peers"
}

func codeKey(code string) string {
	return "code:" + code
}
