package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"notification-engine/internal/common/config"
	"notification-engine/internal/common/logger"
)

// RedisClient wraps the redis connection used for dispatch idempotency marks
// and webhook deduplication.
type RedisClient struct {
	Client *redis.Client
	config *config.RedisConfig
	logger logger.Logger
}

func NewRedisClient(cfg *config.RedisConfig, log logger.Logger) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("Connected to Redis", map[string]interface{}{
		"address": cfg.Address,
		"db":      cfg.DB,
	})

	return &RedisClient{
		Client: client,
		config: cfg,
		logger: log,
	}, nil
}

func (c *RedisClient) Close() error {
	if c.Client != nil {
		return c.Client.Close()
	}
	return nil
}

// SetNX marks a key if absent. Returns true when this caller won the mark.
func (c *RedisClient) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return c.Client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisClient) Delete(ctx context.Context, keys ...string) error {
	return c.Client.Del(ctx, keys...).Err()
}

func (c *RedisClient) HealthCheck(ctx context.Context) map[string]interface{} {
	status := map[string]interface{}{
		"status": "healthy",
	}
	if err := c.Client.Ping(ctx).Err(); err != nil {
		status["status"] = "unhealthy"
		status["error"] = err.Error()
	}
	return status
}
