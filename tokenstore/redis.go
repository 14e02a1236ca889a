package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores the token under a namespaced key, for deployments where the
// client runs server-side (a backend-for-frontend) and sessions must survive
// process restarts.
type Redis struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedis stores the token at "<namespace>:storefront_token". ttl of zero
// keeps it until cleared.
func NewRedis(client *redis.Client, namespace string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		key:    redisKey(namespace),
		ttl:    ttl,
	}
}

func (r *Redis) Load(ctx context.Context) (string, error) {
	token, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return token, nil
}

func (r *Redis) Save(ctx context.Context, token string) error {
	if err := r.client.Set(ctx, r.key, token, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func redisKey(namespace string) string {
	if namespace == "" {
		return Key
	}
	return fmt.Sprintf("%s:%s", namespace, Key)
}
