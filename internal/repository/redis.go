package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix        = "variantz:assignments:"
	defaultRedisOpTimeout = 500 * time.Millisecond
)

// ConnectRedis parses url, builds a client and checks it answers PING.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisBackend keeps a namespace's fingerprints in a single Redis hash.
type RedisBackend struct {
	client redis.UniversalClient
	key    string
}

func NewRedisBackend(client redis.UniversalClient, namespace string) *RedisBackend {
	return &RedisBackend{client: client, key: redisHashKey(namespace)}
}

func (b *RedisBackend) Entries(ctx context.Context) (map[string]string, error) {
	entries, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", b.key, err)
	}
	return entries, nil
}

func (b *RedisBackend) SetEntries(ctx context.Context, entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	values := make(map[string]any, len(entries))
	for k, v := range entries {
		values[k] = v
	}
	if err := b.client.HSet(ctx, b.key, values).Err(); err != nil {
		return fmt.Errorf("write %s: %w", b.key, err)
	}
	return nil
}

func (b *RedisBackend) Clear(ctx context.Context) error {
	if err := b.client.Del(ctx, b.key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", b.key, err)
	}
	return nil
}

// RedisKeyValue is a synchronous [exposure.KeyValue] over the same hash
// layout as RedisBackend. Each call is bounded by its own timeout.
type RedisKeyValue struct {
	client  redis.UniversalClient
	key     string
	timeout time.Duration
}

func NewRedisKeyValue(client redis.UniversalClient, namespace string, timeout time.Duration) *RedisKeyValue {
	if timeout <= 0 {
		timeout = defaultRedisOpTimeout
	}
	return &RedisKeyValue{client: client, key: redisHashKey(namespace), timeout: timeout}
}

func (kv *RedisKeyValue) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), kv.timeout)
	defer cancel()

	value, err := kv.client.HGet(ctx, kv.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", kv.key, err)
	}
	return value, true, nil
}

func (kv *RedisKeyValue) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), kv.timeout)
	defer cancel()

	if err := kv.client.HSet(ctx, kv.key, key, value).Err(); err != nil {
		return fmt.Errorf("write %s: %w", kv.key, err)
	}
	return nil
}

func (kv *RedisKeyValue) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), kv.timeout)
	defer cancel()

	if err := kv.client.Del(ctx, kv.key).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", kv.key, err)
	}
	return nil
}

func redisHashKey(namespace string) string {
	return redisKeyPrefix + normalizeNamespace(namespace)
}
