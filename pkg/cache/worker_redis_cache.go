// Package cache wraps a go-redis client with the small key/value surface the
// adapters need.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("cache: miss")

// RedisCache is a Redis-backed key/value cache.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a cache whose keys are all prefixed with prefix.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Key returns the namespaced key.
func (c *RedisCache) Key(key string) string {
	return c.prefix + key
}

// Client exposes the underlying client for callers that need raw commands.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	v, err := c.client.Get(ctx, c.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return v, err
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, c.Key(key), value, ttl).Err()
}

// SetNX stores value only when key is absent and reports whether it did.
func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.Key(key), value, ttl).Result()
}

// Delete removes keys; missing keys are ignored.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	return c.client.Del(ctx, full...).Err()
}

// DeleteIfEquals removes key only while it still holds value.
func (c *RedisCache) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.client, []string{c.Key(key)}, value).Int64()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.Key(key)).Result()
	return n > 0, err
}

// GetJSON decodes the stored value into dest. It reports false on a miss.
func (c *RedisCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.client.Get(ctx, c.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RedisCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.Key(key), data, ttl).Err()
}

// GetMulti returns the values of the keys that exist, keyed without prefix.
func (c *RedisCache) GetMulti(ctx context.Context, keys ...string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.Key(k)
	}
	values, err := c.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			result[keys[i]] = s
		}
	}
	return result, nil
}
