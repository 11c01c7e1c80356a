package memory

import (
	"context"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/crewforge/crewforge/core"
)

// RedisStorage implements core.StoragePort over a Redis connection, keeping
// long-term memory shared across processes. Keys are prefixed so multiple
// crews can share one Redis database.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage connects to the given redis:// URL.
func NewRedisStorage(redisURL, prefix string) (*RedisStorage, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, core.NewFrameworkError("memory.NewRedisStorage", core.KindConfiguration, err)
	}
	if prefix == "" {
		prefix = core.DefaultRedisKeyPrefix
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, core.NewFrameworkError("memory.NewRedisStorage", core.KindNetwork, err)
	}
	return &RedisStorage{client: client, prefix: prefix}, nil
}

func (s *RedisStorage) fullKey(key string) string { return s.prefix + key }

func (s *RedisStorage) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.fullKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", core.NewFrameworkError("memory.RedisStorage.Get", core.KindMemory, err).WithID(key)
	}
	return val, nil
}

func (s *RedisStorage) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.fullKey(key), value, ttl).Err(); err != nil {
		return core.NewFrameworkError("memory.RedisStorage.Set", core.KindMemory, err).WithID(key)
	}
	return nil
}

func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.fullKey(key)).Err(); err != nil {
		return core.NewFrameworkError("memory.RedisStorage.Delete", core.KindMemory, err).WithID(key)
	}
	return nil
}

func (s *RedisStorage) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.fullKey(key)).Result()
	if err != nil {
		return false, core.NewFrameworkError("memory.RedisStorage.Exists", core.KindMemory, err).WithID(key)
	}
	return n > 0, nil
}

// Scan walks the keyspace with SCAN rather than KEYS so a large memory
// namespace does not block Redis.
func (s *RedisStorage) Scan(ctx context.Context, prefix string) ([]string, error) {
	pattern := s.fullKey(prefix) + "*"
	keys := make([]string, 0)
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, core.NewFrameworkError("memory.RedisStorage.Scan", core.KindMemory, err)
	}
	return keys, nil
}

// Close releases the underlying connection.
func (s *RedisStorage) Close() error { return s.client.Close() }

var _ core.StoragePort = (*RedisStorage)(nil)
