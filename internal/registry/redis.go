package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig selects the Redis server backing a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key. Default "mcplink:".
	Prefix string
}

// RedisStore keeps configs in a single Redis hash keyed by server name,
// so several mcplink processes can share one server list.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mcplink:"
	}
	return &RedisStore{client: client, key: prefix + "servers"}
}

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Save(ctx context.Context, cfg ServerConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode server %s: %w", cfg.Name, err)
	}
	if err := s.client.HSet(ctx, s.key, cfg.Name, data).Err(); err != nil {
		return fmt.Errorf("save server %s: %w", cfg.Name, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.client.HDel(ctx, s.key, name).Err(); err != nil {
		return fmt.Errorf("delete server %s: %w", name, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, name string) (ServerConfig, bool, error) {
	raw, err := s.client.HGet(ctx, s.key, name).Result()
	if errors.Is(err, redis.Nil) {
		return ServerConfig{}, false, nil
	}
	if err != nil {
		return ServerConfig{}, false, fmt.Errorf("get server %s: %w", name, err)
	}
	var cfg ServerConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return ServerConfig{}, false, fmt.Errorf("decode server %s: %w", name, err)
	}
	return cfg, true, nil
}

func (s *RedisStore) List(ctx context.Context) ([]ServerConfig, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return decodeConfigs(entries)
}
