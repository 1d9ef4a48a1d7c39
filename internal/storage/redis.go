package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"flux-lora-bridge/internal/config"
	"flux-lora-bridge/internal/models"
)

// RedisStore keeps the mapping in one hash: field = source URL, value = JSON entry.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	key := cfg.Key
	if key == "" {
		key = "fluxbridge:lora_mapping"
	}
	return &RedisStore{client: client, key: key}, nil
}

func (s *RedisStore) Load(ctx context.Context) (map[string]models.MappingEntry, error) {
	values, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load mapping from redis: %w", err)
	}

	mapping := make(map[string]models.MappingEntry, len(values))
	for url, raw := range values {
		var entry models.MappingEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			slog.Warn("skipping unreadable mapping entry", "component", "redis", "url", url, "error", err)
			continue
		}
		mapping[url] = entry
	}
	return mapping, nil
}

// Merge uses HSETNX so concurrent writers never overwrite an existing entry.
func (s *RedisStore) Merge(ctx context.Context, entries map[string]models.MappingEntry) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	for url, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal mapping entry: %w", err)
		}
		pipe.HSetNX(ctx, s.key, url, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store mapping in redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
