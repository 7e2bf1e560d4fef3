package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKeyPrefix namespaces log entries in Redis.
const RedisKeyPrefix = "programrules:notification-log"

// RedisLogStore is a LogStore backed by Redis. Entries are stored as JSON
// strings; Insert relies on SETNX for atomicity.
type RedisLogStore struct {
	client *redis.Client
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(initCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewRedisLogStore wraps an existing client.
func NewRedisLogStore(client *redis.Client) *RedisLogStore {
	return &RedisLogStore{client: client}
}

func redisKey(key string) string {
	return fmt.Sprintf("%s:%s", RedisKeyPrefix, key)
}

func (s *RedisLogStore) Get(ctx context.Context, key string) (*LogEntry, error) {
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrLogEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification log entry %q: %w", key, err)
	}

	var entry LogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("corrupt notification log entry %q: %w", key, err)
	}
	return &entry, nil
}

func (s *RedisLogStore) Insert(ctx context.Context, entry LogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode notification log entry: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisKey(entry.Key), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to insert notification log entry %q: %w", entry.Key, err)
	}
	if !ok {
		return ErrDuplicateKey
	}
	return nil
}

func (s *RedisLogStore) Upsert(ctx context.Context, entry LogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode notification log entry: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(entry.Key), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to save notification log entry %q: %w", entry.Key, err)
	}
	return nil
}

func (s *RedisLogStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete notification log entry %q: %w", key, err)
	}
	return nil
}
