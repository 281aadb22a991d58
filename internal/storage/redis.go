package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/igwedaniel/ledgerwatch/internal/config"
	"github.com/igwedaniel/ledgerwatch/internal/types"
	"github.com/sirupsen/logrus"
)

// RedisStorage implements BlockCache using Redis
type RedisStorage struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewRedisStorage creates a new Redis block cache
func NewRedisStorage(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageFromClient(client, cfg.BlockTTL, logger), nil
}

// NewRedisStorageFromClient wraps an existing client
func NewRedisStorageFromClient(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisStorage {
	return &RedisStorage{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func blockKey(network types.Network, number uint64) string {
	return fmt.Sprintf("ledgerwatch:%s:block:%d", network, number)
}

func (r *RedisStorage) SetBlock(ctx context.Context, record *types.BlockRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal block %d: %w", record.Block.Number, err)
	}
	return r.client.Set(ctx, blockKey(record.Network, record.Block.Number), data, r.ttl).Err()
}

func (r *RedisStorage) GetBlock(ctx context.Context, network types.Network, number uint64) (*types.BlockRecord, error) {
	data, err := r.client.Get(ctx, blockKey(network, number)).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var record types.BlockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		r.logger.Warnf("Dropping corrupt cache entry for block %d: %v", number, err)
		_ = r.client.Del(ctx, blockKey(network, number)).Err()
		return nil, ErrCacheMiss
	}
	return &record, nil
}

func (r *RedisStorage) DeleteBlock(ctx context.Context, network types.Network, number uint64) error {
	return r.client.Del(ctx, blockKey(network, number)).Err()
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
