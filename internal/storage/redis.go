package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"aibox-memory/internal/config"
	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

// RedisStore implements MemoryStore for the short-term KV tier. Records are
// TTL'd JSON blobs keyed {namespace}:memory:{memory_id}. Search is
// intentionally not supported on this tier and returns empty.
type RedisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	metrics   *StorageMetrics
	logger    logging.Logger
}

// NewRedisStore creates a short-term store from configuration
func NewRedisStore(cfg *config.RedisConfig, logger logging.Logger) *RedisStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		namespace: cfg.Namespace,
		ttl:       cfg.TTL,
		metrics:   NewStorageMetrics(),
		logger:    logger.WithComponent("redis_store"),
	}
}

// NewRedisStoreWithClient wraps an existing client; used by tests
func NewRedisStoreWithClient(client *redis.Client, namespace string, ttl time.Duration, logger logging.Logger) *RedisStore {
	if logger == nil {
		logger = logging.NewNoop()
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		metrics:   NewStorageMetrics(),
		logger:    logger.WithComponent("redis_store"),
	}
}

func (rs *RedisStore) key(id string) string {
	return fmt.Sprintf("%s:memory:%s", rs.namespace, id)
}

// Initialize verifies connectivity
func (rs *RedisStore) Initialize(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		rs.metrics.ConnectionStatus = "error"
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	rs.metrics.ConnectionStatus = "connected"
	return nil
}

// Store saves a memory with the configured TTL
func (rs *RedisStore) Store(ctx context.Context, m *types.Memory) error {
	start := time.Now()
	var err error
	defer func() { rs.metrics.Record("store", start, err) }()

	if err = m.Validate(); err != nil {
		return fmt.Errorf("invalid memory: %w", err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal memory: %w", err)
	}

	if err = rs.client.Set(ctx, rs.key(m.ID), data, rs.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store memory in redis: %w", err)
	}

	rs.logger.Debug("stored short-term memory", "id", m.ID, "ttl", rs.ttl.String())
	return nil
}

// Retrieve fetches a memory by id
func (rs *RedisStore) Retrieve(ctx context.Context, id string) (*types.Memory, error) {
	start := time.Now()
	var err error
	defer func() { rs.metrics.Record("retrieve", start, err) }()

	data, err := rs.client.Get(ctx, rs.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		err = nil
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve memory from redis: %w", err)
	}

	var m types.Memory
	if err = json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal memory: %w", err)
	}
	return &m, nil
}

// Update overwrites an existing memory, refreshing its TTL
func (rs *RedisStore) Update(ctx context.Context, m *types.Memory) error {
	exists, err := rs.client.Exists(ctx, rs.key(m.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check memory existence: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return rs.Store(ctx, m)
}

// Delete removes a memory by id
func (rs *RedisStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	var err error
	defer func() { rs.metrics.Record("delete", start, err) }()

	deleted, err := rs.client.Del(ctx, rs.key(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete memory from redis: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// Search is not supported on the KV tier; callers must use the vector or
// graph adapters. Returns empty by contract.
func (rs *RedisStore) Search(ctx context.Context, query *types.MemoryQuery) ([]*types.Memory, error) {
	rs.logger.Debug("search not supported on short-term tier", "query", query.Query)
	return []*types.Memory{}, nil
}

// HealthCheck pings the server
func (rs *RedisStore) HealthCheck(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		rs.metrics.ConnectionStatus = "error"
		return fmt.Errorf("redis health check failed: %w", err)
	}
	rs.metrics.ConnectionStatus = "healthy"
	return nil
}

// Close closes the underlying client
func (rs *RedisStore) Close() error {
	rs.metrics.ConnectionStatus = "closed"
	return rs.client.Close()
}

// Metrics returns the store's operation metrics
func (rs *RedisStore) Metrics() *StorageMetrics { return rs.metrics }
