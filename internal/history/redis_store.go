package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

// RedisStore keeps session logs in Redis lists. The live key is
// {namespace}:{session_id}:messages; archives move to
// {namespace}:{session_id}:archive:{ts}. A sorted set tracks last-touch per
// session for expiry sweeps.
type RedisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    logging.Logger

	now func() time.Time
}

// NewRedisStore creates a Redis-backed history store
func NewRedisStore(client *redis.Client, namespace string, ttl time.Duration, logger logging.Logger) *RedisStore {
	if namespace == "" {
		namespace = "history"
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		logger:    logger.WithComponent("history_redis"),
		now:       time.Now,
	}
}

func (rs *RedisStore) messagesKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:messages", rs.namespace, sessionID)
}

func (rs *RedisStore) sessionsKey() string {
	return fmt.Sprintf("%s:sessions", rs.namespace)
}

// Record appends a message and refreshes the session TTL
func (rs *RedisStore) Record(ctx context.Context, sessionID string, role types.MessageRole, content string, metadata map[string]interface{}) (*types.ContextMessage, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	key := rs.messagesKey(sessionID)

	var prev time.Time
	if last, err := rs.client.LIndex(ctx, key, -1).Bytes(); err == nil {
		var lastMsg types.ContextMessage
		if json.Unmarshal(last, &lastMsg) == nil {
			prev = lastMsg.Timestamp
		}
	}

	msg := newMessage(role, content, metadata, prev)
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	now := rs.now().UTC()
	pipe := rs.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, rs.ttl)
	pipe.ZAdd(ctx, rs.sessionsKey(), redis.Z{Score: float64(now.Unix()), Member: sessionID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to record message: %w", err)
	}
	return &msg, nil
}

func (rs *RedisStore) loadMessages(ctx context.Context, sessionID string) ([]types.ContextMessage, error) {
	raw, err := rs.client.LRange(ctx, rs.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session messages: %w", err)
	}
	messages := make([]types.ContextMessage, 0, len(raw))
	for _, item := range raw {
		var msg types.ContextMessage
		if json.Unmarshal([]byte(item), &msg) == nil {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

// GetHistory returns the newest messages up to limit, oldest first
func (rs *RedisStore) GetHistory(ctx context.Context, sessionID string, limit int, roleFilter types.MessageRole) ([]types.ContextMessage, error) {
	messages, err := rs.loadMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return tailWithRole(messages, limit, roleFilter), nil
}

// GetConversationContext returns LLM-ready turns
func (rs *RedisStore) GetConversationContext(ctx context.Context, sessionID string, limit int) ([]map[string]string, error) {
	messages, err := rs.GetHistory(ctx, sessionID, limit, "")
	if err != nil {
		return nil, err
	}
	return toConversation(messages), nil
}

// DeleteMessages removes matching messages by rewriting the list
func (rs *RedisStore) DeleteMessages(ctx context.Context, sessionID string, filter *Filter) (int, error) {
	messages, err := rs.loadMessages(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if filter == nil {
		filter = &Filter{}
	}

	kept := make([]interface{}, 0, len(messages))
	deleted := 0
	for _, msg := range messages {
		if filter.matches(&msg) {
			deleted++
			continue
		}
		data, merr := json.Marshal(msg)
		if merr != nil {
			continue
		}
		kept = append(kept, data)
	}
	if deleted == 0 {
		return 0, nil
	}

	key := rs.messagesKey(sessionID)
	pipe := rs.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(kept) > 0 {
		pipe.RPush(ctx, key, kept...)
		pipe.Expire(ctx, key, rs.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to rewrite session messages: %w", err)
	}
	return deleted, nil
}

// ArchiveSession renames the live list to an archive key
func (rs *RedisStore) ArchiveSession(ctx context.Context, sessionID string) (string, error) {
	key := rs.messagesKey(sessionID)
	exists, err := rs.client.Exists(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return "", fmt.Errorf("session not found: %s", sessionID)
	}

	archiveKey := fmt.Sprintf("%s:%s:archive:%d", rs.namespace, sessionID, rs.now().UTC().Unix())
	pipe := rs.client.TxPipeline()
	pipe.Rename(ctx, key, archiveKey)
	pipe.Persist(ctx, archiveKey)
	pipe.ZRem(ctx, rs.sessionsKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to archive session: %w", err)
	}
	return archiveKey, nil
}

// CleanupExpiredSessions sweeps sessions whose last touch is older than the
// TTL. Live keys also expire on their own; this keeps the index tidy.
func (rs *RedisStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	cutoff := rs.now().UTC().Add(-rs.ttl).Unix()
	expired, err := rs.client.ZRangeByScore(ctx, rs.sessionsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	pipe := rs.client.TxPipeline()
	for _, sessionID := range expired {
		pipe.Del(ctx, rs.messagesKey(sessionID))
		pipe.ZRem(ctx, rs.sessionsKey(), sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	rs.logger.Info("expired sessions cleaned", "count", len(expired))
	return len(expired), nil
}
