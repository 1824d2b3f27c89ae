package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

// MemoryStore keeps session logs in process. Suitable for single-worker
// deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	archives map[string][]types.ContextMessage
	ttl      time.Duration
	logger   logging.Logger

	now func() time.Time
}

type memorySession struct {
	messages  []types.ContextMessage
	lastTouch time.Time
}

// NewMemoryStore creates an in-process history store
func NewMemoryStore(ttl time.Duration, logger logging.Logger) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		archives: make(map[string][]types.ContextMessage),
		ttl:      ttl,
		logger:   logger.WithComponent("history_memory"),
		now:      time.Now,
	}
}

// Record appends a message to the session
func (ms *MemoryStore) Record(_ context.Context, sessionID string, role types.MessageRole, content string, metadata map[string]interface{}) (*types.ContextMessage, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	session, ok := ms.sessions[sessionID]
	if !ok {
		session = &memorySession{}
		ms.sessions[sessionID] = session
	}

	var prev time.Time
	if n := len(session.messages); n > 0 {
		prev = session.messages[n-1].Timestamp
	}
	msg := newMessage(role, content, metadata, prev)
	session.messages = append(session.messages, msg)
	session.lastTouch = ms.now().UTC()
	return &msg, nil
}

// GetHistory returns the newest messages up to limit, oldest first
func (ms *MemoryStore) GetHistory(_ context.Context, sessionID string, limit int, roleFilter types.MessageRole) ([]types.ContextMessage, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	session, ok := ms.sessions[sessionID]
	if !ok {
		return []types.ContextMessage{}, nil
	}
	return tailWithRole(session.messages, limit, roleFilter), nil
}

// GetConversationContext returns LLM-ready turns
func (ms *MemoryStore) GetConversationContext(ctx context.Context, sessionID string, limit int) ([]map[string]string, error) {
	messages, err := ms.GetHistory(ctx, sessionID, limit, "")
	if err != nil {
		return nil, err
	}
	return toConversation(messages), nil
}

// DeleteMessages removes matching messages, returning the count
func (ms *MemoryStore) DeleteMessages(_ context.Context, sessionID string, filter *Filter) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	session, ok := ms.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	if filter == nil {
		filter = &Filter{}
	}

	kept := session.messages[:0]
	deleted := 0
	for _, msg := range session.messages {
		if filter.matches(&msg) {
			deleted++
			continue
		}
		kept = append(kept, msg)
	}
	session.messages = kept
	return deleted, nil
}

// ArchiveSession moves the session's messages to an archive key
func (ms *MemoryStore) ArchiveSession(_ context.Context, sessionID string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	session, ok := ms.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("session not found: %s", sessionID)
	}

	archiveKey := fmt.Sprintf("%s:archive:%d", sessionID, ms.now().UTC().Unix())
	ms.archives[archiveKey] = session.messages
	delete(ms.sessions, sessionID)
	return archiveKey, nil
}

// ArchivedMessages returns an archived list by key
func (ms *MemoryStore) ArchivedMessages(archiveKey string) []types.ContextMessage {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.archives[archiveKey]
}

// CleanupExpiredSessions drops sessions idle past the TTL
func (ms *MemoryStore) CleanupExpiredSessions(_ context.Context) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cutoff := ms.now().UTC().Add(-ms.ttl)
	cleaned := 0
	for id, session := range ms.sessions {
		if session.lastTouch.Before(cutoff) {
			delete(ms.sessions, id)
			cleaned++
		}
	}
	if cleaned > 0 {
		ms.logger.Info("expired sessions cleaned", "count", cleaned)
	}
	return cleaned, nil
}
