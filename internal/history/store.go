// Package history stores per-session conversation logs behind a uniform
// interface with in-process and Redis backends.
package history

import (
	"context"
	"time"

	"github.com/google/uuid"

	"aibox-memory/pkg/types"
)

// DefaultSessionTTL bounds how long an idle session lives.
const DefaultSessionTTL = 3600 * time.Second

// Filter selects messages for deletion.
type Filter struct {
	Role   types.MessageRole
	Before time.Time
	After  time.Time
}

// matches reports whether a message passes the filter
func (f *Filter) matches(msg *types.ContextMessage) bool {
	if f.Role != "" && msg.Role != f.Role {
		return false
	}
	if !f.Before.IsZero() && !msg.Timestamp.Before(f.Before) {
		return false
	}
	if !f.After.IsZero() && !msg.Timestamp.After(f.After) {
		return false
	}
	return true
}

// Store is the session history contract.
type Store interface {
	// Record appends one message; timestamps are monotonic per session.
	Record(ctx context.Context, sessionID string, role types.MessageRole, content string, metadata map[string]interface{}) (*types.ContextMessage, error)

	// GetHistory returns the newest messages up to limit, oldest first,
	// optionally filtered by role.
	GetHistory(ctx context.Context, sessionID string, limit int, roleFilter types.MessageRole) ([]types.ContextMessage, error)

	// GetConversationContext returns LLM-ready {role, content} turns.
	GetConversationContext(ctx context.Context, sessionID string, limit int) ([]map[string]string, error)

	// DeleteMessages removes matching messages, returning the count.
	DeleteMessages(ctx context.Context, sessionID string, filter *Filter) (int, error)

	// ArchiveSession moves the full message list to an archive key and
	// removes the live key. Returns the archive key.
	ArchiveSession(ctx context.Context, sessionID string) (string, error)

	// CleanupExpiredSessions deletes sessions idle past the TTL,
	// returning the count.
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// newMessage builds a message with a monotonic timestamp relative to prev
func newMessage(role types.MessageRole, content string, metadata map[string]interface{}, prev time.Time) types.ContextMessage {
	ts := time.Now().UTC()
	if !ts.After(prev) {
		ts = prev.Add(time.Nanosecond)
	}
	return types.ContextMessage{
		MessageID: uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: ts,
		Metadata:  metadata,
	}
}

// toConversation converts messages to LLM-ready turns
func toConversation(messages []types.ContextMessage) []map[string]string {
	out := make([]map[string]string, 0, len(messages))
	for _, msg := range messages {
		out = append(out, map[string]string{
			"role":    string(msg.Role),
			"content": msg.Content,
		})
	}
	return out
}

// tailWithRole returns up to limit newest messages, oldest first
func tailWithRole(messages []types.ContextMessage, limit int, roleFilter types.MessageRole) []types.ContextMessage {
	filtered := messages
	if roleFilter != "" {
		filtered = make([]types.ContextMessage, 0, len(messages))
		for _, msg := range messages {
			if msg.Role == roleFilter {
				filtered = append(filtered, msg)
			}
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]types.ContextMessage, len(filtered))
	copy(out, filtered)
	return out
}
