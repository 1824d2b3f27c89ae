package history

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return map[string]Store{
		"memory": NewMemoryStore(time.Hour, logging.NewNoop()),
		"redis":  NewRedisStore(client, "hist", time.Hour, logging.NewNoop()),
	}
}

func TestRecordAndGetHistory(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Record(ctx, "s1", types.RoleUser, "first", nil)
			require.NoError(t, err)
			_, err = store.Record(ctx, "s1", types.RoleAssistant, "second", nil)
			require.NoError(t, err)
			_, err = store.Record(ctx, "s1", types.RoleUser, "third", nil)
			require.NoError(t, err)

			messages, err := store.GetHistory(ctx, "s1", 0, "")
			require.NoError(t, err)
			require.Len(t, messages, 3)
			assert.Equal(t, "first", messages[0].Content)
			assert.Equal(t, "third", messages[2].Content)

			// Monotonic timestamps per session.
			assert.True(t, messages[1].Timestamp.After(messages[0].Timestamp))
			assert.True(t, messages[2].Timestamp.After(messages[1].Timestamp))

			// Limit keeps the newest, returned oldest first.
			tail, err := store.GetHistory(ctx, "s1", 2, "")
			require.NoError(t, err)
			require.Len(t, tail, 2)
			assert.Equal(t, "second", tail[0].Content)

			// Role filter.
			userOnly, err := store.GetHistory(ctx, "s1", 0, types.RoleUser)
			require.NoError(t, err)
			assert.Len(t, userOnly, 2)
		})
	}
}

func TestGetConversationContext(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.Record(ctx, "s1", types.RoleUser, "問題", nil)
			require.NoError(t, err)
			_, err = store.Record(ctx, "s1", types.RoleAssistant, "答案", nil)
			require.NoError(t, err)

			turns, err := store.GetConversationContext(ctx, "s1", 10)
			require.NoError(t, err)
			require.Len(t, turns, 2)
			assert.Equal(t, "user", turns[0]["role"])
			assert.Equal(t, "問題", turns[0]["content"])
		})
	}
}

func TestDeleteMessagesByRole(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = store.Record(ctx, "s1", types.RoleUser, "keep me", nil)
			_, _ = store.Record(ctx, "s1", types.RoleSystem, "drop me", nil)
			_, _ = store.Record(ctx, "s1", types.RoleSystem, "drop me too", nil)

			n, err := store.DeleteMessages(ctx, "s1", &Filter{Role: types.RoleSystem})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			remaining, err := store.GetHistory(ctx, "s1", 0, "")
			require.NoError(t, err)
			require.Len(t, remaining, 1)
			assert.Equal(t, "keep me", remaining[0].Content)
		})
	}
}

func TestArchiveSessionRemovesLiveKey(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = store.Record(ctx, "s1", types.RoleUser, "archived content", nil)

			archiveKey, err := store.ArchiveSession(ctx, "s1")
			require.NoError(t, err)
			assert.Contains(t, archiveKey, "archive")

			messages, err := store.GetHistory(ctx, "s1", 0, "")
			require.NoError(t, err)
			assert.Empty(t, messages)

			_, err = store.ArchiveSession(ctx, "s1")
			assert.Error(t, err)
		})
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore(time.Hour, logging.NewNoop())
	ctx := context.Background()

	_, _ = store.Record(ctx, "old", types.RoleUser, "stale", nil)
	_, _ = store.Record(ctx, "fresh", types.RoleUser, "recent", nil)

	current := time.Now()
	store.now = func() time.Time { return current.Add(2 * time.Hour) }
	// Touch the fresh session at the advanced clock.
	_, _ = store.Record(ctx, "fresh", types.RoleUser, "again", nil)

	n, err := store.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	messages, _ := store.GetHistory(ctx, "fresh", 0, "")
	assert.Len(t, messages, 2)
}

func TestRedisStoreCleanupExpired(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client, "hist", time.Hour, logging.NewNoop())
	ctx := context.Background()

	_, err := store.Record(ctx, "old", types.RoleUser, "stale", nil)
	require.NoError(t, err)

	current := time.Now()
	store.now = func() time.Time { return current.Add(2 * time.Hour) }
	_, err = store.Record(ctx, "fresh", types.RoleUser, "recent", nil)
	require.NoError(t, err)

	n, err := store.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	messages, err := store.GetHistory(ctx, "old", 0, "")
	require.NoError(t, err)
	assert.Empty(t, messages)
}
