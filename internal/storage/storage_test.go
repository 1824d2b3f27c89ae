package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibox-memory/internal/config"
	"aibox-memory/internal/logging"
	"aibox-memory/internal/retry"
	"aibox-memory/pkg/types"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStoreWithClient(client, "aibox", time.Hour, logging.NewNoop()), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	m := types.NewMemory("prefers metric units", types.MemoryTypeShortTerm, "user-1")
	require.NoError(t, store.Store(ctx, m))

	got, err := store.Retrieve(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, m.UserID, got.UserID)

	require.NoError(t, store.Delete(ctx, m.ID))
	_, err = store.Retrieve(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	m := types.NewMemory("session scratch", types.MemoryTypeShortTerm, "user-1")
	require.NoError(t, store.Store(ctx, m))

	mr.FastForward(2 * time.Hour)

	_, err := store.Retrieve(ctx, m.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreUpdateMissing(t *testing.T) {
	store, _ := newTestRedisStore(t)
	m := types.NewMemory("never stored", types.MemoryTypeShortTerm, "user-1")
	assert.ErrorIs(t, store.Update(context.Background(), m), ErrNotFound)
}

func TestRedisStoreSearchReturnsEmpty(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	m := types.NewMemory("not searchable", types.MemoryTypeShortTerm, "user-1")
	require.NoError(t, store.Store(ctx, m))

	results, err := store.Search(ctx, &types.MemoryQuery{Query: "searchable"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func newTestGraphStore(t *testing.T) *SQLiteGraphStore {
	t.Helper()
	gs, err := NewSQLiteGraphStore(":memory:", logging.NewNoop())
	require.NoError(t, err)
	require.NoError(t, gs.Initialize(context.Background()))
	t.Cleanup(func() { gs.Close() })
	return gs
}

func TestGraphStoreMemoryLifecycle(t *testing.T) {
	gs := newTestGraphStore(t)
	ctx := context.Background()

	m := types.NewMemory("the pump uses part A-100", types.MemoryTypeLongTerm, "user-1")
	require.NoError(t, gs.Store(ctx, m))

	got, err := gs.Retrieve(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)

	got.Content = "the pump uses part A-200"
	require.NoError(t, gs.Update(ctx, got))

	results, err := gs.Search(ctx, &types.MemoryQuery{Query: "A-200", UserID: "user-1", Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Greater(t, results[0].RelevanceScore, 0.0)

	require.NoError(t, gs.Delete(ctx, m.ID))
	assert.ErrorIs(t, gs.Delete(ctx, m.ID), ErrNotFound)
}

func TestGraphStoreSearchExcludesArchived(t *testing.T) {
	gs := newTestGraphStore(t)
	ctx := context.Background()

	active := types.NewMemory("active record about pumps", types.MemoryTypeLongTerm, "user-1")
	archived := types.NewMemory("archived record about pumps", types.MemoryTypeLongTerm, "user-1")
	archived.Status = types.MemoryStatusArchived
	require.NoError(t, gs.Store(ctx, active))
	require.NoError(t, gs.Store(ctx, archived))

	results, err := gs.Search(ctx, &types.MemoryQuery{Query: "pumps", UserID: "user-1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, active.ID, results[0].ID)
}

func TestGraphStoreEntitiesAndNeighbors(t *testing.T) {
	gs := newTestGraphStore(t)
	ctx := context.Background()

	pump := &types.Entity{Key: "pump_a100", Name: "Pump A-100", Type: "equipment", FileID: "file-1"}
	seal := &types.Entity{Key: "seal_s7", Name: "Seal S7", Type: "part", FileID: "file-1"}
	motor := &types.Entity{Key: "motor_m3", Name: "Motor M3", Type: "part", FileID: "file-2"}
	for _, e := range []*types.Entity{pump, seal, motor} {
		require.NoError(t, gs.UpsertEntity(ctx, e))
	}
	require.NoError(t, gs.UpsertRelation(ctx, &types.Relation{From: "pump_a100", To: "seal_s7", Type: "contains", FileID: "file-1"}))
	require.NoError(t, gs.UpsertRelation(ctx, &types.Relation{From: "pump_a100", To: "motor_m3", Type: "driven_by", FileID: "file-2"}))

	matches, err := gs.MatchEntities(ctx, "Pump A-100", "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, "pump_a100", matches[0].Key)

	matches, err = gs.MatchEntities(ctx, "pump", "", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	paths, err := gs.Neighbors(ctx, "pump_a100", 10)
	require.NoError(t, err)
	assert.Len(t, paths, 2)
	for _, p := range paths {
		require.Len(t, p.Nodes, 2)
		assert.Equal(t, "pump_a100", p.Nodes[0].Key)
	}
}

func TestGraphStoreSubgraphDepthTwo(t *testing.T) {
	gs := newTestGraphStore(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, gs.UpsertEntity(ctx, &types.Entity{Key: key, Name: key}))
	}
	require.NoError(t, gs.UpsertRelation(ctx, &types.Relation{From: "a", To: "b", Type: "rel"}))
	require.NoError(t, gs.UpsertRelation(ctx, &types.Relation{From: "b", To: "c", Type: "rel"}))

	paths, err := gs.Subgraph(ctx, "a", 2, 20)
	require.NoError(t, err)

	var sawTwoHop bool
	for _, p := range paths {
		if len(p.Nodes) == 3 {
			sawTwoHop = true
			assert.Equal(t, "c", p.Nodes[2].Key)
		}
	}
	assert.True(t, sawTwoHop, "expected a two-hop path a-b-c")
}

func TestGraphStoreNeighborsManyRelations(t *testing.T) {
	gs := newTestGraphStore(t)
	ctx := context.Background()

	require.NoError(t, gs.UpsertEntity(ctx, &types.Entity{Key: "hub", Name: "Hub"}))
	spokes := []string{"s1", "s2", "s3", "s4", "s5"}
	for _, key := range spokes {
		require.NoError(t, gs.UpsertEntity(ctx, &types.Entity{Key: key, Name: key}))
		require.NoError(t, gs.UpsertRelation(ctx, &types.Relation{From: "hub", To: key, Type: "linked"}))
	}

	paths, err := gs.Neighbors(ctx, "hub", 10)
	require.NoError(t, err)
	require.Len(t, paths, len(spokes))
	for _, p := range paths {
		require.Len(t, p.Nodes, 2)
		assert.Equal(t, "hub", p.Nodes[0].Key)
		assert.NotEmpty(t, p.Nodes[1].Name)
	}
}

func TestGraphStoreDeleteByFile(t *testing.T) {
	gs := newTestGraphStore(t)
	ctx := context.Background()

	require.NoError(t, gs.UpsertEntity(ctx, &types.Entity{Key: "e1", Name: "one", FileID: "file-1"}))
	require.NoError(t, gs.UpsertEntity(ctx, &types.Entity{Key: "e2", Name: "two", FileID: "file-2"}))
	require.NoError(t, gs.UpsertRelation(ctx, &types.Relation{From: "e1", To: "e2", Type: "rel", FileID: "file-1"}))

	n, err := gs.DeleteEntitiesByFile(ctx, "file-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = gs.DeleteRelationsByFile(ctx, "file-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func newTestTaskRepo(t *testing.T) *TaskRepository {
	t.Helper()
	gs := newTestGraphStore(t)
	repo := NewTaskRepository(gs.DB(), logging.NewNoop())
	require.NoError(t, repo.Initialize(context.Background()))
	return repo
}

func TestTaskSoftDeleteAndRestore(t *testing.T) {
	repo := newTestTaskRepo(t)
	ctx := context.Background()

	task := &types.UserTask{TaskID: "task-1", UserID: "user-1", Title: "review pump specs"}
	require.NoError(t, repo.Create(ctx, task))

	require.NoError(t, repo.SoftDelete(ctx, "task-1"))

	got, err := repo.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, got.IsTrashed())
	require.NotNil(t, got.DeletedAt)
	require.NotNil(t, got.PermanentDeleteAt)
	assert.WithinDuration(t, got.DeletedAt.Add(types.TrashRetention), *got.PermanentDeleteAt, time.Second)

	active, err := repo.List(ctx, "user-1", false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := repo.List(ctx, "user-1", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.Restore(ctx, "task-1"))
	got, err = repo.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, got.IsTrashed())
	assert.Nil(t, got.DeletedAt)
	assert.Nil(t, got.PermanentDeleteAt)
}

func TestTaskPermanentDeleteRequiresTrash(t *testing.T) {
	repo := newTestTaskRepo(t)
	ctx := context.Background()

	task := &types.UserTask{TaskID: "task-2", UserID: "user-1", Title: "calibrate sensor"}
	require.NoError(t, repo.Create(ctx, task))

	assert.ErrorIs(t, repo.PermanentDelete(ctx, "task-2"), ErrNotTrashed)

	require.NoError(t, repo.SoftDelete(ctx, "task-2"))
	require.NoError(t, repo.PermanentDelete(ctx, "task-2"))

	_, err := repo.Get(ctx, "task-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskPurgeExpired(t *testing.T) {
	repo := newTestTaskRepo(t)
	ctx := context.Background()

	task := &types.UserTask{TaskID: "task-3", UserID: "user-1", Title: "old task"}
	require.NoError(t, repo.Create(ctx, task))
	require.NoError(t, repo.SoftDelete(ctx, "task-3"))

	// Force the purge deadline into the past.
	_, err := repo.db.ExecContext(ctx, `UPDATE user_tasks SET permanent_delete_at = ? WHERE task_id = ?`,
		time.Now().Add(-time.Hour).Unix(), "task-3")
	require.NoError(t, err)

	n, err := repo.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.Get(ctx, "task-3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOperationLogAppendAndList(t *testing.T) {
	gs := newTestGraphStore(t)
	ol := NewOperationLog(gs.DB(), logging.NewNoop())
	ctx := context.Background()
	require.NoError(t, ol.Initialize(ctx))

	rec, err := ol.Append(ctx, "user-1", "mem-1", "store", map[string]interface{}{"tier": "long_term"})
	require.NoError(t, err)
	assert.Contains(t, rec.Key, "user-1_mem-1_store_")

	_, err = ol.Append(ctx, "user-1", "mem-1", "delete", nil)
	require.NoError(t, err)

	records, err := ol.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestRetryableVectorStoreRetriesTransient(t *testing.T) {
	mock := NewMockVectorStore()
	attempts := 0
	flaky := &flakyVectorStore{MockVectorStore: mock, failures: 2, attempts: &attempts}

	store := NewRetryableVectorStore(flaky, &retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   1.0,
		RetryIf:      isRetryableStorageError,
	})

	m := types.NewMemory("retryable", types.MemoryTypeLongTerm, "user-1")
	require.NoError(t, store.Store(context.Background(), m))
	assert.Equal(t, 3, attempts)
}

func TestRetryableVectorStoreDoesNotRetryNotFound(t *testing.T) {
	mock := NewMockVectorStore()
	store := NewRetryableVectorStore(mock, &retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   1.0,
		RetryIf:      isRetryableStorageError,
	})

	_, err := store.Retrieve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// flakyVectorStore fails Store a fixed number of times with a transient error
type flakyVectorStore struct {
	*MockVectorStore
	failures int
	attempts *int
}

func (f *flakyVectorStore) Store(ctx context.Context, m *types.Memory) error {
	*f.attempts++
	if *f.attempts <= f.failures {
		return errors.New("connection refused")
	}
	return f.MockVectorStore.Store(ctx, m)
}

func TestMockStoreMatchesTypedFileID(t *testing.T) {
	store := NewMockVectorStore()
	ctx := context.Background()

	typed := types.NewMemory("chunk via field", types.MemoryTypeLongTerm, "user-1")
	typed.FileID = "file-1"
	require.NoError(t, store.Store(ctx, typed))

	tagged := types.NewMemory("chunk via payload", types.MemoryTypeLongTerm, "user-1")
	tagged.Metadata["file_id"] = "file-1"
	require.NoError(t, store.Store(ctx, tagged))

	listed, err := store.ListByFileID(ctx, "file-1")
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	n, err := store.DeleteByFileID(ctx, "file-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, store.Len())
}

func TestQdrantPayloadRoundTripKeepsFileID(t *testing.T) {
	qs := NewQdrantStore(&config.QdrantConfig{}, nil, logging.NewNoop())

	m := types.NewMemory("chunk content", types.MemoryTypeLongTerm, "user-1")
	m.FileID = "file-7"
	m.Embedding = []float64{0.1, 0.2}

	point := qs.memoryToPoint(m)
	require.NotNil(t, point.Payload["file_id"])

	restored, err := qs.payloadToMemory(m.ID, point.Payload, m.Embedding)
	require.NoError(t, err)
	assert.Equal(t, "file-7", restored.FileID)
}

type countingEmbedder struct{ calls int }

func (c *countingEmbedder) Embed(context.Context, string) ([]float64, error) {
	c.calls++
	return []float64{0.1}, nil
}

func TestQdrantFilterOnlySearchSkipsEmbedding(t *testing.T) {
	embedder := &countingEmbedder{}
	qs := NewQdrantStore(&config.QdrantConfig{}, embedder, logging.NewNoop())
	ctx := context.Background()

	// Filter-only lookup never reaches the embedder.
	_, err := qs.Search(ctx, &types.MemoryQuery{UserID: "user-1", EntityType: "part_number"})
	require.Error(t, err)
	assert.Equal(t, 0, embedder.calls)

	// A text query does.
	_, err = qs.Search(ctx, &types.MemoryQuery{Query: "pump seals", UserID: "user-1"})
	require.Error(t, err)
	assert.Equal(t, 1, embedder.calls)
}
