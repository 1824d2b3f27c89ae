package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibox-memory/internal/logging"
	"aibox-memory/internal/storage"
	"aibox-memory/pkg/types"
)

func newTestManager() (*Manager, *storage.MockVectorStore, *storage.MockVectorStore, *storage.SQLiteGraphStore) {
	short := storage.NewMockVectorStore()
	long := storage.NewMockVectorStore()
	graph, _ := storage.NewSQLiteGraphStore(":memory:", logging.NewNoop())
	_ = graph.Initialize(context.Background())

	mgr := NewManager(logging.NewNoop(),
		WithShortTerm(short),
		WithLongTerm(long),
		WithGraph(graph),
	)
	return mgr, short, long, graph
}

func TestStoreMemoryRoutesByTier(t *testing.T) {
	mgr, short, long, _ := newTestManager()
	ctx := context.Background()

	id, ok := mgr.StoreMemory(ctx, &types.Memory{
		Content: "session scratch",
		Type:    types.MemoryTypeShortTerm,
		UserID:  "user-1",
	})
	require.True(t, ok)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, short.Len())
	assert.Equal(t, 0, long.Len())

	_, ok = mgr.StoreMemory(ctx, &types.Memory{
		Content: "prefers metric units",
		Type:    types.MemoryTypeLongTerm,
		UserID:  "user-1",
	})
	require.True(t, ok)
	assert.Equal(t, 1, long.Len())
}

func TestStoreMemoryShadowsLongTermToGraph(t *testing.T) {
	mgr, _, _, graph := newTestManager()
	ctx := context.Background()

	id, ok := mgr.StoreMemory(ctx, &types.Memory{
		Content: "the pump uses part A-100",
		Type:    types.MemoryTypeLongTerm,
		UserID:  "user-1",
	})
	require.True(t, ok)

	shadow, err := graph.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "the pump uses part A-100", shadow.Content)
}

func TestStoreMemoryMissingTierRefusesSilently(t *testing.T) {
	mgr := NewManager(logging.NewNoop(), WithLongTerm(storage.NewMockVectorStore()))

	id, ok := mgr.StoreMemory(context.Background(), &types.Memory{
		Content: "no kv tier configured",
		Type:    types.MemoryTypeShortTerm,
		UserID:  "user-1",
	})
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestRetrieveMemoryTierOrderAndAccess(t *testing.T) {
	mgr, _, long, _ := newTestManager()
	ctx := context.Background()

	id, ok := mgr.StoreMemory(ctx, &types.Memory{
		Content: "long-term fact",
		Type:    types.MemoryTypeLongTerm,
		UserID:  "user-1",
	})
	require.True(t, ok)

	m, found := mgr.RetrieveMemory(ctx, id, "")
	require.True(t, found)
	assert.Equal(t, "long-term fact", m.Content)
	assert.Equal(t, int64(1), m.AccessCount)

	stored, err := long.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.AccessCount)

	_, found = mgr.RetrieveMemory(ctx, "missing", "")
	assert.False(t, found)
}

func TestUpdateMemoryReadModifyWrite(t *testing.T) {
	mgr, _, long, _ := newTestManager()
	ctx := context.Background()

	id, _ := mgr.StoreMemory(ctx, &types.Memory{
		Content: "old content",
		Type:    types.MemoryTypeLongTerm,
		UserID:  "user-1",
	})

	newContent := "new content"
	critical := types.PriorityCritical
	ok := mgr.UpdateMemory(ctx, id, &newContent, &critical, map[string]interface{}{"source": "test"})
	require.True(t, ok)

	m, err := long.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new content", m.Content)
	assert.Equal(t, types.PriorityCritical, m.Priority)
	assert.Equal(t, "test", m.MetadataString("source"))
}

func TestDeleteMemoryAcrossTiers(t *testing.T) {
	mgr, _, _, graph := newTestManager()
	ctx := context.Background()

	id, _ := mgr.StoreMemory(ctx, &types.Memory{
		Content: "to be deleted",
		Type:    types.MemoryTypeLongTerm,
		UserID:  "user-1",
	})

	assert.True(t, mgr.DeleteMemory(ctx, id, ""))
	assert.False(t, mgr.DeleteMemory(ctx, id, ""))

	_, err := graph.Retrieve(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSearchMemoriesMergesAndSorts(t *testing.T) {
	mgr, short, long, _ := newTestManager()
	ctx := context.Background()

	a := types.NewMemory("pump maintenance note", types.MemoryTypeShortTerm, "user-1")
	a.Priority = types.PriorityLow
	require.NoError(t, short.Store(ctx, a))

	b := types.NewMemory("pump replacement schedule", types.MemoryTypeLongTerm, "user-1")
	b.Priority = types.PriorityCritical
	require.NoError(t, long.Store(ctx, b))

	results := mgr.SearchMemories(ctx, &types.MemoryQuery{Query: "pump", UserID: "user-1", Limit: 10})
	require.Len(t, results, 2)
	// Same relevance from the mock, so priority rank breaks the tie.
	assert.Equal(t, b.ID, results[0].ID)
}

func TestSearchMemoriesDegradesOnTierFailure(t *testing.T) {
	mgr, short, long, _ := newTestManager()
	ctx := context.Background()

	m := types.NewMemory("pump fact", types.MemoryTypeLongTerm, "user-1")
	require.NoError(t, long.Store(ctx, m))
	short.FailOps["search"] = errors.New("kv down")

	results := mgr.SearchMemories(ctx, &types.MemoryQuery{Query: "pump", UserID: "user-1"})
	require.Len(t, results, 1)
	assert.Equal(t, m.ID, results[0].ID)
}

func TestSyncMemoryWritesAllTiers(t *testing.T) {
	mgr, short, _, graph := newTestManager()
	ctx := context.Background()

	id, _ := mgr.StoreMemory(ctx, &types.Memory{
		Content: "synced fact",
		Type:    types.MemoryTypeLongTerm,
		UserID:  "user-1",
	})

	newContent := "synced fact v2"
	require.True(t, mgr.SyncMemory(ctx, id, &newContent, map[string]interface{}{"rev": 2}))

	fromShort, err := short.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "synced fact v2", fromShort.Content)

	fromGraph, err := graph.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "synced fact v2", fromGraph.Content)
}

func TestIncrementalUpdateAppends(t *testing.T) {
	mgr, _, long, _ := newTestManager()
	ctx := context.Background()

	id, _ := mgr.StoreMemory(ctx, &types.Memory{
		Content: "line one",
		Type:    types.MemoryTypeLongTerm,
		UserID:  "user-1",
	})

	require.True(t, mgr.IncrementalUpdate(ctx, id, "line two", map[string]interface{}{"n": 2}))
	require.True(t, mgr.IncrementalUpdate(ctx, id, "line two", nil))

	m, err := long.Retrieve(ctx, id)
	require.NoError(t, err)
	// Not idempotent: the same delta appends twice.
	assert.Equal(t, "line one\nline two\nline two", m.Content)
}

func TestStoreTypedDeduplicates(t *testing.T) {
	mgr, _, long, _ := newTestManager()
	ctx := context.Background()

	id1, ok := mgr.StoreTyped(ctx, &TypedWrite{
		UserID:      "user-1",
		EntityType:  types.EntityTypePartNumber,
		EntityValue: "RM05-008",
		Confidence:  0.85,
	})
	require.True(t, ok)

	// Higher confidence refreshes the same record.
	id2, ok := mgr.StoreTyped(ctx, &TypedWrite{
		UserID:      "user-1",
		EntityType:  types.EntityTypePartNumber,
		EntityValue: "RM05-008",
		Confidence:  0.95,
	})
	require.True(t, ok)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, long.Len())

	m, err := long.Retrieve(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, 0.95, m.Confidence)

	// Lower confidence is dropped.
	_, ok = mgr.StoreTyped(ctx, &TypedWrite{
		UserID:      "user-1",
		EntityType:  types.EntityTypePartNumber,
		EntityValue: "RM05-008",
		Confidence:  0.5,
	})
	assert.False(t, ok)
	m, _ = long.Retrieve(ctx, id1)
	assert.Equal(t, 0.95, m.Confidence)
}

func TestFindTypedFiltersByConfidence(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	ctx := context.Background()

	_, ok := mgr.StoreTyped(ctx, &TypedWrite{
		UserID: "user-1", EntityType: types.EntityTypePartNumber, EntityValue: "RM05-008", Confidence: 0.9,
	})
	require.True(t, ok)
	_, ok = mgr.StoreTyped(ctx, &TypedWrite{
		UserID: "user-1", EntityType: types.EntityTypeTLF19, EntityValue: "TLF19-A1", Confidence: 0.5,
	})
	require.True(t, ok)

	hits := mgr.FindTyped(ctx, "user-1", []string{types.EntityTypePartNumber, types.EntityTypeTLF19}, 0.7, 5)
	require.Len(t, hits, 1)
	assert.Equal(t, "RM05-008", hits[0].EntityValue)

	assert.Empty(t, mgr.FindTyped(ctx, "", []string{types.EntityTypePartNumber}, 0.7, 5))
}
