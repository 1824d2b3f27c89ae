package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibox-memory/internal/config"
	"aibox-memory/internal/logging"
	"aibox-memory/internal/memory"
	"aibox-memory/internal/ner"
	"aibox-memory/internal/rag"
	"aibox-memory/internal/retrieval"
	"aibox-memory/internal/storage"
	"aibox-memory/pkg/types"
)

func newTestService(t *testing.T, consent ConsentChecker) (*Service, *storage.MockVectorStore, *storage.SQLiteGraphStore) {
	t.Helper()
	long := storage.NewMockVectorStore()
	mgr := memory.NewManager(logging.NewNoop(), memory.WithLongTerm(long))
	vec := retrieval.NewService(mgr, config.RetrievalConfig{MinRelevance: 0.1}, logging.NewNoop())

	graph, err := storage.NewSQLiteGraphStore(":memory:", logging.NewNoop())
	require.NoError(t, err)
	require.NoError(t, graph.Initialize(context.Background()))
	t.Cleanup(func() { graph.Close() })

	engine := rag.NewEngine(vec, graph, ner.NewRuleExtractor(), config.RAGConfig{TopK: 5}, logging.NewNoop())
	svc := NewService(engine, mgr, consent, config.ChatConfig{}, logging.NewNoop())
	return svc, long, graph
}

func TestPrepareTurnConsentDenied(t *testing.T) {
	denyAll := ConsentFunc(func(context.Context, string) bool { return false })
	svc, long, _ := newTestService(t, denyAll)
	ctx := context.Background()

	require.NoError(t, long.Store(ctx, types.NewMemory("RM05-008 usage notes", types.MemoryTypeLongTerm, "user-1")))

	out := svc.PrepareTurn(ctx, &TurnRequest{UserID: "user-1", Query: "RM05-008"})
	assert.Empty(t, out.InjectionMessages)
	assert.Equal(t, 0, out.MemoryHitCount)

	_, ok := svc.RecordTurn(ctx, &TurnRequest{UserID: "user-1", Query: "q"}, "a")
	assert.False(t, ok)
	assert.Equal(t, 1, long.Len())
}

func TestPrepareTurnPartitionsSources(t *testing.T) {
	svc, long, graph := newTestService(t, nil)
	ctx := context.Background()

	vm := types.NewMemory("RM05-008 usage notes", types.MemoryTypeLongTerm, "user-1")
	require.NoError(t, long.Store(ctx, vm))

	require.NoError(t, graph.UpsertEntity(ctx, &types.Entity{Key: "rm05_008", Name: "RM05-008", Type: "part_number"}))
	require.NoError(t, graph.UpsertEntity(ctx, &types.Entity{Key: "wh_a", Name: "Warehouse A", Type: "location"}))
	require.NoError(t, graph.UpsertRelation(ctx, &types.Relation{From: "rm05_008", To: "wh_a", Type: "stored_in"}))

	out := svc.PrepareTurn(ctx, &TurnRequest{UserID: "user-1", SessionID: "s1", Query: "RM05-008"})
	require.NotZero(t, out.MemoryHitCount)
	assert.GreaterOrEqual(t, out.MemorySources["vector"], 1)
	assert.GreaterOrEqual(t, out.MemorySources["graph"], 1)
	assert.GreaterOrEqual(t, out.RetrievalLatencyMs, int64(0))

	require.Len(t, out.InjectionMessages, 2)
	assert.Equal(t, "system", out.InjectionMessages[0].Role)
	assert.Contains(t, out.InjectionMessages[0].Content, "advisory")

	block := out.InjectionMessages[1].Content
	assert.Contains(t, block, "[RAG-Vector]")
	assert.Contains(t, block, "[RAG-Graph]")
	assert.Contains(t, block, "RM05-008 usage notes")
	assert.Contains(t, block, "stored_in")
}

func TestPrepareTurnFileTopUp(t *testing.T) {
	long := storage.NewMockVectorStore()
	mgr := memory.NewManager(logging.NewNoop(), memory.WithLongTerm(long))
	// No RAG engine configured; attachments drive the vector section.
	svc := NewService(nil, mgr, nil, config.ChatConfig{MinRelevance: 0.99}, logging.NewNoop())
	ctx := context.Background()

	inFile := types.NewMemory("spec sheet for RM05-008", types.MemoryTypeLongTerm, "user-1")
	inFile.FileID = "file-7"
	require.NoError(t, long.Store(ctx, inFile))

	other := types.NewMemory("unrelated RM05-008 note", types.MemoryTypeLongTerm, "user-1")
	other.FileID = "file-9"
	require.NoError(t, long.Store(ctx, other))

	out := svc.PrepareTurn(ctx, &TurnRequest{
		UserID:      "user-1",
		Query:       "RM05-008",
		Attachments: []Attachment{{FileID: "file-7"}},
	})
	require.Equal(t, 1, out.MemorySources["vector"])
	assert.Equal(t, 0, out.MemorySources["graph"])

	block := out.InjectionMessages[1].Content
	assert.Contains(t, block, "spec sheet")
	assert.NotContains(t, block, "unrelated")
}

func TestPrepareTurnAAMSection(t *testing.T) {
	long := storage.NewMockVectorStore()
	mgr := memory.NewManager(logging.NewNoop(), memory.WithLongTerm(long))
	svc := NewService(nil, mgr, nil, config.ChatConfig{}, logging.NewNoop())
	ctx := context.Background()

	require.NoError(t, long.Store(ctx, types.NewMemory("user prefers Warehouse A for RM05-008", types.MemoryTypeLongTerm, "user-1")))

	out := svc.PrepareTurn(ctx, &TurnRequest{UserID: "user-1", Query: "RM05-008"})
	require.GreaterOrEqual(t, out.MemorySources["aam"], 1)
	assert.Contains(t, out.InjectionMessages[1].Content, "[Memory-AAM]")
}

func TestInjectionClipping(t *testing.T) {
	long := storage.NewMockVectorStore()
	mgr := memory.NewManager(logging.NewNoop(), memory.WithLongTerm(long))
	svc := NewService(nil, mgr, nil, config.ChatConfig{MaxLineChars: 20, MaxInjectionChars: 40}, logging.NewNoop())
	ctx := context.Background()

	require.NoError(t, long.Store(ctx, types.NewMemory("RM05-008 "+strings.Repeat("長", 100), types.MemoryTypeLongTerm, "user-1")))

	out := svc.PrepareTurn(ctx, &TurnRequest{UserID: "user-1", Query: "RM05-008"})
	require.Len(t, out.InjectionMessages, 2)

	block := out.InjectionMessages[1].Content
	assert.LessOrEqual(t, len([]rune(block)), 40)
	for _, line := range strings.Split(block, "\n") {
		assert.LessOrEqual(t, len([]rune(strings.TrimPrefix(line, "- "))), 20)
	}
}

func TestRecordTurnWritesSnippet(t *testing.T) {
	long := storage.NewMockVectorStore()
	mgr := memory.NewManager(logging.NewNoop(), memory.WithLongTerm(long))
	svc := NewService(nil, mgr, nil, config.ChatConfig{SnippetChars: 10}, logging.NewNoop())
	ctx := context.Background()

	req := &TurnRequest{UserID: "user-1", SessionID: "s1", TaskID: "t1", Query: strings.Repeat("q", 30)}
	id, ok := svc.RecordTurn(ctx, req, "the answer")
	require.True(t, ok)

	stored, found := mgr.RetrieveMemory(ctx, id, types.MemoryTypeLongTerm)
	require.True(t, found)
	assert.Equal(t, "user: "+strings.Repeat("q", 10)+" / assistant: the answer", stored.Content)
	assert.Equal(t, "chat_product", stored.Metadata["source"])
	assert.Equal(t, "turn_snippet", stored.Metadata["kind"])
	assert.Equal(t, "s1", stored.Metadata["session_id"])
	assert.Equal(t, "t1", stored.Metadata["task_id"])
	assert.Equal(t, "user-1", stored.UserID)
}
