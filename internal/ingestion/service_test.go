package ingestion

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aibox-memory/internal/llm"
	"aibox-memory/internal/logging"
	"aibox-memory/internal/storage"
	"aibox-memory/internal/tasks"
	"aibox-memory/pkg/types"
)

func TestChunkTextSingleChunk(t *testing.T) {
	chunks := ChunkText("a short note about RM05-008", 800, 100)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, "a short note about RM05-008", chunks[0].Text)
}

func TestChunkTextPacksParagraphs(t *testing.T) {
	text := "first paragraph\n\nsecond paragraph\n\nthird paragraph"
	chunks := ChunkText(text, 800, 100)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "first paragraph")
	assert.Contains(t, chunks[0].Text, "third paragraph")
}

func TestChunkTextSplitsLongParagraphWithOverlap(t *testing.T) {
	text := strings.Repeat("字", 250)
	chunks := ChunkText(text, 100, 20)
	require.Greater(t, len(chunks), 2)

	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, len([]rune(c.Text)), 100)
	}
	// Consecutive windows share the overlap region.
	first := []rune(chunks[0].Text)
	second := []rune(chunks[1].Text)
	assert.Equal(t, string(first[len(first)-20:]), string(second[:20]))
}

func TestChunkTextEmptyInput(t *testing.T) {
	assert.Empty(t, ChunkText("", 800, 100))
	assert.Empty(t, ChunkText("\n\n  \n\n", 800, 100))
}

func TestIngestStageOneStoresMinimalPayload(t *testing.T) {
	store := storage.NewMockVectorStore()
	svc := NewService(store, nil, nil, Config{ChunkSize: 50, ChunkOverlap: 10}, logging.NewNoop())

	text := "inventory snapshot for march\n\npurchase orders pending review"
	result, err := svc.Ingest(context.Background(), "user-1", "file-1", text)
	require.NoError(t, err)
	assert.Equal(t, "file-1", result.FileID)
	require.NotEmpty(t, result.ChunkIDs)
	assert.Empty(t, result.StageTwoTaskID)

	stored, err := store.ListByFileID(context.Background(), "file-1")
	require.NoError(t, err)
	require.Len(t, stored, len(result.ChunkIDs))
	for _, m := range stored {
		assert.Equal(t, "user-1", m.UserID)
		assert.Equal(t, "file-1", m.FileID)
		assert.Equal(t, "document", m.Metadata["source"])
		assert.NotNil(t, m.Metadata["chunk_index"])
		assert.Nil(t, m.Metadata["summary"])
	}
}

func TestIngestRejectsEmptyDocument(t *testing.T) {
	svc := NewService(storage.NewMockVectorStore(), nil, nil, Config{}, logging.NewNoop())
	_, err := svc.Ingest(context.Background(), "user-1", "file-1", "   ")
	assert.Error(t, err)

	_, err = svc.Ingest(context.Background(), "user-1", "", "text")
	assert.Error(t, err)
}

func TestInlineEnrichmentUpdatesPayloads(t *testing.T) {
	store := storage.NewMockVectorStore()
	client := llm.NewMockClient("document covers march stock levels")
	svc := NewService(store, client, nil, Config{ChunkSize: 50, ChunkOverlap: 10}, logging.NewNoop())
	ctx := context.Background()

	result, err := svc.Ingest(ctx, "user-1", "file-2", "stock levels\n\nreorder thresholds")
	require.NoError(t, err)

	stored, err := store.ListByFileID(ctx, "file-2")
	require.NoError(t, err)
	require.Len(t, stored, len(result.ChunkIDs))
	for _, m := range stored {
		assert.Equal(t, "document covers march stock levels", m.Metadata["summary"])
		assert.Equal(t, "document covers march stock levels", m.Metadata["context_header"])
		assert.NotNil(t, m.Metadata["enriched_at"])
	}

	// One summary call plus one header call per chunk.
	assert.Len(t, client.Requests, 1+len(result.ChunkIDs))
}

func TestEnrichmentPreservesIDsAndCount(t *testing.T) {
	store := storage.NewMockVectorStore()
	client := llm.NewMockClient("summary")
	svc := NewService(store, client, nil, Config{}, logging.NewNoop())
	ctx := context.Background()

	result, err := svc.Ingest(ctx, "user-1", "file-3", "alpha\n\nbeta")
	require.NoError(t, err)

	stored, err := store.ListByFileID(ctx, "file-3")
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, m := range stored {
		ids[m.ID] = true
	}
	for _, id := range result.ChunkIDs {
		assert.True(t, ids[id], "enrichment must not replace point %s", id)
	}
	assert.Equal(t, len(result.ChunkIDs), store.Len())
}

func TestEnrichmentFailureIsAdvisory(t *testing.T) {
	store := storage.NewMockVectorStore()
	client := llm.NewMockClient()
	client.Err = assert.AnError
	svc := NewService(store, client, nil, Config{}, logging.NewNoop())
	ctx := context.Background()

	result, err := svc.Ingest(ctx, "user-1", "file-4", "content survives enrichment failure")
	require.NoError(t, err)

	stored, err := store.ListByFileID(ctx, "file-4")
	require.NoError(t, err)
	require.Len(t, stored, len(result.ChunkIDs))
	assert.Nil(t, stored[0].Metadata["summary"])
}

func TestBackgroundEnrichmentViaProcessor(t *testing.T) {
	store := storage.NewMockVectorStore()
	client := llm.NewMockClient("background summary")
	processor := tasks.NewProcessor(1, logging.NewNoop())
	processor.Start(context.Background())
	defer processor.Stop()

	svc := NewService(store, client, processor, Config{}, logging.NewNoop())
	ctx := context.Background()

	result, err := svc.Ingest(ctx, "user-1", "file-5", "queued for deep processing")
	require.NoError(t, err)
	require.NotEmpty(t, result.StageTwoTaskID)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, terr := processor.GetTask(result.StageTwoTaskID)
		require.NoError(t, terr)
		if task.Status.Terminal() {
			assert.Equal(t, types.AsyncTaskCompleted, task.Status)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stored, err := store.ListByFileID(ctx, "file-5")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "background summary", stored[0].Metadata["summary"])
}

func TestEnrichFileUnknownFile(t *testing.T) {
	svc := NewService(storage.NewMockVectorStore(), llm.NewMockClient("x"), nil, Config{}, logging.NewNoop())
	err := svc.EnrichFile(context.Background(), "missing")
	assert.Error(t, err)
}
