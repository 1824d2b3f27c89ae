package ingestion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"aibox-memory/internal/llm"
	"aibox-memory/internal/logging"
	"aibox-memory/internal/storage"
	"aibox-memory/internal/tasks"
	"aibox-memory/pkg/types"
)

const (
	summaryInputLimit = 6000
	summaryMaxTokens  = 300
	headerMaxTokens   = 80
)

// Config tunes chunking and enrichment.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

// Result reports a Stage-1 ingest.
type Result struct {
	FileID         string   `json:"file_id"`
	ChunkIDs       []string `json:"chunk_ids"`
	StageTwoTaskID string   `json:"stage_two_task_id,omitempty"`
}

// Service runs both ingestion stages. Stage 1 is authoritative; Stage 2
// only rewrites payloads and its failure leaves retrieval intact.
type Service struct {
	vector    storage.VectorMemoryStore
	llmClient llm.Client
	processor *tasks.Processor
	cfg       Config
	logger    logging.Logger
}

// NewService creates an ingestion service; processor may be nil to run
// enrichment inline
func NewService(vector storage.VectorMemoryStore, llmClient llm.Client, processor *tasks.Processor, cfg Config, logger logging.Logger) *Service {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = defaultChunkOverlap
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		vector:    vector,
		llmClient: llmClient,
		processor: processor,
		cfg:       cfg,
		logger:    logger.WithComponent("ingestion"),
	}
}

// Ingest chunks, embeds and upserts a document with minimal payload, then
// schedules enrichment. Retrieval is live as soon as this returns.
func (s *Service) Ingest(ctx context.Context, userID, fileID, text string) (*Result, error) {
	if fileID == "" {
		return nil, fmt.Errorf("file id cannot be empty")
	}
	chunks := ChunkText(text, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document produced no chunks")
	}

	result := &Result{FileID: fileID}
	for _, chunk := range chunks {
		m := types.NewMemory(chunk.Text, types.MemoryTypeLongTerm, userID)
		m.FileID = fileID
		m.Metadata["file_id"] = fileID
		m.Metadata["chunk_index"] = chunk.Index
		m.Metadata["source"] = "document"
		if err := s.vector.Store(ctx, m); err != nil {
			return nil, fmt.Errorf("stage 1 upsert failed at chunk %d: %w", chunk.Index, err)
		}
		result.ChunkIDs = append(result.ChunkIDs, m.ID)
	}
	s.logger.Info("document ingested", "file_id", fileID, "chunks", len(chunks))

	if s.llmClient == nil {
		return result, nil
	}
	if s.processor != nil {
		taskID, err := s.processor.Submit("ingest_enrich", types.PriorityLow,
			map[string]interface{}{"file_id": fileID},
			func(taskCtx context.Context) (interface{}, error) {
				return nil, s.EnrichFile(taskCtx, fileID)
			})
		if err != nil {
			s.logger.Warn("enrichment scheduling failed", "file_id", fileID, "error", err.Error())
			return result, nil
		}
		result.StageTwoTaskID = taskID
		return result, nil
	}

	if err := s.EnrichFile(ctx, fileID); err != nil {
		// Advisory only.
		s.logger.Warn("enrichment failed", "file_id", fileID, "error", err.Error())
	}
	return result, nil
}

// EnrichFile runs Stage 2: document summary plus a contextual header per
// chunk, written back through payload updates that keep ids and vectors.
func (s *Service) EnrichFile(ctx context.Context, fileID string) error {
	memories, err := s.vector.ListByFileID(ctx, fileID)
	if err != nil {
		return fmt.Errorf("failed to list chunks for %s: %w", fileID, err)
	}
	if len(memories) == 0 {
		return fmt.Errorf("no chunks found for file %s", fileID)
	}
	sort.Slice(memories, func(i, j int) bool {
		return chunkIndex(memories[i]) < chunkIndex(memories[j])
	})

	summary, err := s.summarise(ctx, memories)
	if err != nil {
		return fmt.Errorf("summary generation failed: %w", err)
	}

	enrichedAt := time.Now().UTC().Format(time.RFC3339)
	for _, m := range memories {
		header, herr := s.contextualHeader(ctx, summary, m.Content)
		if herr != nil {
			s.logger.Warn("header generation failed",
				"file_id", fileID, "memory_id", m.ID, "error", herr.Error())
			header = ""
		}
		fields := map[string]interface{}{
			"summary":     summary,
			"enriched_at": enrichedAt,
		}
		if header != "" {
			fields["context_header"] = header
		}
		if err := s.vector.UpdatePayload(ctx, m.ID, fields); err != nil {
			return fmt.Errorf("payload update failed for %s: %w", m.ID, err)
		}
	}
	s.logger.Info("document enriched", "file_id", fileID, "chunks", len(memories))
	return nil
}

func chunkIndex(m *types.Memory) int {
	switch v := m.Metadata["chunk_index"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

// summarise condenses the whole document into a few sentences
func (s *Service) summarise(ctx context.Context, memories []*types.Memory) (string, error) {
	var b strings.Builder
	for _, m := range memories {
		if b.Len() >= summaryInputLimit {
			break
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	input := b.String()
	if runes := []rune(input); len(runes) > summaryInputLimit {
		input = string(runes[:summaryInputLimit])
	}

	return s.llmClient.Complete(ctx, &llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "Summarise the document in at most three sentences. Keep part numbers and entity names verbatim."},
			{Role: "user", Content: input},
		},
		MaxTokens:   summaryMaxTokens,
		Temperature: 0.2,
	})
}

// contextualHeader situates one chunk within the document
func (s *Service) contextualHeader(ctx context.Context, summary, chunk string) (string, error) {
	return s.llmClient.Complete(ctx, &llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: "Write one sentence describing how the excerpt fits into the document. Answer with the sentence only."},
			{Role: "user", Content: fmt.Sprintf("Document summary:\n%s\n\nExcerpt:\n%s", summary, chunk)},
		},
		MaxTokens:   headerMaxTokens,
		Temperature: 0.2,
	})
}
