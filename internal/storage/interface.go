// Package storage provides the memory storage adapters: Redis for the
// short-term tier, Qdrant for the long-term vector tier, and SQLite for the
// document + graph tier.
package storage

import (
	"context"
	"errors"
	"time"

	"aibox-memory/pkg/types"
)

// ErrNotFound is returned when a memory does not exist in a store.
var ErrNotFound = errors.New("memory not found")

// ErrSearchUnsupported is returned by stores that intentionally do not
// implement search (the KV tier).
var ErrSearchUnsupported = errors.New("search not supported by this store")

// MemoryStore is the uniform adapter contract shared by all tiers.
type MemoryStore interface {
	Initialize(ctx context.Context) error
	Store(ctx context.Context, m *types.Memory) error
	Retrieve(ctx context.Context, id string) (*types.Memory, error)
	Update(ctx context.Context, m *types.Memory) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, query *types.MemoryQuery) ([]*types.Memory, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Embedder produces a vector for a text. Defined here so the vector store
// does not depend on a concrete embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// VectorMemoryStore is the long-term tier extension surface: typed recall,
// conflict detection, hotness queries, hygiene transitions, and the
// payload-level updates required by two-stage ingestion.
type VectorMemoryStore interface {
	MemoryStore

	// FindByExactMatch looks up the single active record for
	// (user_id, entity_type, entity_value).
	FindByExactMatch(ctx context.Context, userID, entityType, entityValue string) (*types.Memory, error)

	// DetectConflicts compares a candidate value against existing active
	// records of the same type for the user. Similarity strictly between
	// 0.85 and 1.0 produces a conflict.
	DetectConflicts(ctx context.Context, userID, entityType, value string, confidence float64) ([]types.MemoryConflict, error)

	// FindLowHotness returns active records with access_count <= maxAccess
	// created more than olderThanDays ago.
	FindLowHotness(ctx context.Context, userID string, maxAccess int64, olderThanDays int) ([]*types.Memory, error)

	Archive(ctx context.Context, id string) error
	MarkForReview(ctx context.Context, id string) error

	// ListUserIDs enumerates distinct user ids, used by the review job.
	ListUserIDs(ctx context.Context) ([]string, error)

	// ListByFileID returns all records for a file (Stage-2 ingestion reads
	// existing points back before updating their payloads).
	ListByFileID(ctx context.Context, fileID string) ([]*types.Memory, error)

	// UpdatePayload merges fields into an existing point's payload without
	// touching its vector or id.
	UpdatePayload(ctx context.Context, id string, fields map[string]interface{}) error

	// DeleteByFileID removes every point belonging to a file.
	DeleteByFileID(ctx context.Context, fileID string) (int, error)
}

// GraphStore is the document + graph tier extension surface.
type GraphStore interface {
	MemoryStore

	UpsertEntity(ctx context.Context, e *types.Entity) error
	UpsertRelation(ctx context.Context, r *types.Relation) error
	DeleteEntitiesByFile(ctx context.Context, fileID string) (int, error)
	DeleteRelationsByFile(ctx context.Context, fileID string) (int, error)

	// MatchEntities finds entities by exact, prefix, or case-insensitive
	// substring match over name, optionally filtered by type.
	MatchEntities(ctx context.Context, text, entityType string, limit int) ([]types.Entity, error)

	// Neighbors returns 1-hop triples for an entity.
	Neighbors(ctx context.Context, entityKey string, limit int) ([]types.GraphPath, error)

	// Subgraph returns paths up to the given depth.
	Subgraph(ctx context.Context, entityKey string, depth, limit int) ([]types.GraphPath, error)
}

// fileIDOf prefers the typed field over the payload copy
func fileIDOf(m *types.Memory) string {
	if m.FileID != "" {
		return m.FileID
	}
	return m.MetadataString("file_id")
}

// StorageMetrics tracks per-operation statistics for a store.
type StorageMetrics struct {
	OperationCounts  map[string]int64   `json:"operation_counts"`
	AverageLatency   map[string]float64 `json:"average_latency_ms"`
	ErrorCounts      map[string]int64   `json:"error_counts"`
	ConnectionStatus string             `json:"connection_status"`
	LastOperation    string             `json:"last_operation,omitempty"`
}

// NewStorageMetrics creates an initialized metrics holder
func NewStorageMetrics() *StorageMetrics {
	return &StorageMetrics{
		OperationCounts:  make(map[string]int64),
		AverageLatency:   make(map[string]float64),
		ErrorCounts:      make(map[string]int64),
		ConnectionStatus: "unknown",
	}
}

// Record updates counters and the rolling average latency for an operation
func (sm *StorageMetrics) Record(operation string, start time.Time, err error) {
	duration := time.Since(start)

	sm.OperationCounts[operation]++
	count := float64(sm.OperationCounts[operation])
	currentAvg := sm.AverageLatency[operation]
	sm.AverageLatency[operation] = (currentAvg*(count-1) + float64(duration.Milliseconds())) / count

	if err != nil {
		sm.ErrorCounts[operation]++
	}
	sm.LastOperation = operation
}

// BatchResult reports the outcome of a batch operation.
type BatchResult struct {
	Success      int      `json:"success"`
	Failed       int      `json:"failed"`
	Errors       []string `json:"errors,omitempty"`
	ProcessedIDs []string `json:"processed_ids,omitempty"`
}
