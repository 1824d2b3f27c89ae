package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"aibox-memory/internal/storage"
	"aibox-memory/pkg/types"
)

// TypedWrite describes a typed long-term record to be stored or refreshed.
type TypedWrite struct {
	UserID      string
	EntityType  string
	EntityValue string
	Content     string
	Confidence  float64
	Metadata    map[string]interface{}
}

// StoreTyped upserts a typed long-term record while keeping the
// deduplication contract: at most one active record per
// (user_id, entity_type, entity_value). An existing record is refreshed when
// the new confidence is at least as high; otherwise the write is dropped.
// Returns the record id and whether a write happened.
func (mm *Manager) StoreTyped(ctx context.Context, w *TypedWrite) (string, bool) {
	if mm.longTerm == nil || w.UserID == "" || w.EntityType == "" || w.EntityValue == "" {
		return "", false
	}

	existing, err := mm.longTerm.FindByExactMatch(ctx, w.UserID, w.EntityType, w.EntityValue)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		mm.logger.Warn("typed lookup failed", "entity_type", w.EntityType, "error", err.Error())
		return "", false
	}

	if existing != nil {
		if w.Confidence < existing.Confidence {
			return existing.ID, false
		}
		existing.Confidence = w.Confidence
		if w.Content != "" {
			existing.Content = w.Content
		}
		for k, v := range w.Metadata {
			existing.Metadata[k] = v
		}
		existing.UpdatedAt = time.Now().UTC()
		if uerr := mm.longTerm.Update(ctx, existing); uerr != nil {
			mm.logger.Warn("typed confidence update failed", "id", existing.ID, "error", uerr.Error())
			return existing.ID, false
		}
		return existing.ID, true
	}

	content := w.Content
	if content == "" {
		content = fmt.Sprintf("%s: %s", w.EntityType, w.EntityValue)
	}
	m := types.NewMemory(content, types.MemoryTypeLongTerm, w.UserID)
	m.EntityType = w.EntityType
	m.EntityValue = w.EntityValue
	m.Confidence = w.Confidence
	m.Priority = types.PriorityHigh
	for k, v := range w.Metadata {
		m.Metadata[k] = v
	}
	m.Metadata["entity_key"] = fmt.Sprintf("%s_%s_%s_%d",
		shortEntityPrefix(w.EntityType), w.UserID, w.EntityValue, time.Now().UnixMilli())

	id, ok := mm.StoreMemory(ctx, m)
	return id, ok
}

// shortEntityPrefix maps entity types onto their write-back key prefixes
func shortEntityPrefix(entityType string) string {
	if entityType == types.EntityTypePartNumber {
		return "part"
	}
	return entityType
}

// FindTyped returns the user's typed long-term records of the given types at
// or above a confidence floor, ordered by confidence descending
func (mm *Manager) FindTyped(ctx context.Context, userID string, entityTypes []string, minConfidence float64, limit int) []*types.Memory {
	if mm.longTerm == nil || userID == "" {
		return []*types.Memory{}
	}
	if limit <= 0 {
		limit = 5
	}

	results := make([]*types.Memory, 0, limit)
	for _, entityType := range entityTypes {
		hits, err := mm.longTerm.Search(ctx, &types.MemoryQuery{
			UserID:        userID,
			EntityType:    entityType,
			MinConfidence: minConfidence,
			Limit:         limit,
		})
		if err != nil {
			mm.logger.Warn("typed search failed", "entity_type", entityType, "error", err.Error())
			continue
		}
		results = append(results, hits...)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
