package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"aibox-memory/pkg/types"
)

// MockVectorStore is an in-memory VectorMemoryStore used by unit tests and
// local development. Search is naive substring matching with a fixed score.
type MockVectorStore struct {
	mu       sync.RWMutex
	memories map[string]*types.Memory

	// FailOps forces named operations to fail, for degradation tests.
	FailOps map[string]error
}

// NewMockVectorStore creates an empty in-memory store
func NewMockVectorStore() *MockVectorStore {
	return &MockVectorStore{
		memories: make(map[string]*types.Memory),
		FailOps:  make(map[string]error),
	}
}

func (ms *MockVectorStore) fail(op string) error {
	if err, ok := ms.FailOps[op]; ok {
		return err
	}
	return nil
}

// Initialize is a no-op
func (ms *MockVectorStore) Initialize(_ context.Context) error { return ms.fail("initialize") }

// Store saves a memory
func (ms *MockVectorStore) Store(_ context.Context, m *types.Memory) error {
	if err := ms.fail("store"); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.memories[m.ID] = m.Clone()
	return nil
}

// Retrieve fetches by id
func (ms *MockVectorStore) Retrieve(_ context.Context, id string) (*types.Memory, error) {
	if err := ms.fail("retrieve"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if m, ok := ms.memories[id]; ok {
		return m.Clone(), nil
	}
	return nil, ErrNotFound
}

// Update overwrites an existing memory
func (ms *MockVectorStore) Update(_ context.Context, m *types.Memory) error {
	if err := ms.fail("update"); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.memories[m.ID]; !ok {
		return ErrNotFound
	}
	ms.memories[m.ID] = m.Clone()
	return nil
}

// Delete removes by id
func (ms *MockVectorStore) Delete(_ context.Context, id string) error {
	if err := ms.fail("delete"); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.memories[id]; !ok {
		return ErrNotFound
	}
	delete(ms.memories, id)
	return nil
}

// Search does substring matching honoring user isolation and status filters
func (ms *MockVectorStore) Search(_ context.Context, query *types.MemoryQuery) ([]*types.Memory, error) {
	if err := ms.fail("search"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	status := query.Status
	if status == "" {
		status = types.MemoryStatusActive
	}

	results := make([]*types.Memory, 0)
	for _, m := range ms.memories {
		if m.Status != status {
			continue
		}
		if query.UserID != "" && m.UserID != query.UserID {
			continue
		}
		if query.Type != "" && m.Type != query.Type {
			continue
		}
		if query.EntityType != "" && m.EntityType != query.EntityType {
			continue
		}
		if query.FileID != "" && fileIDOf(m) != query.FileID {
			continue
		}
		if query.MinConfidence > 0 && m.Confidence < query.MinConfidence {
			continue
		}
		if query.Query != "" && !strings.Contains(strings.ToLower(m.Content), strings.ToLower(query.Query)) {
			continue
		}
		clone := m.Clone()
		clone.RelevanceScore = 0.8
		results = append(results, clone)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results, nil
}

// FindByExactMatch looks up the active typed record
func (ms *MockVectorStore) FindByExactMatch(_ context.Context, userID, entityType, entityValue string) (*types.Memory, error) {
	if err := ms.fail("find_by_exact_match"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	for _, m := range ms.memories {
		if m.UserID == userID && m.EntityType == entityType && m.EntityValue == entityValue &&
			m.Status == types.MemoryStatusActive {
			return m.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// DetectConflicts reports same-type records with different values as
// mid-similarity conflicts
func (ms *MockVectorStore) DetectConflicts(_ context.Context, userID, entityType, value string, confidence float64) ([]types.MemoryConflict, error) {
	if err := ms.fail("detect_conflicts"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	conflicts := make([]types.MemoryConflict, 0)
	for _, m := range ms.memories {
		if m.UserID != userID || m.EntityType != entityType || m.Status != types.MemoryStatusActive {
			continue
		}
		if m.EntityValue == value {
			continue
		}
		action := types.ConflictActionIgnore
		if confidence > m.Confidence {
			action = types.ConflictActionOverwrite
		}
		conflicts = append(conflicts, types.MemoryConflict{
			Existing:        m.Clone(),
			NewConfidence:   confidence,
			Similarity:      0.9,
			SuggestedAction: action,
		})
	}
	return conflicts, nil
}

// FindLowHotness returns cold active records
func (ms *MockVectorStore) FindLowHotness(_ context.Context, userID string, maxAccess int64, olderThanDays int) ([]*types.Memory, error) {
	if err := ms.fail("find_low_hotness"); err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	results := make([]*types.Memory, 0)
	for _, m := range ms.memories {
		if m.UserID == userID && m.Status == types.MemoryStatusActive &&
			m.AccessCount <= maxAccess && m.CreatedAt.Before(cutoff) {
			results = append(results, m.Clone())
		}
	}
	return results, nil
}

func (ms *MockVectorStore) setStatus(id string, status types.MemoryStatus) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m, ok := ms.memories[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// Archive marks a record archived
func (ms *MockVectorStore) Archive(_ context.Context, id string) error {
	if err := ms.fail("archive"); err != nil {
		return err
	}
	return ms.setStatus(id, types.MemoryStatusArchived)
}

// MarkForReview flags a record for review
func (ms *MockVectorStore) MarkForReview(_ context.Context, id string) error {
	if err := ms.fail("mark_for_review"); err != nil {
		return err
	}
	return ms.setStatus(id, types.MemoryStatusReview)
}

// ListUserIDs enumerates distinct users
func (ms *MockVectorStore) ListUserIDs(_ context.Context) ([]string, error) {
	if err := ms.fail("list_user_ids"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	seen := make(map[string]bool)
	for _, m := range ms.memories {
		if m.UserID != "" {
			seen[m.UserID] = true
		}
	}
	users := make([]string, 0, len(seen))
	for uid := range seen {
		users = append(users, uid)
	}
	sort.Strings(users)
	return users, nil
}

// ListByFileID lists records carrying the file id
func (ms *MockVectorStore) ListByFileID(_ context.Context, fileID string) ([]*types.Memory, error) {
	if err := ms.fail("list_by_file_id"); err != nil {
		return nil, err
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	results := make([]*types.Memory, 0)
	for _, m := range ms.memories {
		if fileIDOf(m) == fileID {
			results = append(results, m.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results, nil
}

// UpdatePayload merges fields into the record's metadata
func (ms *MockVectorStore) UpdatePayload(_ context.Context, id string, fields map[string]interface{}) error {
	if err := ms.fail("update_payload"); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	m, ok := ms.memories[id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case "status":
			if s, ok := v.(string); ok {
				m.Status = types.MemoryStatus(s)
			}
		case "content":
			if s, ok := v.(string); ok {
				m.Content = s
			}
		default:
			m.Metadata[k] = v
		}
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteByFileID removes records for a file
func (ms *MockVectorStore) DeleteByFileID(_ context.Context, fileID string) (int, error) {
	if err := ms.fail("delete_by_file_id"); err != nil {
		return 0, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	count := 0
	for id, m := range ms.memories {
		if fileIDOf(m) == fileID {
			delete(ms.memories, id)
			count++
		}
	}
	return count, nil
}

// HealthCheck is a no-op
func (ms *MockVectorStore) HealthCheck(_ context.Context) error { return ms.fail("health_check") }

// Close is a no-op
func (ms *MockVectorStore) Close() error { return nil }

// Len reports the number of stored memories
func (ms *MockVectorStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.memories)
}
