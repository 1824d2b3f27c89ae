// Package memory implements the agent memory manager: tier routing across
// the short-term KV store and long-term vector store, with shadow documents
// in the graph store.
//
// Adapter failures are logged and degraded here: operations report success
// as booleans and searches return empty slices, so callers never see a
// transient back-end error.
package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"aibox-memory/internal/logging"
	"aibox-memory/internal/storage"
	"aibox-memory/pkg/types"
)

// Manager routes memory operations to the configured tiers.
type Manager struct {
	shortTerm storage.MemoryStore
	longTerm  storage.VectorMemoryStore
	graph     storage.GraphStore
	oplog     *storage.OperationLog
	logger    logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithShortTerm attaches the KV tier
func WithShortTerm(store storage.MemoryStore) Option {
	return func(m *Manager) { m.shortTerm = store }
}

// WithLongTerm attaches the vector tier
func WithLongTerm(store storage.VectorMemoryStore) Option {
	return func(m *Manager) { m.longTerm = store }
}

// WithGraph attaches the graph/document tier for shadow writes
func WithGraph(store storage.GraphStore) Option {
	return func(m *Manager) { m.graph = store }
}

// WithOperationLog attaches an audit log; appends are best-effort
func WithOperationLog(oplog *storage.OperationLog) Option {
	return func(m *Manager) { m.oplog = oplog }
}

// NewManager creates a memory manager
func NewManager(logger logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{logger: logger.WithComponent("memory_manager")}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// tierFor returns the adapter owning a memory type, or nil when the tier is
// not configured
func (mm *Manager) tierFor(memType types.MemoryType) storage.MemoryStore {
	switch memType {
	case types.MemoryTypeShortTerm:
		if mm.shortTerm == nil {
			return nil
		}
		return mm.shortTerm
	case types.MemoryTypeLongTerm:
		if mm.longTerm == nil {
			return nil
		}
		return mm.longTerm
	default:
		return nil
	}
}

func (mm *Manager) audit(ctx context.Context, userID, resourceID, operation string, detail map[string]interface{}) {
	if mm.oplog == nil {
		return
	}
	if _, err := mm.oplog.Append(ctx, userID, resourceID, operation, detail); err != nil {
		mm.logger.Warn("operation log append failed", "operation", operation, "error", err.Error())
	}
}

// StoreMemory stores a memory on its tier, shadowing long-term records into
// the graph store. Returns the memory id and whether the primary write
// succeeded.
func (mm *Manager) StoreMemory(ctx context.Context, m *types.Memory) (string, bool) {
	if m.ID == "" {
		fresh := types.NewMemory(m.Content, m.Type, m.UserID)
		if m.Priority != "" {
			fresh.Priority = m.Priority
		}
		fresh.EntityType = m.EntityType
		fresh.EntityValue = m.EntityValue
		if m.Confidence > 0 {
			fresh.Confidence = m.Confidence
		}
		if len(m.Metadata) > 0 {
			fresh.Metadata = m.Metadata
		}
		m = fresh
	}

	tier := mm.tierFor(m.Type)
	if tier == nil {
		mm.logger.Warn("no adapter for memory type", "memory_type", string(m.Type))
		return "", false
	}

	if err := tier.Store(ctx, m); err != nil {
		mm.logger.Error("primary store failed", "id", m.ID, "memory_type", string(m.Type), "error", err.Error())
		return "", false
	}

	// Shadow document; never fails the primary write.
	if mm.graph != nil && m.Type == types.MemoryTypeLongTerm {
		if err := mm.graph.Store(ctx, m); err != nil {
			mm.logger.Warn("graph shadow store failed", "id", m.ID, "error", err.Error())
		}
	}

	mm.audit(ctx, m.UserID, m.ID, "store", map[string]interface{}{"memory_type": string(m.Type)})
	return m.ID, true
}

// RetrieveMemory fetches by id. With an empty type it tries tiers in order
// short_term then long_term, stopping at the first hit. Hits bump hotness.
func (mm *Manager) RetrieveMemory(ctx context.Context, id string, memType types.MemoryType) (*types.Memory, bool) {
	tiers := make([]storage.MemoryStore, 0, 2)
	if memType != "" {
		tier := mm.tierFor(memType)
		if tier == nil {
			return nil, false
		}
		tiers = append(tiers, tier)
	} else {
		if mm.shortTerm != nil {
			tiers = append(tiers, mm.shortTerm)
		}
		if mm.longTerm != nil {
			tiers = append(tiers, mm.longTerm)
		}
	}

	for _, tier := range tiers {
		m, err := tier.Retrieve(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			mm.logger.Warn("tier retrieve failed", "id", id, "error", err.Error())
			continue
		}
		mm.updateAccess(ctx, tier, m)
		return m, true
	}
	return nil, false
}

// updateAccess bumps hotness counters on a retrieval hit, best-effort
func (mm *Manager) updateAccess(ctx context.Context, tier storage.MemoryStore, m *types.Memory) {
	m.Touch()
	if err := tier.Update(ctx, m); err != nil {
		mm.logger.Debug("access update failed", "id", m.ID, "error", err.Error())
	}
}

// UpdateMemory applies a read-modify-write. Nil fields are left untouched.
func (mm *Manager) UpdateMemory(ctx context.Context, id string, content *string, priority *types.Priority, metadata map[string]interface{}) bool {
	m, ok := mm.RetrieveMemory(ctx, id, "")
	if !ok {
		return false
	}

	if content != nil {
		m.Content = *content
	}
	if priority != nil {
		m.Priority = *priority
	}
	for k, v := range metadata {
		m.Metadata[k] = v
	}
	m.UpdatedAt = time.Now().UTC()

	tier := mm.tierFor(m.Type)
	if tier == nil {
		return false
	}
	if err := tier.Update(ctx, m); err != nil {
		mm.logger.Error("update failed", "id", id, "error", err.Error())
		return false
	}

	if mm.graph != nil && m.Type == types.MemoryTypeLongTerm {
		if err := mm.graph.Store(ctx, m); err != nil {
			mm.logger.Warn("graph shadow update failed", "id", id, "error", err.Error())
		}
	}

	mm.audit(ctx, m.UserID, id, "update", nil)
	return true
}

// DeleteMemory removes by id. With an empty type every tier is tried;
// success means at least one tier deleted the record.
func (mm *Manager) DeleteMemory(ctx context.Context, id string, memType types.MemoryType) bool {
	tiers := make([]storage.MemoryStore, 0, 2)
	if memType != "" {
		tier := mm.tierFor(memType)
		if tier == nil {
			return false
		}
		tiers = append(tiers, tier)
	} else {
		if mm.shortTerm != nil {
			tiers = append(tiers, mm.shortTerm)
		}
		if mm.longTerm != nil {
			tiers = append(tiers, mm.longTerm)
		}
	}

	deleted := false
	for _, tier := range tiers {
		err := tier.Delete(ctx, id)
		if err == nil {
			deleted = true
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			mm.logger.Warn("tier delete failed", "id", id, "error", err.Error())
		}
	}

	if mm.graph != nil {
		if err := mm.graph.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			mm.logger.Warn("graph shadow delete failed", "id", id, "error", err.Error())
		}
	}

	if deleted {
		mm.audit(ctx, "", id, "delete", nil)
	}
	return deleted
}

// SearchMemories merges results across tiers, filters by min relevance, and
// sorts by (relevance, priority rank, accessed_at) descending. Never returns
// nil.
func (mm *Manager) SearchMemories(ctx context.Context, query *types.MemoryQuery) []*types.Memory {
	tiers := make([]storage.MemoryStore, 0, 2)
	if query.Type != "" {
		if tier := mm.tierFor(query.Type); tier != nil {
			tiers = append(tiers, tier)
		}
	} else {
		if mm.shortTerm != nil {
			tiers = append(tiers, mm.shortTerm)
		}
		if mm.longTerm != nil {
			tiers = append(tiers, mm.longTerm)
		}
	}

	results := make([]*types.Memory, 0)
	seen := make(map[string]bool)
	for _, tier := range tiers {
		hits, err := tier.Search(ctx, query)
		if err != nil {
			mm.logger.Warn("tier search failed", "query", query.Query, "error", err.Error())
			continue
		}
		for _, m := range hits {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			if query.MinRelevance > 0 && m.RelevanceScore < query.MinRelevance {
				continue
			}
			results = append(results, m)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		return a.AccessedAt.After(b.AccessedAt)
	})

	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	return results
}

// SyncMemory writes the current record to every enabled adapter. The owning
// tier is authoritative; other writes are best-effort.
func (mm *Manager) SyncMemory(ctx context.Context, id string, content *string, metadata map[string]interface{}) bool {
	m, ok := mm.RetrieveMemory(ctx, id, "")
	if !ok {
		return false
	}

	if content != nil {
		m.Content = *content
	}
	for k, v := range metadata {
		m.Metadata[k] = v
	}
	m.UpdatedAt = time.Now().UTC()

	primary := mm.tierFor(m.Type)
	if primary == nil {
		return false
	}
	if err := primary.Update(ctx, m); err != nil {
		mm.logger.Error("sync primary write failed", "id", id, "error", err.Error())
		return false
	}

	for _, tier := range []storage.MemoryStore{mm.shortTerm, mm.longTerm, mm.graph} {
		if tier == nil || tier == primary {
			continue
		}
		if err := tier.Store(ctx, m); err != nil {
			mm.logger.Debug("sync secondary write failed", "id", id, "error", err.Error())
		}
	}

	mm.audit(ctx, m.UserID, id, "sync", nil)
	return true
}

// IncrementalUpdate appends a content delta (newline-joined) and shallow-
// merges a metadata delta. Repeating the same delta appends again.
func (mm *Manager) IncrementalUpdate(ctx context.Context, id string, contentDelta string, metadataDelta map[string]interface{}) bool {
	m, ok := mm.RetrieveMemory(ctx, id, "")
	if !ok {
		return false
	}

	if contentDelta != "" {
		if m.Content == "" {
			m.Content = contentDelta
		} else {
			m.Content = m.Content + "\n" + contentDelta
		}
	}
	for k, v := range metadataDelta {
		m.Metadata[k] = v
	}
	m.UpdatedAt = time.Now().UTC()

	tier := mm.tierFor(m.Type)
	if tier == nil {
		return false
	}
	if err := tier.Update(ctx, m); err != nil {
		mm.logger.Error("incremental update failed", "id", id, "error", err.Error())
		return false
	}

	if mm.graph != nil && m.Type == types.MemoryTypeLongTerm {
		if err := mm.graph.Store(ctx, m); err != nil {
			mm.logger.Warn("graph shadow update failed", "id", id, "error", err.Error())
		}
	}
	return true
}

// HasLongTerm reports whether the vector tier is configured
func (mm *Manager) HasLongTerm() bool { return mm.longTerm != nil }

// ShortTerm exposes the KV tier
func (mm *Manager) ShortTerm() storage.MemoryStore { return mm.shortTerm }

// LongTerm exposes the vector tier for components needing its extended
// surface (review job, deletion manager)
func (mm *Manager) LongTerm() storage.VectorMemoryStore { return mm.longTerm }

// Graph exposes the graph tier
func (mm *Manager) Graph() storage.GraphStore { return mm.graph }
