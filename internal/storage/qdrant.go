package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"aibox-memory/internal/config"
	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

const (
	defaultCollection = "aibox_memory"
	defaultVectorSize = 1536

	// Conflict detection bounds: similarity strictly inside (0.85, 1.0)
	// counts as a conflict. 1.0 is an exact duplicate handled by the
	// dedupe contract instead.
	conflictSimilarityFloor = 0.85
	conflictSimilarityCeil  = 1.0
)

// QdrantStore implements VectorMemoryStore for the long-term tier. The
// physical layout follows the configured collection naming strategy: one
// collection per user or per file, derived from a shared base name.
type QdrantStore struct {
	client     *qdrant.Client
	cfg        *config.QdrantConfig
	embedder   Embedder
	metrics    *StorageMetrics
	logger     logging.Logger
	base       string
	naming     types.CollectionNaming
	vectorSize uint64

	mu          sync.RWMutex
	collections map[string]bool
}

// NewQdrantStore creates a long-term vector store
func NewQdrantStore(cfg *config.QdrantConfig, embedder Embedder, logger logging.Logger) *QdrantStore {
	base := cfg.Collection
	if base == "" {
		base = defaultCollection
	}
	size := uint64(cfg.VectorSize)
	if size == 0 {
		size = defaultVectorSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &QdrantStore{
		cfg:         cfg,
		embedder:    embedder,
		metrics:     NewStorageMetrics(),
		logger:      logger.WithComponent("qdrant_store"),
		base:        base,
		naming:      cfg.CollectionNaming,
		vectorSize:  size,
		collections: make(map[string]bool),
	}
}

// Initialize connects to Qdrant and ensures the base collection exists
func (qs *QdrantStore) Initialize(ctx context.Context) error {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("initialize", start, err) }()

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   qs.cfg.Host,
		Port:   qs.cfg.Port,
		APIKey: qs.cfg.APIKey,
		UseTLS: qs.cfg.UseTLS,
	})
	if err != nil {
		qs.metrics.ConnectionStatus = "error"
		return fmt.Errorf("failed to create qdrant client: %w", err)
	}
	qs.client = client

	if err = qs.refreshCollections(ctx); err != nil {
		qs.metrics.ConnectionStatus = "error"
		return err
	}
	if err = qs.ensureCollection(ctx, qs.base); err != nil {
		qs.metrics.ConnectionStatus = "error"
		return err
	}

	qs.metrics.ConnectionStatus = "connected"
	qs.logger.Info("qdrant store initialized", "base", qs.base, "naming", string(qs.naming))
	return nil
}

// collectionFor derives the collection name for a scope value. An empty
// scope maps to the base collection (legacy/global records).
func (qs *QdrantStore) collectionFor(scope string) string {
	if scope == "" {
		return qs.base
	}
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, scope)
	return qs.base + "_" + sanitized
}

// scopeOf picks the naming scope for a memory per the cluster-wide strategy
func (qs *QdrantStore) scopeOf(m *types.Memory) string {
	if qs.naming == types.CollectionNamingFileBased {
		return fileIDOf(m)
	}
	return m.UserID
}

func (qs *QdrantStore) refreshCollections(ctx context.Context) error {
	names, err := qs.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	qs.mu.Lock()
	defer qs.mu.Unlock()
	qs.collections = make(map[string]bool, len(names))
	for _, name := range names {
		if name == qs.base || strings.HasPrefix(name, qs.base+"_") {
			qs.collections[name] = true
		}
	}
	return nil
}

func (qs *QdrantStore) ensureCollection(ctx context.Context, name string) error {
	qs.mu.RLock()
	known := qs.collections[name]
	qs.mu.RUnlock()
	if known {
		return nil
	}

	err := qs.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     qs.vectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to create collection %s: %w", name, err)
	}

	qs.mu.Lock()
	qs.collections[name] = true
	qs.mu.Unlock()
	qs.logger.Info("created qdrant collection", "collection", name)
	return nil
}

// knownCollections returns a snapshot of the managed collection names
func (qs *QdrantStore) knownCollections() []string {
	qs.mu.RLock()
	defer qs.mu.RUnlock()
	names := make([]string, 0, len(qs.collections))
	for name := range qs.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store saves a memory, embedding its content when no vector is attached
func (qs *QdrantStore) Store(ctx context.Context, m *types.Memory) error {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("store", start, err) }()

	if err = m.Validate(); err != nil {
		return fmt.Errorf("invalid memory: %w", err)
	}

	if len(m.Embedding) == 0 {
		m.Embedding, err = qs.embedder.Embed(ctx, m.Content)
		if err != nil {
			return fmt.Errorf("failed to embed content: %w", err)
		}
	}

	collection := qs.collectionFor(qs.scopeOf(m))
	if err = qs.ensureCollection(ctx, collection); err != nil {
		return err
	}

	_, err = qs.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         []*qdrant.PointStruct{qs.memoryToPoint(m)},
	})
	if err != nil {
		return fmt.Errorf("failed to store memory in qdrant: %w", err)
	}

	qs.logger.Debug("stored long-term memory", "id", m.ID, "collection", collection, "user_id", m.UserID)
	return nil
}

// locate finds the collection that holds a point id
func (qs *QdrantStore) locate(ctx context.Context, id string) (string, *qdrant.RetrievedPoint, error) {
	for attempt := 0; attempt < 2; attempt++ {
		for _, collection := range qs.knownCollections() {
			points, err := qs.client.Get(ctx, &qdrant.GetPoints{
				CollectionName: collection,
				Ids:            []*qdrant.PointId{qs.pointID(id)},
				WithPayload:    qdrant.NewWithPayload(true),
				WithVectors:    qdrant.NewWithVectors(true),
			})
			if err != nil {
				continue
			}
			if len(points) > 0 {
				return collection, points[0], nil
			}
		}
		// The point may live in a collection created by another worker.
		if attempt == 0 {
			if err := qs.refreshCollections(ctx); err != nil {
				return "", nil, err
			}
		}
	}
	return "", nil, ErrNotFound
}

// Retrieve fetches a memory by id across managed collections
func (qs *QdrantStore) Retrieve(ctx context.Context, id string) (*types.Memory, error) {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("retrieve", start, err) }()

	_, point, err := qs.locate(ctx, id)
	if err != nil {
		return nil, err
	}
	return qs.retrievedToMemory(point)
}

// Update upserts the record in place (same ids, refreshed payload/vector)
func (qs *QdrantStore) Update(ctx context.Context, m *types.Memory) error {
	return qs.Store(ctx, m)
}

// Delete removes a memory by id
func (qs *QdrantStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("delete", start, err) }()

	collection, _, err := qs.locate(ctx, id)
	if err != nil {
		return err
	}

	_, err = qs.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{qs.pointID(id)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete memory from qdrant: %w", err)
	}
	return nil
}

// Search performs vector similarity search with payload filters. User
// isolation: when the query carries a user id, only that user's records are
// eligible; archived records are excluded unless explicitly requested.
func (qs *QdrantStore) Search(ctx context.Context, query *types.MemoryQuery) ([]*types.Memory, error) {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("search", start, err) }()

	// Filter-only lookups scroll instead of embedding an empty string.
	if query.Query == "" {
		var results []*types.Memory
		results, err = qs.scrollSearch(ctx, query)
		return results, err
	}

	embedding, err := qs.embedder.Embed(ctx, query.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if qs.client == nil {
		err = fmt.Errorf("qdrant store is not initialized")
		return nil, err
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}

	collections := qs.searchCollections(query)
	filter := qs.buildFilter(query)

	results := make([]*types.Memory, 0, limit)
	for _, collection := range collections {
		points, qerr := qs.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(float64sToFloat32s(embedding)...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			Filter:         filter,
			ScoreThreshold: qdrant.PtrOf(float32(query.MinRelevance)),
		})
		if qerr != nil {
			qs.logger.Warn("qdrant query failed for collection", "collection", collection, "error", qerr)
			continue
		}
		for _, point := range points {
			m, cerr := qs.scoredToMemory(point)
			if cerr != nil {
				qs.logger.Error("failed to convert point to memory", "error", cerr, "point_id", point.GetId())
				continue
			}
			results = append(results, m)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	if len(results) > limit {
		results = results[:limit]
	}

	qs.logger.Debug("vector search completed", "query", query.Query, "results", len(results))
	return results, nil
}

// scrollSearch serves filter-only queries over payload indexes, ordered by
// confidence
func (qs *QdrantStore) scrollSearch(ctx context.Context, query *types.MemoryQuery) ([]*types.Memory, error) {
	if qs.client == nil {
		return nil, fmt.Errorf("qdrant store is not initialized")
	}

	limit := query.Limit
	if limit <= 0 {
		limit = 10
	}
	filter := qs.buildFilter(query)

	results := make([]*types.Memory, 0, limit)
	for _, collection := range qs.searchCollections(query) {
		points, serr := qs.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if serr != nil {
			qs.logger.Warn("qdrant scroll failed for collection", "collection", collection, "error", serr)
			continue
		}
		for _, point := range points {
			if m, cerr := qs.retrievedToMemory(point); cerr == nil {
				results = append(results, m)
			}
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// searchCollections picks the collections a query should fan over
func (qs *QdrantStore) searchCollections(query *types.MemoryQuery) []string {
	scope := query.UserID
	if qs.naming == types.CollectionNamingFileBased {
		scope = query.FileID
	}
	if scope != "" {
		return []string{qs.collectionFor(scope)}
	}
	return qs.knownCollections()
}

// buildFilter creates a qdrant filter from a MemoryQuery
func (qs *QdrantStore) buildFilter(query *types.MemoryQuery) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, 5)

	if query.UserID != "" {
		conditions = append(conditions, matchKeyword("user_id", query.UserID))
	}
	if query.EntityType != "" {
		conditions = append(conditions, matchKeyword("entity_type", query.EntityType))
	}
	if query.FileID != "" {
		conditions = append(conditions, matchKeyword("file_id", query.FileID))
	}

	status := query.Status
	if status == "" {
		status = types.MemoryStatusActive
	}
	conditions = append(conditions, matchKeyword("status", string(status)))

	if query.MinConfidence > 0 {
		conditions = append(conditions, rangeGte("confidence", query.MinConfidence))
	}

	return &qdrant.Filter{Must: conditions}
}

// FindByExactMatch looks up the single active record for the typed key
func (qs *QdrantStore) FindByExactMatch(ctx context.Context, userID, entityType, entityValue string) (*types.Memory, error) {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("find_by_exact_match", start, err) }()

	filter := &qdrant.Filter{Must: []*qdrant.Condition{
		matchKeyword("user_id", userID),
		matchKeyword("entity_type", entityType),
		matchKeyword("entity_value", entityValue),
		matchKeyword("status", string(types.MemoryStatusActive)),
	}}

	for _, collection := range qs.scopedCollections(userID) {
		points, serr := qs.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(1)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if serr != nil {
			continue
		}
		if len(points) > 0 {
			return qs.retrievedToMemory(points[0])
		}
	}
	err = ErrNotFound
	return nil, ErrNotFound
}

// scopedCollections narrows to the user's collection under user_based
// naming; under file_based naming a user's records span collections.
func (qs *QdrantStore) scopedCollections(userID string) []string {
	if qs.naming == types.CollectionNamingUserBased && userID != "" {
		return []string{qs.collectionFor(userID)}
	}
	return qs.knownCollections()
}

// DetectConflicts embeds the candidate value and compares it against
// existing active records of the same type for the user
func (qs *QdrantStore) DetectConflicts(ctx context.Context, userID, entityType, value string, confidence float64) ([]types.MemoryConflict, error) {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("detect_conflicts", start, err) }()

	candidate, err := qs.embedder.Embed(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("failed to embed candidate value: %w", err)
	}

	filter := &qdrant.Filter{Must: []*qdrant.Condition{
		matchKeyword("user_id", userID),
		matchKeyword("entity_type", entityType),
		matchKeyword("status", string(types.MemoryStatusActive)),
	}}

	conflicts := make([]types.MemoryConflict, 0)
	for _, collection := range qs.scopedCollections(userID) {
		points, serr := qs.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(256)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if serr != nil {
			qs.logger.Warn("conflict scan failed for collection", "collection", collection, "error", serr)
			continue
		}
		for _, point := range points {
			existing, cerr := qs.retrievedToMemory(point)
			if cerr != nil {
				continue
			}
			similarity := cosineSimilarity(candidate, existing.Embedding)
			if similarity <= conflictSimilarityFloor || similarity >= conflictSimilarityCeil {
				continue
			}
			action := types.ConflictActionIgnore
			if confidence > existing.Confidence {
				action = types.ConflictActionOverwrite
			}
			conflicts = append(conflicts, types.MemoryConflict{
				Existing:        existing,
				NewConfidence:   confidence,
				Similarity:      similarity,
				SuggestedAction: action,
			})
		}
	}
	return conflicts, nil
}

// FindLowHotness returns cold active records for the review job
func (qs *QdrantStore) FindLowHotness(ctx context.Context, userID string, maxAccess int64, olderThanDays int) ([]*types.Memory, error) {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("find_low_hotness", start, err) }()

	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	filter := &qdrant.Filter{Must: []*qdrant.Condition{
		matchKeyword("user_id", userID),
		matchKeyword("status", string(types.MemoryStatusActive)),
		rangeLte("access_count", float64(maxAccess)),
		rangeLt("created_at", float64(cutoff.Unix())),
	}}

	results := make([]*types.Memory, 0)
	for _, collection := range qs.scopedCollections(userID) {
		points, serr := qs.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(1000)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if serr != nil {
			continue
		}
		for _, point := range points {
			if m, cerr := qs.retrievedToMemory(point); cerr == nil {
				results = append(results, m)
			}
		}
	}
	return results, nil
}

// Archive transitions a record to archived status
func (qs *QdrantStore) Archive(ctx context.Context, id string) error {
	return qs.setStatus(ctx, id, types.MemoryStatusArchived)
}

// MarkForReview flags a record for human review
func (qs *QdrantStore) MarkForReview(ctx context.Context, id string) error {
	return qs.setStatus(ctx, id, types.MemoryStatusReview)
}

func (qs *QdrantStore) setStatus(ctx context.Context, id string, status types.MemoryStatus) error {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("set_status", start, err) }()

	err = qs.UpdatePayload(ctx, id, map[string]interface{}{
		"status":     string(status),
		"updated_at": time.Now().UTC().Unix(),
	})
	return err
}

// ListUserIDs enumerates distinct user ids across managed collections
func (qs *QdrantStore) ListUserIDs(ctx context.Context) ([]string, error) {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("list_user_ids", start, err) }()

	seen := make(map[string]bool)
	for _, collection := range qs.knownCollections() {
		points, serr := qs.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Limit:          qdrant.PtrOf(uint32(10000)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if serr != nil {
			continue
		}
		for _, point := range points {
			if uid := stringFromPayload(point.GetPayload(), "user_id"); uid != "" {
				seen[uid] = true
			}
		}
	}

	users := make([]string, 0, len(seen))
	for uid := range seen {
		users = append(users, uid)
	}
	sort.Strings(users)
	return users, nil
}

// ListByFileID returns every record of a file, vectors included
func (qs *QdrantStore) ListByFileID(ctx context.Context, fileID string) ([]*types.Memory, error) {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("list_by_file_id", start, err) }()

	filter := &qdrant.Filter{Must: []*qdrant.Condition{matchKeyword("file_id", fileID)}}

	results := make([]*types.Memory, 0)
	for _, collection := range qs.fileCollections(fileID) {
		points, serr := qs.client.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: collection,
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint32(10000)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if serr != nil {
			continue
		}
		for _, point := range points {
			if m, cerr := qs.retrievedToMemory(point); cerr == nil {
				results = append(results, m)
			}
		}
	}
	return results, nil
}

func (qs *QdrantStore) fileCollections(fileID string) []string {
	if qs.naming == types.CollectionNamingFileBased && fileID != "" {
		return []string{qs.collectionFor(fileID)}
	}
	return qs.knownCollections()
}

// UpdatePayload merges fields into a point's payload, preserving its vector
// and id. This is the Stage-2 ingestion primitive.
func (qs *QdrantStore) UpdatePayload(ctx context.Context, id string, fields map[string]interface{}) error {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("update_payload", start, err) }()

	collection, _, err := qs.locate(ctx, id)
	if err != nil {
		return err
	}

	payload := make(map[string]*qdrant.Value, len(fields))
	for k, v := range fields {
		payload[k] = anyToValue(v)
	}

	_, err = qs.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
		CollectionName: collection,
		Payload:        payload,
		PointsSelector: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{qs.pointID(id)}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to update payload: %w", err)
	}
	return nil
}

// DeleteByFileID removes every point of a file, returning the count removed
func (qs *QdrantStore) DeleteByFileID(ctx context.Context, fileID string) (int, error) {
	start := time.Now()
	var err error
	defer func() { qs.metrics.Record("delete_by_file_id", start, err) }()

	filter := &qdrant.Filter{Must: []*qdrant.Condition{matchKeyword("file_id", fileID)}}

	total := 0
	for _, collection := range qs.fileCollections(fileID) {
		count, cerr := qs.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: collection,
			Filter:         filter,
		})
		if cerr != nil {
			err = cerr
			continue
		}
		if count == 0 {
			continue
		}
		if _, derr := qs.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
			},
		}); derr != nil {
			err = derr
			continue
		}
		total += int(count)
	}
	if err != nil {
		return total, fmt.Errorf("failed to delete file vectors: %w", err)
	}
	return total, nil
}

// HealthCheck verifies the base collection is reachable
func (qs *QdrantStore) HealthCheck(ctx context.Context) error {
	if qs.client == nil {
		return fmt.Errorf("qdrant client not initialized")
	}
	if _, err := qs.client.GetCollectionInfo(ctx, qs.base); err != nil {
		qs.metrics.ConnectionStatus = "error"
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	qs.metrics.ConnectionStatus = "healthy"
	return nil
}

// Close releases the connection
func (qs *QdrantStore) Close() error {
	qs.metrics.ConnectionStatus = "closed"
	return nil
}

// Metrics returns the store's operation metrics
func (qs *QdrantStore) Metrics() *StorageMetrics { return qs.metrics }

// Conversion helpers

func (qs *QdrantStore) pointID(id string) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: id}}
}

func (qs *QdrantStore) memoryToPoint(m *types.Memory) *qdrant.PointStruct {
	payload := map[string]*qdrant.Value{
		"content":      stringValue(m.Content),
		"memory_type":  stringValue(string(m.Type)),
		"priority":     stringValue(string(m.Priority)),
		"user_id":      stringValue(m.UserID),
		"entity_type":  stringValue(m.EntityType),
		"entity_value": stringValue(m.EntityValue),
		"confidence":   doubleValue(m.Confidence),
		"status":       stringValue(string(m.Status)),
		"created_at":   intValue(m.CreatedAt.Unix()),
		"updated_at":   intValue(m.UpdatedAt.Unix()),
		"accessed_at":  intValue(m.AccessedAt.Unix()),
		"access_count": intValue(m.AccessCount),
	}

	// Promote filterable keys; the rest of the metadata map is flattened
	// into a single JSON string field (scalar-only payload contract).
	if fileID := fileIDOf(m); fileID != "" {
		payload["file_id"] = stringValue(fileID)
	}
	if sessionID := m.MetadataString("session_id"); sessionID != "" {
		payload["session_id"] = stringValue(sessionID)
	}
	if len(m.Metadata) > 0 {
		if data, err := json.Marshal(m.Metadata); err == nil {
			payload["metadata"] = stringValue(string(data))
		}
	}

	return &qdrant.PointStruct{
		Id:      qs.pointID(m.ID),
		Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: float64sToFloat32s(m.Embedding)}}},
		Payload: payload,
	}
}

func (qs *QdrantStore) payloadToMemory(id string, payload map[string]*qdrant.Value, embedding []float64) (*types.Memory, error) {
	if payload == nil {
		return nil, fmt.Errorf("point %s has no payload", id)
	}

	m := &types.Memory{
		ID:          id,
		Content:     stringFromPayload(payload, "content"),
		Type:        types.MemoryType(stringFromPayload(payload, "memory_type")),
		Priority:    types.Priority(stringFromPayload(payload, "priority")),
		UserID:      stringFromPayload(payload, "user_id"),
		EntityType:  stringFromPayload(payload, "entity_type"),
		EntityValue: stringFromPayload(payload, "entity_value"),
		FileID:      stringFromPayload(payload, "file_id"),
		Confidence:  doubleFromPayload(payload, "confidence"),
		Status:      types.MemoryStatus(stringFromPayload(payload, "status")),
		CreatedAt:   time.Unix(intFromPayload(payload, "created_at"), 0).UTC(),
		UpdatedAt:   time.Unix(intFromPayload(payload, "updated_at"), 0).UTC(),
		AccessedAt:  time.Unix(intFromPayload(payload, "accessed_at"), 0).UTC(),
		AccessCount: intFromPayload(payload, "access_count"),
		Embedding:   embedding,
	}

	if raw := stringFromPayload(payload, "metadata"); raw != "" {
		var metadata map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &metadata); err == nil {
			m.Metadata = metadata
		}
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	return m, nil
}

func (qs *QdrantStore) retrievedToMemory(point *qdrant.RetrievedPoint) (*types.Memory, error) {
	var embedding []float64
	if vectors := point.GetVectors(); vectors != nil {
		if vector := vectors.GetVector(); vector != nil {
			embedding = float32sToFloat64s(vector.GetData())
		}
	}
	return qs.payloadToMemory(pointIDString(point.GetId()), point.GetPayload(), embedding)
}

func (qs *QdrantStore) scoredToMemory(point *qdrant.ScoredPoint) (*types.Memory, error) {
	m, err := qs.payloadToMemory(pointIDString(point.GetId()), point.GetPayload(), nil)
	if err != nil {
		return nil, err
	}
	m.RelevanceScore = float64(point.GetScore())
	return m, nil
}

// Filter and value helpers

func matchKeyword(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func rangeGte(key string, value float64) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Range: &qdrant.Range{Gte: &value}},
		},
	}
}

func rangeLte(key string, value float64) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Range: &qdrant.Range{Lte: &value}},
		},
	}
}

func rangeLt(key string, value float64) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{Key: key, Range: &qdrant.Range{Lt: &value}},
		},
	}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func intValue(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

func doubleValue(f float64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: f}}
}

func anyToValue(v interface{}) *qdrant.Value {
	switch val := v.(type) {
	case string:
		return stringValue(val)
	case int:
		return intValue(int64(val))
	case int64:
		return intValue(val)
	case float64:
		return doubleValue(val)
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
	default:
		// Nested values are flattened to JSON strings.
		if data, err := json.Marshal(val); err == nil {
			return stringValue(string(data))
		}
		return stringValue(fmt.Sprintf("%v", val))
	}
}

func stringFromPayload(payload map[string]*qdrant.Value, key string) string {
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func intFromPayload(payload map[string]*qdrant.Value, key string) int64 {
	if v, ok := payload[key]; ok {
		return v.GetIntegerValue()
	}
	return 0
}

func doubleFromPayload(payload map[string]*qdrant.Value, key string) float64 {
	if v, ok := payload[key]; ok {
		return v.GetDoubleValue()
	}
	return 0
}

func pointIDString(id *qdrant.PointId) string {
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func float64sToFloat32s(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}

func float32sToFloat64s(f32 []float32) []float64 {
	f64 := make([]float64, len(f32))
	for i, v := range f32 {
		f64[i] = float64(v)
	}
	return f64
}

// cosineSimilarity computes the cosine of two vectors; zero when shapes differ
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
