// Package rag implements the hybrid retrieval engine: a vector track backed
// by the real-time retrieval service and a graph track driven by entity
// extraction, fused by weighted merge.
package rag

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aibox-memory/internal/config"
	"aibox-memory/internal/logging"
	"aibox-memory/internal/ner"
	"aibox-memory/internal/retrieval"
	"aibox-memory/internal/storage"
	"aibox-memory/pkg/types"
)

// Strategy selects how the two tracks are combined.
type Strategy string

const (
	StrategyVectorFirst Strategy = "vector_first"
	StrategyGraphFirst  Strategy = "graph_first"
	StrategyHybrid      Strategy = "hybrid"
)

const (
	graphBaseRelevance    = 0.7
	graphBoostedRelevance = 0.9
	neighborsPerEntity    = 10
	subgraphPerEntity     = 20
)

// Engine runs hybrid retrieval.
type Engine struct {
	vector    *retrieval.Service
	graph     storage.GraphStore
	extractor ner.Extractor
	cfg       config.RAGConfig
	logger    logging.Logger

	mu           sync.RWMutex
	vectorWeight float64
	graphWeight  float64
}

// NewEngine creates a hybrid RAG engine
func NewEngine(vector *retrieval.Service, graph storage.GraphStore, extractor ner.Extractor, cfg config.RAGConfig, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.TrackTimeout <= 0 {
		cfg.TrackTimeout = 5 * time.Second
	}
	vw, gw := cfg.VectorWeight, cfg.GraphWeight
	if vw <= 0 && gw <= 0 {
		vw, gw = 0.6, 0.4
	}
	e := &Engine{
		vector:    vector,
		graph:     graph,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger.WithComponent("rag_engine"),
	}
	e.setWeights(vw, gw)
	return e
}

// setWeights normalises the pair to sum 1
func (e *Engine) setWeights(vectorWeight, graphWeight float64) {
	total := vectorWeight + graphWeight
	if total <= 0 {
		vectorWeight, graphWeight, total = 0.6, 0.4, 1.0
	}
	e.mu.Lock()
	e.vectorWeight = vectorWeight / total
	e.graphWeight = graphWeight / total
	e.mu.Unlock()
}

// UpdateWeights replaces the track weights, renormalising to sum 1
func (e *Engine) UpdateWeights(vectorWeight, graphWeight float64) {
	e.setWeights(vectorWeight, graphWeight)
}

// Weights returns the current (vector, graph) weights
func (e *Engine) Weights() (float64, float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.vectorWeight, e.graphWeight
}

// Search runs the selected strategy and returns up to topK fused results
func (e *Engine) Search(ctx context.Context, query, userID string, strategy Strategy, topK int) []*types.Memory {
	if topK <= 0 {
		topK = e.cfg.TopK
	}

	switch strategy {
	case StrategyVectorFirst:
		primary := e.vectorTrack(ctx, query, userID, topK)
		return backfill(primary, e.graphTrack(ctx, query, topK), topK)
	case StrategyGraphFirst:
		primary := e.graphTrack(ctx, query, topK)
		return backfill(primary, e.vectorTrack(ctx, query, userID, topK), topK)
	default:
		return e.hybrid(ctx, query, userID, topK)
	}
}

// hybrid runs both tracks in parallel, each asking for 2*topK, then merges
func (e *Engine) hybrid(ctx context.Context, query, userID string, topK int) []*types.Memory {
	var vectorHits, graphHits []*types.Memory

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		trackCtx, cancel := context.WithTimeout(gctx, e.cfg.TrackTimeout)
		defer cancel()
		vectorHits = e.vectorTrack(trackCtx, query, userID, 2*topK)
		return nil
	})
	g.Go(func() error {
		trackCtx, cancel := context.WithTimeout(gctx, e.cfg.TrackTimeout)
		defer cancel()
		graphHits = e.graphTrack(trackCtx, query, 2*topK)
		return nil
	})
	_ = g.Wait()

	vw, gw := e.Weights()
	return MergeResults(vectorHits, graphHits, vw, gw, topK)
}

// vectorTrack delegates to the retrieval service
func (e *Engine) vectorTrack(ctx context.Context, query, userID string, limit int) []*types.Memory {
	if e.vector == nil {
		return []*types.Memory{}
	}
	return e.vector.Retrieve(ctx, &retrieval.Request{
		Query:  query,
		UserID: userID,
		Limit:  limit,
	})
}

// graphTrack extracts entities, matches them in the entity table (falling
// back to keyword n-grams), and formats 1-hop and depth-2 paths as
// pseudo-memories
func (e *Engine) graphTrack(ctx context.Context, query string, limit int) []*types.Memory {
	if e.graph == nil || e.extractor == nil {
		return []*types.Memory{}
	}

	extracted, err := e.extractor.Extract(ctx, query)
	if err != nil {
		e.logger.Warn("entity extraction failed", "error", err.Error())
		return []*types.Memory{}
	}
	if len(extracted) == 0 {
		return []*types.Memory{}
	}

	matched := e.matchEntities(ctx, extracted, limit)
	if len(matched) == 0 {
		return []*types.Memory{}
	}

	results := make([]*types.Memory, 0, limit)
	seen := make(map[string]bool)
	for _, entity := range matched {
		paths, nerr := e.graph.Neighbors(ctx, entity.Key, neighborsPerEntity)
		if nerr != nil {
			e.logger.Debug("neighbor lookup failed", "entity", entity.Key, "error", nerr.Error())
			continue
		}
		if len(results)+len(paths) < limit {
			deeper, serr := e.graph.Subgraph(ctx, entity.Key, 2, subgraphPerEntity)
			if serr == nil {
				paths = append(paths, deeper...)
			}
		}
		for _, path := range paths {
			m := pathToMemory(path, query)
			if m == nil || seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			results = append(results, m)
			if len(results) >= limit {
				return results
			}
		}
	}
	return results
}

// matchEntities resolves extracted entities to graph nodes: typed text match
// first, untyped retry, then keyword n-gram match, de-duplicated by key
func (e *Engine) matchEntities(ctx context.Context, extracted []types.ExtractedEntity, limit int) []types.Entity {
	matched := make([]types.Entity, 0, limit)
	seen := make(map[string]bool)
	add := func(entities []types.Entity) {
		for _, ent := range entities {
			if !seen[ent.Key] {
				seen[ent.Key] = true
				matched = append(matched, ent)
			}
		}
	}

	for _, ex := range extracted {
		hits, err := e.graph.MatchEntities(ctx, ex.Text, ex.Type, limit)
		if err != nil {
			e.logger.Debug("entity match failed", "text", ex.Text, "error", err.Error())
			continue
		}
		if len(hits) == 0 && ex.Type != "" {
			hits, _ = e.graph.MatchEntities(ctx, ex.Text, "", limit)
		}
		if len(hits) == 0 {
			for _, kw := range Keywords(ex.Text) {
				kwHits, kerr := e.graph.MatchEntities(ctx, kw, "", limit)
				if kerr == nil {
					add(kwHits)
				}
			}
			continue
		}
		add(hits)
	}
	return matched
}

// pathToMemory formats a graph path as a pseudo-memory record
func pathToMemory(path types.GraphPath, query string) *types.Memory {
	if len(path.Nodes) < 2 || len(path.Relations) == 0 {
		return nil
	}

	parts := make([]string, 0, len(path.Nodes)+len(path.Relations))
	for i, node := range path.Nodes {
		parts = append(parts, node.Name)
		if i < len(path.Relations) {
			parts = append(parts, path.Relations[i].Type)
		}
	}
	content := strings.Join(parts, " | ")

	// Boost on endpoint matches only; intermediate hops are incidental.
	relevance := graphBaseRelevance
	for _, node := range []types.Entity{path.Nodes[0], path.Nodes[len(path.Nodes)-1]} {
		if node.Name != "" && strings.Contains(node.Name, query) {
			relevance = graphBoostedRelevance
			break
		}
	}

	idParts := make([]string, 0, len(path.Nodes))
	for _, node := range path.Nodes {
		idParts = append(idParts, node.Key)
	}

	m := &types.Memory{
		ID:             "graph:" + strings.Join(idParts, ":") + ":" + path.Relations[0].Type,
		Content:        content,
		Type:           types.MemoryTypeLongTerm,
		Status:         types.MemoryStatusActive,
		RelevanceScore: relevance,
		Metadata: map[string]interface{}{
			"source":        "graph",
			"entity_id":     path.Nodes[0].Key,
			"relation_type": path.Relations[0].Type,
		},
	}
	if fileID := path.Relations[0].FileID; fileID != "" {
		m.Metadata["file_id"] = fileID
	}
	return m
}

// MergeResults fuses the two tracks: weights are applied per track and a
// record appearing in both sums its graph-weighted score onto the
// vector-weighted one. Results are sorted descending and trimmed to topK.
func MergeResults(vectorHits, graphHits []*types.Memory, vectorWeight, graphWeight float64, topK int) []*types.Memory {
	merged := make(map[string]*types.Memory, len(vectorHits)+len(graphHits))
	order := make([]string, 0, len(vectorHits)+len(graphHits))

	for _, m := range vectorHits {
		clone := m.Clone()
		clone.RelevanceScore = m.RelevanceScore * vectorWeight
		merged[m.ID] = clone
		order = append(order, m.ID)
	}
	for _, m := range graphHits {
		if existing, ok := merged[m.ID]; ok {
			existing.RelevanceScore += m.RelevanceScore * graphWeight
			continue
		}
		clone := m.Clone()
		clone.RelevanceScore = m.RelevanceScore * graphWeight
		merged[m.ID] = clone
		order = append(order, m.ID)
	}

	results := make([]*types.Memory, 0, len(order))
	for _, id := range order {
		results = append(results, merged[id])
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].RelevanceScore > results[j].RelevanceScore
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results
}

// backfill appends secondary results after the primary ones until topK,
// skipping duplicates
func backfill(primary, secondary []*types.Memory, topK int) []*types.Memory {
	seen := make(map[string]bool, len(primary))
	results := make([]*types.Memory, 0, topK)
	for _, m := range primary {
		if !seen[m.ID] {
			seen[m.ID] = true
			results = append(results, m)
		}
		if len(results) >= topK {
			return results
		}
	}
	for _, m := range secondary {
		if !seen[m.ID] {
			seen[m.ID] = true
			results = append(results, m)
		}
		if len(results) >= topK {
			break
		}
	}
	return results
}
