// Package retrieval implements the real-time retrieval service: cached,
// tier-parallel memory search with composite relevance scoring.
package retrieval

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"aibox-memory/internal/config"
	"aibox-memory/internal/logging"
	"aibox-memory/internal/memory"
	"aibox-memory/internal/storage"
	"aibox-memory/pkg/types"
)

// Request describes one retrieval call.
type Request struct {
	Query        string
	UserID       string
	Context      []string
	MemoryType   types.MemoryType
	Limit        int
	MinRelevance float64
}

type cacheEntry struct {
	memories []*types.Memory
	storedAt time.Time
}

// Service runs the per-query retrieval pipeline.
type Service struct {
	manager *memory.Manager
	cfg     config.RetrievalConfig
	logger  logging.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

// NewService creates a retrieval service
func NewService(manager *memory.Manager, cfg config.RetrievalConfig, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 300 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 5 * time.Second
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	return &Service{
		manager: manager,
		cfg:     cfg,
		logger:  logger.WithComponent("retrieval"),
		cache:   make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// cacheKey hashes the query together with its sorted context strings
func cacheKey(req *Request) string {
	ctxCopy := append([]string(nil), req.Context...)
	sort.Strings(ctxCopy)
	h := sha256.Sum256([]byte(req.Query + "||" + req.UserID + "||" + string(req.MemoryType) + "||" + strings.Join(ctxCopy, "|")))
	return fmt.Sprintf("%x", h)
}

// Retrieve runs the pipeline: cache check, tier-parallel search, scoring,
// sort, trim, access marking, cache write. Failures degrade to fewer or
// empty results.
func (s *Service) Retrieve(ctx context.Context, req *Request) []*types.Memory {
	if req.Limit <= 0 {
		req.Limit = s.cfg.DefaultLimit
	}
	minRelevance := req.MinRelevance
	if minRelevance <= 0 {
		minRelevance = s.cfg.MinRelevance
	}

	key := cacheKey(req)
	if cached, ok := s.cacheGet(key); ok {
		if len(cached) > req.Limit {
			cached = cached[:req.Limit]
		}
		return cached
	}

	hits := s.searchTiers(ctx, req)

	now := s.now().UTC()
	scored := make([]*types.Memory, 0, len(hits))
	for _, m := range hits {
		m.RelevanceScore = score(m, now)
		if m.RelevanceScore < minRelevance {
			continue
		}
		scored = append(scored, m)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.RelevanceScore != b.RelevanceScore {
			return a.RelevanceScore > b.RelevanceScore
		}
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		return a.AccessedAt.After(b.AccessedAt)
	})

	if len(scored) > req.Limit {
		scored = scored[:req.Limit]
	}

	s.markAccessed(ctx, scored)
	s.cachePut(key, scored)
	return scored
}

// searchTiers fans one search job per enabled tier through a bounded pool.
// A tier that times out or errors contributes nothing.
func (s *Service) searchTiers(ctx context.Context, req *Request) []*types.Memory {
	type tierJob struct {
		name  string
		store storage.MemoryStore
	}

	jobs := make([]tierJob, 0, 2)
	if req.MemoryType == "" || req.MemoryType == types.MemoryTypeShortTerm {
		if st := s.manager.ShortTerm(); st != nil {
			jobs = append(jobs, tierJob{"short_term", st})
		}
	}
	if req.MemoryType == "" || req.MemoryType == types.MemoryTypeLongTerm {
		if lt := s.manager.LongTerm(); lt != nil {
			jobs = append(jobs, tierJob{"long_term", lt})
		}
	}

	var mu sync.Mutex
	results := make([]*types.Memory, 0)
	seen := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			tierCtx, cancel := context.WithTimeout(gctx, s.cfg.SearchTimeout)
			defer cancel()

			hits, err := job.store.Search(tierCtx, &types.MemoryQuery{
				Query:  req.Query,
				UserID: req.UserID,
				Limit:  req.Limit * 2,
			})
			if err != nil {
				s.logger.Warn("tier search failed", "tier", job.name, "error", err.Error())
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for _, m := range hits {
				if !seen[m.ID] {
					seen[m.ID] = true
					results = append(results, m)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// score computes the composite relevance, clamped to [0,1]:
// base + priority bonus + access bonus + 24h recency decay.
func score(m *types.Memory, now time.Time) float64 {
	relevance := m.RelevanceScore
	relevance += m.Priority.Bonus()

	accessBonus := 0.01 * float64(m.AccessCount)
	if accessBonus > 0.1 {
		accessBonus = 0.1
	}
	relevance += accessBonus

	ageDays := now.Sub(m.UpdatedAt).Hours() / 24
	if recency := 0.1 * (1 - ageDays); recency > 0 {
		relevance += recency
	}

	if relevance > 1 {
		relevance = 1
	}
	if relevance < 0 {
		relevance = 0
	}
	return relevance
}

// markAccessed bumps hotness on returned hits, best-effort
func (s *Service) markAccessed(ctx context.Context, hits []*types.Memory) {
	for _, m := range hits {
		tier := s.tierOf(m.Type)
		if tier == nil {
			continue
		}
		m.Touch()
		if err := tier.Update(ctx, m); err != nil {
			s.logger.Debug("access marking failed", "id", m.ID, "error", err.Error())
		}
	}
}

func (s *Service) tierOf(memType types.MemoryType) storage.MemoryStore {
	switch memType {
	case types.MemoryTypeShortTerm:
		return s.manager.ShortTerm()
	case types.MemoryTypeLongTerm:
		return s.manager.LongTerm()
	default:
		return nil
	}
}

func (s *Service) cacheGet(key string) ([]*types.Memory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[key]
	if !ok {
		return nil, false
	}
	if s.now().Sub(entry.storedAt) > s.cfg.CacheTTL {
		delete(s.cache, key)
		return nil, false
	}

	out := make([]*types.Memory, len(entry.memories))
	for i, m := range entry.memories {
		out[i] = m.Clone()
	}
	return out, true
}

func (s *Service) cachePut(key string, memories []*types.Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]*types.Memory, len(memories))
	for i, m := range memories {
		stored[i] = m.Clone()
	}
	s.cache[key] = cacheEntry{memories: stored, storedAt: s.now()}
}

// InvalidateCache drops every cached result
func (s *Service) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheEntry)
}
