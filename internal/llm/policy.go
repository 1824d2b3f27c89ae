package llm

import (
	"sort"
	"sync"
)

// ModelPolicy gates which chat models callers may request. An empty allowlist
// permits everything.
type ModelPolicy struct {
	mu      sync.RWMutex
	allowed map[string]bool
}

// NewModelPolicy creates a policy allowing the given models
func NewModelPolicy(models ...string) *ModelPolicy {
	allowed := make(map[string]bool, len(models))
	for _, m := range models {
		allowed[m] = true
	}
	return &ModelPolicy{allowed: allowed}
}

// Allowed reports whether a model may be used
func (p *ModelPolicy) Allowed(model string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.allowed) == 0 {
		return true
	}
	return p.allowed[model]
}

// Allow adds a model to the allowlist
func (p *ModelPolicy) Allow(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed[model] = true
}

// Models lists the allowed models, sorted
func (p *ModelPolicy) Models() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	models := make([]string, 0, len(p.allowed))
	for m := range p.allowed {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}
