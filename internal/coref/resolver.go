// Package coref resolves pronouns and elliptical queries against context
// entities, long-term typed memories, and an LLM fallback.
package coref

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"aibox-memory/internal/llm"
	"aibox-memory/internal/logging"
	"aibox-memory/internal/memory"
	"aibox-memory/pkg/types"
)

// Resolution methods.
const (
	MethodNone = "none"
	MethodAAM  = "aam"
	MethodRule = "rule"
	MethodLLM  = "llm"
)

const (
	aamMinConfidence    = 0.7
	aamAcceptThreshold  = 0.85
	ruleAcceptThreshold = 0.8
	llmConfidence       = 0.95

	// writeBackThreshold gates persisting resolved entities back into
	// long-term memory.
	writeBackThreshold = 0.8

	historyWindow = 6
)

// Resolution is the outcome of one resolve call.
type Resolution struct {
	Resolved      bool              `json:"resolved"`
	ResolvedQuery string            `json:"resolved_query"`
	Entities      map[string]string `json:"entities"`
	Method        string            `json:"method"`
	Confidence    float64           `json:"confidence"`
}

// Resolver runs the resolution pipeline: need check, AAM typed recall, rule
// substitution, LLM fallback.
type Resolver struct {
	manager *memory.Manager
	client  llm.Client
	logger  logging.Logger
}

// NewResolver creates a resolver; manager and client may each be nil, which
// skips the corresponding stage
func NewResolver(manager *memory.Manager, client llm.Client, logger logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		manager: manager,
		client:  client,
		logger:  logger.WithComponent("coref"),
	}
}

// Resolve runs the pipeline and stops at the first sufficient result.
// Successful resolutions write their entities back into long-term memory.
func (r *Resolver) Resolve(ctx context.Context, query, userID string, contextEntities map[string]string, history []types.ContextMessage) *Resolution {
	if !NeedsResolution(query) {
		return &Resolution{ResolvedQuery: query, Entities: map[string]string{}, Method: MethodNone}
	}

	// Stage 2: typed long-term recall.
	if r.manager != nil && userID != "" {
		if res := r.resolveFromAAM(ctx, query, userID); res != nil {
			r.writeBack(ctx, userID, res)
			return res
		}
	}

	// Stage 3: rule substitution with supplied context.
	ruleRes := resolveWithRules(query, contextEntities)
	if ruleRes.Resolved && ruleRes.Confidence >= ruleAcceptThreshold {
		r.writeBack(ctx, userID, ruleRes)
		return ruleRes
	}

	// Stage 4: LLM fallback; on failure, the rule result stands.
	if r.client != nil {
		if res := r.resolveWithLLM(ctx, query, contextEntities, history); res != nil {
			r.writeBack(ctx, userID, res)
			return res
		}
	}

	return ruleRes
}

// resolveFromAAM searches the user's typed memories and substitutes with the
// highest-confidence values. Accepted only above the AAM threshold.
func (r *Resolver) resolveFromAAM(ctx context.Context, query, userID string) *Resolution {
	typed := r.manager.FindTyped(ctx, userID,
		[]string{types.EntityTypePartNumber, types.EntityTypeTLF19}, aamMinConfidence, 5)
	if len(typed) == 0 {
		return nil
	}

	contextEntities := make(map[string]string, 2)
	for _, m := range typed {
		if _, ok := contextEntities[m.EntityType]; !ok {
			contextEntities[m.EntityType] = m.EntityValue
		}
	}

	res := resolveWithRules(query, contextEntities)
	if !res.Resolved || res.Confidence < aamAcceptThreshold {
		return nil
	}
	res.Method = MethodAAM
	return res
}

const llmPromptTemplate = `Resolve pronouns and elliptical references in the user query. Respond with JSON only:
{"resolved": true|false, "resolved_query": "...", "entities": {"part_number": "...", "tlf19": "..."}}
Context entities: %s
Recent conversation:
%s`

type llmResolution struct {
	Resolved      bool              `json:"resolved"`
	ResolvedQuery string            `json:"resolved_query"`
	Entities      map[string]string `json:"entities"`
}

// resolveWithLLM builds a strict-JSON prompt with context and recent history
func (r *Resolver) resolveWithLLM(ctx context.Context, query string, contextEntities map[string]string, history []types.ContextMessage) *Resolution {
	ctxJSON, _ := json.Marshal(contextEntities)

	var turns strings.Builder
	start := len(history) - historyWindow
	if start < 0 {
		start = 0
	}
	for _, msg := range history[start:] {
		fmt.Fprintf(&turns, "%s: %s\n", msg.Role, msg.Content)
	}

	out, err := r.client.Complete(ctx, &llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(llmPromptTemplate, string(ctxJSON), turns.String())},
			{Role: "user", Content: query},
		},
		JSONMode:  true,
		MaxTokens: 512,
	})
	if err != nil {
		r.logger.Warn("LLM resolution failed", "error", err.Error())
		return nil
	}

	var parsed llmResolution
	if err := json.Unmarshal([]byte(stripFences(out)), &parsed); err != nil {
		r.logger.Warn("LLM resolution returned malformed JSON", "error", err.Error())
		return nil
	}
	if !parsed.Resolved || parsed.ResolvedQuery == "" {
		return nil
	}

	entities := parsed.Entities
	if entities == nil {
		entities = map[string]string{}
	}
	return &Resolution{
		Resolved:      true,
		ResolvedQuery: parsed.ResolvedQuery,
		Entities:      entities,
		Method:        MethodLLM,
		Confidence:    llmConfidence,
	}
}

// writeBack persists resolved entities into long-term typed memory
func (r *Resolver) writeBack(ctx context.Context, userID string, res *Resolution) {
	if r.manager == nil || userID == "" || res.Confidence < writeBackThreshold {
		return
	}
	for entityType, value := range res.Entities {
		if value == "" {
			continue
		}
		if _, ok := r.manager.StoreTyped(ctx, &memory.TypedWrite{
			UserID:      userID,
			EntityType:  entityType,
			EntityValue: value,
			Confidence:  res.Confidence,
			Metadata:    map[string]interface{}{"source": "coref"},
		}); !ok {
			r.logger.Debug("entity write-back skipped", "entity_type", entityType, "value", value)
		}
	}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		return strings.TrimSpace(s)
	}
	return s
}
