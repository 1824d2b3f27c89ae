package ner

import (
	"context"
	"encoding/json"
	"strings"

	"aibox-memory/internal/llm"
	"aibox-memory/internal/logging"
	"aibox-memory/pkg/types"
)

const extractionPrompt = `Extract named entities from the user text. Respond with JSON only:
{"entities": [{"text": "...", "type": "part_number|tlf19|intent|preference|context", "confidence": 0.0}]}
Return {"entities": []} if nothing is found.`

// LLMExtractor asks a chat model for entities, falling back to the rule
// extractor when the model is unreachable or returns malformed JSON.
type LLMExtractor struct {
	client   llm.Client
	fallback *RuleExtractor
	logger   logging.Logger
}

// NewLLMExtractor creates an LLM-backed extractor
func NewLLMExtractor(client llm.Client, logger logging.Logger) *LLMExtractor {
	if logger == nil {
		logger = logging.Default()
	}
	return &LLMExtractor{
		client:   client,
		fallback: NewRuleExtractor(),
		logger:   logger.WithComponent("ner_llm"),
	}
}

type extractionResult struct {
	Entities []types.ExtractedEntity `json:"entities"`
}

// Extract asks the model for entities
func (le *LLMExtractor) Extract(ctx context.Context, text string) ([]types.ExtractedEntity, error) {
	if le.client == nil {
		return le.fallback.Extract(ctx, text)
	}

	out, err := le.client.Complete(ctx, &llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: "system", Content: extractionPrompt},
			{Role: "user", Content: text},
		},
		JSONMode:  true,
		MaxTokens: 512,
	})
	if err != nil {
		le.logger.Warn("entity extraction via LLM failed, using rules", "error", err.Error())
		return le.fallback.Extract(ctx, text)
	}

	var result extractionResult
	if err := json.Unmarshal([]byte(extractJSON(out)), &result); err != nil {
		le.logger.Warn("entity extraction returned malformed JSON, using rules", "error", err.Error())
		return le.fallback.Extract(ctx, text)
	}

	entities := make([]types.ExtractedEntity, 0, len(result.Entities))
	for _, e := range result.Entities {
		if e.Text == "" {
			continue
		}
		if e.Confidence <= 0 || e.Confidence > 1 {
			e.Confidence = 0.8
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// extractJSON strips code fences and surrounding prose from a model reply
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		return strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
