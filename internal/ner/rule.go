// Package ner extracts typed entities from query text. Two extractors are
// provided: a fast rule-based one for domain codes and an LLM-backed one for
// free-form text.
package ner

import (
	"context"
	"regexp"
	"strings"

	"aibox-memory/pkg/types"
)

// Extractor is the entity extraction contract.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]types.ExtractedEntity, error)
}

var (
	// Part numbers look like RM05-008, ABC-123, A-100: a letter prefix with
	// optional digits, a dash, then a numeric tail.
	partNumberPattern = regexp.MustCompile(`\b[A-Za-z]{1,6}\d{0,4}-\d{2,6}[A-Za-z0-9]*\b`)

	// TLF19 document codes.
	tlf19Pattern = regexp.MustCompile(`\bTLF19[-_]?[A-Za-z0-9]+\b`)
)

// intentKeywords map action vocabulary to the intent they signal.
var intentKeywords = map[string]string{
	"庫存": "inventory",
	"進貨": "purchase",
	"採購": "purchase",
	"銷貨": "sale",
	"出貨": "sale",
	"退貨": "return",
	"盤點": "stocktake",
	"查詢": "lookup",

	"inventory": "inventory",
	"stock":     "inventory",
	"purchase":  "purchase",
	"order":     "purchase",
	"sale":      "sale",
	"sell":      "sale",
	"return":    "return",
	"lookup":    "lookup",
}

// RuleExtractor matches domain codes and action vocabulary with regexes and
// keyword tables. It never errors.
type RuleExtractor struct{}

// NewRuleExtractor creates a rule-based extractor
func NewRuleExtractor() *RuleExtractor { return &RuleExtractor{} }

// Extract returns entities found in the text, de-duplicated by (type, text)
func (re *RuleExtractor) Extract(_ context.Context, text string) ([]types.ExtractedEntity, error) {
	entities := make([]types.ExtractedEntity, 0, 4)
	seen := make(map[string]bool)

	add := func(entityType, value string, confidence float64) {
		key := entityType + "|" + value
		if seen[key] || value == "" {
			return
		}
		seen[key] = true
		entities = append(entities, types.ExtractedEntity{
			Text:       value,
			Type:       entityType,
			Confidence: confidence,
		})
	}

	// TLF19 first; its codes also match the generic part-number shape.
	for _, match := range tlf19Pattern.FindAllString(text, -1) {
		add(types.EntityTypeTLF19, match, 0.95)
	}
	for _, match := range partNumberPattern.FindAllString(text, -1) {
		if tlf19Pattern.MatchString(match) {
			continue
		}
		add(types.EntityTypePartNumber, match, 0.9)
	}

	lower := strings.ToLower(text)
	for keyword, intent := range intentKeywords {
		if strings.Contains(lower, keyword) {
			add(types.EntityTypeIntent, intent, 0.7)
		}
	}

	return entities, nil
}

// HasPartNumber reports whether the text contains a part-number-like token
func HasPartNumber(text string) bool {
	return partNumberPattern.MatchString(text) || tlf19Pattern.MatchString(text)
}

// HasActionKeyword reports whether the text contains domain action vocabulary
func HasActionKeyword(text string) bool {
	lower := strings.ToLower(text)
	for keyword := range intentKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
