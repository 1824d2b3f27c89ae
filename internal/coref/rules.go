package coref

import (
	"regexp"
	"strings"

	"aibox-memory/internal/ner"
	"aibox-memory/pkg/types"
)

// cjkPronouns is ordered longest-first so compound phrases are replaced
// before their substrings.
var cjkPronouns = []string{
	"這個料號", "那個料號", "这个料号", "那个料号",
	"這個", "那個", "这个", "那个", "它們", "它们", "它",
}

// asciiPronounPattern matches English pronouns on word boundaries.
var asciiPronounPattern = regexp.MustCompile(`(?i)\b(this part|that part|this one|that one|this|that|these|those|it)\b`)

const (
	substitutionScore = 0.85
	ellipsisScore     = 0.8
	extraTransform    = 0.05
	ruleScoreCap      = 0.9
)

// NeedsResolution reports whether a query requires coreference resolution:
// it contains a pronoun, or an action keyword without any part-number-like
// token.
func NeedsResolution(query string) bool {
	for _, pronoun := range cjkPronouns {
		if strings.Contains(query, pronoun) {
			return true
		}
	}
	if asciiPronounPattern.MatchString(query) {
		return true
	}
	return ner.HasActionKeyword(query) && !ner.HasPartNumber(query)
}

// resolveWithRules substitutes pronouns with the context part number and
// handles ellipsis by prefixing it. The score accumulates per transformation
// and is capped.
func resolveWithRules(query string, contextEntities map[string]string) *Resolution {
	res := &Resolution{
		ResolvedQuery: query,
		Entities:      map[string]string{},
		Method:        MethodRule,
	}

	part := contextEntities[types.EntityTypePartNumber]
	if part == "" {
		part = contextEntities[types.EntityTypeTLF19]
	}
	if part == "" {
		return res
	}

	score := 0.0
	transforms := 0
	out := query
	for _, pronoun := range cjkPronouns {
		if !strings.Contains(out, pronoun) {
			continue
		}
		out = strings.ReplaceAll(out, pronoun, part)
		transforms++
	}
	if asciiPronounPattern.MatchString(out) {
		out = asciiPronounPattern.ReplaceAllString(out, part)
		transforms++
	}

	if transforms > 0 {
		score = substitutionScore + extraTransform*float64(transforms-1)
	} else if ner.HasActionKeyword(query) && !ner.HasPartNumber(query) {
		// Ellipsis: action present but no part number anywhere.
		out = part + " " + query
		score = ellipsisScore
		transforms = 1
	}

	if transforms == 0 {
		return res
	}
	if score > ruleScoreCap {
		score = ruleScoreCap
	}

	res.Resolved = true
	res.ResolvedQuery = out
	res.Confidence = score
	if v := contextEntities[types.EntityTypePartNumber]; v != "" {
		res.Entities[types.EntityTypePartNumber] = v
	}
	if v := contextEntities[types.EntityTypeTLF19]; v != "" {
		res.Entities[types.EntityTypeTLF19] = v
	}
	return res
}
