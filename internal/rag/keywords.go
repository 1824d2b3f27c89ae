package rag

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// stopWords are excluded from keyword candidates.
var stopWords = map[string]bool{
	"的": true, "了": true, "是": true, "在": true, "有": true,
	"和": true, "與": true, "或": true, "這個": true, "那個": true,
	"the": true, "a": true, "an": true, "of": true, "and": true,
	"or": true, "is": true, "are": true, "in": true, "on": true,
}

// Keywords splits text into candidate sub-tokens for the graph keyword
// match. CJK runs produce 3-char then 2-char n-grams; other text is split on
// punctuation and spaces. Stop words are dropped.
func Keywords(text string) []string {
	text = norm.NFKC.String(text)

	keywords := make([]string, 0, 8)
	seen := make(map[string]bool)
	add := func(kw string) {
		kw = strings.TrimSpace(kw)
		if kw == "" || stopWords[strings.ToLower(kw)] || seen[kw] {
			return
		}
		seen[kw] = true
		keywords = append(keywords, kw)
	}

	var cjkRun []rune
	var wordRun []rune
	flushCJK := func() {
		for _, n := range []int{3, 2} {
			for i := 0; i+n <= len(cjkRun); i++ {
				add(string(cjkRun[i : i+n]))
			}
		}
		if len(cjkRun) == 1 {
			add(string(cjkRun))
		}
		cjkRun = cjkRun[:0]
	}
	flushWord := func() {
		if len(wordRun) > 0 {
			add(string(wordRun))
			wordRun = wordRun[:0]
		}
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			cjkRun = append(cjkRun, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_':
			flushCJK()
			wordRun = append(wordRun, r)
		default:
			flushCJK()
			flushWord()
		}
	}
	flushCJK()
	flushWord()

	return keywords
}
