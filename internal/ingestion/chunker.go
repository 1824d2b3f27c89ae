// Package ingestion turns documents into retrievable memories in two
// stages: a fast upsert that makes retrieval live, and a background
// enrichment pass that rewrites payloads in place.
package ingestion

import "strings"

// Chunk is one slice of a document.
type Chunk struct {
	Index int
	Text  string
}

const (
	defaultChunkSize    = 800
	defaultChunkOverlap = 100
)

// ChunkText splits a document into rune-bounded chunks. Paragraph breaks
// are preferred cut points; long paragraphs fall back to a sliding window
// with overlap. Sizes are in runes so CJK text is not cut mid-character.
func ChunkText(text string, chunkSize, overlap int) []Chunk {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = defaultChunkOverlap
		if overlap >= chunkSize {
			overlap = chunkSize / 4
		}
	}

	var pieces []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		runes := []rune(para)
		if len(runes) <= chunkSize {
			pieces = append(pieces, para)
			continue
		}
		step := chunkSize - overlap
		for start := 0; start < len(runes); start += step {
			end := start + chunkSize
			if end > len(runes) {
				end = len(runes)
			}
			pieces = append(pieces, string(runes[start:end]))
			if end == len(runes) {
				break
			}
		}
	}

	// Pack adjacent small paragraphs into one chunk.
	chunks := make([]Chunk, 0, len(pieces))
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Text: current.String()})
		current.Reset()
	}
	for _, piece := range pieces {
		if current.Len() > 0 && len([]rune(current.String()))+len([]rune(piece))+2 > chunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(piece)
	}
	flush()
	return chunks
}
