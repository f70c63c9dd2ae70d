package ingest

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/sentinelai/sentinel/engine/domain"
)

const (
	// DefaultMinTokens is the smallest chunk the chunker aims for.
	DefaultMinTokens = 100
	// DefaultMaxTokens is the largest chunk the chunker emits.
	DefaultMaxTokens = 400
	// DefaultOverlap is the number of tokens repeated between adjacent chunks.
	DefaultOverlap = 50
)

// ChunkerConfig tunes the sentence-aware chunker. Zero values fall back to
// the package defaults.
type ChunkerConfig struct {
	MinTokens int
	MaxTokens int
	Overlap   int
}

func (c ChunkerConfig) withDefaults() ChunkerConfig {
	if c.MinTokens <= 0 {
		c.MinTokens = DefaultMinTokens
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxTokens < c.MinTokens {
		c.MaxTokens = c.MinTokens
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
	// Overlap must leave room for forward progress.
	if c.Overlap >= c.MinTokens {
		c.Overlap = c.MinTokens / 2
	}
	return c
}

// sentence is a sentence with its token offset within the document. Tokens
// are approximated as whitespace-separated words.
type sentence struct {
	text  string
	words int
	start int
}

// splitSentences splits text at sentence-final punctuation and newlines.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for i, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if r == '\n' || i == len(text)-1 || (i+1 < len(text) && unicode.IsSpace(rune(text[i+1]))) {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// tokenize assigns token offsets, hard-splitting any single sentence longer
// than maxTokens at word boundaries so no chunk can exceed the cap.
func tokenize(raw []string, maxTokens int) []sentence {
	var out []sentence
	offset := 0
	for _, s := range raw {
		words := strings.Fields(s)
		for len(words) > maxTokens {
			head := words[:maxTokens]
			out = append(out, sentence{text: strings.Join(head, " "), words: maxTokens, start: offset})
			offset += maxTokens
			words = words[maxTokens:]
		}
		if len(words) == 0 {
			continue
		}
		out = append(out, sentence{text: strings.Join(words, " "), words: len(words), start: offset})
		offset += len(words)
	}
	return out
}

// ChunkID derives the deterministic chunk id for a document version and
// chunk index. Re-chunking identical input always yields the same ids, so
// upserts into the index overwrite rather than duplicate.
func ChunkID(docID string, docVersion int64, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s:%d:%d", docID, docVersion, index))).String()
}

// ChunkDocument splits a document into sentence-aligned chunks between
// MinTokens and MaxTokens, with Overlap tokens repeated from the previous
// chunk. The function is pure: same document in, same chunks out.
func ChunkDocument(doc domain.Document, cfg ChunkerConfig) []domain.Chunk {
	cfg = cfg.withDefaults()
	sentences := tokenize(splitSentences(doc.Content), cfg.MaxTokens)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []domain.Chunk
	idx := 0
	start := 0
	prevEnd := -1 // token offset where the previous chunk ended

	for start < len(sentences) {
		var buf strings.Builder
		tokens := 0
		end := start

		for end < len(sentences) {
			w := sentences[end].words
			if tokens+w > cfg.MaxTokens && tokens >= cfg.MinTokens {
				break
			}
			if tokens+w > cfg.MaxTokens && tokens > 0 {
				// Below minimum but the next sentence would overflow;
				// close short rather than split the sentence.
				break
			}
			if buf.Len() > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(sentences[end].text)
			tokens += w
			end++
		}

		tokenStart := sentences[start].start
		chunks = append(chunks, domain.Chunk{
			ID:         ChunkID(doc.ID, doc.Version, idx),
			DocID:      doc.ID,
			DocVersion: doc.Version,
			Index:      idx,
			Text:       buf.String(),
			Ticker:     doc.Ticker,
			Source:     doc.Source,
			TokenStart: tokenStart,
			TokenEnd:   tokenStart + tokens,
			Overlap:    tokenStart < prevEnd,
			IngestedAt: doc.IngestedAt,
		})
		prevEnd = tokenStart + tokens
		idx++

		if end >= len(sentences) {
			break
		}

		// Step back whole sentences until the overlap budget is covered.
		overlapTokens := 0
		newStart := end
		for newStart > start && overlapTokens < cfg.Overlap {
			if overlapTokens+sentences[newStart-1].words > cfg.Overlap {
				break
			}
			newStart--
			overlapTokens += sentences[newStart].words
		}
		if newStart == start {
			start = end
		} else {
			start = newStart
		}
	}
	return chunks
}
