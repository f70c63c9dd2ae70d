package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sentinelai/sentinel/engine/domain"
)

func repeatSentences(n int, wordsPer int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		for j := 0; j < wordsPer-1; j++ {
			fmt.Fprintf(&b, "word%d ", j)
		}
		b.WriteString("end. ")
	}
	return b.String()
}

func testDoc(content string) domain.Document {
	return domain.Document{
		ID: "sec:nvda-10k", Version: 42, Source: "sec_filing", Ticker: "NVDA",
		Content: content, IngestedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestChunkDocument_Deterministic(t *testing.T) {
	doc := testDoc(repeatSentences(60, 20))
	first := ChunkDocument(doc, ChunkerConfig{})
	second := ChunkDocument(doc, ChunkerConfig{})
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}

func TestChunkDocument_TokenBounds(t *testing.T) {
	doc := testDoc(repeatSentences(100, 25))
	chunks := ChunkDocument(doc, ChunkerConfig{})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		n := len(strings.Fields(c.Text))
		if n > DefaultMaxTokens {
			t.Errorf("chunk %d has %d tokens, exceeds max %d", i, n, DefaultMaxTokens)
		}
		// All but the final chunk should reach the minimum.
		if i < len(chunks)-1 && n < DefaultMinTokens {
			t.Errorf("chunk %d has %d tokens, below min %d", i, n, DefaultMinTokens)
		}
		if c.TokenEnd-c.TokenStart != n {
			t.Errorf("chunk %d token span %d-%d disagrees with %d words", i, c.TokenStart, c.TokenEnd, n)
		}
	}
}

func TestChunkDocument_OverlapMarked(t *testing.T) {
	doc := testDoc(repeatSentences(100, 25))
	chunks := ChunkDocument(doc, ChunkerConfig{})
	if chunks[0].Overlap {
		t.Error("first chunk marked as overlap")
	}
	sawOverlap := false
	for i := 1; i < len(chunks); i++ {
		if chunks[i].TokenStart < chunks[i-1].TokenEnd {
			sawOverlap = true
			if !chunks[i].Overlap {
				t.Errorf("chunk %d starts inside previous span but not marked overlap", i)
			}
		}
	}
	if !sawOverlap {
		t.Error("no overlapping chunks produced")
	}
}

func TestChunkDocument_GiantSentenceHardSplit(t *testing.T) {
	words := make([]string, 1000)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	doc := testDoc(strings.Join(words, " "))
	chunks := ChunkDocument(doc, ChunkerConfig{})
	if len(chunks) == 0 {
		t.Fatal("no chunks from giant sentence")
	}
	for i, c := range chunks {
		if n := len(strings.Fields(c.Text)); n > DefaultMaxTokens {
			t.Errorf("chunk %d has %d tokens after hard split", i, n)
		}
	}
}

func TestChunkID_Deterministic(t *testing.T) {
	a := ChunkID("sec:nvda-10k", 42, 3)
	b := ChunkID("sec:nvda-10k", 42, 3)
	if a != b {
		t.Fatalf("chunk ids differ: %s vs %s", a, b)
	}
	if c := ChunkID("sec:nvda-10k", 43, 3); c == a {
		t.Fatal("different doc versions share a chunk id")
	}
}

// --- pipeline fakes ---

type fakeEmbedder struct {
	calls int
	fail  bool
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type fakeIndexer struct {
	upserts    []domain.Chunk
	tombstones []string
}

func (f *fakeIndexer) Upsert(_ context.Context, chunk domain.Chunk, _ []float32) error {
	f.upserts = append(f.upserts, chunk)
	return nil
}

func (f *fakeIndexer) TombstoneDoc(_ context.Context, docID string, _ int64) error {
	f.tombstones = append(f.tombstones, docID)
	return nil
}

func TestPipeline_HappyPath(t *testing.T) {
	idx := &fakeIndexer{}
	pipeline := NewPipeline(Deps{
		Embedder: &fakeEmbedder{},
		Index:    idx,
		Now:      func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})

	raw := RawDocument{
		ID: "sec:nvda-10k", Source: "sec_filing",
		Content: "NVIDIA Corporation faces a class action lawsuit. " + repeatSentences(30, 20),
	}
	result := pipeline(context.Background(), raw)
	if result.IsErr() {
		_, err := result.Unwrap()
		t.Fatalf("pipeline failed: %v", err)
	}
	docID, _ := result.Unwrap()
	if docID != "sec:nvda-10k" {
		t.Fatalf("doc id = %s", docID)
	}
	if len(idx.upserts) == 0 {
		t.Fatal("no chunks indexed")
	}
	if idx.upserts[0].Ticker != "NVDA" {
		t.Errorf("ticker not extracted from content: %q", idx.upserts[0].Ticker)
	}
	if len(idx.tombstones) != 1 || idx.tombstones[0] != "sec:nvda-10k" {
		t.Errorf("old versions not tombstoned: %v", idx.tombstones)
	}
}

func TestPipeline_MalformedDocumentRejected(t *testing.T) {
	pipeline := NewPipeline(Deps{Embedder: &fakeEmbedder{}, Index: &fakeIndexer{}})

	result := pipeline(context.Background(), RawDocument{ID: "d1", Source: "sec_filing", Content: ""})
	if result.IsOk() {
		t.Fatal("empty document passed validation")
	}
	_, err := result.Unwrap()
	if !domain.IsMalformed(err) {
		t.Fatalf("err = %v, want malformed document", err)
	}
}

func TestPipeline_EmbedFailureIsRetryable(t *testing.T) {
	pipeline := NewPipeline(Deps{Embedder: &fakeEmbedder{fail: true}, Index: &fakeIndexer{}})

	result := pipeline(context.Background(), RawDocument{
		ID: "d1", Source: "news", Content: "Tesla recall announced today.",
	})
	if result.IsOk() {
		t.Fatal("pipeline succeeded despite embedder failure")
	}
	_, err := result.Unwrap()
	if !errors.Is(err, domain.ErrEmbeddingFailure) {
		t.Fatalf("err = %v, want embedding failure", err)
	}
	if domain.IsMalformed(err) {
		t.Fatal("embedding failure classified as malformed (would skip retry)")
	}
}

func TestPipeline_ShortDocumentSingleChunk(t *testing.T) {
	idx := &fakeIndexer{}
	pipeline := NewPipeline(Deps{Embedder: &fakeEmbedder{}, Index: idx})

	result := pipeline(context.Background(), RawDocument{
		ID: "d1", Source: "news", Ticker: "AAPL", Content: "Apple announced a delay.",
	})
	if result.IsErr() {
		_, err := result.Unwrap()
		t.Fatalf("pipeline failed: %v", err)
	}
	if len(idx.upserts) != 1 {
		t.Fatalf("short doc produced %d chunks, want 1", len(idx.upserts))
	}
}

func TestParse_VersionMonotonic(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	parse := Parse(now)

	raw := RawDocument{ID: "d1", Source: "news", Content: "Some content."}
	first, _ := parse(context.Background(), raw).Unwrap()
	second, _ := parse(context.Background(), raw).Unwrap()
	if second.Version <= first.Version {
		t.Fatalf("re-ingest version %d not greater than %d", second.Version, first.Version)
	}
}
