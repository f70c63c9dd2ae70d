package ingest

import (
	"context"
	"time"

	"github.com/sentinelai/sentinel/engine/domain"
)

// RawDocument is the wire form of an incoming filing or news item, published
// to the ingest subject. Version is assigned by the pipeline.
type RawDocument struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Ticker     string    `json:"ticker,omitempty"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// ChunkedDoc is a versioned document with its derived chunks.
type ChunkedDoc struct {
	Doc    domain.Document
	Chunks []domain.Chunk
}

// EmbeddedDoc pairs chunks with their embeddings, index-aligned.
type EmbeddedDoc struct {
	ChunkedDoc
	Embeddings [][]float32
}

// Embedder turns text into vectors. Implemented by pkg/embed; tests use a
// deterministic fake.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Indexer is the write surface of the hybrid index the pipeline stores into.
type Indexer interface {
	Upsert(ctx context.Context, chunk domain.Chunk, embedding []float32) error
	TombstoneDoc(ctx context.Context, docID string, keepVersion int64) error
}

// GraphWriter records document nodes in the event graph. Optional; graph
// failures never fail the pipeline.
type GraphWriter interface {
	SaveDocument(ctx context.Context, doc domain.Document) error
}
