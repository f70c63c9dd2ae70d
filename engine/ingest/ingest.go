// Package ingest runs incoming filings through validation, chunking,
// embedding, and indexing, consuming from NATS with retry and DLQ support.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sentinelai/sentinel/engine/domain"
	"github.com/sentinelai/sentinel/pkg/fn"
	"github.com/sentinelai/sentinel/pkg/metrics"
)

const (
	// IngestSubject carries incoming raw documents.
	IngestSubject = "engine.filings"
	// DLQSubject receives documents that exhausted their retries.
	DLQSubject = "engine.filings.dlq"
	// MaxRetries before a failing document goes to the DLQ.
	MaxRetries = 3
	// EmbedBatchSize caps chunks per embedding request.
	EmbedBatchSize = 64
	// EmbedConcurrency bounds in-flight embedding requests per document.
	EmbedConcurrency = 4
)

// Deps holds the external collaborators of the ingest pipeline.
type Deps struct {
	Embedder Embedder
	Index    Indexer
	Graph    GraphWriter // optional
	Chunker  ChunkerConfig
	Registry *metrics.Registry
	Logger   *slog.Logger
	Now      func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Registry == nil {
		d.Registry = metrics.New()
	}
	return d
}

// Parse validates a raw document and assigns its immutable version. The
// version is the ingest timestamp in nanoseconds: re-ingesting the same
// logical ID later always yields a strictly higher version.
func Parse(now func() time.Time) fn.Stage[RawDocument, domain.Document] {
	return func(_ context.Context, raw RawDocument) fn.Result[domain.Document] {
		ingestedAt := raw.ReceivedAt
		if ingestedAt.IsZero() {
			ingestedAt = now()
		}
		ingestedAt = ingestedAt.UTC()

		doc := domain.Document{
			ID:         raw.ID,
			Version:    ingestedAt.UnixNano(),
			Source:     raw.Source,
			Ticker:     raw.Ticker,
			Content:    raw.Content,
			IngestedAt: ingestedAt,
		}
		if doc.Ticker == "" {
			doc.Ticker = domain.ExtractTicker(doc.Content)
		}
		if err := domain.ValidateDocument(doc); err != nil {
			return fn.Err[domain.Document](err)
		}
		return fn.Ok(doc)
	}
}

// Chunk splits a document into sentence-aligned chunks. Short documents
// below the chunker minimum still produce a single chunk.
func Chunk(cfg ChunkerConfig) fn.Stage[domain.Document, ChunkedDoc] {
	return func(_ context.Context, doc domain.Document) fn.Result[ChunkedDoc] {
		chunks := ChunkDocument(doc, cfg)
		if len(chunks) == 0 {
			chunks = []domain.Chunk{{
				ID: ChunkID(doc.ID, doc.Version, 0), DocID: doc.ID, DocVersion: doc.Version,
				Text: doc.Content, Ticker: doc.Ticker, Source: doc.Source,
				TokenEnd: len(strings.Fields(doc.Content)), IngestedAt: doc.IngestedAt,
			}}
		}
		return fn.Ok(ChunkedDoc{Doc: doc, Chunks: chunks})
	}
}

// Embed calls the embedding provider in batches, a few in flight at a time.
// Any batch failure fails the whole document so the consumer's retry path
// re-embeds it atomically.
func Embed(embedder Embedder) fn.Stage[ChunkedDoc, EmbeddedDoc] {
	return func(ctx context.Context, doc ChunkedDoc) fn.Result[EmbeddedDoc] {
		var batches [][]string
		for i := 0; i < len(doc.Chunks); i += EmbedBatchSize {
			end := i + EmbedBatchSize
			if end > len(doc.Chunks) {
				end = len(doc.Chunks)
			}
			texts := make([]string, end-i)
			for j, c := range doc.Chunks[i:end] {
				texts[j] = c.Text
			}
			batches = append(batches, texts)
		}

		results := fn.ParMapResult(batches, EmbedConcurrency, func(texts []string) fn.Result[[][]float32] {
			vecs, err := embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return fn.Err[[][]float32](fmt.Errorf("ingest: %w: %v", domain.ErrEmbeddingFailure, err))
			}
			if len(vecs) != len(texts) {
				return fn.Err[[][]float32](fmt.Errorf("ingest: %w: got %d embeddings for %d chunks",
					domain.ErrEmbeddingFailure, len(vecs), len(texts)))
			}
			return fn.Ok(vecs)
		})

		embeddings := make([][]float32, 0, len(doc.Chunks))
		for _, r := range results {
			vecs, err := r.Unwrap()
			if err != nil {
				return fn.Err[EmbeddedDoc](err)
			}
			embeddings = append(embeddings, vecs...)
		}
		return fn.Ok(EmbeddedDoc{ChunkedDoc: doc, Embeddings: embeddings})
	}
}

// Store writes embedded chunks into the hybrid index, then tombstones any
// older version of the document. Tombstoning after the new version lands
// means a reader never sees the document vanish entirely mid-reingest.
func Store(index Indexer, graph GraphWriter, log *slog.Logger) fn.Stage[EmbeddedDoc, string] {
	return func(ctx context.Context, doc EmbeddedDoc) fn.Result[string] {
		for i, chunk := range doc.Chunks {
			if err := index.Upsert(ctx, chunk, doc.Embeddings[i]); err != nil {
				return fn.Err[string](fmt.Errorf("ingest: index chunk %s: %w", chunk.ID, err))
			}
		}
		if err := index.TombstoneDoc(ctx, doc.Doc.ID, doc.Doc.Version); err != nil {
			return fn.Err[string](fmt.Errorf("ingest: tombstone %s: %w", doc.Doc.ID, err))
		}
		if graph != nil {
			if err := graph.SaveDocument(ctx, doc.Doc); err != nil {
				log.Warn("graph save failed", "doc_id", doc.Doc.ID, "error", err)
			}
		}
		return fn.Ok(doc.Doc.ID)
	}
}

// NewPipeline composes Parse → Chunk → Embed → Store with OTel spans per
// stage.
func NewPipeline(deps Deps) fn.Stage[RawDocument, string] {
	deps = deps.withDefaults()
	parsed := fn.TracedStage("ingest.parse", Parse(deps.Now))
	chunked := fn.Then(parsed, fn.TracedStage("ingest.chunk", Chunk(deps.Chunker)))
	embedded := fn.Then(chunked, fn.TracedStage("ingest.embed", Embed(deps.Embedder)))
	return fn.Then(embedded, fn.TracedStage("ingest.store", Store(deps.Index, deps.Graph, deps.Logger)))
}

// dlqMessage wraps a document that exhausted its retries.
type dlqMessage struct {
	Document RawDocument `json:"document"`
	Error    string      `json:"error"`
	Retries  int         `json:"retries"`
}

// StartConsumer subscribes the ingest pipeline to the filings subject.
// Malformed documents are dropped with a log line; transient failures are
// re-published with an incremented retry header until MaxRetries, then go to
// the DLQ.
func StartConsumer(ctx context.Context, nc *nats.Conn, deps Deps) (*nats.Subscription, error) {
	deps = deps.withDefaults()
	pipeline := NewPipeline(deps)
	log := deps.Logger.With("component", "ingest")

	processed := deps.Registry.Counter("ingest_documents_total", "Documents ingested successfully")
	malformed := deps.Registry.Counter("ingest_malformed_total", "Documents dropped as malformed")
	retried := deps.Registry.Counter("ingest_retries_total", "Ingest retries re-published")
	deadLettered := deps.Registry.Counter("ingest_dlq_total", "Documents sent to the DLQ")

	return nc.Subscribe(IngestSubject, func(msg *nats.Msg) {
		var raw RawDocument
		if err := json.Unmarshal(msg.Data, &raw); err != nil {
			log.Error("unmarshal failed", "error", err)
			malformed.Inc()
			return
		}

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get("X-Retry-Count"); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		result := pipeline(ctx, raw)
		if result.IsErr() {
			_, pipeErr := result.Unwrap()

			// Malformed documents can never succeed: drop, don't retry.
			if domain.IsMalformed(pipeErr) {
				log.Warn("malformed document dropped", "doc_id", raw.ID, "error", pipeErr)
				malformed.Inc()
				return
			}

			retries++
			log.Error("pipeline failed", "doc_id", raw.ID, "retry", retries, "error", pipeErr)
			if retries >= MaxRetries {
				dlq := dlqMessage{Document: raw, Error: pipeErr.Error(), Retries: retries}
				data, _ := json.Marshal(dlq)
				if err := nc.Publish(DLQSubject, data); err != nil {
					log.Error("DLQ publish failed", "doc_id", raw.ID, "error", err)
				}
				deadLettered.Inc()
				return
			}
			retryMsg := nats.NewMsg(IngestSubject)
			retryMsg.Data = msg.Data
			retryMsg.Header = nats.Header{}
			retryMsg.Header.Set("X-Retry-Count", fmt.Sprintf("%d", retries))
			if err := nc.PublishMsg(retryMsg); err != nil {
				log.Error("retry publish failed", "doc_id", raw.ID, "error", err)
			}
			retried.Inc()
			return
		}

		docID, _ := result.Unwrap()
		processed.Inc()
		log.Info("document ingested", "doc_id", docID)
	})
}
