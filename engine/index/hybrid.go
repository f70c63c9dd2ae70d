// Package index implements the hybrid vector index: an in-memory ephemeral
// tier answering all queries, fronted by a sqlite write-ahead journal and
// mirrored asynchronously into the durable similarity tier.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sentinelai/sentinel/engine/domain"
	"github.com/sentinelai/sentinel/engine/semantic"
	"github.com/sentinelai/sentinel/pkg/fn"
	"github.com/sentinelai/sentinel/pkg/metrics"
)

// mirrorRetry bounds in-pass retries of a failed durable upsert. A batch that
// still fails stays unmirrored and is re-sent on the next pass.
var mirrorRetry = fn.RetryOpts{
	MaxAttempts: 3,
	InitialWait: 100 * time.Millisecond,
	MaxWait:     time.Second,
	Jitter:      true,
}

// Filter narrows a similarity query. Zero values mean "no constraint".
type Filter struct {
	Tickers []string
	Since   time.Time
	Until   time.Time
}

// Hit is a single similarity result from the ephemeral tier.
type Hit struct {
	Chunk      domain.Chunk
	Similarity float64
	InsertedAt time.Time
}

// DurableTier is the slow, persistent side of the index. *semantic.Store
// satisfies it; tests substitute a fake.
type DurableTier interface {
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
	DeleteByDoc(ctx context.Context, docID string) error
}

// Opts tunes the hybrid index.
type Opts struct {
	// MirrorInterval is how often the mirror worker drains the journal
	// backlog when no write kicks it sooner.
	MirrorInterval time.Duration
	// MirrorBatch is the maximum journal rows mirrored per pass.
	MirrorBatch int
	// MaxStagingAge is how long an entry may sit unmirrored before the
	// index logs a degraded-durability warning.
	MaxStagingAge time.Duration
	Logger        *slog.Logger
}

// DefaultOpts returns production defaults.
func DefaultOpts() Opts {
	return Opts{
		MirrorInterval: 5 * time.Second,
		MirrorBatch:    256,
		MaxStagingAge:  time.Minute,
	}
}

// Hybrid is the two-tier vector index. Writes journal first, then land in
// the ephemeral tier, then reach the durable tier via the mirror worker.
// Queries are served entirely from the ephemeral tier.
type Hybrid struct {
	mem     *memTier
	journal *Journal
	durable DurableTier
	opts    Opts
	log     *slog.Logger

	ready atomic.Bool
	kick  chan struct{}
	done  chan struct{}

	upserts   *metrics.Counter
	staleHits *metrics.Counter
	mirrorErr *metrics.Counter
	queries   *metrics.Counter
	backlog   *metrics.Gauge

	now func() time.Time
}

// NewHybrid assembles the index. Call Start before serving queries.
func NewHybrid(journal *Journal, durable DurableTier, reg *metrics.Registry, opts Opts) *Hybrid {
	if opts.MirrorInterval <= 0 {
		opts.MirrorInterval = DefaultOpts().MirrorInterval
	}
	if opts.MirrorBatch <= 0 {
		opts.MirrorBatch = DefaultOpts().MirrorBatch
	}
	if opts.MaxStagingAge <= 0 {
		opts.MaxStagingAge = DefaultOpts().MaxStagingAge
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if reg == nil {
		reg = metrics.New()
	}
	h := &Hybrid{
		mem:     newMemTier(),
		journal: journal,
		durable: durable,
		opts:    opts,
		log:     opts.Logger.With("component", "hybrid_index"),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	h.upserts = reg.Counter("index_upserts_total", "Chunk embeddings accepted into the index")
	h.staleHits = reg.Counter("index_stale_writes_total", "Writes dropped by last-writer-wins version checks")
	h.mirrorErr = reg.Counter("index_mirror_errors_total", "Failed durable-tier mirror passes")
	h.queries = reg.Counter("index_queries_total", "Similarity queries served")
	h.backlog = reg.Gauge("index_mirror_backlog", "Journal rows awaiting durable mirror")
	return h
}

// Start rebuilds the ephemeral tier from the journal, then launches the
// mirror worker. Until Start returns, every query fails ErrIndexNotReady.
func (h *Hybrid) Start(ctx context.Context) error {
	if err := h.Rebuild(ctx); err != nil {
		return err
	}
	go h.mirrorLoop(ctx)
	return nil
}

// Rebuild replays the full journal into the ephemeral tier. The index is
// not ready while a rebuild runs; queries fail rather than serve partial
// results.
func (h *Hybrid) Rebuild(ctx context.Context) error {
	h.ready.Store(false)
	h.mem.clear()

	n := 0
	err := h.journal.All(ctx, func(rec JournalRecord) error {
		h.mem.upsert(rec.Chunk, rec.Embedding, rec.InsertedAt)
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("index: rebuild: %w", err)
	}
	h.ready.Store(true)
	h.log.Info("index rebuilt", "entries", n)
	return nil
}

// Ready reports whether the index serves queries.
func (h *Hybrid) Ready() bool {
	return h.ready.Load()
}

// Upsert journals, then inserts a chunk embedding. The write is acknowledged
// once journaled; the durable tier catches up asynchronously.
func (h *Hybrid) Upsert(ctx context.Context, chunk domain.Chunk, embedding []float32) error {
	if !h.ready.Load() {
		return domain.ErrIndexNotReady
	}
	insertedAt := h.now().UTC()
	if err := h.journal.Append(ctx, chunk, embedding, insertedAt); err != nil {
		return err
	}
	if stale := h.mem.upsert(chunk, embedding, insertedAt); stale {
		h.staleHits.Inc()
		h.log.Debug("stale write dropped", "chunk_id", chunk.ID, "doc_version", chunk.DocVersion)
		return nil
	}
	h.upserts.Inc()

	select {
	case h.kick <- struct{}{}:
	default:
	}
	return nil
}

// TombstoneDoc removes all chunks of a document below keepVersion from every
// tier. A durable-tier delete failure is logged, not fatal: the journal no
// longer holds the old rows, so the next full re-ingest of the document
// overwrites them by deterministic chunk id.
func (h *Hybrid) TombstoneDoc(ctx context.Context, docID string, keepVersion int64) error {
	if err := h.journal.TombstoneDoc(ctx, docID, keepVersion); err != nil {
		return err
	}
	removed := h.mem.tombstoneDoc(docID, keepVersion)
	if err := h.durable.DeleteByDoc(ctx, docID); err != nil {
		h.log.Warn("durable tombstone failed", "doc_id", docID, "error", err)
	}
	h.log.Info("document tombstoned", "doc_id", docID, "keep_version", keepVersion, "removed", len(removed))
	return nil
}

// Query runs a filtered similarity search over the ephemeral tier.
func (h *Hybrid) Query(ctx context.Context, embedding []float32, topK int, f Filter) ([]Hit, error) {
	if !h.ready.Load() {
		return nil, domain.ErrIndexNotReady
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.queries.Inc()
	return h.mem.query(embedding, topK, f), nil
}

// ChunksSince returns chunks inserted after the cursor, in scan order. The
// watchdog uses this to pick up work since its last checkpoint.
func (h *Hybrid) ChunksSince(cursor time.Time) ([]Hit, error) {
	if !h.ready.Load() {
		return nil, domain.ErrIndexNotReady
	}
	return h.mem.chunksSince(cursor), nil
}

// ChunkExists reports whether a chunk id is present in the ephemeral tier.
// Alert citation validation uses this.
func (h *Hybrid) ChunkExists(id string) bool {
	return h.mem.contains(id)
}

// Chunk returns the indexed chunk for an id.
func (h *Hybrid) Chunk(id string) (domain.Chunk, bool) {
	return h.mem.get(id)
}

// Len returns the number of entries in the ephemeral tier.
func (h *Hybrid) Len() int {
	return h.mem.len()
}

// MirrorBacklog returns how many journal rows still await the durable tier.
func (h *Hybrid) MirrorBacklog(ctx context.Context) (int, error) {
	n, _, err := h.journal.Backlog(ctx)
	return n, err
}

// Done is closed when the mirror worker exits.
func (h *Hybrid) Done() <-chan struct{} {
	return h.done
}

func (h *Hybrid) mirrorLoop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.opts.MirrorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final best-effort drain so a clean shutdown leaves no backlog.
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			h.mirrorPass(drainCtx)
			cancel()
			return
		case <-ticker.C:
		case <-h.kick:
		}
		h.mirrorPass(ctx)
	}
}

// mirrorPass drains the unmirrored journal backlog into the durable tier in
// batches. At-least-once: a crash after the durable upsert but before
// MarkMirrored re-sends the batch, and Qdrant overwrites by point id.
func (h *Hybrid) mirrorPass(ctx context.Context) {
	for {
		recs, err := h.journal.Unmirrored(ctx, h.opts.MirrorBatch)
		if err != nil {
			h.mirrorErr.Inc()
			h.log.Warn("mirror pass failed", "error", err)
			return
		}
		if len(recs) == 0 {
			h.backlog.Set(0)
			return
		}

		oldest := recs[0].InsertedAt
		if age := h.now().Sub(oldest); age > h.opts.MaxStagingAge {
			h.log.Warn("durability degraded: mirror backlog aging",
				"oldest_age", age.Round(time.Second), "backlog", len(recs))
		}

		records := make([]semantic.VectorRecord, len(recs))
		ids := make([]string, len(recs))
		for i, r := range recs {
			records[i] = semantic.VectorRecord{
				ID:         r.Chunk.ID,
				Embedding:  r.Embedding,
				Text:       r.Chunk.Text,
				DocID:      r.Chunk.DocID,
				DocVersion: r.Chunk.DocVersion,
				Ticker:     r.Chunk.Ticker,
				Source:     r.Chunk.Source,
				ChunkIndex: r.Chunk.Index,
				InsertedAt: r.InsertedAt,
			}
			ids[i] = r.Chunk.ID
		}
		res := fn.Retry(ctx, mirrorRetry, func(ctx context.Context) fn.Result[struct{}] {
			if err := h.durable.Upsert(ctx, records); err != nil {
				return fn.Err[struct{}](err)
			}
			return fn.Ok(struct{}{})
		})
		if _, err := res.Unwrap(); err != nil {
			h.mirrorErr.Inc()
			h.log.Warn("durable upsert failed, will retry next pass", "batch", len(records), "error", err)
			return
		}
		if err := h.journal.MarkMirrored(ctx, ids); err != nil {
			h.mirrorErr.Inc()
			h.log.Warn("mark mirrored failed", "error", err)
			return
		}
		if n, _, err := h.journal.Backlog(ctx); err == nil {
			h.backlog.Set(int64(n))
		}
		if len(recs) < h.opts.MirrorBatch {
			return
		}
	}
}
