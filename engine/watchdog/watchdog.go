// Package watchdog runs the monitoring loop: a cycle-based state machine
// that scans newly indexed chunks, evaluates them for portfolio risk, hands
// accepted events to the analyst pool, and checkpoints its progress so a
// restart resumes exactly where the last completed cycle left off.
package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelai/sentinel/engine/checkpoint"
	"github.com/sentinelai/sentinel/engine/dedup"
	"github.com/sentinelai/sentinel/engine/domain"
	"github.com/sentinelai/sentinel/engine/index"
	"github.com/sentinelai/sentinel/engine/salience"
	"github.com/sentinelai/sentinel/pkg/metrics"
)

// State is a phase of the watchdog cycle.
type State int32

const (
	StateRecovering State = iota
	StateScanning
	StateEvaluating
	StateDispatching
	StateCheckpointing
	StateSleeping
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "recovering"
	case StateScanning:
		return "scanning"
	case StateEvaluating:
		return "evaluating"
	case StateDispatching:
		return "dispatching"
	case StateCheckpointing:
		return "checkpointing"
	case StateSleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// Scanner is the index surface the watchdog reads new chunks from.
type Scanner interface {
	ChunksSince(cursor time.Time) ([]index.Hit, error)
}

// Dispatcher accepts events for analysis without blocking.
type Dispatcher interface {
	TrySubmit(event domain.Event) error
}

// CheckpointStore persists cycle progress.
type CheckpointStore interface {
	Save(ctx context.Context, rec domain.CheckpointRecord) error
	Load(ctx context.Context) (domain.CheckpointRecord, error)
}

// EventRecorder records accepted events in the event graph. Optional.
type EventRecorder interface {
	SaveEvent(ctx context.Context, event domain.Event, docIDs []string) error
}

// Config tunes the watchdog loop.
type Config struct {
	// ScanInterval is the sleep between cycles.
	ScanInterval time.Duration
	// GlobalThreshold is the salience threshold for tickers without an
	// override.
	GlobalThreshold float64
	// Portfolio lists the watched tickers. Empty watches every ticker at
	// the global threshold.
	Portfolio []domain.PortfolioEntry
	// MaxRetryAge bounds how long a saturated event is requeued before it
	// is dropped with a warning.
	MaxRetryAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 30 * time.Second
	}
	if c.GlobalThreshold <= 0 {
		c.GlobalThreshold = 0.4
	}
	if c.MaxRetryAge <= 0 {
		c.MaxRetryAge = time.Hour
	}
	return c
}

// Deps holds the watchdog's collaborators.
type Deps struct {
	Scanner     Scanner
	Scorer      *salience.Scorer
	Dedup       *dedup.Deduplicator
	Dispatcher  Dispatcher
	Checkpoints CheckpointStore
	Graph       EventRecorder // optional
	Registry    *metrics.Registry
	Logger      *slog.Logger
	Now         func() time.Time
}

// Watchdog is the monitoring loop.
type Watchdog struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	state   atomic.Int32
	cycleID int64
	cursor  time.Time

	// mu guards pending and inFlight; EventDone is called from analyst
	// workers while the cycle goroutine checkpoints.
	mu       sync.Mutex
	pending  []domain.Event          // awaiting dispatch
	inFlight map[string]domain.Event // dispatched, alert not yet emitted

	portfolio map[string]domain.PortfolioEntry

	cycles     *metrics.Counter
	accepted   *metrics.Counter
	duplicates *metrics.Counter
	dropped    *metrics.Counter
	pendingG   *metrics.Gauge
	stateG     *metrics.Gauge
	cycleDur   *metrics.Histogram
}

// New creates a Watchdog.
func New(cfg Config, deps Deps) *Watchdog {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Scorer == nil {
		deps.Scorer = salience.New(nil)
	}
	if deps.Dedup == nil {
		deps.Dedup = dedup.New(0)
	}
	if deps.Registry == nil {
		deps.Registry = metrics.New()
	}

	w := &Watchdog{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Logger.With("component", "watchdog"),
		portfolio: make(map[string]domain.PortfolioEntry, len(cfg.Portfolio)),
		inFlight:  make(map[string]domain.Event),
	}
	for _, e := range cfg.Portfolio {
		w.portfolio[e.Ticker] = e
	}
	w.cycles = deps.Registry.Counter("watchdog_cycles_total", "Completed watchdog cycles")
	w.accepted = deps.Registry.Counter("watchdog_events_total", "Events accepted for analysis")
	w.duplicates = deps.Registry.Counter("watchdog_duplicates_total", "Events suppressed by dedup")
	w.dropped = deps.Registry.Counter("watchdog_dropped_total", "Saturated events dropped past max retry age")
	w.pendingG = deps.Registry.Gauge("watchdog_pending_events", "Events awaiting dispatch")
	w.stateG = deps.Registry.Gauge("watchdog_state", "Current watchdog state (0=recovering..5=sleeping)")
	w.cycleDur = deps.Registry.Histogram("watchdog_cycle_seconds", "Watchdog cycle duration", nil)
	return w
}

// State returns the current cycle phase.
func (w *Watchdog) State() State {
	return State(w.state.Load())
}

func (w *Watchdog) setState(s State) {
	w.state.Store(int32(s))
	w.stateG.Set(int64(s))
	w.log.Debug("state transition", "state", s.String())
}

// Run executes the loop until ctx is canceled. Cancellation is honored only
// in the sleeping state: a cycle in flight always completes, including its
// checkpoint, so recovery never sees a torn cycle.
func (w *Watchdog) Run(ctx context.Context) error {
	// Mid-cycle operations must survive cancellation.
	opCtx := context.WithoutCancel(ctx)

	w.setState(StateRecovering)
	w.recover(opCtx)

	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		w.runCycle(opCtx)

		w.setState(StateSleeping)
		select {
		case <-ctx.Done():
			w.log.Info("watchdog stopped", "cycle_id", w.cycleID)
			return nil
		case <-ticker.C:
		}
	}
}

// RunCycle executes exactly one cycle. The daemon loop uses Run; callers that
// want a single scan, such as tests, use this directly.
func (w *Watchdog) RunCycle(ctx context.Context) {
	w.runCycle(ctx)
}

func (w *Watchdog) runCycle(ctx context.Context) {
	started := w.deps.Now()

	w.setState(StateScanning)
	hits, err := w.deps.Scanner.ChunksSince(w.cursor)
	if err != nil {
		if errors.Is(err, domain.ErrIndexNotReady) {
			w.log.Warn("index not ready, skipping cycle")
		} else {
			w.log.Error("scan failed", "error", err)
		}
		return
	}
	newCursor := w.cursor
	for _, h := range hits {
		if h.InsertedAt.After(newCursor) {
			newCursor = h.InsertedAt
		}
	}

	w.setState(StateEvaluating)
	events := w.evaluate(ctx, hits)

	w.setState(StateDispatching)
	w.mu.Lock()
	queued := append(w.pending, events...)
	w.pending = nil
	w.mu.Unlock()
	requeued := w.dispatch(queued)
	w.mu.Lock()
	w.pending = requeued
	w.pendingG.Set(int64(len(w.pending) + len(w.inFlight)))
	w.mu.Unlock()

	w.setState(StateCheckpointing)
	w.cursor = newCursor
	w.cycleID++
	w.saveCheckpoint(ctx)

	w.cycles.Inc()
	w.cycleDur.Observe(w.deps.Now().Sub(started).Seconds())
	w.mu.Lock()
	outstanding := len(w.pending) + len(w.inFlight)
	w.mu.Unlock()
	w.log.Info("cycle complete",
		"cycle_id", w.cycleID, "scanned", len(hits), "events", len(events),
		"outstanding", outstanding, "took", w.deps.Now().Sub(started).Round(time.Millisecond))
}

// recover restores the last checkpoint: scan cursor, dedup state, and any
// events that were awaiting dispatch when the process stopped.
func (w *Watchdog) recover(ctx context.Context) {
	rec, err := w.deps.Checkpoints.Load(ctx)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		w.log.Info("no checkpoint, starting fresh")
		return
	}
	if err != nil {
		w.log.Error("checkpoint load failed, starting fresh", "error", err)
		return
	}

	w.cycleID = rec.CycleID
	w.cursor = rec.LastScanCursor
	if err := w.deps.Dedup.Restore(rec.DedupState); err != nil {
		w.log.Warn("dedup state restore failed, window resets", "error", err)
	}
	// In-flight events from the previous process never completed: they go
	// back to pending and are re-dispatched. The analyst derives alert ids
	// from event ids, so an event that did reach the feed before the crash
	// collapses into the existing row.
	w.mu.Lock()
	w.pending = w.pruneStale(rec.PendingEvents)
	n := len(w.pending)
	w.mu.Unlock()
	w.pendingG.Set(int64(n))
	w.log.Info("recovered from checkpoint",
		"cycle_id", w.cycleID, "cursor", w.cursor, "pending", n)
}

// evaluate scores scanned chunks and groups contiguous flagged chunks of the
// same document into events, one event per run per ticker.
func (w *Watchdog) evaluate(ctx context.Context, hits []index.Hit) []domain.Event {
	type flagged struct {
		chunk domain.Chunk
		score float64
		terms []string
	}

	var runs [][]flagged
	var current []flagged
	flush := func() {
		if len(current) > 0 {
			runs = append(runs, current)
			current = nil
		}
	}

	for _, h := range hits {
		c := h.Chunk
		entry, watched := w.portfolio[c.Ticker]
		if len(w.portfolio) > 0 && !watched {
			flush()
			continue
		}
		score, terms := w.deps.Scorer.Evaluate(c.Text)
		if score < entry.Threshold(w.cfg.GlobalThreshold) {
			flush()
			continue
		}
		if len(current) > 0 {
			prev := current[len(current)-1].chunk
			if prev.DocID != c.DocID || prev.Index+1 != c.Index {
				flush()
			}
		}
		current = append(current, flagged{chunk: c, score: score, terms: terms})
	}
	flush()

	var events []domain.Event
	for _, run := range runs {
		detectedAt := w.deps.Now().UTC()
		var (
			chunkIDs []string
			docIDs   []string
			maxScore float64
			termSet  = make(map[string]bool)
		)
		for _, f := range run {
			chunkIDs = append(chunkIDs, f.chunk.ID)
			if len(docIDs) == 0 || docIDs[len(docIDs)-1] != f.chunk.DocID {
				docIDs = append(docIDs, f.chunk.DocID)
			}
			if f.score > maxScore {
				maxScore = f.score
			}
			for _, t := range f.terms {
				termSet[t] = true
			}
		}
		terms := make([]string, 0, len(termSet))
		for t := range termSet {
			terms = append(terms, t)
		}
		sort.Strings(terms)

		ticker := run[0].chunk.Ticker
		event := domain.Event{
			ID:          uuid.NewString(),
			Ticker:      ticker,
			ChunkIDs:    chunkIDs,
			Salience:    maxScore,
			Terms:       terms,
			Headline:    headline(run[0].chunk.Text),
			DetectedAt:  detectedAt,
			Fingerprint: domain.Fingerprint(ticker, terms, detectedAt),
		}

		if !w.deps.Dedup.ShouldEmit(event.Fingerprint) {
			w.duplicates.Inc()
			w.log.Debug("duplicate event suppressed",
				"ticker", ticker, "fingerprint", event.Fingerprint)
			continue
		}
		if w.deps.Graph != nil {
			if err := w.deps.Graph.SaveEvent(ctx, event, docIDs); err != nil {
				w.log.Debug("event graph write failed", "event_id", event.ID, "error", err)
			}
		}
		w.accepted.Inc()
		events = append(events, event)
	}
	return events
}

// dispatch submits events to the analyst pool. An accepted event moves to the
// in-flight set, where it stays checkpointed until its alert is emitted, so a
// crash mid-analysis re-dispatches it after restart. Saturated events stay
// pending for the next cycle until they exceed the max retry age.
func (w *Watchdog) dispatch(events []domain.Event) (requeued []domain.Event) {
	for _, event := range events {
		// In-flight before submit: a worker may finish (and call
		// EventDone) before TrySubmit returns.
		w.mu.Lock()
		w.inFlight[event.ID] = event
		w.mu.Unlock()

		err := w.deps.Dispatcher.TrySubmit(event)
		if err == nil {
			continue
		}
		w.mu.Lock()
		delete(w.inFlight, event.ID)
		w.mu.Unlock()

		if !errors.Is(err, domain.ErrQueueSaturated) {
			w.log.Error("dispatch failed", "event_id", event.ID, "error", err)
			continue
		}
		if w.deps.Now().Sub(event.DetectedAt) > w.cfg.MaxRetryAge {
			w.dropEvent(event, "queue saturated past max retry age")
			continue
		}
		requeued = append(requeued, event)
	}
	if len(requeued) > 0 {
		w.log.Warn("analyst queue saturated, events requeued", "count", len(requeued))
	}
	return requeued
}

// EventDone retires a dispatched event once its alert has been emitted. Wired
// into the analyst pool's completion callback.
func (w *Watchdog) EventDone(eventID string) {
	w.mu.Lock()
	delete(w.inFlight, eventID)
	n := len(w.pending) + len(w.inFlight)
	w.mu.Unlock()
	w.pendingG.Set(int64(n))
}

func (w *Watchdog) pruneStale(events []domain.Event) []domain.Event {
	var keep []domain.Event
	for _, e := range events {
		if w.deps.Now().Sub(e.DetectedAt) > w.cfg.MaxRetryAge {
			w.dropEvent(e, "past max retry age at recovery")
			continue
		}
		keep = append(keep, e)
	}
	return keep
}

// dropEvent abandons an event that never produced an alert. Its fingerprint
// is released so the same risk resurfacing is not suppressed by a window
// entry that alerted nobody.
func (w *Watchdog) dropEvent(event domain.Event, reason string) {
	w.dropped.Inc()
	w.deps.Dedup.Forget(event.Fingerprint)
	w.log.Warn("event dropped: "+reason,
		"event_id", event.ID, "ticker", event.Ticker,
		"detected_at", event.DetectedAt)
}

// saveCheckpoint atomically replaces the durable cycle record. Both
// undispatched and in-flight events are persisted: an event only leaves the
// checkpoint once its alert is in the feed. A write failure degrades
// durability but never stops the loop.
func (w *Watchdog) saveCheckpoint(ctx context.Context) {
	snap, err := w.deps.Dedup.Snapshot()
	if err != nil {
		w.log.Error("dedup snapshot failed", "error", err)
	}
	rec := domain.CheckpointRecord{
		CycleID:        w.cycleID,
		LastScanCursor: w.cursor,
		DedupState:     snap,
		PendingEvents:  w.outstanding(),
		Timestamp:      w.deps.Now().UTC(),
	}
	if err := w.deps.Checkpoints.Save(ctx, rec); err != nil {
		w.log.Error("checkpoint write failed, continuing degraded", "error", err)
	}
}

// outstanding snapshots every event that has not produced an alert yet, in
// detection order so checkpoints are deterministic.
func (w *Watchdog) outstanding() []domain.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.Event, 0, len(w.pending)+len(w.inFlight))
	out = append(out, w.pending...)
	for _, e := range w.inFlight {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.Before(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// headline condenses chunk text into a one-line event headline.
func headline(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if i := strings.IndexAny(text, ".!?"); i > 20 {
		text = text[:i+1]
	}
	if len(text) > 140 {
		text = text[:137] + "..."
	}
	return text
}
