package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/sentinelai/sentinel/engine/checkpoint"
	"github.com/sentinelai/sentinel/engine/dedup"
	"github.com/sentinelai/sentinel/engine/domain"
	"github.com/sentinelai/sentinel/engine/index"
)

type fakeScanner struct {
	hits []index.Hit
	err  error
}

func (f *fakeScanner) ChunksSince(cursor time.Time) ([]index.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []index.Hit
	for _, h := range f.hits {
		if h.InsertedAt.After(cursor) {
			out = append(out, h)
		}
	}
	return out, nil
}

type fakeDispatcher struct {
	submitted []domain.Event
	saturated bool
}

func (f *fakeDispatcher) TrySubmit(e domain.Event) error {
	if f.saturated {
		return domain.ErrQueueSaturated
	}
	f.submitted = append(f.submitted, e)
	return nil
}

func hitAt(id, docID string, idx int, ticker, text string, at time.Time) index.Hit {
	return index.Hit{
		Chunk: domain.Chunk{
			ID: id, DocID: docID, DocVersion: 1, Index: idx,
			Ticker: ticker, Source: "sec_filing", Text: text,
		},
		InsertedAt: at,
	}
}

type env struct {
	w     *Watchdog
	scan  *fakeScanner
	disp  *fakeDispatcher
	store *checkpoint.Store
	clock *time.Time
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	store, err := checkpoint.Open(":memory:")
	if err != nil {
		t.Fatalf("open checkpoint store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	e := &env{
		scan:  &fakeScanner{},
		disp:  &fakeDispatcher{},
		store: store,
		clock: &clock,
	}
	d := dedup.New(24 * time.Hour)
	e.w = New(cfg, Deps{
		Scanner:     e.scan,
		Dedup:       d,
		Dispatcher:  e.disp,
		Checkpoints: store,
		Now:         func() time.Time { return *e.clock },
	})
	return e
}

const riskyText = "The company was named in a class action lawsuit over its accounting."

func TestCycle_DetectsAndDispatchesEvent(t *testing.T) {
	e := newEnv(t, Config{Portfolio: []domain.PortfolioEntry{{Ticker: "NVDA"}}})
	e.scan.hits = []index.Hit{
		hitAt("c1", "d1", 0, "NVDA", riskyText, e.clock.Add(-time.Minute)),
	}

	e.w.RunCycle(context.Background())

	if len(e.disp.submitted) != 1 {
		t.Fatalf("dispatched %d events, want 1", len(e.disp.submitted))
	}
	ev := e.disp.submitted[0]
	if ev.Ticker != "NVDA" || len(ev.ChunkIDs) != 1 || ev.ChunkIDs[0] != "c1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Salience < 0.4 {
		t.Errorf("salience = %v, want >= 0.4", ev.Salience)
	}
	if ev.Fingerprint == "" || ev.Headline == "" {
		t.Error("event missing fingerprint or headline")
	}

	rec, err := e.store.Load(context.Background())
	if err != nil {
		t.Fatalf("checkpoint not written: %v", err)
	}
	if rec.CycleID != 1 {
		t.Errorf("cycle id = %d", rec.CycleID)
	}
	if !rec.LastScanCursor.Equal(e.clock.Add(-time.Minute)) {
		t.Errorf("cursor = %v", rec.LastScanCursor)
	}
}

func TestCycle_BenignChunksProduceNoEvents(t *testing.T) {
	e := newEnv(t, Config{Portfolio: []domain.PortfolioEntry{{Ticker: "NVDA"}}})
	e.scan.hits = []index.Hit{
		hitAt("c1", "d1", 0, "NVDA", "Quarterly developer conference attendance set a record.", *e.clock),
	}
	e.w.RunCycle(context.Background())
	if len(e.disp.submitted) != 0 {
		t.Fatalf("benign chunk produced events: %+v", e.disp.submitted)
	}
}

func TestCycle_UnwatchedTickerSkipped(t *testing.T) {
	e := newEnv(t, Config{Portfolio: []domain.PortfolioEntry{{Ticker: "NVDA"}}})
	e.scan.hits = []index.Hit{
		hitAt("c1", "d1", 0, "GME", riskyText, *e.clock),
	}
	e.w.RunCycle(context.Background())
	if len(e.disp.submitted) != 0 {
		t.Fatal("unwatched ticker generated an event")
	}
}

func TestCycle_ContiguousChunksGroupIntoOneEvent(t *testing.T) {
	e := newEnv(t, Config{Portfolio: []domain.PortfolioEntry{{Ticker: "NVDA"}}})
	at := *e.clock
	e.scan.hits = []index.Hit{
		hitAt("c1", "d1", 0, "NVDA", riskyText, at),
		hitAt("c2", "d1", 1, "NVDA", "Litigation over the class action may be material.", at),
		// Non-adjacent index: separate event.
		hitAt("c4", "d1", 3, "NVDA", "Regulators opened an investigation amid fraud allegations.", at),
	}

	e.w.RunCycle(context.Background())

	if len(e.disp.submitted) != 2 {
		t.Fatalf("got %d events, want 2 (one per contiguous run): %+v", len(e.disp.submitted), e.disp.submitted)
	}
	first := e.disp.submitted[0]
	if len(first.ChunkIDs) != 2 || first.ChunkIDs[0] != "c1" || first.ChunkIDs[1] != "c2" {
		t.Errorf("first run chunk ids = %v", first.ChunkIDs)
	}
}

func TestCycle_PerTickerThresholdOverride(t *testing.T) {
	e := newEnv(t, Config{
		GlobalThreshold: 0.4,
		Portfolio: []domain.PortfolioEntry{
			{Ticker: "NVDA", ThresholdOverride: 0.9},
			{Ticker: "TSLA"},
		},
	})
	e.scan.hits = []index.Hit{
		hitAt("c1", "d1", 0, "NVDA", riskyText, *e.clock),
		hitAt("c2", "d2", 0, "TSLA", riskyText, *e.clock),
	}

	e.w.RunCycle(context.Background())

	if len(e.disp.submitted) != 1 || e.disp.submitted[0].Ticker != "TSLA" {
		t.Fatalf("threshold override not applied: %+v", e.disp.submitted)
	}
}

func TestCycle_DedupSuppressesRepeat(t *testing.T) {
	e := newEnv(t, Config{Portfolio: []domain.PortfolioEntry{{Ticker: "NVDA"}}})
	e.scan.hits = []index.Hit{hitAt("c1", "d1", 0, "NVDA", riskyText, *e.clock)}
	e.w.RunCycle(context.Background())

	// Same risk resurfaces in a fresh chunk next cycle.
	*e.clock = e.clock.Add(time.Minute)
	e.scan.hits = []index.Hit{hitAt("c9", "d9", 0, "NVDA", riskyText, *e.clock)}
	e.w.RunCycle(context.Background())

	if len(e.disp.submitted) != 1 {
		t.Fatalf("duplicate fingerprint dispatched twice: %+v", e.disp.submitted)
	}
}

func TestCycle_SaturationRequeuesThenDrops(t *testing.T) {
	e := newEnv(t, Config{
		Portfolio:   []domain.PortfolioEntry{{Ticker: "NVDA"}},
		MaxRetryAge: 30 * time.Minute,
	})
	e.disp.saturated = true
	e.scan.hits = []index.Hit{hitAt("c1", "d1", 0, "NVDA", riskyText, *e.clock)}

	e.w.RunCycle(context.Background())
	if len(e.w.pending) != 1 {
		t.Fatalf("saturated event not requeued: pending = %d", len(e.w.pending))
	}

	// Still saturated within the retry age: stays pending.
	*e.clock = e.clock.Add(10 * time.Minute)
	e.scan.hits = nil
	e.w.RunCycle(context.Background())
	if len(e.w.pending) != 1 {
		t.Fatalf("event lost while within retry age: pending = %d", len(e.w.pending))
	}

	// Past the retry age: dropped with a warning, not retried forever.
	*e.clock = e.clock.Add(time.Hour)
	e.w.RunCycle(context.Background())
	if len(e.w.pending) != 0 {
		t.Fatalf("stale event still pending: %d", len(e.w.pending))
	}
	if e.disp.submitted != nil {
		t.Fatalf("saturated dispatcher received events: %+v", e.disp.submitted)
	}
}

func TestRecover_RestoresCursorDedupAndPending(t *testing.T) {
	e := newEnv(t, Config{Portfolio: []domain.PortfolioEntry{{Ticker: "NVDA"}}})
	e.scan.hits = []index.Hit{hitAt("c1", "d1", 0, "NVDA", riskyText, e.clock.Add(-time.Minute))}
	e.disp.saturated = true
	e.w.RunCycle(context.Background())

	// Second watchdog over the same store simulates a restart.
	clock := *e.clock
	d := dedup.New(24 * time.Hour)
	w2 := New(Config{Portfolio: []domain.PortfolioEntry{{Ticker: "NVDA"}}}, Deps{
		Scanner:     e.scan,
		Dedup:       d,
		Dispatcher:  e.disp,
		Checkpoints: e.store,
		Now:         func() time.Time { return clock },
	})
	w2.recover(context.Background())

	if w2.cycleID != 1 {
		t.Errorf("recovered cycle id = %d", w2.cycleID)
	}
	if !w2.cursor.Equal(e.clock.Add(-time.Minute)) {
		t.Errorf("recovered cursor = %v", w2.cursor)
	}
	if len(w2.pending) != 1 {
		t.Errorf("recovered pending = %d, want 1", len(w2.pending))
	}
	// Dedup window survives the restart: the same fingerprint is still
	// suppressed.
	if d.ShouldEmit(w2.pending[0].Fingerprint) {
		t.Error("dedup state not restored: fingerprint re-emitted after restart")
	}
}

func TestRecover_FreshStart(t *testing.T) {
	e := newEnv(t, Config{})
	e.w.recover(context.Background())
	if e.w.cycleID != 0 || !e.w.cursor.IsZero() || e.w.pending != nil {
		t.Fatalf("fresh start state: cycle=%d cursor=%v pending=%v", e.w.cycleID, e.w.cursor, e.w.pending)
	}
}

func TestCycle_IndexNotReadySkipsCycle(t *testing.T) {
	e := newEnv(t, Config{})
	e.scan.err = domain.ErrIndexNotReady
	e.w.RunCycle(context.Background())
	if _, err := e.store.Load(context.Background()); err == nil {
		t.Fatal("cycle checkpointed despite scan failure")
	}
}

func TestStateString(t *testing.T) {
	want := map[State]string{
		StateRecovering:    "recovering",
		StateScanning:      "scanning",
		StateEvaluating:    "evaluating",
		StateDispatching:   "dispatching",
		StateCheckpointing: "checkpointing",
		StateSleeping:      "sleeping",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("%d.String() = %s, want %s", s, s.String(), name)
		}
	}
}

func TestRun_StopsWhileSleeping(t *testing.T) {
	e := newEnv(t, Config{ScanInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- e.w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop after cancel")
	}
	if e.w.State() != StateSleeping {
		t.Errorf("stopped in state %s, want sleeping", e.w.State())
	}
}

func TestCycle_DispatchedEventCheckpointedUntilDone(t *testing.T) {
	e := newEnv(t, Config{Portfolio: []domain.PortfolioEntry{{Ticker: "NVDA"}}})
	e.scan.hits = []index.Hit{hitAt("c1", "d1", 0, "NVDA", riskyText, *e.clock)}

	e.w.RunCycle(context.Background())

	if len(e.disp.submitted) != 1 {
		t.Fatalf("dispatched %d events, want 1", len(e.disp.submitted))
	}
	ev := e.disp.submitted[0]

	// Accepted but not completed: the event must survive in the checkpoint
	// so a crash mid-analysis re-dispatches it.
	rec, err := e.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if len(rec.PendingEvents) != 1 || rec.PendingEvents[0].ID != ev.ID {
		t.Fatalf("checkpoint pending = %+v, want the in-flight event", rec.PendingEvents)
	}

	// Alert emitted: the next checkpoint retires it.
	e.w.EventDone(ev.ID)
	*e.clock = e.clock.Add(time.Minute)
	e.scan.hits = nil
	e.w.RunCycle(context.Background())

	rec, err = e.store.Load(context.Background())
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if len(rec.PendingEvents) != 0 {
		t.Fatalf("completed event still checkpointed: %+v", rec.PendingEvents)
	}
}

func TestRecover_RedispatchesUncompletedEvents(t *testing.T) {
	e := newEnv(t, Config{Portfolio: []domain.PortfolioEntry{{Ticker: "NVDA"}}})
	e.scan.hits = []index.Hit{hitAt("c1", "d1", 0, "NVDA", riskyText, *e.clock)}
	e.w.RunCycle(context.Background())
	if len(e.disp.submitted) != 1 {
		t.Fatalf("dispatched %d events, want 1", len(e.disp.submitted))
	}

	// Restart without EventDone: the event was in flight when the process
	// died and must reach the analyst again.
	clock := e.clock.Add(time.Minute)
	disp2 := &fakeDispatcher{}
	w2 := New(Config{Portfolio: []domain.PortfolioEntry{{Ticker: "NVDA"}}}, Deps{
		Scanner:     &fakeScanner{},
		Dedup:       dedup.New(24 * time.Hour),
		Dispatcher:  disp2,
		Checkpoints: e.store,
		Now:         func() time.Time { return clock },
	})
	w2.recover(context.Background())
	w2.RunCycle(context.Background())

	if len(disp2.submitted) != 1 || disp2.submitted[0].ID != e.disp.submitted[0].ID {
		t.Fatalf("uncompleted event not re-dispatched: %+v", disp2.submitted)
	}
}

func TestCycle_DroppedEventReleasesFingerprint(t *testing.T) {
	e := newEnv(t, Config{
		Portfolio:   []domain.PortfolioEntry{{Ticker: "NVDA"}},
		MaxRetryAge: 30 * time.Minute,
	})
	e.disp.saturated = true
	e.scan.hits = []index.Hit{hitAt("c1", "d1", 0, "NVDA", riskyText, *e.clock)}
	e.w.RunCycle(context.Background())

	// Saturated past the retry age: the event is dropped without an alert.
	*e.clock = e.clock.Add(time.Hour)
	e.scan.hits = nil
	e.w.RunCycle(context.Background())
	if len(e.w.pending) != 0 {
		t.Fatalf("stale event still pending: %d", len(e.w.pending))
	}

	// The risk resurfaces within the dedup window. No alert was ever
	// emitted for it, so it must not be suppressed.
	e.disp.saturated = false
	*e.clock = e.clock.Add(time.Minute)
	e.scan.hits = []index.Hit{hitAt("c9", "d9", 0, "NVDA", riskyText, *e.clock)}
	e.w.RunCycle(context.Background())

	if len(e.disp.submitted) != 1 {
		t.Fatalf("dropped event's fingerprint still suppressing: %+v", e.disp.submitted)
	}
}
