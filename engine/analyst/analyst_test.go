package analyst

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sentinelai/sentinel/engine/checkpoint"
	"github.com/sentinelai/sentinel/engine/domain"
	"github.com/sentinelai/sentinel/engine/index"
	"github.com/sentinelai/sentinel/pkg/reason"
	"github.com/sentinelai/sentinel/pkg/resilience"
)

type fakeIndex struct {
	chunks map[string]domain.Chunk
	hits   []index.Hit
}

func (f *fakeIndex) Query(_ context.Context, _ []float32, topK int, _ index.Filter) ([]index.Hit, error) {
	if topK > len(f.hits) {
		topK = len(f.hits)
	}
	return f.hits[:topK], nil
}

func (f *fakeIndex) Chunk(id string) (domain.Chunk, bool) {
	c, ok := f.chunks[id]
	return c, ok
}

func (f *fakeIndex) ChunkExists(id string) bool {
	_, ok := f.chunks[id]
	return ok
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type scriptedReasoner struct {
	mu        sync.Mutex
	responses []reason.Assessment
	errs      []error
	requests  []reason.Request
}

func (r *scriptedReasoner) Assess(_ context.Context, req reason.Request) (reason.Assessment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	i := len(r.requests) - 1
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	var resp reason.Assessment
	if i < len(r.responses) {
		resp = r.responses[i]
	}
	return resp, err
}

type captureSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (s *captureSink) Emit(_ context.Context, a domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *captureSink) all() []domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Alert(nil), s.alerts...)
}

func testEvent() domain.Event {
	return domain.Event{
		ID:         "evt-1",
		Ticker:     "NVDA",
		ChunkIDs:   []string{"c1"},
		Salience:   0.62,
		Terms:      []string{"class action", "lawsuit"},
		Headline:   "NVIDIA named in class action lawsuit",
		DetectedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func testDeps(r Reasoner, sink Sink) Deps {
	idx := &fakeIndex{chunks: map[string]domain.Chunk{
		"c1": {ID: "c1", Ticker: "NVDA", Source: "sec_filing", Text: "The company was served with a class action complaint."},
		"c2": {ID: "c2", Ticker: "NVDA", Source: "news", Text: "Shares fell following the filing."},
	}}
	idx.hits = []index.Hit{{Chunk: idx.chunks["c2"], Similarity: 0.9}}
	return Deps{
		Index:    idx,
		Embedder: fakeEmbedder{},
		Reasoner: r,
		Sink:     sink,
		Now:      func() time.Time { return time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC) },
	}
}

func validAssessment() reason.Assessment {
	return reason.Assessment{
		RiskLevel:      "HIGH",
		Recommendation: "SELL",
		Confidence:     0.85,
		Reasoning:      []string{"Complaint alleges material misstatements."},
		CounterThesis:  "Claims may be dismissed at an early stage.",
		Citations:      []string{"c1", "c2"},
	}
}

func TestProcess_ReasonedAlert(t *testing.T) {
	sink := &captureSink{}
	r := &scriptedReasoner{responses: []reason.Assessment{validAssessment()}}
	p := NewPool(testDeps(r, sink), 1, 4)

	p.process(context.Background(), testEvent())

	alerts := sink.all()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Fallback {
		t.Fatal("reasoned path marked as fallback")
	}
	if a.RiskLevel != domain.RiskHigh || a.Recommendation != domain.RecommendSell {
		t.Errorf("verdict = %s/%s", a.RiskLevel, a.Recommendation)
	}
	if a.EventID != "evt-1" {
		t.Errorf("event id = %s", a.EventID)
	}
	if len(r.requests) != 1 || r.requests[0].Strict {
		t.Errorf("first request unexpectedly strict or missing")
	}
	if len(r.requests[0].Evidence) == 0 {
		t.Error("no evidence retrieved for reasoner")
	}
}

func TestProcess_InvalidThenStrictRetry(t *testing.T) {
	bad := validAssessment()
	bad.RiskLevel = "CATASTROPHIC" // not a valid tier
	sink := &captureSink{}
	r := &scriptedReasoner{responses: []reason.Assessment{bad, validAssessment()}}
	p := NewPool(testDeps(r, sink), 1, 4)

	p.process(context.Background(), testEvent())

	if len(r.requests) != 2 {
		t.Fatalf("reasoner called %d times, want 2", len(r.requests))
	}
	if !r.requests[1].Strict {
		t.Fatal("retry was not strict")
	}
	alerts := sink.all()
	if len(alerts) != 1 || alerts[0].Fallback {
		t.Fatalf("strict retry did not produce a reasoned alert: %+v", alerts)
	}
}

func TestProcess_FallbackAfterTwoInvalid(t *testing.T) {
	bad := validAssessment()
	bad.Citations = []string{"ghost-chunk"}
	sink := &captureSink{}
	r := &scriptedReasoner{responses: []reason.Assessment{bad, bad}}
	p := NewPool(testDeps(r, sink), 1, 4)

	p.process(context.Background(), testEvent())

	alerts := sink.all()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if !a.Fallback {
		t.Fatal("expected fallback alert")
	}
	if a.RiskLevel != domain.RiskMedium {
		t.Errorf("fallback risk = %s, want MEDIUM for salience 0.62", a.RiskLevel)
	}
	if a.Recommendation != domain.RecommendHold || a.Confidence != 0 {
		t.Errorf("fallback verdict = %s confidence %v", a.Recommendation, a.Confidence)
	}
	if len(a.Citations) != 1 || a.Citations[0] != "c1" {
		t.Errorf("fallback citations = %v, want triggering chunks", a.Citations)
	}
}

func TestProcess_FallbackOnReasonerError(t *testing.T) {
	sink := &captureSink{}
	r := &scriptedReasoner{errs: []error{errors.New("model timeout")}}
	p := NewPool(testDeps(r, sink), 1, 4)

	p.process(context.Background(), testEvent())

	alerts := sink.all()
	if len(alerts) != 1 || !alerts[0].Fallback {
		t.Fatalf("reasoner outage did not produce fallback: %+v", alerts)
	}
}

func TestProcess_FallbackWhenBreakerOpen(t *testing.T) {
	sink := &captureSink{}
	r := &scriptedReasoner{responses: []reason.Assessment{validAssessment()}}
	deps := testDeps(r, sink)
	deps.Breaker = resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 1, Timeout: time.Hour})
	// Trip the breaker.
	deps.Breaker.Call(context.Background(), func(context.Context) error { return errors.New("down") })

	p := NewPool(deps, 1, 4)
	p.process(context.Background(), testEvent())

	if len(r.requests) != 0 {
		t.Fatal("reasoner called while breaker open")
	}
	alerts := sink.all()
	if len(alerts) != 1 || !alerts[0].Fallback {
		t.Fatalf("open breaker did not produce fallback: %+v", alerts)
	}
}

func TestTrySubmit_QueueSaturation(t *testing.T) {
	sink := &captureSink{}
	r := &scriptedReasoner{}
	p := NewPool(testDeps(r, sink), 1, 2)
	// Workers not started: the queue fills.

	if err := p.TrySubmit(testEvent()); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if err := p.TrySubmit(testEvent()); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if err := p.TrySubmit(testEvent()); !errors.Is(err, domain.ErrQueueSaturated) {
		t.Fatalf("err = %v, want ErrQueueSaturated", err)
	}
}

func TestPool_ProcessesSubmittedEvents(t *testing.T) {
	sink := &captureSink{}
	r := &scriptedReasoner{responses: []reason.Assessment{validAssessment()}}
	p := NewPool(testDeps(r, sink), 2, 4)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	if err := p.TrySubmit(testEvent()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(sink.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no alert emitted within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	p.Wait()
}

func TestPool_DrainsQueueOnShutdown(t *testing.T) {
	sink := &captureSink{}
	r := &scriptedReasoner{errs: []error{errors.New("down"), errors.New("down")}}

	var mu sync.Mutex
	var completed []string
	deps := testDeps(r, sink)
	deps.Completed = func(id string) {
		mu.Lock()
		completed = append(completed, id)
		mu.Unlock()
	}
	p := NewPool(deps, 1, 4)

	ev2 := testEvent()
	ev2.ID = "evt-2"
	if err := p.TrySubmit(testEvent()); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	if err := p.TrySubmit(ev2); err != nil {
		t.Fatalf("submit 2: %v", err)
	}

	// Cancel before any worker runs: both accepted events must still be
	// processed on the way out.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Start(ctx)
	p.Wait()

	alerts := sink.all()
	if len(alerts) != 2 {
		t.Fatalf("drained %d alerts, want 2: %+v", len(alerts), alerts)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 2 {
		t.Fatalf("completion signaled for %d events, want 2: %v", len(completed), completed)
	}
}

func TestProcess_RedispatchCollapsesIntoOneFeedRow(t *testing.T) {
	store, err := checkpoint.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	r := &scriptedReasoner{responses: []reason.Assessment{validAssessment(), validAssessment()}}
	deps := testDeps(r, NewFeedSink(store, nil, nil))
	p := NewPool(deps, 1, 4)

	// The same event processed twice simulates recovery re-dispatch after a
	// crash between alert emission and checkpoint.
	p.process(context.Background(), testEvent())
	p.process(context.Background(), testEvent())

	alerts, err := store.Alerts(context.Background(), checkpoint.AlertFilter{})
	if err != nil {
		t.Fatalf("read feed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("feed has %d rows, want 1: re-dispatch must be idempotent", len(alerts))
	}
	if alerts[0].ID != alertID("evt-1") {
		t.Errorf("alert id = %s, not derived from event", alerts[0].ID)
	}
}
