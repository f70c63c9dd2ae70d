// Package analyst turns detected risk events into alerts. A bounded worker
// pool retrieves evidence from the index, asks the reasoning model for a
// structured assessment, and falls back to rule-based alerts when reasoning
// is unavailable so no accepted event is ever silently dropped.
package analyst

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelai/sentinel/engine/domain"
	"github.com/sentinelai/sentinel/engine/graph"
	"github.com/sentinelai/sentinel/engine/index"
	"github.com/sentinelai/sentinel/pkg/metrics"
	"github.com/sentinelai/sentinel/pkg/reason"
	"github.com/sentinelai/sentinel/pkg/resilience"
)

const (
	// DefaultWorkers is the analyst pool size.
	DefaultWorkers = 3
	// DefaultQueueSize bounds pending events awaiting a worker.
	DefaultQueueSize = 32
	// RetrievalWindow is how far back evidence retrieval looks.
	RetrievalWindow = 30 * 24 * time.Hour
	// PriorEventWindow is how far back the event graph is consulted.
	PriorEventWindow = 90 * 24 * time.Hour
	// HopTopK is the per-hop retrieval width.
	HopTopK = 8
	// MaxEvidence caps the evidence set given to the reasoner.
	MaxEvidence = 12
	// DrainTimeout bounds how long exiting workers keep processing queued
	// events after cancellation.
	DrainTimeout = 30 * time.Second
)

// SearchIndex is the read surface of the hybrid index the analyst uses.
type SearchIndex interface {
	Query(ctx context.Context, embedding []float32, topK int, f index.Filter) ([]index.Hit, error)
	Chunk(id string) (domain.Chunk, bool)
	ChunkExists(id string) bool
}

// Embedder embeds retrieval queries.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Reasoner produces structured risk assessments.
type Reasoner interface {
	Assess(ctx context.Context, req reason.Request) (reason.Assessment, error)
}

// EventHistory supplies prior events for a ticker. Optional enrichment.
type EventHistory interface {
	RelatedEvents(ctx context.Context, ticker string, since time.Time, limit int) ([]graph.EventSummary, error)
}

// Sink receives finished alerts.
type Sink interface {
	Emit(ctx context.Context, alert domain.Alert) error
}

// Deps holds the analyst pool's collaborators.
type Deps struct {
	Index    SearchIndex
	Embedder Embedder
	Reasoner Reasoner
	History  EventHistory // optional
	Sink     Sink
	Breaker  *resilience.Breaker
	Limiter  *resilience.Limiter
	Registry *metrics.Registry
	Logger   *slog.Logger
	Now      func() time.Time
	// Completed is called with the event id once its alert has been
	// emitted. The watchdog uses it to retire the event from its
	// checkpointed pending set.
	Completed func(eventID string)
}

// Pool is the bounded analyst worker pool.
type Pool struct {
	deps    Deps
	queue   chan domain.Event
	workers int
	wg      sync.WaitGroup
	log     *slog.Logger

	registry  *metrics.Registry
	fallbacks *metrics.Counter
	retries   *metrics.Counter
	rejected  *metrics.Counter
	depth     *metrics.Gauge
}

// NewPool creates a Pool with the given worker count and queue size; zero
// values fall back to package defaults.
func NewPool(deps Deps, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Breaker == nil {
		deps.Breaker = resilience.NewBreaker(resilience.DefaultBreakerOpts)
	}
	if deps.Limiter == nil {
		deps.Limiter = resilience.NewLimiter(resilience.LimiterOpts{Rate: 1, Burst: 2})
	}
	if deps.Registry == nil {
		deps.Registry = metrics.New()
	}
	p := &Pool{
		deps:    deps,
		queue:   make(chan domain.Event, queueSize),
		workers: workers,
		log:     deps.Logger.With("component", "analyst"),
	}
	p.registry = deps.Registry
	p.fallbacks = deps.Registry.Counter("analyst_fallbacks_total", "Rule-based fallback alerts emitted")
	p.retries = deps.Registry.Counter("analyst_reason_retries_total", "Strict-mode reasoning retries")
	p.rejected = deps.Registry.Counter("analyst_rejected_total", "Events rejected because the queue was full")
	p.depth = deps.Registry.Gauge("analyst_queue_depth", "Events waiting for an analyst worker")
	return p
}

// Start launches the workers. On cancellation each worker drains whatever is
// still queued before exiting: an event accepted by TrySubmit always reaches
// the sink.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					p.drain(ctx)
					return
				case event := <-p.queue:
					p.depth.Set(int64(len(p.queue)))
					p.process(ctx, event)
				}
			}
		}()
	}
}

// drain empties the queue under a bounded context detached from the canceled
// one, so queued events still produce alerts (fallback at worst) at shutdown.
func (p *Pool) drain(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DrainTimeout)
	defer cancel()
	for {
		select {
		case event := <-p.queue:
			p.depth.Set(int64(len(p.queue)))
			p.process(drainCtx, event)
		default:
			return
		}
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// TrySubmit queues an event without blocking. When the queue is full the
// caller gets ErrQueueSaturated and keeps ownership of the event.
func (p *Pool) TrySubmit(event domain.Event) error {
	select {
	case p.queue <- event:
		p.depth.Set(int64(len(p.queue)))
		return nil
	default:
		p.rejected.Inc()
		return domain.ErrQueueSaturated
	}
}

// process runs one event end to end. Every path ends in an emitted alert:
// model-backed when reasoning succeeds, rule-based fallback otherwise.
func (p *Pool) process(ctx context.Context, event domain.Event) {
	evidence := p.retrieve(ctx, event)
	priors := p.priorEvents(ctx, event)

	alert, err := p.reasonedAlert(ctx, event, evidence, priors)
	if err != nil {
		p.log.Warn("reasoning unavailable, emitting fallback",
			"event_id", event.ID, "ticker", event.Ticker, "error", err)
		alert = p.fallbackAlert(event)
		p.fallbacks.Inc()
	}

	if err := p.deps.Sink.Emit(ctx, alert); err != nil {
		p.log.Error("alert emission failed", "alert_id", alert.ID, "error", err)
		return
	}
	p.registry.Counter(
		metrics.WithLabels("analyst_alerts_total", "risk", string(alert.RiskLevel)),
		"Alerts emitted by risk level").Inc()
	p.log.Info("alert emitted",
		"alert_id", alert.ID, "ticker", alert.Ticker,
		"risk", alert.RiskLevel, "fallback", alert.Fallback)
	if p.deps.Completed != nil {
		p.deps.Completed(event.ID)
	}
}

// retrieve gathers evidence in two hops: the event's own terms first, then a
// follow-up query seeded by the best first-hop hit. The triggering chunks
// are always included.
func (p *Pool) retrieve(ctx context.Context, event domain.Event) []reason.EvidenceChunk {
	seen := make(map[string]bool)
	var evidence []reason.EvidenceChunk

	add := func(c domain.Chunk) {
		if seen[c.ID] || len(evidence) >= MaxEvidence {
			return
		}
		seen[c.ID] = true
		evidence = append(evidence, reason.EvidenceChunk{
			ID: c.ID, Ticker: c.Ticker, Source: c.Source, Text: c.Text,
		})
	}

	for _, id := range event.ChunkIDs {
		if c, ok := p.deps.Index.Chunk(id); ok {
			add(c)
		}
	}

	filter := index.Filter{
		Tickers: []string{event.Ticker},
		Since:   p.deps.Now().Add(-RetrievalWindow),
	}
	queries := []string{event.Headline + " " + strings.Join(event.Terms, " ")}

	for hop := 0; hop < 2 && len(queries) > 0 && len(evidence) < MaxEvidence; hop++ {
		vecs, err := p.deps.Embedder.EmbedBatch(ctx, queries[:1])
		if err != nil || len(vecs) == 0 {
			p.log.Warn("retrieval embed failed", "event_id", event.ID, "error", err)
			break
		}
		hits, err := p.deps.Index.Query(ctx, vecs[0], HopTopK, filter)
		if err != nil {
			p.log.Warn("retrieval query failed", "event_id", event.ID, "error", err)
			break
		}
		queries = queries[:0]
		for i, h := range hits {
			add(h.Chunk)
			// Seed the next hop from the best hit not already triggering.
			if i == 0 && !contains(event.ChunkIDs, h.Chunk.ID) {
				queries = append(queries, h.Chunk.Text)
			}
		}
	}
	return evidence
}

func (p *Pool) priorEvents(ctx context.Context, event domain.Event) []string {
	if p.deps.History == nil {
		return nil
	}
	summaries, err := p.deps.History.RelatedEvents(ctx, event.Ticker,
		p.deps.Now().Add(-PriorEventWindow), 5)
	if err != nil {
		// Enrichment only: skip on failure.
		p.log.Debug("prior event lookup failed", "ticker", event.Ticker, "error", err)
		return nil
	}
	var out []string
	for _, s := range summaries {
		if s.ID == event.ID {
			continue
		}
		out = append(out, fmt.Sprintf("%s (%s, salience %.2f)",
			s.Headline, s.DetectedAt.Format("2006-01-02"), s.Salience))
	}
	return out
}

// reasonedAlert calls the model through the circuit breaker and validates
// its output. An invalid first response gets one strict-mode retry; a second
// failure falls through to the rule-based path.
func (p *Pool) reasonedAlert(ctx context.Context, event domain.Event, evidence []reason.EvidenceChunk, priors []string) (domain.Alert, error) {
	req := reason.Request{
		Ticker:      event.Ticker,
		Headline:    event.Headline,
		Salience:    event.Salience,
		Terms:       event.Terms,
		Evidence:    evidence,
		PriorEvents: priors,
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req.Strict = attempt > 0
		if req.Strict {
			p.retries.Inc()
		}

		if err := p.deps.Limiter.Wait(ctx); err != nil {
			return domain.Alert{}, fmt.Errorf("%w: %v", domain.ErrReasoningFailure, err)
		}

		var assessment reason.Assessment
		err := p.deps.Breaker.Call(ctx, func(ctx context.Context) error {
			var aerr error
			assessment, aerr = p.deps.Reasoner.Assess(ctx, req)
			return aerr
		})
		if err != nil {
			return domain.Alert{}, fmt.Errorf("%w: %v", domain.ErrReasoningFailure, err)
		}

		alert := p.alertFromAssessment(event, assessment)
		if err := domain.ValidateAlert(alert, p.deps.Index.ChunkExists); err != nil {
			lastErr = err
			p.log.Warn("assessment failed validation", "event_id", event.ID,
				"attempt", attempt+1, "error", err)
			continue
		}
		return alert, nil
	}
	return domain.Alert{}, fmt.Errorf("%w: %v", domain.ErrReasoningFailure, lastErr)
}

// alertID derives a stable id from the event: a re-dispatched event after a
// crash produces the same feed row, which the store's insert-or-ignore
// collapses into one alert.
func alertID(eventID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("alert:"+eventID)).String()
}

func (p *Pool) alertFromAssessment(event domain.Event, a reason.Assessment) domain.Alert {
	return domain.Alert{
		ID:             alertID(event.ID),
		EventID:        event.ID,
		Ticker:         event.Ticker,
		RiskLevel:      domain.RiskLevel(a.RiskLevel),
		Recommendation: domain.Recommendation(a.Recommendation),
		Confidence:     a.Confidence,
		Reasoning:      a.Reasoning,
		CounterThesis:  a.CounterThesis,
		Citations:      a.Citations,
		DetectedAt:     event.DetectedAt,
		GeneratedAt:    p.deps.Now().UTC(),
	}
}

// fallbackAlert is the rule-based degraded path: risk tier straight from the
// salience score, HOLD, zero confidence, citing the triggering chunks.
func (p *Pool) fallbackAlert(event domain.Event) domain.Alert {
	return domain.Alert{
		ID:             alertID(event.ID),
		EventID:        event.ID,
		Ticker:         event.Ticker,
		RiskLevel:      domain.RiskFromSalience(event.Salience),
		Recommendation: domain.RecommendHold,
		Confidence:     0,
		Reasoning: []string{fmt.Sprintf(
			"Rule-based assessment: salience %.2f from terms [%s]; reasoning service unavailable.",
			event.Salience, strings.Join(event.Terms, ", "))},
		Citations:   event.ChunkIDs,
		Fallback:    true,
		DetectedAt:  event.DetectedAt,
		GeneratedAt: p.deps.Now().UTC(),
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
