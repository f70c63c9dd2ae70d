package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"

	"github.com/sentinelai/sentinel/engine/analyst"
	"github.com/sentinelai/sentinel/engine/checkpoint"
	"github.com/sentinelai/sentinel/engine/dedup"
	"github.com/sentinelai/sentinel/engine/graph"
	"github.com/sentinelai/sentinel/engine/index"
	"github.com/sentinelai/sentinel/engine/ingest"
	"github.com/sentinelai/sentinel/engine/salience"
	"github.com/sentinelai/sentinel/engine/semantic"
	"github.com/sentinelai/sentinel/engine/watchdog"
	"github.com/sentinelai/sentinel/pkg/config"
	"github.com/sentinelai/sentinel/pkg/embed"
	"github.com/sentinelai/sentinel/pkg/metrics"
	"github.com/sentinelai/sentinel/pkg/reason"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitoring daemon: ingest consumer, watchdog, and analyst pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, logger.With("cmd", "run"))
		},
	}
}

func runDaemon(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) error {
	registry := metrics.New()

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("sentinel"))
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Drain()

	durable, err := semantic.New(cfg.Index.QdrantURL, cfg.Index.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer durable.Close()
	if err := durable.EnsureCollection(ctx, cfg.Index.Dims); err != nil {
		return err
	}

	journal, err := index.OpenJournal(cfg.Index.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	hybrid := index.NewHybrid(journal, durable, registry, index.Opts{
		MirrorInterval: cfg.Index.MirrorInterval.Std(),
		MaxStagingAge:  cfg.Index.MaxStagingAge.Std(),
		Logger:         logger,
	})
	if err := hybrid.Start(ctx); err != nil {
		return err
	}

	checkpoints, err := checkpoint.Open(cfg.CheckpointPath)
	if err != nil {
		return err
	}
	defer checkpoints.Close()

	var eventGraph *graph.EventGraph
	if cfg.Neo4j.Enabled {
		driver, err := neo4j.NewDriverWithContext(cfg.Neo4j.URL,
			neo4j.BasicAuth(cfg.Neo4j.User, cfg.Neo4j.Pass, ""))
		if err != nil {
			return fmt.Errorf("neo4j driver: %w", err)
		}
		defer driver.Close(ctx)
		eventGraph = graph.New(driver)
	}

	embedder := embed.New(embed.Config{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		RPS:     cfg.Embedding.RPS,
		Burst:   cfg.Embedding.Burst,
	})

	var reasoner analyst.Reasoner
	if cfg.Reasoner.APIKey != "" {
		reasoner, err = reason.NewGemini(ctx, cfg.Reasoner.APIKey, cfg.Reasoner.Model)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("no reasoner API key: all alerts will use the rule-based fallback")
		reasoner = unavailableReasoner{}
	}

	scorer := salience.New(termTable(cfg.Keywords))
	deduper := dedup.New(cfg.Watchdog.DedupWindow.Std())

	// The watchdog needs the pool as its dispatcher and the pool reports
	// completions back to the watchdog; the callback closes over the later
	// assignment.
	var dog *watchdog.Watchdog
	pool := analyst.NewPool(analyst.Deps{
		Index:    hybrid,
		Embedder: embedder,
		Reasoner: reasoner,
		History:  historyOrNil(eventGraph),
		Sink:     analyst.NewFeedSink(checkpoints, nc, logger),
		Registry: registry,
		Logger:   logger,
		Completed: func(eventID string) {
			if dog != nil {
				dog.EventDone(eventID)
			}
		},
	}, cfg.Analyst.Workers, cfg.Analyst.QueueSize)
	pool.Start(ctx)

	var graphWriter ingest.GraphWriter
	if eventGraph != nil {
		graphWriter = eventGraph
	}
	sub, err := ingest.StartConsumer(ctx, nc, ingest.Deps{
		Embedder: embedder,
		Index:    hybrid,
		Graph:    graphWriter,
		Chunker: ingest.ChunkerConfig{
			MinTokens: cfg.Chunker.MinTokens,
			MaxTokens: cfg.Chunker.MaxTokens,
			Overlap:   cfg.Chunker.Overlap,
		},
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer sub.Unsubscribe()

	var recorder watchdog.EventRecorder
	if eventGraph != nil {
		recorder = eventGraph
	}
	dog = watchdog.New(watchdog.Config{
		ScanInterval:    cfg.Watchdog.ScanInterval.Std(),
		GlobalThreshold: cfg.Watchdog.GlobalThreshold,
		Portfolio:       cfg.Watchdog.Portfolio,
		MaxRetryAge:     cfg.Watchdog.MaxRetryAge.Std(),
	}, watchdog.Deps{
		Scanner:     hybrid,
		Scorer:      scorer,
		Dedup:       deduper,
		Dispatcher:  pool,
		Checkpoints: checkpoints,
		Graph:       recorder,
		Registry:    registry,
		Logger:      logger,
	})

	logger.Info("sentinel daemon started",
		"portfolio", len(cfg.Watchdog.Portfolio),
		"scan_interval", cfg.Watchdog.ScanInterval.Std())

	err = dog.Run(ctx)
	pool.Wait()
	<-hybrid.Done()
	return err
}

// unavailableReasoner forces the rule-based fallback path when no reasoning
// backend is configured.
type unavailableReasoner struct{}

func (unavailableReasoner) Assess(context.Context, reason.Request) (reason.Assessment, error) {
	return reason.Assessment{}, fmt.Errorf("reasoner not configured")
}

// historyOrNil avoids a non-nil interface wrapping a nil pointer.
func historyOrNil(g *graph.EventGraph) analyst.EventHistory {
	if g == nil {
		return nil
	}
	return g
}

func termTable(overrides []config.KeywordOverride) []salience.Term {
	if len(overrides) == 0 {
		return nil
	}
	table := salience.DefaultTable()
	for _, o := range overrides {
		table = append(table, salience.Term{
			Text:     o.Text,
			Weight:   o.Weight,
			Category: salience.Category(o.Category),
		})
	}
	return table
}
