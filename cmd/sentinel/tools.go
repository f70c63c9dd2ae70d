package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/sentinelai/sentinel/engine/checkpoint"
	"github.com/sentinelai/sentinel/engine/domain"
	"github.com/sentinelai/sentinel/engine/ingest"
	"github.com/sentinelai/sentinel/engine/semantic"
	"github.com/sentinelai/sentinel/pkg/embed"
	"github.com/sentinelai/sentinel/pkg/natsutil"
)

func newIngestCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "ingest <file-or-dir>...",
		Short: "Publish documents to the ingest subject",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			nc, err := nats.Connect(cfg.NATSURL, nats.Name("sentinel-ingest"))
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer nc.Drain()

			var paths []string
			for _, arg := range args {
				info, err := os.Stat(arg)
				if err != nil {
					return err
				}
				if !info.IsDir() {
					paths = append(paths, arg)
					continue
				}
				entries, err := os.ReadDir(arg)
				if err != nil {
					return err
				}
				for _, e := range entries {
					if !e.IsDir() {
						paths = append(paths, filepath.Join(arg, e.Name()))
					}
				}
			}

			published := 0
			for _, path := range paths {
				content, err := os.ReadFile(path)
				if err != nil {
					logger.Warn("skipping unreadable file", "path", path, "error", err)
					continue
				}
				name := filepath.Base(path)
				doc := ingest.RawDocument{
					ID:         source + ":" + strings.TrimSuffix(name, filepath.Ext(name)),
					Source:     source,
					Ticker:     domain.ExtractTickerFromFilename(name),
					Content:    string(content),
					ReceivedAt: time.Now().UTC(),
				}
				if err := natsutil.Publish(cmd.Context(), nc, ingest.IngestSubject, doc); err != nil {
					return fmt.Errorf("publish %s: %w", path, err)
				}
				published++
			}
			if err := nc.Flush(); err != nil {
				return err
			}
			fmt.Printf("published %d documents\n", published)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "sec_filing", "document source tag")
	return cmd
}

func newQueryCmd() *cobra.Command {
	var (
		ticker string
		topK   int
		days   int
	)
	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Similarity search over the durable index tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			embedder := embed.New(embed.Config{
				BaseURL: cfg.Embedding.BaseURL,
				APIKey:  cfg.Embedding.APIKey,
				Model:   cfg.Embedding.Model,
			})
			vecs, err := embedder.EmbedBatch(ctx, []string{args[0]})
			if err != nil {
				return err
			}

			store, err := semantic.New(cfg.Index.QdrantURL, cfg.Index.Collection)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := semantic.SearchFilter{}
			if ticker != "" {
				filter.Tickers = []string{strings.ToUpper(ticker)}
			}
			if days > 0 {
				filter.Since = time.Now().AddDate(0, 0, -days)
			}
			results, err := store.Search(ctx, vecs[0], topK, filter)
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Printf("%.3f  [%s %s]  %s\n", r.Score, r.Ticker, r.Source, snippet(r.Text, 120))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ticker, "ticker", "", "restrict to one ticker")
	cmd.Flags().IntVar(&topK, "top", 5, "number of results")
	cmd.Flags().IntVar(&days, "days", 0, "only chunks ingested in the last N days")
	return cmd
}

func newAlertsCmd() *cobra.Command {
	var (
		ticker string
		hours  int
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Read the alert feed from the checkpoint database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := checkpoint.Open(cfg.CheckpointPath)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := checkpoint.AlertFilter{Ticker: strings.ToUpper(ticker), Limit: limit}
			if hours > 0 {
				filter.Since = time.Now().Add(-time.Duration(hours) * time.Hour)
			}
			alerts, err := store.Alerts(context.Background(), filter)
			if err != nil {
				return err
			}
			for _, a := range alerts {
				tag := ""
				if a.Fallback {
					tag = " (fallback)"
				}
				fmt.Printf("%s  %-5s %-6s %-4s conf=%.2f%s\n",
					a.DetectedAt.Format(time.RFC3339), a.Ticker, a.RiskLevel,
					a.Recommendation, a.Confidence, tag)
				for _, line := range a.Reasoning {
					fmt.Printf("    %s\n", snippet(line, 160))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ticker, "ticker", "", "filter by ticker")
	cmd.Flags().IntVar(&hours, "hours", 0, "only alerts detected in the last N hours")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum alerts to print")
	return cmd
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
