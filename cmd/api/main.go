// Command api serves the read-only query surface: similarity search over the
// durable index tier and the alert feed, plus health and metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sentinelai/sentinel/engine/checkpoint"
	"github.com/sentinelai/sentinel/engine/semantic"
	"github.com/sentinelai/sentinel/pkg/config"
	"github.com/sentinelai/sentinel/pkg/embed"
	"github.com/sentinelai/sentinel/pkg/metrics"
	"github.com/sentinelai/sentinel/pkg/mid"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfgPath := os.Getenv("SENTINEL_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.AppConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := semantic.New(cfg.Index.QdrantURL, cfg.Index.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	alerts, err := checkpoint.Open(cfg.CheckpointPath)
	if err != nil {
		return err
	}
	defer alerts.Close()

	embedder := embed.New(embed.Config{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		RPS:     cfg.Embedding.RPS,
		Burst:   cfg.Embedding.Burst,
	})

	registry := metrics.New()
	searches := registry.Counter("api_searches_total", "Similarity searches served")
	latency := registry.Histogram("api_request_seconds", "API request latency", nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/search", handleSearch(store, embedder, searches, latency, logger))
	mux.HandleFunc("GET /api/alerts", handleAlerts(alerts, logger))
	mux.Handle("GET /metrics", registry.Handler())

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.HTTP.CORSOrigin),
		mid.OTel("sentinel-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.HTTP.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// SearchRequest is the JSON body for POST /api/search.
type SearchRequest struct {
	Query  string `json:"query"`
	Ticker string `json:"ticker,omitempty"`
	TopK   int    `json:"top_k,omitempty"`
	Days   int    `json:"days,omitempty"`
}

// SearchResponse is the JSON response for POST /api/search.
type SearchResponse struct {
	Results []semantic.SearchResult `json:"results"`
}

func handleSearch(store *semantic.Store, embedder *embed.Client,
	searches *metrics.Counter, latency *metrics.Histogram, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer latency.Since(start)

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Query) == "" {
			http.Error(w, `{"error":"query is required"}`, http.StatusBadRequest)
			return
		}
		if req.TopK <= 0 || req.TopK > 50 {
			req.TopK = 10
		}

		vecs, err := embedder.EmbedBatch(r.Context(), []string{req.Query})
		if err != nil {
			logger.Error("search embed failed", "error", err)
			http.Error(w, `{"error":"embedding unavailable"}`, http.StatusBadGateway)
			return
		}

		filter := semantic.SearchFilter{}
		if req.Ticker != "" {
			filter.Tickers = []string{strings.ToUpper(req.Ticker)}
		}
		if req.Days > 0 {
			filter.Since = time.Now().AddDate(0, 0, -req.Days)
		}

		results, err := store.Search(r.Context(), vecs[0], req.TopK, filter)
		if err != nil {
			logger.Error("search failed", "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		searches.Inc()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SearchResponse{Results: results})
	}
}

func handleAlerts(store *checkpoint.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := checkpoint.AlertFilter{
			Ticker: strings.ToUpper(q.Get("ticker")),
		}
		if v := q.Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				http.Error(w, `{"error":"since must be RFC3339"}`, http.StatusBadRequest)
				return
			}
			filter.Since = t
		}
		if v := q.Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &filter.Limit)
		}

		alerts, err := store.Alerts(r.Context(), filter)
		if err != nil {
			logger.Error("alert feed read failed", "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"alerts": alerts})
	}
}
