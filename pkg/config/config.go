// Package config loads the sentinel configuration: YAML file with sensible
// defaults, secrets and endpoint overrides from the environment (optionally
// via a .env file).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sentinelai/sentinel/engine/domain"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "1h", or from bare nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("config: invalid duration value %q", value.Value)
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// HTTPConfig configures the query API server.
type HTTPConfig struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// IndexConfig configures the hybrid index.
type IndexConfig struct {
	JournalPath    string   `yaml:"journal_path"`
	QdrantURL      string   `yaml:"qdrant_url"`
	Collection     string   `yaml:"collection"`
	Dims           int      `yaml:"dims"`
	MirrorInterval Duration `yaml:"mirror_interval"`
	MaxStagingAge  Duration `yaml:"max_staging_age"`
}

// Neo4jConfig configures the optional event graph.
type Neo4jConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	User    string `yaml:"user"`
	Pass    string `yaml:"pass"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	BaseURL string  `yaml:"base_url"`
	APIKey  string  `yaml:"api_key"`
	Model   string  `yaml:"model"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
}

// ReasonerConfig configures the analyst's reasoning model.
type ReasonerConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// WatchdogConfig configures the monitoring loop.
type WatchdogConfig struct {
	ScanInterval    Duration                `yaml:"scan_interval"`
	GlobalThreshold float64                 `yaml:"global_threshold"`
	MaxRetryAge     Duration                `yaml:"max_retry_age"`
	DedupWindow     Duration                `yaml:"dedup_window"`
	Portfolio       []domain.PortfolioEntry `yaml:"portfolio"`
}

// AnalystConfig configures the worker pool.
type AnalystConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// ChunkerConfig configures document chunking.
type ChunkerConfig struct {
	MinTokens int `yaml:"min_tokens"`
	MaxTokens int `yaml:"max_tokens"`
	Overlap   int `yaml:"overlap"`
}

// KeywordOverride replaces or extends the built-in salience term table.
type KeywordOverride struct {
	Text     string  `yaml:"text"`
	Weight   float64 `yaml:"weight"`
	Category string  `yaml:"category"`
}

// AppConfig is the full sentinel configuration.
type AppConfig struct {
	LogLevel       string            `yaml:"log_level"`
	NATSURL        string            `yaml:"nats_url"`
	CheckpointPath string            `yaml:"checkpoint_path"`
	HTTP           HTTPConfig        `yaml:"http"`
	Index          IndexConfig       `yaml:"index"`
	Neo4j          Neo4jConfig       `yaml:"neo4j"`
	Embedding      EmbeddingConfig   `yaml:"embedding"`
	Reasoner       ReasonerConfig    `yaml:"reasoner"`
	Watchdog       WatchdogConfig    `yaml:"watchdog"`
	Analyst        AnalystConfig     `yaml:"analyst"`
	Chunker        ChunkerConfig     `yaml:"chunker"`
	Keywords       []KeywordOverride `yaml:"keywords"`
}

// Default returns the built-in configuration: the stock portfolio, local
// service endpoints, and production thresholds.
func Default() AppConfig {
	return AppConfig{
		LogLevel:       "info",
		NATSURL:        "nats://localhost:4222",
		CheckpointPath: "data/checkpoint.db",
		HTTP: HTTPConfig{
			Port:       "8080",
			CORSOrigin: "*",
		},
		Index: IndexConfig{
			JournalPath:    "data/index.db",
			QdrantURL:      "localhost:6334",
			Collection:     "sentinel_chunks",
			Dims:           1536,
			MirrorInterval: Duration(5 * time.Second),
			MaxStagingAge:  Duration(time.Minute),
		},
		Neo4j: Neo4jConfig{
			URL:  "neo4j://localhost:7687",
			User: "neo4j",
			Pass: "password",
		},
		Embedding: EmbeddingConfig{
			BaseURL: "https://api.openai.com",
			Model:   "text-embedding-3-small",
			RPS:     5,
			Burst:   2,
		},
		Reasoner: ReasonerConfig{
			Model: "gemini-2.0-flash",
		},
		Watchdog: WatchdogConfig{
			ScanInterval:    Duration(30 * time.Second),
			GlobalThreshold: 0.4,
			MaxRetryAge:     Duration(time.Hour),
			DedupWindow:     Duration(24 * time.Hour),
			Portfolio: []domain.PortfolioEntry{
				{Ticker: "NVDA"},
				{Ticker: "TSLA"},
				{Ticker: "AAPL"},
			},
		},
		Analyst: AnalystConfig{
			Workers:   3,
			QueueSize: 32,
		},
		Chunker: ChunkerConfig{
			MinTokens: 100,
			MaxTokens: 400,
			Overlap:   50,
		},
	}
}

// Load reads the configuration. A missing path returns defaults; a .env file
// in the working directory is loaded first so environment overrides apply
// either way.
func Load(path string) (AppConfig, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return AppConfig{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// applyEnv overlays secrets and endpoints from the environment. Environment
// values win over file values so deployments never need keys in YAML.
func (c *AppConfig) applyEnv() {
	setIf := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setIf(&c.NATSURL, "NATS_URL")
	setIf(&c.Index.QdrantURL, "QDRANT_URL")
	setIf(&c.Neo4j.URL, "NEO4J_URL")
	setIf(&c.Neo4j.User, "NEO4J_USER")
	setIf(&c.Neo4j.Pass, "NEO4J_PASS")
	setIf(&c.Embedding.BaseURL, "EMBEDDING_BASE_URL")
	setIf(&c.Embedding.APIKey, "EMBEDDING_API_KEY")
	setIf(&c.Reasoner.APIKey, "GEMINI_API_KEY")
	setIf(&c.HTTP.Port, "PORT")
}

func (c AppConfig) validate() error {
	if c.Watchdog.GlobalThreshold < 0 || c.Watchdog.GlobalThreshold > 1 {
		return fmt.Errorf("config: global_threshold %v out of range [0,1]", c.Watchdog.GlobalThreshold)
	}
	for _, p := range c.Watchdog.Portfolio {
		if p.Ticker == "" {
			return fmt.Errorf("config: portfolio entry with empty ticker")
		}
		if p.ThresholdOverride < 0 || p.ThresholdOverride > 1 {
			return fmt.Errorf("config: threshold override %v for %s out of range [0,1]",
				p.ThresholdOverride, p.Ticker)
		}
	}
	if c.Chunker.MinTokens > 0 && c.Chunker.MaxTokens > 0 && c.Chunker.MaxTokens < c.Chunker.MinTokens {
		return fmt.Errorf("config: chunker max_tokens %d below min_tokens %d",
			c.Chunker.MaxTokens, c.Chunker.MinTokens)
	}
	return nil
}
