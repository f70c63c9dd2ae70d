// Package domain defines the core types shared across the sentinel engine:
// documents, chunks, detected events, alerts, and the portfolio entries the
// watchdog scans for.
package domain

import (
	"time"
)

// Document is an immutable ingested filing or news item. Re-ingesting the
// same logical ID produces a new Document with a higher Version; old chunks
// are tombstoned, never overwritten in place.
type Document struct {
	ID         string    `json:"id"`
	Version    int64     `json:"version"`
	Source     string    `json:"source"`
	Ticker     string    `json:"ticker,omitempty"`
	Content    string    `json:"content"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Chunk is a text segment derived from a Document. Chunks are owned by their
// document and recomputed whenever it is reprocessed.
type Chunk struct {
	ID         string    `json:"id"`
	DocID      string    `json:"doc_id"`
	DocVersion int64     `json:"doc_version"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	Ticker     string    `json:"ticker,omitempty"`
	Source     string    `json:"source"`
	TokenStart int       `json:"token_start"`
	TokenEnd   int       `json:"token_end"`
	Overlap    bool      `json:"overlap"`
	IngestedAt time.Time `json:"ingested_at"`
}

// PortfolioEntry is a watched ticker. Entries are loaded from configuration
// and are read-only to the engine.
type PortfolioEntry struct {
	Ticker            string    `json:"ticker" yaml:"ticker"`
	WatchSince        time.Time `json:"watch_since,omitempty" yaml:"watch_since,omitempty"`
	ThresholdOverride float64   `json:"threshold_override,omitempty" yaml:"threshold_override,omitempty"`
}

// Threshold returns the effective salience threshold for this entry.
func (p PortfolioEntry) Threshold(global float64) float64 {
	if p.ThresholdOverride > 0 {
		return p.ThresholdOverride
	}
	return global
}

// Event is a candidate risk event detected by the watchdog. Immutable once
// created; identified for dedup purposes by Fingerprint.
type Event struct {
	ID          string    `json:"id"`
	Ticker      string    `json:"ticker"`
	ChunkIDs    []string  `json:"chunk_ids"` // triggering chunks, in timestamp order
	Salience    float64   `json:"salience"`
	Terms       []string  `json:"terms"` // matched risk terms, normalized
	Headline    string    `json:"headline"`
	DetectedAt  time.Time `json:"detected_at"`
	Fingerprint string    `json:"fingerprint"`
}

// RiskLevel classifies the severity of an analyzed event.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Valid reports whether the risk level is one of the known values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Recommendation is the analyst's suggested portfolio action.
type Recommendation string

const (
	RecommendBuy  Recommendation = "BUY"
	RecommendHold Recommendation = "HOLD"
	RecommendSell Recommendation = "SELL"
)

// Valid reports whether the recommendation is one of the known values.
func (r Recommendation) Valid() bool {
	switch r {
	case RecommendBuy, RecommendHold, RecommendSell:
		return true
	}
	return false
}

// Alert is the terminal output of the analyst for one accepted Event.
// Append-only: alerts are never mutated after emission.
type Alert struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	Ticker         string         `json:"ticker"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	Recommendation Recommendation `json:"recommendation"`
	Confidence     float64        `json:"confidence"`
	Reasoning      []string       `json:"reasoning,omitempty"`
	CounterThesis  string         `json:"counter_thesis,omitempty"`
	Citations      []string       `json:"citations"` // chunk IDs, ordered
	Fallback       bool           `json:"fallback"`
	DetectedAt     time.Time      `json:"detected_at"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// CheckpointRecord is the durable snapshot of watchdog progress. Exactly one
// current record exists per process lineage; it is replaced atomically each
// cycle.
type CheckpointRecord struct {
	CycleID        int64     `json:"cycle_id"`
	LastScanCursor time.Time `json:"last_scan_cursor"`
	DedupState     []byte    `json:"dedup_state"`
	PendingEvents  []Event   `json:"pending_events"`
	Timestamp      time.Time `json:"timestamp"`
}

// RiskFromSalience maps a salience score to the rule-based risk tier used by
// the fallback analysis path.
func RiskFromSalience(s float64) RiskLevel {
	switch {
	case s > 0.7:
		return RiskHigh
	case s > 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}
