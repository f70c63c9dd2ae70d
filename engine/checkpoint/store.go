// Package checkpoint persists watchdog progress and the append-only alert
// feed in sqlite, so a crashed process resumes where it left off and alerts
// remain readable while the engine is down.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentinelai/sentinel/engine/domain"
)

// ErrNoCheckpoint is returned by Load when no checkpoint has been written.
var ErrNoCheckpoint = errors.New("checkpoint: none recorded")

// Store owns the checkpoint database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS checkpoint (
	id              INTEGER PRIMARY KEY CHECK (id = 1),
	cycle_id        INTEGER NOT NULL,
	last_scan_cursor INTEGER NOT NULL,
	dedup_state     BLOB,
	pending_events  TEXT NOT NULL,
	written_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS alerts (
	id             TEXT PRIMARY KEY,
	event_id       TEXT NOT NULL,
	ticker         TEXT NOT NULL,
	risk_level     TEXT NOT NULL,
	recommendation TEXT NOT NULL,
	confidence     REAL NOT NULL,
	fallback       INTEGER NOT NULL,
	detected_at    INTEGER NOT NULL,
	generated_at   INTEGER NOT NULL,
	payload        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_detected ON alerts(detected_at);
CREATE INDEX IF NOT EXISTS idx_alerts_ticker ON alerts(ticker, detected_at);
`

// Open opens (and migrates) the checkpoint database at path. Use ":memory:"
// for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save atomically replaces the current checkpoint. The single-row table plus
// the transaction guarantee a reader sees either the old record or the new
// one, never a partial write.
func (s *Store) Save(ctx context.Context, rec domain.CheckpointRecord) error {
	pending, err := json.Marshal(rec.PendingEvents)
	if err != nil {
		return fmt.Errorf("checkpoint: %w: encode pending events: %v", domain.ErrCheckpointWrite, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint: %w: %v", domain.ErrCheckpointWrite, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoint (id, cycle_id, last_scan_cursor, dedup_state, pending_events, written_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cycle_id         = excluded.cycle_id,
			last_scan_cursor = excluded.last_scan_cursor,
			dedup_state      = excluded.dedup_state,
			pending_events   = excluded.pending_events,
			written_at       = excluded.written_at`,
		rec.CycleID, rec.LastScanCursor.UTC().UnixNano(), rec.DedupState,
		string(pending), rec.Timestamp.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("checkpoint: %w: %v", domain.ErrCheckpointWrite, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint: %w: %v", domain.ErrCheckpointWrite, err)
	}
	return nil
}

// Load returns the current checkpoint, or ErrNoCheckpoint on a fresh
// database.
func (s *Store) Load(ctx context.Context) (domain.CheckpointRecord, error) {
	var (
		rec        domain.CheckpointRecord
		cursor     int64
		writtenAt  int64
		pendingRaw string
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT cycle_id, last_scan_cursor, dedup_state, pending_events, written_at
		FROM checkpoint WHERE id = 1`)
	err := row.Scan(&rec.CycleID, &cursor, &rec.DedupState, &pendingRaw, &writtenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CheckpointRecord{}, ErrNoCheckpoint
	}
	if err != nil {
		return domain.CheckpointRecord{}, fmt.Errorf("checkpoint: load: %w", err)
	}
	rec.LastScanCursor = time.Unix(0, cursor).UTC()
	rec.Timestamp = time.Unix(0, writtenAt).UTC()
	if err := json.Unmarshal([]byte(pendingRaw), &rec.PendingEvents); err != nil {
		return domain.CheckpointRecord{}, fmt.Errorf("checkpoint: decode pending events: %w", err)
	}
	return rec, nil
}

// AppendAlert adds an alert to the feed. Alerts are immutable; appending the
// same alert id twice is a no-op so at-least-once dispatch stays safe.
func (s *Store) AppendAlert(ctx context.Context, a domain.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("checkpoint: encode alert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, event_id, ticker, risk_level, recommendation,
			confidence, fallback, detected_at, generated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		a.ID, a.EventID, a.Ticker, string(a.RiskLevel), string(a.Recommendation),
		a.Confidence, boolInt(a.Fallback), a.DetectedAt.UTC().UnixNano(),
		a.GeneratedAt.UTC().UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("checkpoint: append alert %s: %w", a.ID, err)
	}
	return nil
}

// AlertFilter narrows an alert feed read. Zero values mean "no constraint".
type AlertFilter struct {
	Ticker string
	Since  time.Time
	Limit  int
}

// Alerts returns alerts ordered by detection time, oldest first.
func (s *Store) Alerts(ctx context.Context, f AlertFilter) ([]domain.Alert, error) {
	q := `SELECT payload FROM alerts WHERE 1=1`
	var args []any
	if f.Ticker != "" {
		q += ` AND ticker = ?`
		args = append(args, f.Ticker)
	}
	if !f.Since.IsZero() {
		q += ` AND detected_at >= ?`
		args = append(args, f.Since.UTC().UnixNano())
	}
	q += ` ORDER BY detected_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: query alerts: %w", err)
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("checkpoint: scan alert: %w", err)
		}
		var a domain.Alert
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, fmt.Errorf("checkpoint: decode alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: query alerts: %w", err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
