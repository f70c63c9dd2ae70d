package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentinelai/sentinel/engine/domain"
)

// Journal is the write-ahead journal of the hybrid index: every accepted
// chunk embedding lands here before anything else, so a crash between the
// in-memory tier and the durable mirror can always be replayed.
type Journal struct {
	db *sql.DB
}

// JournalRecord is one journaled chunk embedding.
type JournalRecord struct {
	Chunk      domain.Chunk
	Embedding  []float32
	InsertedAt time.Time
	Mirrored   bool
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS index_journal (
	chunk_id    TEXT PRIMARY KEY,
	doc_id      TEXT NOT NULL,
	doc_version INTEGER NOT NULL,
	chunk_index INTEGER NOT NULL,
	ticker      TEXT NOT NULL,
	source      TEXT NOT NULL,
	content     TEXT NOT NULL,
	token_start INTEGER NOT NULL,
	token_end   INTEGER NOT NULL,
	overlap     INTEGER NOT NULL,
	embedding   BLOB NOT NULL,
	inserted_at INTEGER NOT NULL, -- unix nanoseconds
	mirrored    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_journal_mirrored ON index_journal(mirrored, inserted_at);
CREATE INDEX IF NOT EXISTS idx_journal_doc ON index_journal(doc_id, doc_version);
`

// OpenJournal opens (and migrates) the journal database at path. Use
// ":memory:" for tests.
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: open journal %s: %w", path, err)
	}
	// The journal is written from the ingest pipeline and read from the
	// mirror worker; sqlite serializes writers, so one connection avoids
	// SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: migrate journal: %w", err)
	}
	if err := migrateJournal(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// migrateJournal upgrades databases written by earlier versions. Version 1
// moved inserted_at from unix seconds to nanoseconds: second-granularity
// times truncate below a nanosecond scan cursor after a rebuild, so chunks
// written late in the cursor's second would never be scanned again.
func migrateJournal(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("index: journal version: %w", err)
	}
	if version >= 1 {
		return nil
	}
	// Second timestamps are ~1e9; nanosecond ones ~1e18.
	if _, err := db.Exec(
		`UPDATE index_journal SET inserted_at = inserted_at * 1000000000 WHERE inserted_at < 1000000000000`); err != nil {
		return fmt.Errorf("index: migrate journal timestamps: %w", err)
	}
	if _, err := db.Exec(`PRAGMA user_version = 1`); err != nil {
		return fmt.Errorf("index: set journal version: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append journals one chunk embedding, replacing any previous row for the
// same chunk id. The replaced row's mirrored flag is reset so the new
// embedding reaches the durable tier too.
func (j *Journal) Append(ctx context.Context, chunk domain.Chunk, embedding []float32, insertedAt time.Time) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO index_journal
			(chunk_id, doc_id, doc_version, chunk_index, ticker, source, content,
			 token_start, token_end, overlap, embedding, inserted_at, mirrored)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(chunk_id) DO UPDATE SET
			doc_id      = excluded.doc_id,
			doc_version = excluded.doc_version,
			chunk_index = excluded.chunk_index,
			ticker      = excluded.ticker,
			source      = excluded.source,
			content     = excluded.content,
			token_start = excluded.token_start,
			token_end   = excluded.token_end,
			overlap     = excluded.overlap,
			embedding   = excluded.embedding,
			inserted_at = excluded.inserted_at,
			mirrored    = 0
		WHERE excluded.doc_version >= index_journal.doc_version`,
		chunk.ID, chunk.DocID, chunk.DocVersion, chunk.Index, chunk.Ticker, chunk.Source,
		chunk.Text, chunk.TokenStart, chunk.TokenEnd, boolInt(chunk.Overlap),
		encodeEmbedding(embedding), insertedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("index: journal append %s: %w", chunk.ID, err)
	}
	return nil
}

// Unmirrored returns up to limit journal rows not yet mirrored to the durable
// tier, oldest first.
func (j *Journal) Unmirrored(ctx context.Context, limit int) ([]JournalRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT chunk_id, doc_id, doc_version, chunk_index, ticker, source, content,
		       token_start, token_end, overlap, embedding, inserted_at, mirrored
		FROM index_journal WHERE mirrored = 0
		ORDER BY inserted_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("index: query unmirrored: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkMirrored flags journal rows as copied to the durable tier.
func (j *Journal) MarkMirrored(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: mark mirrored: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE index_journal SET mirrored = 1 WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("index: mark mirrored: %w", err)
	}
	defer stmt.Close()
	for _, id := range chunkIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("index: mark mirrored %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("index: mark mirrored: %w", err)
	}
	return nil
}

// All streams every journal row to fn, oldest first. Used by Rebuild to
// replay the ephemeral tier.
func (j *Journal) All(ctx context.Context, fn func(JournalRecord) error) error {
	rows, err := j.db.QueryContext(ctx, `
		SELECT chunk_id, doc_id, doc_version, chunk_index, ticker, source, content,
		       token_start, token_end, overlap, embedding, inserted_at, mirrored
		FROM index_journal ORDER BY inserted_at ASC`)
	if err != nil {
		return fmt.Errorf("index: scan journal: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("index: scan journal: %w", err)
	}
	return nil
}

// TombstoneDoc deletes all journal rows of a document below keepVersion.
func (j *Journal) TombstoneDoc(ctx context.Context, docID string, keepVersion int64) error {
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM index_journal WHERE doc_id = ? AND doc_version < ?`, docID, keepVersion)
	if err != nil {
		return fmt.Errorf("index: tombstone doc %s: %w", docID, err)
	}
	return nil
}

// Backlog returns the count and the oldest insert time of unmirrored rows.
func (j *Journal) Backlog(ctx context.Context) (count int, oldest time.Time, err error) {
	var oldestNano sql.NullInt64
	row := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(inserted_at) FROM index_journal WHERE mirrored = 0`)
	if err := row.Scan(&count, &oldestNano); err != nil {
		return 0, time.Time{}, fmt.Errorf("index: journal backlog: %w", err)
	}
	if oldestNano.Valid {
		oldest = time.Unix(0, oldestNano.Int64).UTC()
	}
	return count, oldest, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecords(rows *sql.Rows) ([]JournalRecord, error) {
	var out []JournalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: scan journal rows: %w", err)
	}
	return out, nil
}

func scanRecord(row rowScanner) (JournalRecord, error) {
	var (
		rec        JournalRecord
		overlap    int
		mirrored   int
		blob       []byte
		insertedAt int64
	)
	err := row.Scan(&rec.Chunk.ID, &rec.Chunk.DocID, &rec.Chunk.DocVersion, &rec.Chunk.Index,
		&rec.Chunk.Ticker, &rec.Chunk.Source, &rec.Chunk.Text,
		&rec.Chunk.TokenStart, &rec.Chunk.TokenEnd, &overlap, &blob, &insertedAt, &mirrored)
	if err != nil {
		return JournalRecord{}, fmt.Errorf("index: scan journal row: %w", err)
	}
	rec.Chunk.Overlap = overlap != 0
	rec.Mirrored = mirrored != 0
	rec.Embedding = decodeEmbedding(blob)
	rec.InsertedAt = time.Unix(0, insertedAt).UTC()
	return rec, nil
}

// encodeEmbedding packs a vector as little-endian float32 bytes.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
