// Package journal keeps a persistent ledger of every transaction the
// entitlement engine observed, using SQLite for durability across
// restarts. The ledger is diagnostic: failures to record never block
// reconciliation.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Outcome classifies what the engine did with an observed transaction.
type Outcome string

const (
	OutcomeProcessed          Outcome = "processed"
	OutcomeVerificationFailed Outcome = "verification_failed"
	OutcomePurchase           Outcome = "purchase"
)

// Entry is one ledger row.
type Entry struct {
	EventID       string    `json:"eventId"`
	TransactionID string    `json:"transactionId"`
	ProductID     string    `json:"productId"`
	Outcome       Outcome   `json:"outcome"`
	Revoked       bool      `json:"revoked,omitempty"`
	RecordedAt    time.Time `json:"recordedAt"`
}

// Store provides persistent journal storage. A nil *Store is valid and
// drops every operation, so callers can run with the journal disabled.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	// WAL mode for concurrent readers while the engine writes
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Transaction journal opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transaction_events (
		event_id       TEXT PRIMARY KEY,
		transaction_id TEXT NOT NULL,
		product_id     TEXT NOT NULL,
		outcome        TEXT NOT NULL,
		revoked        INTEGER NOT NULL DEFAULT 0,
		recorded_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transaction_events_recorded
		ON transaction_events(recorded_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transaction_events_product
		ON transaction_events(product_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends an entry to the ledger, assigning EventID and RecordedAt
// when unset. Safe to call on a nil store.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return nil
	}
	if e.EventID == "" {
		e.EventID = ulid.Make().String()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transaction_events (event_id, transaction_id, product_id, outcome, revoked, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.EventID, e.TransactionID, e.ProductID, string(e.Outcome), boolToInt(e.Revoked), e.RecordedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record journal entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first. A nil store
// returns nothing.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, transaction_id, product_id, outcome, revoked, recorded_at
		 FROM transaction_events
		 ORDER BY recorded_at DESC, event_id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var revoked int
		var recorded int64
		if err := rows.Scan(&e.EventID, &e.TransactionID, &e.ProductID, (*string)(&e.Outcome), &revoked, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		e.Revoked = revoked != 0
		e.RecordedAt = time.UnixMilli(recorded)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByOutcome returns how many entries the ledger holds per outcome.
func (s *Store) CountByOutcome(ctx context.Context) (map[Outcome]int64, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM transaction_events GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count journal entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[Outcome]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan journal count: %w", err)
		}
		counts[Outcome(outcome)] = n
	}
	return counts, rows.Err()
}

// Close closes the underlying database. Safe on a nil store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
