// Package store persists circuit results and their audit trails through
// database/sql. SQLite is the bundled driver; any database honoring the
// schema works.
//
// The store is strictly write-once per result: rows are inserted, never
// updated. Audit entries are stored one row per chain link so an
// external verifier can reconstruct and validate a trail with nothing
// but SQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/templetwo/threshold-protocols/pkg/circuit"
	"github.com/templetwo/threshold-protocols/pkg/hashchain"
)

// ErrNotFound is returned when a result id has no row.
var ErrNotFound = errors.New("store: result not found")

// Store wraps a sql.DB.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) a SQLite store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle; the caller owns its
// lifecycle. Init must be called before use.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS circuit_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	target TEXT NOT NULL,
	decision TEXT NOT NULL,
	applied INTEGER NOT NULL,
	cancelled INTEGER NOT NULL,
	fault TEXT,
	duration_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_entries (
	result_id INTEGER NOT NULL REFERENCES circuit_results(id),
	idx INTEGER NOT NULL,
	action TEXT NOT NULL,
	actor TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	entry TEXT NOT NULL,
	PRIMARY KEY (result_id, idx)
);
`

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveResult inserts one circuit result and its enforcement trail.
// Returns the assigned row id.
func (s *Store) SaveResult(ctx context.Context, res circuit.Result, at time.Time) (int64, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return 0, fmt.Errorf("store: marshal result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	out, err := tx.ExecContext(ctx, `
		INSERT INTO circuit_results (target, decision, applied, cancelled, fault, duration_ms, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.Target, string(res.Decision), res.Applied(), res.Cancelled, res.Fault, res.DurationMs, at.UTC(), string(payload),
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert result: %w", err)
	}
	id, err := out.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: result id: %w", err)
	}

	if res.Enforcement != nil {
		for i, e := range res.Enforcement.AuditTrail {
			raw, err := json.Marshal(e)
			if err != nil {
				return 0, fmt.Errorf("store: marshal audit entry %d: %w", i, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO audit_entries (result_id, idx, action, actor, previous_hash, entry_hash, entry)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				id, i, e.Action, e.Actor, e.PreviousHash, e.EntryHash, string(raw),
			); err != nil {
				return 0, fmt.Errorf("store: insert audit entry %d: %w", i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return id, nil
}

// LoadResult reads one result back by row id.
func (s *Store) LoadResult(ctx context.Context, id int64) (circuit.Result, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM circuit_results WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return circuit.Result{}, ErrNotFound
	}
	if err != nil {
		return circuit.Result{}, fmt.Errorf("store: load result %d: %w", id, err)
	}
	var res circuit.Result
	if err := json.Unmarshal([]byte(payload), &res); err != nil {
		return circuit.Result{}, fmt.Errorf("store: decode result %d: %w", id, err)
	}
	return res, nil
}

// AuditTrail reconstructs a result's chain from its rows, in index
// order. Callers verify with hashchain.Verify.
func (s *Store) AuditTrail(ctx context.Context, resultID int64) ([]hashchain.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry FROM audit_entries WHERE result_id = ? ORDER BY idx`, resultID)
	if err != nil {
		return nil, fmt.Errorf("store: audit trail %d: %w", resultID, err)
	}
	defer rows.Close()

	var chain []hashchain.Entry
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan audit row: %w", err)
		}
		var e hashchain.Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("store: decode audit row: %w", err)
		}
		chain = append(chain, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: audit rows: %w", err)
	}
	return chain, nil
}

// ResultSummary is one row of ListResults.
type ResultSummary struct {
	ID        int64
	Target    string
	Decision  string
	Applied   bool
	Fault     string
	CreatedAt time.Time
}

// ListResults returns recent results, newest first.
func (s *Store) ListResults(ctx context.Context, limit int) ([]ResultSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, target, decision, applied, COALESCE(fault, ''), created_at
		FROM circuit_results ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list results: %w", err)
	}
	defer rows.Close()

	var out []ResultSummary
	for rows.Next() {
		var r ResultSummary
		if err := rows.Scan(&r.ID, &r.Target, &r.Decision, &r.Applied, &r.Fault, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan summary: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
