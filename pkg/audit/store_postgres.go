package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists committed entries to Postgres for deployments
// where the audit trail must outlive the node.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing handle. Migration is the operator's
// concern in production; EnsureSchema covers dev setups.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the audit table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        sequence BIGINT PRIMARY KEY,
        event_id TEXT NOT NULL,
        kind TEXT NOT NULL,
        subject TEXT NOT NULL,
        object TEXT,
        outcome TEXT NOT NULL,
        reason TEXT,
        timestamp TIMESTAMPTZ NOT NULL,
        event_json JSONB NOT NULL,
        prev_hash TEXT NOT NULL DEFAULT '',
        hash TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e.Event)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO audit_entries
            (sequence, event_id, kind, subject, object, outcome, reason, timestamp, event_json, prev_hash, hash)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.Sequence, e.Event.ID, string(e.Event.Kind), e.Event.Subject, e.Event.Object,
		string(e.Event.Outcome), e.Event.Reason, e.Event.Timestamp, string(raw),
		e.PreviousHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("audit: insert entry %d: %w", e.Sequence, err)
	}
	return nil
}

// Range loads entries with sequence in [start, end], in order.
func (s *PostgresStore) Range(ctx context.Context, start, end uint64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT sequence, event_json, prev_hash, hash
        FROM audit_entries
        WHERE sequence >= $1 AND sequence <= $2
        ORDER BY sequence ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("audit: range query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*SQLiteStore)(nil)
