package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists committed entries to SQLite. Entries are insert-only;
// there is no update or delete path.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore prepares the schema on the given handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteStore opens (or creates) a store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        sequence INTEGER PRIMARY KEY,
        event_id TEXT NOT NULL,
        kind TEXT NOT NULL,
        subject TEXT NOT NULL,
        object TEXT,
        outcome TEXT NOT NULL,
        reason TEXT,
        timestamp DATETIME NOT NULL,
        event_json JSON NOT NULL,
        prev_hash TEXT NOT NULL DEFAULT '',
        hash TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e.Event)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO audit_entries
            (sequence, event_id, kind, subject, object, outcome, reason, timestamp, event_json, prev_hash, hash)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
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
func (s *SQLiteStore) Range(ctx context.Context, start, end uint64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT sequence, event_json, prev_hash, hash
        FROM audit_entries
        WHERE sequence >= ? AND sequence <= ?
        ORDER BY sequence ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("audit: range query: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Close releases the underlying handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e   Entry
			raw string
		)
		if err := rows.Scan(&e.Sequence, &raw, &e.PreviousHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &e.Event); err != nil {
			return nil, fmt.Errorf("audit: decode event %d: %w", e.Sequence, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
