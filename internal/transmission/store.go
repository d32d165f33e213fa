package transmission

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists watcher records in SQLite so completion times survive a
// restart.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the records database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transfer db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS transfer_records (
		id                INTEGER PRIMARY KEY,
		name              TEXT NOT NULL,
		hash              TEXT NOT NULL DEFAULT '',
		first_complete_at TEXT,
		stopped           INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create transfer_records: %w", err)
	}
	// Databases created before the hash column existed.
	if _, err := db.Exec(`ALTER TABLE transfer_records ADD COLUMN hash TEXT NOT NULL DEFAULT ''`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		_ = db.Close()
		return nil, fmt.Errorf("add hash column: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns every persisted record.
func (s *Store) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, hash, first_complete_at, stopped FROM transfer_records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			complete sql.NullString
			stopped  int
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Hash, &complete, &stopped); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if complete.Valid {
			t, err := time.Parse(time.RFC3339Nano, complete.String)
			if err != nil {
				return nil, fmt.Errorf("parse first_complete_at for %d: %w", r.ID, err)
			}
			r.FirstCompleteAt = &t
		}
		r.Stopped = stopped != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Save replaces the persisted records with records.
func (s *Store) Save(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transfer_records`); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	for _, r := range records {
		var complete any
		if r.FirstCompleteAt != nil {
			complete = r.FirstCompleteAt.UTC().Format(time.RFC3339Nano)
		}
		stopped := 0
		if r.Stopped {
			stopped = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transfer_records (id, name, hash, first_complete_at, stopped) VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.Name, r.Hash, complete, stopped); err != nil {
			return fmt.Errorf("insert record %d: %w", r.ID, err)
		}
	}
	return tx.Commit()
}
