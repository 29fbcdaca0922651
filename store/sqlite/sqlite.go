// Package sqlite provides a durable core.Store backed by a single SQLite
// database file. The driver is pure Go (modernc.org/sqlite) so no cgo is
// required. A write is committed before Put returns, satisfying the
// durability contract of the persistence layer.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/promptchain/core"
	_ "modernc.org/sqlite"
)

// Store is a durable core.Store implementation over SQLite.
type Store struct {
	db *sql.DB
}

var _ core.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and applies migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", core.ErrPersistence, dbPath, err)
	}
	// SQLite allows a single writer; serializing access through one
	// connection avoids SQLITE_BUSY under concurrent executions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		chain_id TEXT,
		status TEXT,
		created_at TIMESTAMP NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (kind, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_chain ON records(kind, chain_id);
	CREATE INDEX IF NOT EXISTS idx_records_created ON records(kind, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", core.ErrPersistence, err)
	}

	return nil
}

// Put implements core.Store.
func (s *Store) Put(ctx context.Context, rec core.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: record id is empty", core.ErrPersistence)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (kind, id, chain_id, status, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(kind, id) DO UPDATE SET
		   chain_id = excluded.chain_id,
		   status = excluded.status,
		   data = excluded.data`,
		string(rec.Kind), rec.ID, rec.ChainID, string(rec.Status), createdAt, rec.Data,
	)
	if err != nil {
		return fmt.Errorf("%w: put %s %s: %v", core.ErrPersistence, rec.Kind, rec.ID, err)
	}
	return nil
}

// Get implements core.Store.
func (s *Store) Get(ctx context.Context, kind core.Kind, id string) (core.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT kind, id, chain_id, status, created_at, data FROM records WHERE kind = ? AND id = ?`,
		string(kind), id,
	)

	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return core.Record{}, fmt.Errorf("%w: %s %q", core.ErrNotFound, kind, id)
	}
	if err != nil {
		return core.Record{}, fmt.Errorf("%w: get %s %s: %v", core.ErrPersistence, kind, id, err)
	}
	return rec, nil
}

// Query implements core.Store.
func (s *Store) Query(ctx context.Context, kind core.Kind, filter core.Filter) ([]core.Record, error) {
	query := `SELECT kind, id, chain_id, status, created_at, data FROM records WHERE kind = ?`
	args := []any{string(kind)}

	if filter.ChainID != "" {
		query += ` AND chain_id = ?`
		args = append(args, filter.ChainID)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", core.ErrPersistence, kind, err)
	}
	defer rows.Close()

	var records []core.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", core.ErrPersistence, kind, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", core.ErrPersistence, kind, err)
	}
	return records, nil
}

func scanRecord(scan func(dest ...any) error) (core.Record, error) {
	var rec core.Record
	var kind, status string
	var chainID sql.NullString

	if err := scan(&kind, &rec.ID, &chainID, &status, &rec.CreatedAt, &rec.Data); err != nil {
		return core.Record{}, err
	}

	rec.Kind = core.Kind(kind)
	rec.Status = core.ExecutionStatus(status)
	if chainID.Valid {
		rec.ChainID = chainID.String
	}
	return rec, nil
}
