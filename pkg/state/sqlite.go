package state

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the snapshot as a single JSON row in SQLite. The
// snapshot_key column multiplexes multiple control planes within one
// database file. A process-level mutex backs up SQLite's own write lock
// so mutator closures never interleave.
type SQLiteStore struct {
	db  *sql.DB
	key string
	mu  sync.Mutex
}

// NewSQLiteStore opens (and bootstraps, if needed) the snapshot row for
// the given snapshot key.
func NewSQLiteStore(db *sql.DB, snapshotKey string) (*SQLiteStore, error) {
	if snapshotKey == "" {
		return nil, fmt.Errorf("snapshot key must not be empty")
	}
	s := &SQLiteStore{db: db, key: snapshotKey}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	if err := s.ensureRow(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS control_plane_snapshots (
		snapshot_key TEXT PRIMARY KEY,
		version      INTEGER NOT NULL,
		document     TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("migrate snapshot table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureRow(ctx context.Context) error {
	document, err := encodeSnapshot(NewSnapshot())
	if err != nil {
		return err
	}
	query := `
	INSERT INTO control_plane_snapshots (snapshot_key, version, document, updated_at)
	VALUES (?, 0, ?, ?)
	ON CONFLICT (snapshot_key) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query, s.key, string(document), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("bootstrap snapshot row: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context) (*Snapshot, error) {
	snap, _, err := s.load(ctx, s.db)
	return snap, err
}

// querier covers both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) load(ctx context.Context, q querier) (*Snapshot, int64, error) {
	row := q.QueryRowContext(ctx,
		`SELECT version, document FROM control_plane_snapshots WHERE snapshot_key = ?`, s.key)
	var version int64
	var document string
	if err := row.Scan(&version, &document); err != nil {
		return nil, 0, fmt.Errorf("load snapshot %q: %w", s.key, err)
	}
	snap, err := decodeSnapshot([]byte(document))
	if err != nil {
		return nil, 0, err
	}
	return snap, version, nil
}

func (s *SQLiteStore) Mutate(ctx context.Context, f Mutator) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap, version, err := s.load(ctx, tx)
	if err != nil {
		return nil, err
	}

	out, err := f(snap)
	if err != nil {
		return nil, err
	}

	document, err := encodeSnapshot(snap)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE control_plane_snapshots
		 SET version = ?, document = ?, updated_at = ?
		 WHERE snapshot_key = ? AND version = ?`,
		version+1, string(document), time.Now().UTC().Format(time.RFC3339Nano), s.key, version)
	if err != nil {
		return nil, fmt.Errorf("write snapshot %q: %w", s.key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected != 1 {
		return nil, fmt.Errorf("write snapshot %q: version moved under transaction", s.key)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot %q: %w", s.key, err)
	}
	return out, nil
}

func (s *SQLiteStore) Version(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version FROM control_plane_snapshots WHERE snapshot_key = ?`, s.key)
	var version int64
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("read snapshot version %q: %w", s.key, err)
	}
	return version, nil
}
