package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore persists the snapshot as a single JSON row in PostgreSQL,
// serializing mutations with a row-level lock (SELECT ... FOR UPDATE).
type PostgresStore struct {
	db  *sql.DB
	key string
}

// NewPostgresStore opens (and bootstraps, if needed) the snapshot row for
// the given snapshot key.
func NewPostgresStore(db *sql.DB, snapshotKey string) (*PostgresStore, error) {
	if snapshotKey == "" {
		return nil, fmt.Errorf("snapshot key must not be empty")
	}
	s := &PostgresStore{db: db, key: snapshotKey}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	if err := s.ensureRow(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS control_plane_snapshots (
		snapshot_key TEXT PRIMARY KEY,
		version      BIGINT NOT NULL,
		document     TEXT NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate snapshot table: %w", err)
	}
	return nil
}

func (s *PostgresStore) ensureRow(ctx context.Context) error {
	document, err := encodeSnapshot(NewSnapshot())
	if err != nil {
		return err
	}
	query := `
	INSERT INTO control_plane_snapshots (snapshot_key, version, document, updated_at)
	VALUES ($1, 0, $2, $3)
	ON CONFLICT (snapshot_key) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, s.key, string(document), time.Now().UTC()); err != nil {
		return fmt.Errorf("bootstrap snapshot row: %w", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT document FROM control_plane_snapshots WHERE snapshot_key = $1`, s.key)
	var document string
	if err := row.Scan(&document); err != nil {
		return nil, fmt.Errorf("load snapshot %q: %w", s.key, err)
	}
	return decodeSnapshot([]byte(document))
}

func (s *PostgresStore) Mutate(ctx context.Context, f Mutator) (any, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The row lock serializes concurrent mutators; the second caller
	// blocks here and observes the first caller's committed writes.
	row := tx.QueryRowContext(ctx,
		`SELECT version, document FROM control_plane_snapshots WHERE snapshot_key = $1 FOR UPDATE`, s.key)
	var version int64
	var document string
	if err := row.Scan(&version, &document); err != nil {
		return nil, fmt.Errorf("lock snapshot %q: %w", s.key, err)
	}

	snap, err := decodeSnapshot([]byte(document))
	if err != nil {
		return nil, err
	}

	out, err := f(snap)
	if err != nil {
		return nil, err
	}

	updated, err := encodeSnapshot(snap)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE control_plane_snapshots SET version = $1, document = $2, updated_at = $3 WHERE snapshot_key = $4`,
		version+1, string(updated), time.Now().UTC(), s.key); err != nil {
		return nil, fmt.Errorf("write snapshot %q: %w", s.key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit snapshot %q: %w", s.key, err)
	}
	return out, nil
}

func (s *PostgresStore) Version(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT version FROM control_plane_snapshots WHERE snapshot_key = $1`, s.key)
	var version int64
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("read snapshot version %q: %w", s.key, err)
	}
	return version, nil
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
