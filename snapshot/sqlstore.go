package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshot_v1 (
	id TEXT PRIMARY KEY NOT NULL,
	name TEXT NOT NULL,
	size INTEGER NOT NULL,
	digest TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	data BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshot_v1_name ON snapshot_v1 (name, id);
`

const insertSnapshotV1Sql = `
INSERT INTO snapshot_v1 (id, name, size, digest, created_at, data)
VALUES (?, ?, ?, ?, ?, ?);
`

const getSnapshotV1Sql = `
SELECT id, name, size, digest, created_at FROM snapshot_v1 WHERE id = ?;
`

const getLatestSnapshotV1Sql = `
SELECT id, name, size, digest, created_at FROM snapshot_v1
WHERE name = ? ORDER BY id DESC LIMIT 1;
`

const getSnapshotDataV1Sql = `
SELECT data FROM snapshot_v1 WHERE id = ?;
`

const listSnapshotsV1Sql = `
SELECT id, name, size, digest, created_at FROM snapshot_v1
WHERE ? = '' OR name = ? ORDER BY id DESC;
`

const deleteSnapshotV1Sql = `
DELETE FROM snapshot_v1 WHERE id = ?;
`

// SQLConfig configures the SQLite-file store.
type SQLConfig struct {
	// Path is the SQLite file holding the snapshots
	Path string `env:"PATH" envDefault:"snapshots.db"`
}

// SQLStore keeps snapshots as blobs in a local SQLite file.
type SQLStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// OpenSQLStore opens (creating if needed) the store at cfg.Path.
func OpenSQLStore(cfg SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sqlx.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize snapshot schema: %w", err)
	}
	return &SQLStore{db: db, logger: logger.With("component", "snapshot-sql")}, nil
}

func (s *SQLStore) Save(ctx context.Context, name string, data []byte) (Snapshot, error) {
	snap, err := newSnapshot(name, data)
	if err != nil {
		return Snapshot{}, err
	}
	_, err = s.db.ExecContext(ctx, insertSnapshotV1Sql, snap.ID, snap.Name, snap.Size, snap.Digest, snap.CreatedAt, data)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to save snapshot: %w", err)
	}
	s.logger.Info("Saved snapshot", "id", snap.ID, "name", name, "size_bytes", snap.Size)
	return snap, nil
}

func (s *SQLStore) Load(ctx context.Context, id string) (Snapshot, []byte, error) {
	return s.load(ctx, getSnapshotV1Sql, id)
}

func (s *SQLStore) Latest(ctx context.Context, name string) (Snapshot, []byte, error) {
	if name == "" {
		return Snapshot{}, nil, ErrEmptyName
	}
	return s.load(ctx, getLatestSnapshotV1Sql, name)
}

func (s *SQLStore) load(ctx context.Context, query string, arg string) (Snapshot, []byte, error) {
	var snap Snapshot
	err := s.db.GetContext(ctx, &snap, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, nil, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data []byte
	if err := s.db.GetContext(ctx, &data, getSnapshotDataV1Sql, snap.ID); err != nil {
		return Snapshot{}, nil, fmt.Errorf("failed to read snapshot data: %w", err)
	}
	if err := verify(snap, data); err != nil {
		return Snapshot{}, nil, err
	}
	return snap, data, nil
}

func (s *SQLStore) List(ctx context.Context, name string) ([]Snapshot, error) {
	snaps := []Snapshot{}
	if err := s.db.SelectContext(ctx, &snaps, listSnapshotsV1Sql, name, name); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snaps, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, deleteSnapshotV1Sql, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
