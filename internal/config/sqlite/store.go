// Package sqlite provides a SQLite-based config.Store implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/chenfan33/cloud-project/internal/config"
)

const timeFormat = time.RFC3339

// singletonRow is the fixed primary key of the one config row a node
// keeps: unlike gastrolog's multi-entity config, a kvnode has exactly
// one NodeConfig, so there is nothing to key on but a constant.
const singletonRow = "node"

// Store is a SQLite-based config.Store implementation.
type Store struct {
	db *sql.DB
}

var _ config.Store = (*Store)(nil)

// NewStore opens a SQLite database at path and runs migrations.
func NewStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the node's configuration. Returns nil if none has been saved.
func (s *Store) Load(ctx context.Context) (*config.NodeConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT node_id, role, data_root, wal_path, listen_addr, primary_addr,
		       secondaries, checkpoint_interval_ms, checkpoint_ops, updated_at
		FROM node_config WHERE id = ?
	`, singletonRow)

	var (
		nodeIDStr, roleStr, secondariesCSV, updatedAtStr string
		intervalMS                                       int64
	)
	cfg := &config.NodeConfig{}
	err := row.Scan(&nodeIDStr, &roleStr, &cfg.DataRoot, &cfg.WALPath, &cfg.ListenAddr,
		&cfg.PrimaryAddr, &secondariesCSV, &intervalMS, &cfg.CheckpointOps, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load node config: %w", err)
	}

	cfg.ID, err = uuid.Parse(nodeIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse node config id %q: %w", nodeIDStr, err)
	}
	cfg.Role = config.Role(roleStr)
	cfg.CheckpointInterval = time.Duration(intervalMS) * time.Millisecond
	if secondariesCSV != "" {
		cfg.Secondaries = strings.Split(secondariesCSV, ",")
	}
	cfg.UpdatedAt, err = time.Parse(timeFormat, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at %q: %w", updatedAtStr, err)
	}
	return cfg, nil
}

// Save persists cfg, replacing whatever was there before. If cfg.ID is
// the zero UUID (a fresh config never saved before), Save assigns one.
func (s *Store) Save(ctx context.Context, cfg *config.NodeConfig) error {
	id := cfg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_config (id, node_id, role, data_root, wal_path, listen_addr,
		       primary_addr, secondaries, checkpoint_interval_ms, checkpoint_ops, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			node_id = excluded.node_id,
			role = excluded.role,
			data_root = excluded.data_root,
			wal_path = excluded.wal_path,
			listen_addr = excluded.listen_addr,
			primary_addr = excluded.primary_addr,
			secondaries = excluded.secondaries,
			checkpoint_interval_ms = excluded.checkpoint_interval_ms,
			checkpoint_ops = excluded.checkpoint_ops,
			updated_at = excluded.updated_at
	`, singletonRow, id.String(), string(cfg.Role), cfg.DataRoot, cfg.WALPath, cfg.ListenAddr,
		cfg.PrimaryAddr, strings.Join(cfg.Secondaries, ","),
		cfg.CheckpointInterval.Milliseconds(), cfg.CheckpointOps,
		time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("save node config: %w", err)
	}
	return nil
}
