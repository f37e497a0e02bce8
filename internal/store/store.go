// Package store persists connection descriptors and dataset definitions in a
// local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"dashgate/internal/db"
	"dashgate/internal/logger"
	"dashgate/pkg/config"
)

// Memory opens a private in-memory database.
const Memory = ":memory:"

type Store struct {
	db *sql.DB
}

// Open opens or creates the store at path and applies the schema.
func Open(path string) (*Store, error) {
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// an in-memory database lives and dies with its single connection
	conn.SetMaxOpenConns(1)

	if path != Memory {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	s := &Store{db: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS connections (
        id TEXT PRIMARY KEY,
        type TEXT NOT NULL,
        host TEXT NOT NULL DEFAULT '',
        port INTEGER NOT NULL DEFAULT 0,
        database_name TEXT NOT NULL DEFAULT '',
        username TEXT NOT NULL DEFAULT '',
        password TEXT NOT NULL DEFAULT '',
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS datasets (
        id TEXT PRIMARY KEY,
        connection_id TEXT NOT NULL,
        query TEXT NOT NULL,
        date_column TEXT NOT NULL DEFAULT '',
        granularity TEXT NOT NULL DEFAULT '',
        group_by TEXT NOT NULL DEFAULT '[]',
        updated_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_datasets_connection_id
        ON datasets(connection_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// FetchConnection returns the descriptor stored under id, or an error wrapping
// db.ErrNotFound.
func (s *Store) FetchConnection(ctx context.Context, id string) (config.Descriptor, error) {
	var d config.Descriptor
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, host, port, database_name, username, password
         FROM connections WHERE id = ?`, id,
	).Scan(&d.ID, &d.Type, &d.Host, &d.Port, &d.Database, &d.Username, &d.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return d, fmt.Errorf("connection %q: %w", id, db.ErrNotFound)
	}
	if err != nil {
		return d, fmt.Errorf("failed to query connection: %w", err)
	}
	return d, nil
}

// FetchDataset returns the dataset definition stored under id, or an error
// wrapping db.ErrNotFound.
func (s *Store) FetchDataset(ctx context.Context, id string) (config.Dataset, error) {
	var ds config.Dataset
	var groupBy string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, connection_id, query, date_column, granularity, group_by
         FROM datasets WHERE id = ?`, id,
	).Scan(&ds.ID, &ds.ConnectionID, &ds.Query, &ds.DateColumn, &ds.Granularity, &groupBy)
	if errors.Is(err, sql.ErrNoRows) {
		return ds, fmt.Errorf("dataset %q: %w", id, db.ErrNotFound)
	}
	if err != nil {
		return ds, fmt.Errorf("failed to query dataset: %w", err)
	}
	if err := json.Unmarshal([]byte(groupBy), &ds.GroupBy); err != nil {
		return ds, fmt.Errorf("failed to unmarshal group_by: %w", err)
	}
	return ds, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertConnection(ctx context.Context, ex execer, d config.Descriptor) error {
	if d.ID == "" {
		return errors.New("connection id is required")
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO connections (id, type, host, port, database_name, username, password, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             type = excluded.type, host = excluded.host, port = excluded.port,
             database_name = excluded.database_name, username = excluded.username,
             password = excluded.password, updated_at = excluded.updated_at`,
		d.ID, config.NormalizeEngine(d.Type), d.Host, d.Port, d.Database, d.Username, d.Password, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert connection %q: %w", d.ID, err)
	}
	return nil
}

func upsertDataset(ctx context.Context, ex execer, ds config.Dataset) error {
	if ds.ID == "" {
		return errors.New("dataset id is required")
	}
	groupBy := ds.GroupBy
	if groupBy == nil {
		groupBy = []string{}
	}
	groupByJSON, err := json.Marshal(groupBy)
	if err != nil {
		return fmt.Errorf("failed to marshal group_by: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO datasets (id, connection_id, query, date_column, granularity, group_by, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET
             connection_id = excluded.connection_id, query = excluded.query,
             date_column = excluded.date_column, granularity = excluded.granularity,
             group_by = excluded.group_by, updated_at = excluded.updated_at`,
		ds.ID, ds.ConnectionID, ds.Query, ds.DateColumn, ds.Granularity, string(groupByJSON), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert dataset %q: %w", ds.ID, err)
	}
	return nil
}

// UpsertConnection inserts d or replaces the stored descriptor wholesale.
func (s *Store) UpsertConnection(ctx context.Context, d config.Descriptor) error {
	return upsertConnection(ctx, s.db, d)
}

// UpsertDataset inserts ds or replaces the stored definition wholesale.
func (s *Store) UpsertDataset(ctx context.Context, ds config.Dataset) error {
	return upsertDataset(ctx, s.db, ds)
}

// Seed upserts every connection and dataset listed in cfg in one transaction.
func (s *Store) Seed(ctx context.Context, cfg config.AppConfig) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seed: %w", err)
	}
	defer tx.Rollback()

	for _, d := range cfg.Connections {
		if err := upsertConnection(ctx, tx, d); err != nil {
			return err
		}
	}
	for _, ds := range cfg.Datasets {
		if err := upsertDataset(ctx, tx, ds); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed: %w", err)
	}
	logger.Info("seeded store with %d connections, %d datasets", len(cfg.Connections), len(cfg.Datasets))
	return nil
}
