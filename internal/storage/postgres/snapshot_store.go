// Package postgres persists extracted index records in Postgres.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/market-index-scraper/internal/crawler"
)

// DefaultTable holds one row per index per run.
const DefaultTable = "index_snapshots"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SnapshotStoreConfig controls the Postgres connection pool.
type SnapshotStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// SnapshotStore writes crawler.Snapshot rows.
type SnapshotStore struct {
	pool  pool
	table string
}

// NewSnapshotStore connects a pool using cfg.
func NewSnapshotStore(ctx context.Context, cfg SnapshotStoreConfig) (*SnapshotStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SnapshotStore{pool: p, table: table}, nil
}

// NewSnapshotStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewSnapshotStoreWithPool(p pool, table string) (*SnapshotStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return DefaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *SnapshotStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the snapshot table when it does not exist.
func (s *SnapshotStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id        TEXT             NOT NULL,
	url           TEXT             NOT NULL,
	name          TEXT             NOT NULL,
	current_value DOUBLE PRECISION NOT NULL,
	max_date      TEXT             NOT NULL,
	max_value     DOUBLE PRECISION NOT NULL,
	min_date      TEXT             NOT NULL,
	min_value     DOUBLE PRECISION NOT NULL,
	scraped_at    TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (run_id, url)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// SaveSnapshots inserts every snapshot in one transaction; either all rows
// of a run land or none do.
func (s *SnapshotStore) SaveSnapshots(ctx context.Context, snapshots []crawler.Snapshot) (err error) {
	if s == nil || s.pool == nil {
		return errors.New("snapshot store is not configured")
	}
	if len(snapshots) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	url,
	name,
	current_value,
	max_date,
	max_value,
	min_date,
	min_value,
	scraped_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (run_id, url) DO NOTHING`, s.table)

	for _, snap := range snapshots {
		rec := snap.Record
		if _, err = tx.Exec(ctx, query,
			snap.RunID,
			snap.URL,
			rec.Name,
			rec.CurrentValue,
			rec.MaxDate,
			rec.MaxValue,
			rec.MinDate,
			rec.MinValue,
			snap.ScrapedAt,
		); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", rec.Name, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot tx: %w", err)
	}
	return nil
}
