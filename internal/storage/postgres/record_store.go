// Package postgres provides the Postgres-backed record sink.
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

	"github.com/JakeFAU/guqu-crawler/internal/crawler"
)

const defaultTable = "musics"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrRecordNotFound is returned when an update matches no row.
var ErrRecordNotFound = errors.New("record not found")

// Config controls the Postgres connection pool used for music rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// RecordStore implements crawler.RecordSink on Postgres.
type RecordStore struct {
	pool  pool
	table string
	now   func() time.Time
}

// NewRecordStore connects a pool using cfg.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, table string) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RecordStore{
		pool:  p,
		table: table,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the table and its indexes when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id           BIGSERIAL PRIMARY KEY,
	name         TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	author       TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL,
	url          TEXT NOT NULL,
	external_id  TEXT NOT NULL,
	media_status TEXT NOT NULL DEFAULT 'pending',
	media_path   TEXT NOT NULL DEFAULT '',
	add_time     TIMESTAMPTZ NOT NULL,
	update_time  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_type_idx ON %[1]s (type, id);
CREATE INDEX IF NOT EXISTS %[1]s_external_id_idx ON %[1]s (external_id);`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateRecords inserts records in one transaction and returns their ids in order.
func (s *RecordStore) CreateRecords(ctx context.Context, records []crawler.StoredRecord) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`
INSERT INTO %s (
	name, title, author, type, url, external_id, media_status, media_path, add_time, update_time
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
) RETURNING id`, s.table)

	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		status := rec.MediaStatus
		if status == "" {
			status = crawler.MediaPending
		}
		var id int64
		err := tx.QueryRow(ctx, query,
			rec.Name,
			rec.Title,
			rec.Author,
			rec.Type,
			rec.URL,
			rec.ExternalID,
			string(status),
			rec.MediaPath,
			rec.AddTime,
			rec.UpdateTime,
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert record %s: %w", rec.ExternalID, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return ids, nil
}

// FindRecordsNeedingMedia returns records whose media is not yet fetched, in id order.
func (s *RecordStore) FindRecordsNeedingMedia(ctx context.Context) ([]crawler.StoredRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE media_status <> $1 ORDER BY id`, columns, s.table)
	return s.selectRecords(ctx, query, string(crawler.MediaFetched))
}

// UpdateMedia records the media outcome for every row with the external id.
func (s *RecordStore) UpdateMedia(ctx context.Context, update crawler.MediaUpdate) error {
	query := fmt.Sprintf(`
UPDATE %s
SET media_status = $1,
	media_path = CASE WHEN $2 = '' THEN media_path ELSE $2 END,
	update_time = $3
WHERE external_id = $4`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		string(update.MediaStatus),
		update.StoredRelativePath,
		s.now(),
		update.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("update media %s: %w", update.ExternalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update media %s: %w", update.ExternalID, ErrRecordNotFound)
	}
	return nil
}

// Query pages through records of a category (every category when empty).
func (s *RecordStore) Query(ctx context.Context, category string, page, size int) ([]crawler.StoredRecord, error) {
	if page < 0 || size <= 0 {
		return nil, fmt.Errorf("invalid page %d size %d", page, size)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE ($1 = '' OR type = $1) ORDER BY id LIMIT $2 OFFSET $3`,
		columns, s.table)
	return s.selectRecords(ctx, query, category, size, page*size)
}

const columns = `id, name, title, author, type, url, external_id, media_status, media_path, add_time, update_time`

func (s *RecordStore) selectRecords(ctx context.Context, query string, args ...any) ([]crawler.StoredRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []crawler.StoredRecord
	for rows.Next() {
		var (
			rec    crawler.StoredRecord
			status string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Name,
			&rec.Title,
			&rec.Author,
			&rec.Type,
			&rec.URL,
			&rec.ExternalID,
			&status,
			&rec.MediaPath,
			&rec.AddTime,
			&rec.UpdateTime,
		); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.MediaStatus = crawler.MediaStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
