package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fern-labs/fernflow/flow"

	_ "modernc.org/sqlite"
)

const appSQLiteSchema = `
CREATE TABLE IF NOT EXISTS apps (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	name TEXT,
	source BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`

// SQLiteStoreConfig configures the SQLite app store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists app records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed app store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("app store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("app sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("app sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(appSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("app sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]AppRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT slug, name, source, created_at, updated_at
FROM apps
ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("app sqlite store list: %w", err)
	}
	defer rows.Close()

	var records []AppRecord
	for rows.Next() {
		rec, err := scanAppRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("app sqlite store list rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) Get(ctx context.Context, slug string) (AppRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT slug, name, source, created_at, updated_at
FROM apps
WHERE slug = ?`, slug)

	rec, err := scanAppRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AppRecord{}, false, nil
		}
		return AppRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec AppRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO apps (slug, name, source, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)`,
		rec.Slug,
		rec.Name,
		normalizeAppSource(rec.Source),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: apps.slug") {
			return ErrAppExists
		}
		return fmt.Errorf("app sqlite store create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, rec AppRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE apps
SET name = ?, source = ?, updated_at = ?
WHERE slug = ?`,
		rec.Name,
		normalizeAppSource(rec.Source),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
		rec.Slug,
	)
	if err != nil {
		return fmt.Errorf("app sqlite store update: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("app sqlite store update affected rows: %w", err)
	}
	if affected == 0 {
		return ErrAppNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, slug string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM apps WHERE slug = ?`, slug)
	if err != nil {
		return fmt.Errorf("app sqlite store delete: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("app sqlite store delete affected rows: %w", err)
	}
	if affected == 0 {
		return ErrAppNotFound
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying database connection for sharing with other stores.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type appScanner interface {
	Scan(dest ...any) error
}

func scanAppRecord(scanner appScanner) (AppRecord, error) {
	var (
		slug      string
		name      sql.NullString
		sourceRaw []byte
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&slug, &name, &sourceRaw, &createdAt, &updatedAt); err != nil {
		return AppRecord{}, err
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return AppRecord{}, fmt.Errorf("app sqlite store parse created_at: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return AppRecord{}, fmt.Errorf("app sqlite store parse updated_at: %w", err)
	}

	rec := AppRecord{
		Slug:      slug,
		Name:      name.String,
		Source:    json.RawMessage(append([]byte(nil), sourceRaw...)),
		CreatedAt: created,
		UpdatedAt: updated,
	}

	var app flow.App
	if err := json.Unmarshal(rec.Source, &app); err != nil {
		return AppRecord{}, fmt.Errorf("app sqlite store unmarshal app: %w", err)
	}
	rec.App = &app

	return rec, nil
}

func normalizeAppSource(raw json.RawMessage) []byte {
	data := []byte(raw)
	if len(data) == 0 {
		return []byte(`{}`)
	}
	return data
}

var _ AppStore = (*SQLiteStore)(nil)
