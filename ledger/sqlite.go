package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const executionSQLiteSchema = `
CREATE TABLE IF NOT EXISTS executions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	app_slug TEXT NOT NULL,
	flow_id TEXT,
	tool_name TEXT NOT NULL,
	status TEXT NOT NULL,
	initial_params BLOB NOT NULL,
	node_executions BLOB,
	error_info BLOB,
	is_preview INTEGER NOT NULL DEFAULT 0,
	user_fingerprint TEXT,
	started_at TEXT NOT NULL,
	ended_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_executions_app
ON executions(app_slug, flow_id);

CREATE INDEX IF NOT EXISTS idx_executions_pending
ON executions(status, started_at);`

// SQLiteStoreConfig configures the SQLite execution store.
type SQLiteStoreConfig struct {
	DSN string
}

// SQLiteStore persists execution records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed execution store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("execution store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("execution sqlite store open: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("execution sqlite store set WAL mode: %w", err)
	}
	if _, err := db.Exec(executionSQLiteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("execution sqlite store create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreFromDB wraps an already-open database connection so the
// ledger can share a file with the app store.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("execution store db is nil")
	}
	if _, err := db.Exec(executionSQLiteSchema); err != nil {
		return nil, fmt.Errorf("execution sqlite store create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, exec Execution) error {
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}
	if exec.Status == "" {
		exec.Status = StatusPending
	}

	paramsJSON, err := marshalLedgerMap(exec.InitialParams)
	if err != nil {
		return err
	}
	nodesJSON, err := marshalNodeExecutions(exec.NodeExecutions)
	if err != nil {
		return err
	}
	errorJSON, err := marshalErrorInfo(exec.ErrorInfo)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO executions
	(id, app_slug, flow_id, tool_name, status, initial_params, node_executions, error_info, is_preview, user_fingerprint, started_at, ended_at)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.AppSlug,
		nullIfEmpty(exec.FlowID),
		exec.ToolName,
		string(exec.Status),
		paramsJSON,
		nodesJSON,
		errorJSON,
		boolToInt(exec.IsPreview),
		nullIfEmpty(exec.UserFingerprint),
		exec.StartedAt.UTC().Format(time.RFC3339Nano),
		formatNullableTime(exec.EndedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: executions.id") {
			return ErrExecutionExists
		}
		return fmt.Errorf("execution sqlite store create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Update(ctx context.Context, exec Execution) error {
	nodesJSON, err := marshalNodeExecutions(exec.NodeExecutions)
	if err != nil {
		return err
	}
	errorJSON, err := marshalErrorInfo(exec.ErrorInfo)
	if err != nil {
		return err
	}

	// Guarding on status in the WHERE clause makes the pending-only
	// transition atomic without a transaction.
	result, err := s.db.ExecContext(ctx, `
UPDATE executions
SET status = ?, node_executions = ?, error_info = ?, ended_at = ?
WHERE id = ? AND status = ?`,
		string(exec.Status),
		nodesJSON,
		errorJSON,
		formatNullableTime(exec.EndedAt),
		exec.ID,
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("execution sqlite store update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("execution sqlite store update affected rows: %w", err)
	}
	if affected == 0 {
		_, found, err := s.Get(ctx, exec.ID)
		if err != nil {
			return err
		}
		if !found {
			return ErrExecutionNotFound
		}
		return ErrExecutionFinalized
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Execution, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, app_slug, flow_id, tool_name, status, initial_params, node_executions, error_info, is_preview, user_fingerprint, started_at, ended_at
FROM executions
WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Execution{}, false, nil
		}
		return Execution{}, false, err
	}
	return exec, true, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) (Page, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.AppSlug != "" {
		clauses = append(clauses, "app_slug = ?")
		args = append(args, filter.AppSlug)
	}
	if filter.FlowID != "" {
		clauses = append(clauses, "flow_id = ?")
		args = append(args, filter.FlowID)
	}

	scopeWhere := ""
	if len(clauses) > 0 {
		scopeWhere = "\nWHERE " + strings.Join(clauses, " AND ")
	}
	scopeArgs := append([]any(nil), args...)

	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.IsPreview != nil {
		clauses = append(clauses, "is_preview = ?")
		args = append(args, boolToInt(*filter.IsPreview))
	}

	query := `
SELECT id, app_slug, flow_id, tool_name, status, initial_params, node_executions, error_info, is_preview, user_fingerprint, started_at, ended_at
FROM executions`
	if len(clauses) > 0 {
		query += "\nWHERE " + strings.Join(clauses, " AND ")
	}
	query += "\nORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("execution sqlite store list: %w", err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return Page{}, err
		}
		page.Executions = append(page.Executions, exec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("execution sqlite store list rows: %w", err)
	}

	// HasPending covers the whole scope, not just the returned page.
	pendingQuery := `SELECT COUNT(1) FROM executions` + scopeWhere
	if scopeWhere == "" {
		pendingQuery += "\nWHERE status = ?"
	} else {
		pendingQuery += " AND status = ?"
	}
	scopeArgs = append(scopeArgs, string(StatusPending))

	var pending int
	if err := s.db.QueryRowContext(ctx, pendingQuery, scopeArgs...).Scan(&pending); err != nil {
		return Page{}, fmt.Errorf("execution sqlite store count pending: %w", err)
	}
	page.HasPending = pending > 0

	return page, nil
}

func (s *SQLiteStore) MarkTimedOut(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = DefaultTimeout
	}

	now := time.Now().UTC()
	errorJSON, err := marshalErrorInfo(&ErrorInfo{Class: "timeout", Message: TimeoutMessage(threshold)})
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE executions
SET status = ?, error_info = ?, ended_at = ?
WHERE status = ? AND started_at < ?`,
		string(StatusError),
		errorJSON,
		now.Format(time.RFC3339Nano),
		string(StatusPending),
		now.Add(-threshold).Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("execution sqlite store mark timed out: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("execution sqlite store mark timed out affected rows: %w", err)
	}
	return int(affected), nil
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

type executionScanner interface {
	Scan(dest ...any) error
}

func scanExecution(scanner executionScanner) (Execution, error) {
	var (
		id          string
		appSlug     string
		flowID      sql.NullString
		toolName    string
		status      string
		paramsRaw   []byte
		nodesRaw    []byte
		errorRaw    []byte
		isPreview   int
		fingerprint sql.NullString
		startedAt   string
		endedAt     sql.NullString
	)
	if err := scanner.Scan(
		&id,
		&appSlug,
		&flowID,
		&toolName,
		&status,
		&paramsRaw,
		&nodesRaw,
		&errorRaw,
		&isPreview,
		&fingerprint,
		&startedAt,
		&endedAt,
	); err != nil {
		return Execution{}, err
	}

	started, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Execution{}, fmt.Errorf("execution sqlite store parse started_at: %w", err)
	}

	params, err := unmarshalLedgerMap(paramsRaw)
	if err != nil {
		return Execution{}, err
	}

	exec := Execution{
		ID:              id,
		AppSlug:         appSlug,
		FlowID:          flowID.String,
		ToolName:        toolName,
		Status:          Status(status),
		InitialParams:   params,
		IsPreview:       isPreview == 1,
		UserFingerprint: fingerprint.String,
		StartedAt:       started,
	}

	if len(nodesRaw) > 0 {
		var nodes []NodeExecution
		if err := json.Unmarshal(nodesRaw, &nodes); err != nil {
			return Execution{}, fmt.Errorf("execution sqlite store unmarshal node executions: %w", err)
		}
		exec.NodeExecutions = nodes
	}
	if len(errorRaw) > 0 {
		var info ErrorInfo
		if err := json.Unmarshal(errorRaw, &info); err != nil {
			return Execution{}, fmt.Errorf("execution sqlite store unmarshal error info: %w", err)
		}
		exec.ErrorInfo = &info
	}
	if endedAt.Valid && strings.TrimSpace(endedAt.String) != "" {
		ended, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Execution{}, fmt.Errorf("execution sqlite store parse ended_at: %w", err)
		}
		exec.EndedAt = &ended
	}

	return exec, nil
}

func marshalLedgerMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("execution sqlite store marshal params: %w", err)
	}
	return data, nil
}

func unmarshalLedgerMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("execution sqlite store unmarshal params: %w", err)
	}
	if m == nil {
		return map[string]any{}, nil
	}
	return m, nil
}

func marshalNodeExecutions(nodes []NodeExecution) ([]byte, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(nodes)
	if err != nil {
		return nil, fmt.Errorf("execution sqlite store marshal node executions: %w", err)
	}
	return data, nil
}

func marshalErrorInfo(info *ErrorInfo) ([]byte, error) {
	if info == nil {
		return nil, nil
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("execution sqlite store marshal error info: %w", err)
	}
	return data, nil
}

func formatNullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
