// Package store provides storage backends for CallFlow.
//
// This file implements an SQLite-backed store for flows, sessions, and
// turn deduplication records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BranchLine/CallFlow/internal/models"
	"github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveFlow(ctx context.Context, companyKey string, flow models.FlowDefinition) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.Key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (company_key, flow_key, definition, priority, usage_count, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(company_key, flow_key) DO UPDATE SET
			definition = excluded.definition,
			priority = excluded.priority,
			updated_at = excluded.updated_at`,
		companyKey, flow.Key, string(data), flow.Priority, time.Now())
	if err != nil {
		slog.Error("SQLiteStore.SaveFlow failed", "error", err, "company", companyKey, "flow", flow.Key)
		return fmt.Errorf("failed to save flow %s: %w", flow.Key, err)
	}
	slog.Debug("SQLiteStore.SaveFlow succeeded", "company", companyKey, "flow", flow.Key)
	return nil
}

func (s *SQLiteStore) GetFlow(ctx context.Context, companyKey, flowKey string) (*models.FlowDefinition, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM flows WHERE company_key = ? AND flow_key = ?`,
		companyKey, flowKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetFlow query failed", "error", err, "company", companyKey, "flow", flowKey)
		return nil, fmt.Errorf("failed to query flow %s: %w", flowKey, err)
	}
	var flow models.FlowDefinition
	if err := json.Unmarshal([]byte(data), &flow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow %s: %w", flowKey, err)
	}
	return &flow, nil
}

func (s *SQLiteStore) ListFlows(ctx context.Context, companyKey string) ([]models.FlowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM flows WHERE company_key = ? ORDER BY priority DESC, flow_key`,
		companyKey)
	if err != nil {
		slog.Error("SQLiteStore.ListFlows query failed", "error", err, "company", companyKey)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.FlowDefinition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			slog.Error("SQLiteStore.ListFlows scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		var flow models.FlowDefinition
		if err := json.Unmarshal([]byte(data), &flow); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow row: %w", err)
		}
		flows = append(flows, flow)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	slog.Debug("SQLiteStore.ListFlows succeeded", "company", companyKey, "count", len(flows))
	return flows, nil
}

func (s *SQLiteStore) DeleteFlow(ctx context.Context, companyKey, flowKey string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM flows WHERE company_key = ? AND flow_key = ?`, companyKey, flowKey)
	if err != nil {
		slog.Error("SQLiteStore.DeleteFlow failed", "error", err, "company", companyKey, "flow", flowKey)
		return fmt.Errorf("failed to delete flow %s: %w", flowKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, companyKey, flowKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE flows SET usage_count = usage_count + 1 WHERE company_key = ? AND flow_key = ?`,
		companyKey, flowKey)
	if err != nil {
		slog.Error("SQLiteStore.IncrementUsage failed", "error", err, "company", companyKey, "flow", flowKey)
		return fmt.Errorf("failed to increment usage for %s: %w", flowKey, err)
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, session *models.SessionState) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", session.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, company_key, status, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at`,
		session.ID, session.CompanyKey, string(session.Status), string(data), session.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore.SaveSession failed", "error", err, "session", session.ID)
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.SessionState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetSession query failed", "error", err, "session", id)
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return unmarshalSession([]byte(data))
}

func (s *SQLiteStore) ListSessions(ctx context.Context, companyKey string) ([]*models.SessionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM sessions WHERE company_key = ? ORDER BY id`, companyKey)
	if err != nil {
		slog.Error("SQLiteStore.ListSessions query failed", "error", err, "company", companyKey)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore.DeleteSession failed", "error", err, "session", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListStaleSessions(ctx context.Context, updatedBefore time.Time) ([]*models.SessionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM sessions WHERE status = ? AND updated_at < ? ORDER BY id`,
		string(models.SessionStatusActive), updatedBefore)
	if err != nil {
		slog.Error("SQLiteStore.ListStaleSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

func (s *SQLiteStore) DeleteSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = ? AND updated_at < ?`,
		string(models.SessionStatusEnded), cutoff)
	if err != nil {
		slog.Error("SQLiteStore.DeleteSessionsEndedBefore failed", "error", err)
		return 0, fmt.Errorf("failed to purge ended sessions: %w", err)
	}
	removed, _ := res.RowsAffected()
	slog.Debug("SQLiteStore.DeleteSessionsEndedBefore succeeded", "removed", removed)
	return removed, nil
}

func (s *SQLiteStore) RecordTurn(ctx context.Context, sessionID, turnID string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_dedup (session_id, turn_id, received_at) VALUES (?, ?, ?)`,
		sessionID, turnID, time.Now())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return false, nil
		}
		slog.Error("SQLiteStore.RecordTurn failed", "error", err, "session", sessionID, "turn", turnID)
		return false, fmt.Errorf("failed to record turn: %w", err)
	}
	return true, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSessionRows(rows *sql.Rows) ([]*models.SessionState, error) {
	var sessions []*models.SessionState
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		session, err := unmarshalSession([]byte(data))
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}
