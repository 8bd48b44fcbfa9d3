// Package store provides storage backends for CallFlow.
//
// This file implements a PostgreSQL-backed store for flows, sessions, and
// turn deduplication records.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BranchLine/CallFlow/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveFlow(ctx context.Context, companyKey string, flow models.FlowDefinition) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.Key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO flows (company_key, flow_key, definition, priority, usage_count, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (company_key, flow_key) DO UPDATE SET
			definition = EXCLUDED.definition,
			priority = EXCLUDED.priority,
			updated_at = EXCLUDED.updated_at`,
		companyKey, flow.Key, string(data), flow.Priority, time.Now())
	if err != nil {
		slog.Error("PostgresStore.SaveFlow failed", "error", err, "company", companyKey, "flow", flow.Key)
		return fmt.Errorf("failed to save flow %s: %w", flow.Key, err)
	}
	slog.Debug("PostgresStore.SaveFlow succeeded", "company", companyKey, "flow", flow.Key)
	return nil
}

func (s *PostgresStore) GetFlow(ctx context.Context, companyKey, flowKey string) (*models.FlowDefinition, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM flows WHERE company_key = $1 AND flow_key = $2`,
		companyKey, flowKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetFlow query failed", "error", err, "company", companyKey, "flow", flowKey)
		return nil, fmt.Errorf("failed to query flow %s: %w", flowKey, err)
	}
	var flow models.FlowDefinition
	if err := json.Unmarshal([]byte(data), &flow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow %s: %w", flowKey, err)
	}
	return &flow, nil
}

func (s *PostgresStore) ListFlows(ctx context.Context, companyKey string) ([]models.FlowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition FROM flows WHERE company_key = $1 ORDER BY priority DESC, flow_key`,
		companyKey)
	if err != nil {
		slog.Error("PostgresStore.ListFlows query failed", "error", err, "company", companyKey)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.FlowDefinition
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			slog.Error("PostgresStore.ListFlows scan failed", "error", err)
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
	slog.Debug("PostgresStore.ListFlows succeeded", "company", companyKey, "count", len(flows))
	return flows, nil
}

func (s *PostgresStore) DeleteFlow(ctx context.Context, companyKey, flowKey string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM flows WHERE company_key = $1 AND flow_key = $2`, companyKey, flowKey)
	if err != nil {
		slog.Error("PostgresStore.DeleteFlow failed", "error", err, "company", companyKey, "flow", flowKey)
		return fmt.Errorf("failed to delete flow %s: %w", flowKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, companyKey, flowKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE flows SET usage_count = usage_count + 1 WHERE company_key = $1 AND flow_key = $2`,
		companyKey, flowKey)
	if err != nil {
		slog.Error("PostgresStore.IncrementUsage failed", "error", err, "company", companyKey, "flow", flowKey)
		return fmt.Errorf("failed to increment usage for %s: %w", flowKey, err)
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, session *models.SessionState) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", session.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, company_key, status, document, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		session.ID, session.CompanyKey, string(session.Status), string(data), session.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore.SaveSession failed", "error", err, "session", session.ID)
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.SessionState, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM sessions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetSession query failed", "error", err, "session", id)
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return unmarshalSession([]byte(data))
}

func (s *PostgresStore) ListSessions(ctx context.Context, companyKey string) ([]*models.SessionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM sessions WHERE company_key = $1 ORDER BY id`, companyKey)
	if err != nil {
		slog.Error("PostgresStore.ListSessions query failed", "error", err, "company", companyKey)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore.DeleteSession failed", "error", err, "session", id)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListStaleSessions(ctx context.Context, updatedBefore time.Time) ([]*models.SessionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM sessions WHERE status = $1 AND updated_at < $2 ORDER BY id`,
		string(models.SessionStatusActive), updatedBefore)
	if err != nil {
		slog.Error("PostgresStore.ListStaleSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()
	return scanSessionRows(rows)
}

func (s *PostgresStore) DeleteSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = $1 AND updated_at < $2`,
		string(models.SessionStatusEnded), cutoff)
	if err != nil {
		slog.Error("PostgresStore.DeleteSessionsEndedBefore failed", "error", err)
		return 0, fmt.Errorf("failed to purge ended sessions: %w", err)
	}
	removed, _ := res.RowsAffected()
	slog.Debug("PostgresStore.DeleteSessionsEndedBefore succeeded", "removed", removed)
	return removed, nil
}

func (s *PostgresStore) RecordTurn(ctx context.Context, sessionID, turnID string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_dedup (session_id, turn_id, received_at) VALUES ($1, $2, $3)`,
		sessionID, turnID, time.Now())
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return false, nil
		}
		slog.Error("PostgresStore.RecordTurn failed", "error", err, "session", sessionID, "turn", turnID)
		return false, fmt.Errorf("failed to record turn: %w", err)
	}
	return true, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
