// Package store provides storage backends for CallFlow.
//
// It includes an in-memory store for tests and single-process deployments,
// plus SQLite and PostgreSQL backed stores selected by DSN.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BranchLine/CallFlow/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType determines the database driver from a DSN string.
// Returns "postgres" for PostgreSQL URLs and key=value connection strings,
// "sqlite3" otherwise (file paths are assumed to be SQLite databases).
func DetectDSNType(dsn string) string {
	lowered := strings.ToLower(dsn)
	if strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lowered, "host=") || strings.Contains(lowered, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// FlowStore persists flow definitions per company.
type FlowStore interface {
	SaveFlow(ctx context.Context, companyKey string, flow models.FlowDefinition) error
	GetFlow(ctx context.Context, companyKey, flowKey string) (*models.FlowDefinition, error)
	ListFlows(ctx context.Context, companyKey string) ([]models.FlowDefinition, error)
	DeleteFlow(ctx context.Context, companyKey, flowKey string) error
	IncrementUsage(ctx context.Context, companyKey, flowKey string) error
}

// SessionStore persists per-call session state documents.
type SessionStore interface {
	SaveSession(ctx context.Context, session *models.SessionState) error
	GetSession(ctx context.Context, id string) (*models.SessionState, error)
	ListSessions(ctx context.Context, companyKey string) ([]*models.SessionState, error)
	DeleteSession(ctx context.Context, id string) error
	// ListStaleSessions returns active sessions not updated since the cutoff.
	ListStaleSessions(ctx context.Context, updatedBefore time.Time) ([]*models.SessionState, error)
	// DeleteSessionsEndedBefore removes ended sessions older than the cutoff
	// and returns the number of sessions removed.
	DeleteSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TurnDedupRepo guards against replayed turn deliveries.
type TurnDedupRepo interface {
	// RecordTurn inserts a turn delivery record. Returns false if the
	// (session, turn) pair was already recorded (duplicate delivery).
	RecordTurn(ctx context.Context, sessionID, turnID string) (bool, error)
}

// Store is the full persistence interface used by the application.
type Store interface {
	FlowStore
	SessionStore
	TurnDedupRepo
	Close() error
}

// InMemoryStore is a mutex-guarded in-memory Store. Documents are stored
// as marshaled JSON so callers get value semantics, matching the SQL
// backed stores.
type InMemoryStore struct {
	mu        sync.RWMutex
	flows     map[string][]byte // companyKey + "/" + flowKey -> definition JSON
	usage     map[string]int
	sessions  map[string][]byte // session id -> document JSON
	turnDedup map[string]time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:     make(map[string][]byte),
		usage:     make(map[string]int),
		sessions:  make(map[string][]byte),
		turnDedup: make(map[string]time.Time),
	}
}

func flowID(companyKey, flowKey string) string {
	return companyKey + "/" + flowKey
}

func (s *InMemoryStore) SaveFlow(ctx context.Context, companyKey string, flow models.FlowDefinition) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.Key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flowID(companyKey, flow.Key)] = data
	return nil
}

func (s *InMemoryStore) GetFlow(ctx context.Context, companyKey, flowKey string) (*models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.flows[flowID(companyKey, flowKey)]
	if !ok {
		return nil, ErrNotFound
	}
	var flow models.FlowDefinition
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow %s: %w", flowKey, err)
	}
	return &flow, nil
}

func (s *InMemoryStore) ListFlows(ctx context.Context, companyKey string) ([]models.FlowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := companyKey + "/"
	var keys []string
	for id := range s.flows {
		if strings.HasPrefix(id, prefix) {
			keys = append(keys, id)
		}
	}
	sort.Strings(keys)
	flows := make([]models.FlowDefinition, 0, len(keys))
	for _, id := range keys {
		var flow models.FlowDefinition
		if err := json.Unmarshal(s.flows[id], &flow); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow %s: %w", id, err)
		}
		flows = append(flows, flow)
	}
	return flows, nil
}

func (s *InMemoryStore) DeleteFlow(ctx context.Context, companyKey, flowKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := flowID(companyKey, flowKey)
	if _, ok := s.flows[id]; !ok {
		return ErrNotFound
	}
	delete(s.flows, id)
	delete(s.usage, id)
	return nil
}

func (s *InMemoryStore) IncrementUsage(ctx context.Context, companyKey, flowKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[flowID(companyKey, flowKey)]++
	return nil
}

// UsageCount returns the recorded usage count for a flow (for tests).
func (s *InMemoryStore) UsageCount(companyKey, flowKey string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[flowID(companyKey, flowKey)]
}

func (s *InMemoryStore) SaveSession(ctx context.Context, session *models.SessionState) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", session.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = data
	return nil
}

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return unmarshalSession(data)
}

func (s *InMemoryStore) ListSessions(ctx context.Context, companyKey string) ([]*models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []*models.SessionState
	for _, data := range s.sessions {
		session, err := unmarshalSession(data)
		if err != nil {
			return nil, err
		}
		if session.CompanyKey == companyKey {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

func (s *InMemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) ListStaleSessions(ctx context.Context, updatedBefore time.Time) ([]*models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*models.SessionState
	for _, data := range s.sessions {
		session, err := unmarshalSession(data)
		if err != nil {
			return nil, err
		}
		if session.Status == models.SessionStatusActive && session.UpdatedAt.Before(updatedBefore) {
			stale = append(stale, session)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	return stale, nil
}

func (s *InMemoryStore) DeleteSessionsEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, data := range s.sessions {
		session, err := unmarshalSession(data)
		if err != nil {
			return removed, err
		}
		if session.Status == models.SessionStatusEnded && session.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) RecordTurn(ctx context.Context, sessionID, turnID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionID + "/" + turnID
	if _, seen := s.turnDedup[key]; seen {
		return false, nil
	}
	s.turnDedup[key] = time.Now()
	return true, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func unmarshalSession(data []byte) (*models.SessionState, error) {
	var session models.SessionState
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session document: %w", err)
	}
	return &session, nil
}
