package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/BranchLine/CallFlow/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreFlowRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	flow := models.FlowDefinition{
		Key:      "booking",
		Priority: 5,
		Requirements: []models.Requirement{
			{Type: models.RequirementCollectSlot, Key: "phone", Required: true},
		},
	}
	if err := s.SaveFlow(ctx, "acme", flow); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}

	got, err := s.GetFlow(ctx, "acme", "booking")
	if err != nil {
		t.Fatalf("GetFlow failed: %v", err)
	}
	if got.Priority != 5 || len(got.Requirements) != 1 {
		t.Errorf("unexpected flow: %+v", got)
	}

	// Saving again updates in place.
	flow.Priority = 7
	if err := s.SaveFlow(ctx, "acme", flow); err != nil {
		t.Fatalf("SaveFlow update failed: %v", err)
	}
	updated, _ := s.GetFlow(ctx, "acme", "booking")
	if updated.Priority != 7 {
		t.Errorf("expected updated priority 7, got %d", updated.Priority)
	}

	flows, err := s.ListFlows(ctx, "acme")
	if err != nil || len(flows) != 1 {
		t.Fatalf("ListFlows = %d flows, err %v", len(flows), err)
	}

	if err := s.DeleteFlow(ctx, "acme", "booking"); err != nil {
		t.Fatalf("DeleteFlow failed: %v", err)
	}
	if _, err := s.GetFlow(ctx, "acme", "booking"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteStoreListFlowsPriorityOrder(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, f := range []models.FlowDefinition{
		{Key: "smalltalk", Priority: 1},
		{Key: "emergency", Priority: 10},
		{Key: "booking", Priority: 5},
	} {
		if err := s.SaveFlow(ctx, "acme", f); err != nil {
			t.Fatalf("SaveFlow failed: %v", err)
		}
	}

	flows, err := s.ListFlows(ctx, "acme")
	if err != nil {
		t.Fatalf("ListFlows failed: %v", err)
	}
	want := []string{"emergency", "booking", "smalltalk"}
	for i, key := range want {
		if flows[i].Key != key {
			t.Errorf("flows[%d] = %s, want %s", i, flows[i].Key, key)
		}
	}
}

func TestSQLiteStoreSessionLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	session := models.NewSessionState("s1", "acme", "plumbing", "+15550001111")
	session.Locks.BookingLocked = true
	if err := s.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if !got.Locks.BookingLocked || got.Trade != "plumbing" {
		t.Errorf("unexpected session: %+v", got)
	}

	got.Status = models.SessionStatusEnded
	got.UpdatedAt = time.Now().Add(-48 * time.Hour)
	if err := s.SaveSession(ctx, got); err != nil {
		t.Fatalf("SaveSession update failed: %v", err)
	}

	removed, err := s.DeleteSessionsEndedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteSessionsEndedBefore failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after purge, got %v", err)
	}
}

func TestSQLiteStoreStaleSessions(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	stale := models.NewSessionState("stale", "acme", "plumbing", "")
	stale.UpdatedAt = time.Now().Add(-2 * time.Hour)
	fresh := models.NewSessionState("fresh", "acme", "plumbing", "")
	for _, sess := range []*models.SessionState{stale, fresh} {
		if err := s.SaveSession(ctx, sess); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}
	}

	got, err := s.ListStaleSessions(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListStaleSessions failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "stale" {
		t.Errorf("unexpected stale sessions: %+v", got)
	}
}

func TestSQLiteStoreTurnDedup(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := s.RecordTurn(ctx, "s1", "turn-1")
	if err != nil || !first {
		t.Fatalf("first RecordTurn = %v, %v; want true", first, err)
	}
	second, err := s.RecordTurn(ctx, "s1", "turn-1")
	if err != nil {
		t.Fatalf("duplicate RecordTurn errored: %v", err)
	}
	if second {
		t.Error("duplicate turn must report false")
	}
}
