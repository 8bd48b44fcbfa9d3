package engine

import (
	"testing"

	"github.com/BranchLine/CallFlow/internal/models"
)

func matchedResult(confidence float64) models.TriggerResult {
	return models.TriggerResult{Matched: true, Confidence: confidence}
}

func TestActivateAddsFlowAndMergesNeeds(t *testing.T) {
	flow := &models.FlowDefinition{
		Key: "booking",
		Requirements: []models.Requirement{
			{Type: models.RequirementCollectSlot, Key: "phone", Required: true},
		},
		Actions: []models.Action{
			{Type: models.ActionAckOnce, Phase: models.PhaseOnActivate, Text: "Got it."},
		},
		AllowConcurrent: true,
	}
	session := models.NewSessionState("s1", "acme", "plumbing", "")

	result := Activate(flow, session, matchedResult(0.9), 3)
	if !result.Activated {
		t.Fatalf("expected activation, got %+v", result)
	}
	if !session.IsFlowActive("booking") {
		t.Error("flow should be in the active set")
	}
	if len(session.Active) != 1 || session.Active[0].ActivatedAtTurn != 3 {
		t.Errorf("unexpected active entry: %+v", session.Active)
	}
	if len(session.Needs) != 1 || session.Needs[0].Key != "phone" {
		t.Errorf("requirements should merge into needs, got %+v", session.Needs)
	}
	if len(result.OnActivate) != 1 {
		t.Errorf("expected 1 on_activate action, got %d", len(result.OnActivate))
	}
}

func TestActivateSkipsAlreadyActive(t *testing.T) {
	flow := &models.FlowDefinition{Key: "booking", AllowConcurrent: true}
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	session.Active = append(session.Active, models.ActiveFlow{FlowKey: "booking", ActivatedAtTurn: 1, Status: "active"})

	result := Activate(flow, session, matchedResult(1.0), 2)
	if result.Activated || result.Reason != "" {
		t.Errorf("already-active flow must be silently skipped, got %+v", result)
	}
	if len(session.Active) != 1 {
		t.Errorf("active set must not grow, got %d entries", len(session.Active))
	}
}

func TestActivateCompletedNotReactivatable(t *testing.T) {
	flow := &models.FlowDefinition{Key: "greeting", AllowConcurrent: true}
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	session.Completed = []string{"greeting"}

	if result := Activate(flow, session, matchedResult(1.0), 2); result.Activated {
		t.Error("completed non-reactivatable flow must not re-activate")
	}

	flow.Reactivatable = true
	if result := Activate(flow, session, matchedResult(1.0), 2); !result.Activated {
		t.Error("reactivatable flow should activate again after completion")
	}
}

func TestActivateConfidenceThreshold(t *testing.T) {
	flow := &models.FlowDefinition{Key: "booking", AllowConcurrent: true}
	session := models.NewSessionState("s1", "acme", "plumbing", "")

	// Default threshold is 0.7; a 0.69 match must not activate.
	if result := Activate(flow, session, matchedResult(0.69), 1); result.Activated {
		t.Error("confidence below default threshold must not activate")
	}
	if result := Activate(flow, session, matchedResult(0.7), 1); !result.Activated {
		t.Error("confidence at threshold should activate")
	}

	strict := &models.FlowDefinition{Key: "transfer", MinConfidence: 0.95, AllowConcurrent: true}
	if result := Activate(strict, session, matchedResult(0.9), 1); result.Activated {
		t.Error("confidence below configured threshold must not activate")
	}
}

func TestActivateConflictRejection(t *testing.T) {
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	session.Active = append(session.Active, models.ActiveFlow{FlowKey: "emergency", ActivatedAtTurn: 1, Status: "active"})

	flow := &models.FlowDefinition{
		Key:             "smalltalk",
		ConflictsWith:   []string{"emergency"},
		AllowConcurrent: true,
	}
	result := Activate(flow, session, matchedResult(1.0), 2)
	if result.Activated {
		t.Fatal("conflicting flow must not activate")
	}
	if result.Reason != models.ReasonConflict {
		t.Errorf("expected reason %q, got %q", models.ReasonConflict, result.Reason)
	}
}

func TestActivateNoConcurrentRejection(t *testing.T) {
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	session.Active = append(session.Active, models.ActiveFlow{FlowKey: "booking", ActivatedAtTurn: 1, Status: "active"})

	// Any active flow blocks a non-concurrent activation, related or not.
	flow := &models.FlowDefinition{Key: "survey"}
	result := Activate(flow, session, matchedResult(1.0), 2)
	if result.Activated {
		t.Fatal("non-concurrent flow must not activate while any flow is active")
	}
	if result.Reason != models.ReasonNoConcurrent {
		t.Errorf("expected reason %q, got %q", models.ReasonNoConcurrent, result.Reason)
	}
}

func TestMergeNeedsDeduplicates(t *testing.T) {
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	session.Needs = []models.Requirement{
		{Type: models.RequirementCollectSlot, Key: "phone", Required: true},
	}
	flow := &models.FlowDefinition{
		Key: "booking",
		Requirements: []models.Requirement{
			{Type: models.RequirementCollectSlot, Key: "phone", Required: true},
			{Type: models.RequirementCollectSlot, Key: "address", Required: true},
		},
		AllowConcurrent: true,
	}
	Activate(flow, session, matchedResult(1.0), 1)
	if len(session.Needs) != 2 {
		t.Errorf("needs must de-duplicate by (type,key), got %+v", session.Needs)
	}
}

func TestDeactivateRemovesAndRecordsCompletion(t *testing.T) {
	flow := &models.FlowDefinition{
		Key: "booking",
		Requirements: []models.Requirement{
			{Type: models.RequirementCollectSlot, Key: "phone", Required: true},
		},
		AllowConcurrent: true,
	}
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	Activate(flow, session, matchedResult(1.0), 1)

	Deactivate(flow, session, models.ReasonCompleted)
	if session.IsFlowActive("booking") {
		t.Error("flow should leave the active set")
	}
	if !session.IsFlowCompleted("booking") {
		t.Error("flow should be recorded as completed")
	}
	if len(session.Needs) != 0 {
		t.Errorf("flow requirements should be pruned from needs, got %+v", session.Needs)
	}

	// Deactivating again must not duplicate the completion record.
	Deactivate(flow, session, models.ReasonRequested)
	if len(session.Completed) != 1 {
		t.Errorf("completed memory must stay de-duplicated, got %+v", session.Completed)
	}
}
