// Package engine provides the flow activation/deactivation lifecycle.
package engine

import (
	"log/slog"

	"github.com/BranchLine/CallFlow/internal/models"
)

// ActivationResult reports the outcome of one activation attempt.
type ActivationResult struct {
	Activated    bool
	Reason       string // rejection reason code when not activated
	Confidence   float64
	Requirements []models.Requirement
	OnActivate   []models.Action
}

// Activate attempts to activate a flow against session state given an
// already-evaluated trigger result. It enforces the lifecycle gates in
// order: already-active and completed-without-reactivatable flows are
// skipped, the match confidence must reach the flow's threshold, declared
// conflicts with currently active flows reject with reason "conflict", and
// a flow that does not allow concurrency is rejected with reason
// "no_concurrent" whenever any flow is active, regardless of identity.
// On success the flow joins the active set, its requirements merge into the
// session needs, and its on_activate actions are returned for execution.
func Activate(flow *models.FlowDefinition, session *models.SessionState, result models.TriggerResult, turn int) ActivationResult {
	if session.IsFlowActive(flow.Key) {
		slog.Debug("engine.Activate: flow already active, skipping", "flow", flow.Key, "session", session.ID)
		return ActivationResult{}
	}
	if session.IsFlowCompleted(flow.Key) && !flow.Reactivatable {
		slog.Debug("engine.Activate: flow completed and not reactivatable, skipping", "flow", flow.Key, "session", session.ID)
		return ActivationResult{}
	}
	if !result.Matched || result.Confidence < flow.EffectiveMinConfidence() {
		return ActivationResult{}
	}
	for _, conflicting := range flow.ConflictsWith {
		if session.IsFlowActive(conflicting) {
			slog.Debug("engine.Activate: rejected due to conflict", "flow", flow.Key, "conflicts_with", conflicting, "session", session.ID)
			return ActivationResult{Reason: models.ReasonConflict}
		}
	}
	if !flow.AllowConcurrent && len(session.Active) > 0 {
		// Global gate: any active flow blocks a non-concurrent activation.
		slog.Debug("engine.Activate: rejected, concurrency not allowed", "flow", flow.Key, "active_count", len(session.Active), "session", session.ID)
		return ActivationResult{Reason: models.ReasonNoConcurrent}
	}

	session.Active = append(session.Active, models.ActiveFlow{
		FlowKey:         flow.Key,
		ActivatedAtTurn: turn,
		Status:          "active",
	})
	mergeNeeds(session, flow.Requirements)

	slog.Info("engine.Activate: flow activated", "flow", flow.Key, "session", session.ID, "turn", turn, "confidence", result.Confidence)
	return ActivationResult{
		Activated:    true,
		Confidence:   result.Confidence,
		Requirements: flow.Requirements,
		OnActivate:   flow.ActionsForPhase(models.PhaseOnActivate),
	}
}

// mergeNeeds merges requirements into the session's pending needs,
// de-duplicated by (type, key).
func mergeNeeds(session *models.SessionState, requirements []models.Requirement) {
	for _, req := range requirements {
		duplicate := false
		for _, existing := range session.Needs {
			if existing.Type == req.Type && existing.Key == req.Key {
				duplicate = true
				break
			}
		}
		if !duplicate {
			session.Needs = append(session.Needs, req)
		}
	}
}

// Deactivate removes a flow from the active set, records it in completed
// flow memory (idempotently), drops its declared requirements from the
// pending needs, and logs the reason.
func Deactivate(flow *models.FlowDefinition, session *models.SessionState, reason string) {
	removed := false
	remaining := session.Active[:0]
	for _, af := range session.Active {
		if af.FlowKey == flow.Key {
			removed = true
			continue
		}
		remaining = append(remaining, af)
	}
	session.Active = remaining
	if !removed {
		slog.Debug("engine.Deactivate: flow was not active", "flow", flow.Key, "session", session.ID, "reason", reason)
	}
	if !session.IsFlowCompleted(flow.Key) {
		session.Completed = append(session.Completed, flow.Key)
	}
	pruneNeeds(session, flow.Requirements)
	slog.Info("engine.Deactivate: flow deactivated", "flow", flow.Key, "session", session.ID, "reason", reason)
}

// pruneNeeds removes the given requirements from the session needs.
func pruneNeeds(session *models.SessionState, requirements []models.Requirement) {
	if len(requirements) == 0 {
		return
	}
	dropped := make(map[string]bool, len(requirements))
	for _, req := range requirements {
		dropped[string(req.Type)+"\x00"+req.Key] = true
	}
	remaining := session.Needs[:0]
	for _, need := range session.Needs {
		if !dropped[string(need.Type)+"\x00"+need.Key] {
			remaining = append(remaining, need)
		}
	}
	session.Needs = remaining
}
