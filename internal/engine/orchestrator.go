package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/BranchLine/CallFlow/internal/models"
	"github.com/BranchLine/CallFlow/internal/signals"
)

// FlowSource supplies flow definitions for a company and records usage.
type FlowSource interface {
	LoadFlows(ctx context.Context, companyKey string) ([]models.FlowDefinition, error)
	RecordUsage(ctx context.Context, companyKey, flowKey string) error
}

// Orchestrator runs the per-turn decision cycle for call sessions. It is
// stateless between turns: all state lives in the SessionState passed in.
type Orchestrator struct {
	source FlowSource
}

// NewOrchestrator creates an orchestrator backed by the given flow source.
func NewOrchestrator(source FlowSource) *Orchestrator {
	return &Orchestrator{source: source}
}

// ProcessTurn runs one orchestration cycle: resolve queued activation and
// deactivation requests, evaluate triggers for inactive flows, activate
// winners, check requirements of flows that were active when the turn
// began, execute phase actions, derive guardrails, and append a trace
// record. It always returns a decision; a panic during the cycle is
// recovered into the decision's Error field with the partial trace kept.
func (o *Orchestrator) ProcessTurn(ctx context.Context, session *models.SessionState, turnCtx models.TurnContext) (decision *models.TurnDecision, err error) {
	start := time.Now()
	trace := &models.TraceRecord{
		ID:        uuid.NewString(),
		Utterance: turnCtx.Utterance,
		Time:      start,
	}
	decision = &models.TurnDecision{SessionID: session.ID}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator.ProcessTurn: recovered from panic", "session", session.ID, "turn", session.TurnCount, "panic", r)
			decision.Error = fmt.Sprintf("turn processing panicked: %v", r)
			trace.Error = decision.Error
			err = nil
		}
		o.finishTurn(session, trace, decision, start)
	}()

	// Advance the turn counter. A caller-supplied turn number wins so that
	// replayed webhooks keep their original numbering.
	if turnCtx.Turn > 0 {
		session.TurnCount = turnCtx.Turn
	} else {
		session.TurnCount++
		turnCtx.Turn = session.TurnCount
	}
	trace.Turn = session.TurnCount
	decision.Turn = session.TurnCount

	mergeSlots(session, turnCtx.Slots)

	flows, loadErr := o.source.LoadFlows(ctx, session.CompanyKey)
	if loadErr != nil {
		decision.Error = fmt.Sprintf("loading flows: %v", loadErr)
		trace.Error = decision.Error
		return decision, fmt.Errorf("Orchestrator.ProcessTurn: loading flows for company %s: %w", session.CompanyKey, loadErr)
	}
	flowIndex := make(map[string]*models.FlowDefinition, len(flows))
	for i := range flows {
		flowIndex[flows[i].Key] = &flows[i]
	}

	// Flows activated during this turn are not requirement-checked until the
	// next turn; snapshot the active set before any activations happen.
	activeBefore := make([]string, 0, len(session.Active))
	for _, af := range session.Active {
		activeBefore = append(activeBefore, af.FlowKey)
	}

	o.resolvePendingDeactivations(session, flowIndex, trace, decision)
	o.resolvePendingActivations(ctx, session, turnCtx, flowIndex, trace, decision)
	o.evaluateCandidates(ctx, session, turnCtx, flows, trace, decision)
	o.checkActiveFlows(session, turnCtx, activeBefore, flowIndex, trace, decision)

	return decision, nil
}

// resolvePendingDeactivations applies deactivation requests queued by
// actions on earlier turns.
func (o *Orchestrator) resolvePendingDeactivations(session *models.SessionState, flowIndex map[string]*models.FlowDefinition, trace *models.TraceRecord, decision *models.TurnDecision) {
	pending := session.PendingDeactivations
	session.PendingDeactivations = nil
	for _, key := range pending {
		flow, ok := flowIndex[key]
		if !ok {
			slog.Warn("Orchestrator.resolvePendingDeactivations: unknown flow requested", "flow", key, "session", session.ID)
			continue
		}
		if !session.IsFlowActive(key) {
			continue
		}
		Deactivate(flow, session, models.ReasonRequested)
		trace.Deactivated = append(trace.Deactivated, key)
		decision.Deactivated = append(decision.Deactivated, key)
	}
}

// resolvePendingActivations applies activation requests queued by actions
// on earlier turns. Requests bypass trigger evaluation but pass through the
// same lifecycle gates as trigger-driven activations.
func (o *Orchestrator) resolvePendingActivations(ctx context.Context, session *models.SessionState, turnCtx models.TurnContext, flowIndex map[string]*models.FlowDefinition, trace *models.TraceRecord, decision *models.TurnDecision) {
	pending := session.PendingActivations
	session.PendingActivations = nil
	requested := models.TriggerResult{Matched: true, Confidence: 1.0, MatchedValue: models.ReasonRequested}
	for _, key := range pending {
		flow, ok := flowIndex[key]
		if !ok {
			slog.Warn("Orchestrator.resolvePendingActivations: unknown flow requested", "flow", key, "session", session.ID)
			continue
		}
		o.tryActivate(ctx, flow, session, turnCtx, requested, trace, decision)
	}
}

// evaluateCandidates evaluates triggers for every inactive flow in
// descending flow priority order (stable on definition order) and attempts
// activation for each match.
func (o *Orchestrator) evaluateCandidates(ctx context.Context, session *models.SessionState, turnCtx models.TurnContext, flows []models.FlowDefinition, trace *models.TraceRecord, decision *models.TurnDecision) {
	ordered := make([]*models.FlowDefinition, 0, len(flows))
	for i := range flows {
		ordered = append(ordered, &flows[i])
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	for _, flow := range ordered {
		if session.IsFlowActive(flow.Key) {
			continue
		}
		if session.IsFlowCompleted(flow.Key) && !flow.Reactivatable {
			continue
		}
		result, evaluated := EvaluateTriggerSet(flow, turnCtx, session)
		trace.TriggersEvaluated += evaluated
		if !result.Matched {
			continue
		}
		trace.TriggersFired = append(trace.TriggersFired, flow.Key)
		o.tryActivate(ctx, flow, session, turnCtx, result, trace, decision)
	}
}

// tryActivate runs the lifecycle gates for one candidate and, on success,
// executes its on_activate actions and records flow usage.
func (o *Orchestrator) tryActivate(ctx context.Context, flow *models.FlowDefinition, session *models.SessionState, turnCtx models.TurnContext, result models.TriggerResult, trace *models.TraceRecord, decision *models.TurnDecision) {
	activation := Activate(flow, session, result, session.TurnCount)
	if !activation.Activated {
		if activation.Reason != "" {
			rejection := models.ActivationRejection{FlowKey: flow.Key, Reason: activation.Reason}
			trace.Rejected = append(trace.Rejected, rejection)
			decision.Rejected = append(decision.Rejected, rejection)
		}
		return
	}
	trace.Activated = append(trace.Activated, flow.Key)
	decision.Activated = append(decision.Activated, flow.Key)
	o.runActions(activation.OnActivate, flow.Key, turnCtx, session, trace, decision)
	if err := o.source.RecordUsage(ctx, session.CompanyKey, flow.Key); err != nil {
		// Usage counting is best effort; never fail the turn over it.
		slog.Warn("Orchestrator.tryActivate: recording flow usage failed", "flow", flow.Key, "company", session.CompanyKey, "error", err)
	}
}

// checkActiveFlows runs the requirement pass over flows that were active
// when the turn began. Fully satisfied flows run their on_complete actions
// and deactivate; the rest run their each_turn actions.
func (o *Orchestrator) checkActiveFlows(session *models.SessionState, turnCtx models.TurnContext, activeBefore []string, flowIndex map[string]*models.FlowDefinition, trace *models.TraceRecord, decision *models.TurnDecision) {
	for _, key := range activeBefore {
		if !session.IsFlowActive(key) {
			continue
		}
		flow, ok := flowIndex[key]
		if !ok {
			slog.Warn("Orchestrator.checkActiveFlows: active flow no longer defined", "flow", key, "session", session.ID)
			continue
		}
		check := CheckRequirements(flow, session)
		if check.AllMet {
			o.runActions(flow.ActionsForPhase(models.PhaseOnComplete), flow.Key, turnCtx, session, trace, decision)
			Deactivate(flow, session, models.ReasonCompleted)
			trace.Deactivated = append(trace.Deactivated, flow.Key)
			decision.Deactivated = append(decision.Deactivated, flow.Key)
			continue
		}
		o.runActions(flow.ActionsForPhase(models.PhaseEachTurn), flow.Key, turnCtx, session, trace, decision)
	}
}

func (o *Orchestrator) runActions(actions []models.Action, flowKey string, turnCtx models.TurnContext, session *models.SessionState, trace *models.TraceRecord, decision *models.TurnDecision) {
	for _, action := range actions {
		result := ExecuteAction(action, flowKey, turnCtx, session)
		trace.Actions = append(trace.Actions, result)
		decision.Actions = append(decision.Actions, result)
		if result.Executed && result.StateChange != "" {
			trace.StateDelta = append(trace.StateDelta, result.StateChange)
		}
	}
}

// finishTurn derives guardrails, fills in the decision's terminal fields,
// and appends the trace record to the session.
func (o *Orchestrator) finishTurn(session *models.SessionState, trace *models.TraceRecord, decision *models.TurnDecision, start time.Time) {
	decision.Guardrails = DeriveGuardrails(session)
	trace.Guardrails = decision.Guardrails
	decision.SlotSuggestions = session.SlotSuggestions
	decision.PromptGuide = signals.BuildSignalGuide(session.Signals.Tags)
	decision.Mode = session.Mode
	decision.Status = session.Status
	decision.EndCall = session.Status == models.SessionStatusEnded
	if session.Mode == models.ModeTransfer && session.TransferTarget != "" {
		decision.Transfer = &models.TransferRequest{Target: session.TransferTarget, Reason: session.TransferReason}
	}

	trace.LatencyMS = time.Since(start).Milliseconds()
	session.Trace = append(session.Trace, *trace)
	session.UpdatedAt = time.Now()

	slog.Debug("Orchestrator.finishTurn: turn processed",
		"session", session.ID,
		"turn", session.TurnCount,
		"activated", len(decision.Activated),
		"deactivated", len(decision.Deactivated),
		"actions", len(decision.Actions),
		"latency_ms", trace.LatencyMS)
}

// mergeSlots copies this turn's slots into accumulated session slots.
// Empty values do not clear previously collected slots.
func mergeSlots(session *models.SessionState, slots map[string]string) {
	if len(slots) == 0 {
		return
	}
	if session.Slots == nil {
		session.Slots = make(map[string]string, len(slots))
	}
	for k, v := range slots {
		if v != "" {
			session.Slots[k] = v
		}
	}
}
