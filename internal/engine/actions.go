// Package engine provides the per-action executor for flow side effects.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BranchLine/CallFlow/internal/models"
)

// ExecuteAction applies a single action's effect to session state and
// reports what changed. It never panics: failures are captured in the
// result's Error field so one bad action cannot abort the turn.
func ExecuteAction(action models.Action, flowKey string, turnCtx models.TurnContext, session *models.SessionState) (result models.ActionResult) {
	result = models.ActionResult{Type: action.Type, FlowKey: flowKey}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("engine.ExecuteAction: recovered from panic", "action", action.Type, "flow", flowKey, "session", session.ID, "panic", r)
			result.Executed = false
			result.Error = fmt.Sprintf("action panicked: %v", r)
		}
	}()

	switch action.Type {
	case models.ActionTransitionMode:
		executeTransitionMode(action, session, &result)
	case models.ActionAckOnce:
		executeAckOnce(action, flowKey, session, &result)
	case models.ActionSetNextSlot:
		// Advisory only: the booking authority owns the slot-asking order.
		session.SlotSuggestions = append(session.SlotSuggestions, models.SlotSuggestion{
			SlotID:          action.SlotID,
			FlowKey:         flowKey,
			SuggestedAtTurn: session.TurnCount,
		})
		result.Executed = true
		result.StateChange = fmt.Sprintf("suggested next slot %q", action.SlotID)
	case models.ActionSetFlag:
		value := action.Value
		if value == "" {
			value = "true"
		}
		// Empty flag and fact maps are dropped when the session document is
		// persisted, so a reloaded session may carry nil maps here.
		if session.Flags == nil {
			session.Flags = make(map[string]string)
		}
		if session.Facts == nil {
			session.Facts = make(map[string]string)
		}
		session.Flags[action.Flag] = value
		session.Facts[action.Flag] = value
		result.Executed = true
		result.StateChange = fmt.Sprintf("flag %q set to %q", action.Flag, value)
	case models.ActionAppendLedger:
		inserted := session.AppendLedger(models.LedgerEntry{
			Type:    action.EntryType,
			Key:     action.EntryKey,
			Note:    action.Note,
			FlowKey: flowKey,
			Time:    time.Now(),
		})
		result.Executed = true
		if inserted {
			result.StateChange = fmt.Sprintf("ledger entry (%s,%s) appended", action.EntryType, action.EntryKey)
		} else {
			result.StateChange = fmt.Sprintf("ledger entry (%s,%s) already present", action.EntryType, action.EntryKey)
		}
	case models.ActionActivateFlow:
		if action.FlowKey != "" && !containsString(session.PendingActivations, action.FlowKey) {
			session.PendingActivations = append(session.PendingActivations, action.FlowKey)
		}
		result.Executed = true
		result.StateChange = fmt.Sprintf("activation of %q requested", action.FlowKey)
	case models.ActionDeactivateFlow:
		if action.FlowKey != "" && !containsString(session.PendingDeactivations, action.FlowKey) {
			session.PendingDeactivations = append(session.PendingDeactivations, action.FlowKey)
		}
		result.Executed = true
		result.StateChange = fmt.Sprintf("deactivation of %q requested", action.FlowKey)
	case models.ActionEndCall:
		session.Mode = models.ModeComplete
		session.Status = models.SessionStatusEnded
		result.Executed = true
		result.StateChange = "call ended"
	case models.ActionTransfer:
		session.Mode = models.ModeTransfer
		session.TransferTarget = action.Target
		session.TransferReason = action.Reason
		result.Executed = true
		result.StateChange = fmt.Sprintf("transfer to %q", action.Target)
	default:
		// Unknown action types are non-fatal: log and ignore.
		slog.Warn("engine.ExecuteAction: unknown action type ignored", "type", action.Type, "flow", flowKey, "session", session.ID)
		result.Executed = false
		result.Error = fmt.Sprintf("unknown action type %q", action.Type)
	}
	return result
}

func executeTransitionMode(action models.Action, session *models.SessionState, result *models.ActionResult) {
	if action.Mode == session.Mode {
		result.Executed = false
		result.StateChange = fmt.Sprintf("already in mode %s", session.Mode)
		return
	}
	// Once booking is locked the mode may not be moved back out of booking.
	if session.Locks.BookingLocked && session.Mode == models.ModeBooking {
		slog.Debug("engine.executeTransitionMode: refused, booking is locked", "session", session.ID, "requested_mode", action.Mode)
		result.Executed = false
		result.Error = "booking locked; mode transition refused"
		return
	}
	previous := session.Mode
	session.Mode = action.Mode
	if action.Mode == models.ModeBooking {
		session.Locks.BookingStarted = true
		session.Locks.BookingLocked = true
	}
	result.Executed = true
	result.StateChange = fmt.Sprintf("mode %s -> %s", previous, action.Mode)
}

// executeAckOnce emits the configured text at most once per flow per
// session. Re-requests after the lock is set produce no text and do not
// re-lock, which makes replayed turns safe.
func executeAckOnce(action models.Action, flowKey string, session *models.SessionState, result *models.ActionResult) {
	if session.Locks.FlowAcked == nil {
		session.Locks.FlowAcked = make(map[string]bool)
	}
	if session.Locks.FlowAcked[flowKey] {
		slog.Debug("engine.executeAckOnce: acknowledgment suppressed, already sent", "flow", flowKey, "session", session.ID)
		result.Executed = false
		result.StateChange = "acknowledgment already sent"
		return
	}
	session.Locks.FlowAcked[flowKey] = true
	result.Executed = true
	result.Response = action.Text
	result.StateChange = fmt.Sprintf("flow %q acknowledged", flowKey)
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
