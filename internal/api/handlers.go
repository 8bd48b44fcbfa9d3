// Package api provides HTTP handlers for CallFlow endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/BranchLine/CallFlow/internal/models"
	"github.com/BranchLine/CallFlow/internal/signals"
	"github.com/BranchLine/CallFlow/internal/store"
)

// createSessionRequest is the payload for POST /sessions.
type createSessionRequest struct {
	CompanyKey string `json:"company_key"`
	Trade      string `json:"trade,omitempty"`
	CallerID   string `json:"caller_id,omitempty"`
	CallSID    string `json:"call_sid,omitempty"`
}

// turnRequest is the payload for POST /sessions/{id}/turn.
type turnRequest struct {
	// TurnID, when set, guards against replayed deliveries: a repeated
	// (session, turn id) pair returns the duplicate marker without
	// reprocessing.
	TurnID    string                `json:"turn_id,omitempty"`
	Utterance string                `json:"utterance"`
	Turn      int                   `json:"turn,omitempty"`
	Slots     map[string]string     `json:"slots,omitempty"`
	Customer  models.CustomerRecord `json:"customer,omitempty"`

	// Feedback from the response layer about what it did on the previous
	// turn, folded into session locks before processing.
	Greeted    bool     `json:"greeted,omitempty"`
	AskedSlots []string `json:"asked_slots,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) createFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	companyKey := r.URL.Query().Get("company")
	if companyKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: company"))
		return
	}
	var flow models.FlowDefinition
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		slog.Warn("Server.createFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := flow.Validate(); err != nil {
		slog.Warn("Server.createFlowHandler: validation failed", "error", err, "flow", flow.Key)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.store.SaveFlow(r.Context(), companyKey, flow); err != nil {
		slog.Error("Server.createFlowHandler: failed to save flow", "error", err, "company", companyKey, "flow", flow.Key)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	slog.Info("Server.createFlowHandler: flow saved", "company", companyKey, "flow", flow.Key)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Flow saved", flow))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	companyKey := r.URL.Query().Get("company")
	if companyKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: company"))
		return
	}
	flows, err := s.store.ListFlows(r.Context(), companyKey)
	if err != nil {
		slog.Error("Server.listFlowsHandler: failed to list flows", "error", err, "company", companyKey)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list flows"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flows))
}

func (s *Server) deleteFlowHandler(w http.ResponseWriter, r *http.Request) {
	companyKey := r.URL.Query().Get("company")
	flowKey := r.PathValue("key")
	if companyKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required query parameter: company"))
		return
	}
	if err := s.store.DeleteFlow(r.Context(), companyKey, flowKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
			return
		}
		slog.Error("Server.deleteFlowHandler: failed to delete flow", "error", err, "company", companyKey, "flow", flowKey)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete flow"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow deleted", nil))
}

func (s *Server) createSessionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createSessionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.CompanyKey == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: company_key"))
		return
	}

	session := models.NewSessionState(uuid.NewString(), req.CompanyKey, req.Trade, req.CallerID)
	session.CallSID = req.CallSID
	if err := s.store.SaveSession(r.Context(), session); err != nil {
		slog.Error("Server.createSessionHandler: failed to save session", "error", err, "session", session.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create session"))
		return
	}
	slog.Info("Server.createSessionHandler: session created", "session", session.ID, "company", req.CompanyKey)
	writeJSONResponse(w, http.StatusCreated, models.Success(session))
}

func (s *Server) getSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.getSessionHandler: failed to load session", "error", err, "session", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(session))
}

func (s *Server) getTraceHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.getTraceHandler: failed to load session", "error", err, "session", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(session.Trace))
}

func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	id := r.PathValue("id")
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.turnHandler: failed to decode JSON", "error", err, "session", id)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	lock := s.lockSession(id)
	defer lock.Unlock()

	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		slog.Error("Server.turnHandler: failed to load session", "error", err, "session", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	if session.Status == models.SessionStatusEnded {
		writeJSONResponse(w, http.StatusConflict, models.Error("Session has ended"))
		return
	}

	if req.TurnID != "" {
		fresh, err := s.store.RecordTurn(r.Context(), id, req.TurnID)
		if err != nil {
			slog.Error("Server.turnHandler: turn dedup check failed", "error", err, "session", id)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to record turn"))
			return
		}
		if !fresh {
			slog.Warn("Server.turnHandler: duplicate turn delivery ignored", "session", id, "turn_id", req.TurnID)
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Duplicate turn ignored", nil))
			return
		}
	}

	// Fold response-layer feedback into session locks before processing.
	if req.Greeted {
		session.Locks.Greeted = true
	}
	if len(req.AskedSlots) > 0 && session.Locks.AskedSlots == nil {
		session.Locks.AskedSlots = make(map[string]bool)
	}
	for _, slot := range req.AskedSlots {
		session.Locks.AskedSlots[slot] = true
	}

	turnCtx := models.TurnContext{
		Utterance: req.Utterance,
		Turn:      req.Turn,
		Slots:     req.Slots,
		Customer:  req.Customer,
	}
	s.analyzeUtterance(r.Context(), session, &turnCtx)

	decision, err := s.orchestrator.ProcessTurn(r.Context(), session, turnCtx)
	if err != nil {
		slog.Error("Server.turnHandler: turn processing failed", "error", err, "session", id)
		// The session (including the failed turn's trace) is still saved.
	}

	s.applyCallControl(r.Context(), session, decision)

	if saveErr := s.store.SaveSession(r.Context(), session); saveErr != nil {
		slog.Error("Server.turnHandler: failed to save session", "error", saveErr, "session", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save session"))
		return
	}
	if err != nil {
		response := models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(decision.Error).
			WithResult(decision).
			Build()
		writeJSONResponse(w, http.StatusInternalServerError, response)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(decision))
}

// analyzeUtterance runs the optional NLU analyzer, merging extracted slots
// into the turn context and applying proposed caller signals. Analysis
// failures degrade to an unanalyzed turn, never a failed one.
func (s *Server) analyzeUtterance(ctx context.Context, session *models.SessionState, turnCtx *models.TurnContext) {
	if s.analyzer == nil || turnCtx.Utterance == "" {
		return
	}
	var slotIDs []string
	for _, need := range session.Needs {
		if need.Type == models.RequirementCollectSlot || need.Type == models.RequirementCollectCustom {
			slotIDs = append(slotIDs, need.Key)
		}
	}
	analysis, err := s.analyzer.AnalyzeTurn(ctx, turnCtx.Utterance, slotIDs)
	if err != nil {
		slog.Warn("Server.analyzeUtterance: analysis failed, continuing without it", "error", err, "session", session.ID)
		return
	}
	if len(analysis.Slots) > 0 {
		if turnCtx.Slots == nil {
			turnCtx.Slots = make(map[string]string, len(analysis.Slots))
		}
		for k, v := range analysis.Slots {
			// Slots supplied directly in the request win over inference.
			if _, ok := turnCtx.Slots[k]; !ok {
				turnCtx.Slots[k] = v
			}
		}
	}
	if signals.Update(&session.Signals, analysis.Signals, time.Now()) {
		slog.Debug("Server.analyzeUtterance: caller signals updated", "session", session.ID, "tags", len(session.Signals.Tags))
	}
}

// applyCallControl enacts transfer and end-call decisions on the live
// telephony leg, when one is attached and a controller is configured.
func (s *Server) applyCallControl(ctx context.Context, session *models.SessionState, decision *models.TurnDecision) {
	if s.calls == nil || session.CallSID == "" || decision == nil {
		return
	}
	if decision.Transfer != nil {
		if err := s.calls.TransferCall(ctx, session.CallSID, decision.Transfer.Target); err != nil {
			slog.Error("Server.applyCallControl: transfer failed", "error", err, "session", session.ID, "call_sid", session.CallSID)
		}
		return
	}
	if decision.EndCall {
		if err := s.calls.CompleteCall(ctx, session.CallSID); err != nil {
			slog.Error("Server.applyCallControl: call completion failed", "error", err, "session", session.ID, "call_sid", session.CallSID)
		}
	}
}
