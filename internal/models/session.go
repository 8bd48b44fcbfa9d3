// Package models defines session state structures for CallFlow.
package models

import "time"

// ConversationMode is the agent's current conversational mode.
type ConversationMode string

const (
	// ModeDiscovery is the initial mode where the agent learns the caller's need.
	ModeDiscovery ConversationMode = "DISCOVERY"
	// ModeBooking is the appointment booking mode. Once locks.bookingLocked is
	// set, the engine never moves the mode back out of booking.
	ModeBooking ConversationMode = "BOOKING"
	// ModeTransfer indicates the call is being handed to a human.
	ModeTransfer ConversationMode = "TRANSFER"
	// ModeComplete indicates the call has ended.
	ModeComplete ConversationMode = "COMPLETE"
)

// SessionStatus is the lifecycle status of a call session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
)

// Deactivation and rejection reason codes.
const (
	ReasonCompleted    = "completed"
	ReasonConflict     = "conflict"
	ReasonNoConcurrent = "no_concurrent"
	ReasonRequested    = "requested"
)

// ActiveFlow records one currently active flow within a session.
// Invariant: a flow key appears at most once in SessionState.Active.
type ActiveFlow struct {
	FlowKey         string `json:"flow_key"`
	ActivatedAtTurn int    `json:"activated_at_turn"`
	Status          string `json:"status"`
}

// LedgerEntry is one record in the session's append-only event ledger.
// No two entries may share the same (Type, Key, FlowKey) tuple.
type LedgerEntry struct {
	Type    string    `json:"type"`
	Key     string    `json:"key"`
	Note    string    `json:"note,omitempty"`
	FlowKey string    `json:"flow_key,omitempty"`
	Time    time.Time `json:"time"`
}

// SessionLocks holds flags that prevent repeated agent behavior.
type SessionLocks struct {
	FlowAcked      map[string]bool `json:"flow_acked,omitempty"` // flowKey -> acknowledged once
	Greeted        bool            `json:"greeted,omitempty"`
	BookingStarted bool            `json:"booking_started,omitempty"`
	BookingLocked  bool            `json:"booking_locked,omitempty"` // irreversible
	AskedSlots     map[string]bool `json:"asked_slots,omitempty"`    // slotID -> already asked
}

// SlotSuggestion is an advisory hint about which slot to ask for next.
// The booking authority consults the suggestion queue but is free to
// ignore it; the engine never consumes it.
type SlotSuggestion struct {
	SlotID          string `json:"slot_id"`
	FlowKey         string `json:"flow_key,omitempty"`
	SuggestedAtTurn int    `json:"suggested_at_turn"`
}

// CallerSignals holds smoothed behavioral signal scores for the caller
// (e.g. frustration, urgency) and the currently active signal tags derived
// from them. Tags are one of the sources consulted by customer_flag triggers.
type CallerSignals struct {
	Tags          map[string]bool    `json:"tags,omitempty"`
	Scores        map[string]float64 `json:"scores,omitempty"`
	LastUpdatedAt time.Time          `json:"last_updated_at,omitempty"`
}

// ActivationRejection records a flow that matched but was not activated.
type ActivationRejection struct {
	FlowKey string `json:"flow_key"`
	Reason  string `json:"reason"`
}

// ActionResult reports the effect of executing one action. Failures are
// captured per action so one bad action cannot abort the turn.
type ActionResult struct {
	Type        ActionType `json:"type"`
	FlowKey     string     `json:"flow_key,omitempty"`
	Executed    bool       `json:"executed"`
	Response    string     `json:"response,omitempty"`     // e.g. text emitted by ack_once
	StateChange string     `json:"state_change,omitempty"` // human-readable delta summary
	Error       string     `json:"error,omitempty"`
}

// TraceRecord is the per-turn diagnostic record appended to the session.
// It exists for audit and observability, never for decision logic.
type TraceRecord struct {
	ID                string                `json:"id"`
	Turn              int                   `json:"turn"`
	Utterance         string                `json:"utterance,omitempty"`
	TriggersEvaluated int                   `json:"triggers_evaluated"`
	TriggersFired     []string              `json:"triggers_fired,omitempty"`
	Activated         []string              `json:"activated,omitempty"`
	Rejected          []ActivationRejection `json:"rejected,omitempty"`
	Deactivated       []string              `json:"deactivated,omitempty"`
	Actions           []ActionResult        `json:"actions,omitempty"`
	Guardrails        []string              `json:"guardrails,omitempty"`
	StateDelta        []string              `json:"state_delta,omitempty"`
	Error             string                `json:"error,omitempty"`
	LatencyMS         int64                 `json:"latency_ms"`
	Time              time.Time             `json:"time"`
}

// SessionState is the per-call state object owned exclusively by the turn
// orchestrator processing that call. It is created once per call, mutated
// turn by turn, and never shared across sessions.
type SessionState struct {
	ID         string `json:"id"`
	CompanyKey string `json:"company_key"`
	Trade      string `json:"trade,omitempty"`
	CallerID   string `json:"caller_id,omitempty"`
	CallSID    string `json:"call_sid,omitempty"` // telephony leg identifier, if any

	Mode      ConversationMode `json:"mode"`
	Status    SessionStatus    `json:"status"`
	TurnCount int              `json:"turn_count"`

	Active          []ActiveFlow      `json:"active,omitempty"`
	Completed       []string          `json:"completed,omitempty"`
	Needs           []Requirement     `json:"needs,omitempty"`
	Slots           map[string]string `json:"slots,omitempty"`
	Facts           map[string]string `json:"facts,omitempty"`
	Flags           map[string]string `json:"flags,omitempty"`
	Acknowledgments []string          `json:"acknowledgments,omitempty"`
	Ledger          []LedgerEntry     `json:"ledger,omitempty"`
	Locks           SessionLocks      `json:"locks"`
	Signals         CallerSignals     `json:"signals"`
	SlotSuggestions []SlotSuggestion  `json:"slot_suggestions,omitempty"`

	// Cross-turn activation/deactivation requests queued by actions and
	// resolved at the start of the next turn.
	PendingActivations   []string `json:"pending_activations,omitempty"`
	PendingDeactivations []string `json:"pending_deactivations,omitempty"`

	TransferTarget string `json:"transfer_target,omitempty"`
	TransferReason string `json:"transfer_reason,omitempty"`

	Trace []TraceRecord `json:"trace,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSessionState creates an initialized session for one call.
func NewSessionState(id, companyKey, trade, callerID string) *SessionState {
	now := time.Now()
	return &SessionState{
		ID:         id,
		CompanyKey: companyKey,
		Trade:      trade,
		CallerID:   callerID,
		Mode:       ModeDiscovery,
		Status:     SessionStatusActive,
		Slots:      make(map[string]string),
		Facts:      make(map[string]string),
		Flags:      make(map[string]string),
		Locks: SessionLocks{
			FlowAcked:  make(map[string]bool),
			AskedSlots: make(map[string]bool),
		},
		Signals: CallerSignals{
			Tags:   make(map[string]bool),
			Scores: make(map[string]float64),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsFlowActive reports whether the given flow key is in the active set.
func (s *SessionState) IsFlowActive(flowKey string) bool {
	for _, af := range s.Active {
		if af.FlowKey == flowKey {
			return true
		}
	}
	return false
}

// IsFlowCompleted reports whether the given flow key has completed before.
func (s *SessionState) IsFlowCompleted(flowKey string) bool {
	for _, key := range s.Completed {
		if key == flowKey {
			return true
		}
	}
	return false
}

// AppendLedger inserts a ledger entry unless an entry with the same
// (Type, Key, FlowKey) tuple already exists. Returns true if inserted.
func (s *SessionState) AppendLedger(entry LedgerEntry) bool {
	for _, existing := range s.Ledger {
		if existing.Type == entry.Type && existing.Key == entry.Key && existing.FlowKey == entry.FlowKey {
			return false
		}
	}
	s.Ledger = append(s.Ledger, entry)
	return true
}

// HasAcknowledgment reports whether the named acknowledgment id is present.
func (s *SessionState) HasAcknowledgment(ackID string) bool {
	for _, id := range s.Acknowledgments {
		if id == ackID {
			return true
		}
	}
	return false
}

// AddAcknowledgment records an acknowledgment id once.
func (s *SessionState) AddAcknowledgment(ackID string) {
	if !s.HasAcknowledgment(ackID) {
		s.Acknowledgments = append(s.Acknowledgments, ackID)
	}
}
