// Package models defines turn input and decision structures for CallFlow.
package models

// CustomerRecord is the upstream view of the caller, supplied per turn.
// Attributes carry CRM fields; Flags carry boolean markers (e.g. vip,
// returning) consulted by customer_flag triggers before session state.
type CustomerRecord struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Flags      map[string]bool   `json:"flags,omitempty"`
}

// CompanyConfig identifies the company/trade context a session runs under.
type CompanyConfig struct {
	Key      string            `json:"key"`
	Name     string            `json:"name,omitempty"`
	Trade    string            `json:"trade,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// TurnContext is the per-turn input assembled by the upstream NLU and
// slot-filling layer: the caller utterance, slots collected this turn,
// the customer record, company configuration, and the turn number.
type TurnContext struct {
	Utterance string            `json:"utterance"`
	Turn      int               `json:"turn"`
	Slots     map[string]string `json:"slots,omitempty"`
	Customer  CustomerRecord    `json:"customer,omitempty"`
	Company   CompanyConfig     `json:"company,omitempty"`
}

// TransferRequest records a transfer decided during a turn.
type TransferRequest struct {
	Target string `json:"target"`
	Reason string `json:"reason,omitempty"`
}

// TurnDecision is the structured outcome of one orchestrated turn. It is
// consumed by the downstream response-generation and booking layers, which
// retain sole authority over phrasing and slot-asking order.
type TurnDecision struct {
	SessionID string `json:"session_id"`
	Turn      int    `json:"turn"`

	Activated   []string              `json:"activated,omitempty"`
	Rejected    []ActivationRejection `json:"rejected,omitempty"`
	Deactivated []string              `json:"deactivated,omitempty"`
	Actions     []ActionResult        `json:"actions,omitempty"`
	Guardrails  []string              `json:"guardrails,omitempty"`

	// Advisory only; the booking authority may ignore these.
	SlotSuggestions []SlotSuggestion `json:"slot_suggestions,omitempty"`

	Mode     ConversationMode `json:"mode"`
	Status   SessionStatus    `json:"status"`
	EndCall  bool             `json:"end_call,omitempty"`
	Transfer *TransferRequest `json:"transfer,omitempty"`

	// PromptGuide is a ready-to-inject instruction snippet for the response
	// generator, derived from the caller's active signal tags. Empty when no
	// tags are active.
	PromptGuide string `json:"prompt_guide,omitempty"`

	// Error carries a turn-level failure. The turn still returns a decision
	// with whatever partial trace was assembled; it is never re-thrown.
	Error string `json:"error,omitempty"`
}
