// Package models defines the core data structures for CallFlow.
//
// It includes flow definitions (triggers, requirements, actions), session
// state, and turn context/decision types shared across modules.
package models

import (
	"errors"
	"fmt"
)

// TriggerType defines how a trigger condition is evaluated against a turn.
type TriggerType string

const (
	// TriggerTypePhrase matches configured phrases against the utterance.
	TriggerTypePhrase TriggerType = "phrase"
	// TriggerTypeKeyword matches configured keywords against the utterance.
	TriggerTypeKeyword TriggerType = "keyword"
	// TriggerTypeRegex matches a regular expression against the utterance.
	TriggerTypeRegex TriggerType = "regex"
	// TriggerTypeSlotValue matches a collected slot against accepted values.
	TriggerTypeSlotValue TriggerType = "slot_value"
	// TriggerTypeSlotMissing matches when every named slot is absent.
	TriggerTypeSlotMissing TriggerType = "slot_missing"
	// TriggerTypeTurnCount matches when the turn number is within bounds.
	TriggerTypeTurnCount TriggerType = "turn_count"
	// TriggerTypeCustomerFlag matches when any named flag is truthy across
	// customer record, customer flags, session signals, or session facts.
	TriggerTypeCustomerFlag TriggerType = "customer_flag"
	// TriggerTypeComposite combines sub-triggers with an operator.
	TriggerTypeComposite TriggerType = "composite"
)

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(tt TriggerType) bool {
	switch tt {
	case TriggerTypePhrase, TriggerTypeKeyword, TriggerTypeRegex, TriggerTypeSlotValue,
		TriggerTypeSlotMissing, TriggerTypeTurnCount, TriggerTypeCustomerFlag, TriggerTypeComposite:
		return true
	default:
		return false
	}
}

// CompositeOperator defines how a composite trigger combines its sub-triggers.
type CompositeOperator string

const (
	// CompositeAnd requires all sub-triggers to match; confidence is the mean.
	CompositeAnd CompositeOperator = "and"
	// CompositeFirstMatch returns the first matching sub-trigger result unmodified.
	CompositeFirstMatch CompositeOperator = "first_match"
)

// Trigger represents one activation condition of a flow. Fields are
// interpreted according to Type; unused fields are left empty.
type Trigger struct {
	Type     TriggerType `json:"type"`
	Priority int         `json:"priority,omitempty"` // higher evaluated first within a flow

	// phrase
	Phrases []string `json:"phrases,omitempty"`
	Exact   bool     `json:"exact,omitempty"` // full-string equality instead of substring containment

	// keyword
	Keywords []string `json:"keywords,omitempty"`
	MatchAll bool     `json:"match_all,omitempty"`

	// regex
	Pattern string `json:"pattern,omitempty"`

	// slot_value
	SlotID         string   `json:"slot_id,omitempty"`
	AcceptedValues []string `json:"accepted_values,omitempty"`

	// slot_missing
	MissingSlots []string `json:"missing_slots,omitempty"`

	// turn_count
	MinTurn int `json:"min_turn,omitempty"`
	MaxTurn int `json:"max_turn,omitempty"`

	// customer_flag
	FlagNames []string `json:"flag_names,omitempty"`

	// composite
	Operator    CompositeOperator `json:"operator,omitempty"`
	SubTriggers []Trigger         `json:"sub_triggers,omitempty"`
}

// TriggerResult is the outcome of evaluating one trigger against a turn.
type TriggerResult struct {
	Matched      bool    `json:"matched"`
	Confidence   float64 `json:"confidence"`
	MatchedValue string  `json:"matched_value,omitempty"` // what matched, for audit
}

// RequirementType defines what kind of session state satisfies a requirement.
type RequirementType string

const (
	RequirementCollectSlot   RequirementType = "collect_slot"
	RequirementCollectCustom RequirementType = "collect_custom"
	RequirementSetFlag       RequirementType = "set_flag"
	RequirementSetFact       RequirementType = "set_fact"
	RequirementAcknowledge   RequirementType = "acknowledge"
	RequirementLookup        RequirementType = "lookup"
)

// Requirement ("need") is a condition that must become true for an activated
// flow to complete. Requirements not marked Required are vacuously met, as
// are requirements of unknown type.
type Requirement struct {
	Type     RequirementType `json:"type"`
	Key      string          `json:"key"` // slot id, flag name, fact key, ack id, or field name
	Required bool            `json:"required"`
}

// ActionPhase defines when in a flow's lifecycle an action runs.
type ActionPhase string

const (
	// PhaseOnActivate runs once when the flow activates.
	PhaseOnActivate ActionPhase = "on_activate"
	// PhaseEachTurn runs every turn the flow is active but not yet complete.
	PhaseEachTurn ActionPhase = "each_turn"
	// PhaseOnComplete runs once when all requirements are satisfied.
	PhaseOnComplete ActionPhase = "on_complete"
)

// ActionType defines the effect an action applies to session state.
type ActionType string

const (
	ActionTransitionMode ActionType = "transition_mode"
	ActionAckOnce        ActionType = "ack_once"
	ActionSetNextSlot    ActionType = "set_next_slot"
	ActionSetFlag        ActionType = "set_flag"
	ActionAppendLedger   ActionType = "append_ledger"
	ActionActivateFlow   ActionType = "activate_flow"
	ActionDeactivateFlow ActionType = "deactivate_flow"
	ActionEndCall        ActionType = "end_call"
	ActionTransfer       ActionType = "transfer"
)

// IsValidActionType checks if the given action type is supported.
func IsValidActionType(at ActionType) bool {
	switch at {
	case ActionTransitionMode, ActionAckOnce, ActionSetNextSlot, ActionSetFlag,
		ActionAppendLedger, ActionActivateFlow, ActionDeactivateFlow, ActionEndCall, ActionTransfer:
		return true
	default:
		return false
	}
}

// Action represents one side effect a flow applies to session state.
// Fields are interpreted according to Type; unused fields are left empty.
type Action struct {
	Type  ActionType  `json:"type"`
	Phase ActionPhase `json:"phase"`

	Mode      ConversationMode `json:"mode,omitempty"`       // transition_mode
	Text      string           `json:"text,omitempty"`       // ack_once
	SlotID    string           `json:"slot_id,omitempty"`    // set_next_slot
	Flag      string           `json:"flag,omitempty"`       // set_flag
	Value     string           `json:"value,omitempty"`      // set_flag (defaults to "true")
	EntryType string           `json:"entry_type,omitempty"` // append_ledger
	EntryKey  string           `json:"entry_key,omitempty"`  // append_ledger
	Note      string           `json:"note,omitempty"`       // append_ledger
	FlowKey   string           `json:"flow_key,omitempty"`   // activate_flow / deactivate_flow
	Target    string           `json:"target,omitempty"`     // transfer
	Reason    string           `json:"reason,omitempty"`     // transfer
}

// DefaultMinConfidence is the activation threshold applied when a flow
// definition does not configure one.
const DefaultMinConfidence = 0.7

// Error variables for flow definition validation.
var (
	ErrEmptyFlowKey         = errors.New("flow key cannot be empty")
	ErrInvalidMinConfidence = errors.New("min confidence must be within [0,1]")
	ErrEmptyRegexPattern    = errors.New("regex trigger requires a pattern")
	ErrEmptyComposite       = errors.New("composite trigger requires sub-triggers")
)

// FlowDefinition is a named bundle of triggers, requirements, and
// phase-tagged actions representing one unit of conversational behavior.
// Definitions are owned by the external store and are read-only to the
// engine; they may be shared across concurrently processed sessions.
type FlowDefinition struct {
	Key          string        `json:"key"`
	Name         string        `json:"name,omitempty"`
	Triggers     []Trigger     `json:"triggers,omitempty"`
	Requirements []Requirement `json:"requirements,omitempty"`
	Actions      []Action      `json:"actions,omitempty"`

	Priority        int      `json:"priority,omitempty"`       // higher evaluated first
	MinConfidence   float64  `json:"min_confidence,omitempty"` // 0 means DefaultMinConfidence
	Reactivatable   bool     `json:"reactivatable,omitempty"`
	ConflictsWith   []string `json:"conflicts_with,omitempty"`
	AllowConcurrent bool     `json:"allow_concurrent,omitempty"`
}

// Validate performs structural validation on a flow definition.
func (f *FlowDefinition) Validate() error {
	if f.Key == "" {
		return ErrEmptyFlowKey
	}
	if f.MinConfidence < 0 || f.MinConfidence > 1 {
		return ErrInvalidMinConfidence
	}
	for i, t := range f.Triggers {
		if err := validateTrigger(t); err != nil {
			return fmt.Errorf("trigger %d: %w", i, err)
		}
	}
	for i, a := range f.Actions {
		if !IsValidActionType(a.Type) {
			return fmt.Errorf("action %d: unknown action type %q", i, a.Type)
		}
	}
	return nil
}

func validateTrigger(t Trigger) error {
	if !IsValidTriggerType(t.Type) {
		return fmt.Errorf("unknown trigger type %q", t.Type)
	}
	switch t.Type {
	case TriggerTypeRegex:
		if t.Pattern == "" {
			return ErrEmptyRegexPattern
		}
	case TriggerTypeComposite:
		if len(t.SubTriggers) == 0 {
			return ErrEmptyComposite
		}
		for i, sub := range t.SubTriggers {
			if err := validateTrigger(sub); err != nil {
				return fmt.Errorf("sub-trigger %d: %w", i, err)
			}
		}
	}
	return nil
}

// EffectiveMinConfidence returns the configured activation threshold,
// falling back to DefaultMinConfidence when unset.
func (f *FlowDefinition) EffectiveMinConfidence() float64 {
	if f.MinConfidence <= 0 {
		return DefaultMinConfidence
	}
	return f.MinConfidence
}

// ActionsForPhase returns the flow's actions tagged with the given phase,
// in definition order.
func (f *FlowDefinition) ActionsForPhase(phase ActionPhase) []Action {
	var actions []Action
	for _, a := range f.Actions {
		if a.Phase == phase {
			actions = append(actions, a)
		}
	}
	return actions
}
