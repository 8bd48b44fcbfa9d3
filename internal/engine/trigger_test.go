package engine

import (
	"testing"

	"github.com/BranchLine/CallFlow/internal/models"
)

func TestEvaluatePhraseFuzzyMatch(t *testing.T) {
	trigger := models.Trigger{
		Type:    models.TriggerTypePhrase,
		Phrases: []string{"water heater"},
	}
	turnCtx := models.TurnContext{Utterance: "my WATER heater is leaking everywhere"}
	session := models.NewSessionState("s1", "acme", "plumbing", "+15550001111")

	result := EvaluateTrigger(trigger, turnCtx, session)
	if !result.Matched {
		t.Fatal("expected fuzzy phrase match")
	}
	if result.Confidence != 0.8 {
		t.Errorf("expected confidence 0.8 for fuzzy phrase match, got %v", result.Confidence)
	}
	if result.MatchedValue != "water heater" {
		t.Errorf("expected matched value 'water heater', got %q", result.MatchedValue)
	}
}

func TestEvaluatePhraseExact(t *testing.T) {
	trigger := models.Trigger{
		Type:    models.TriggerTypePhrase,
		Phrases: []string{"yes"},
		Exact:   true,
	}
	session := models.NewSessionState("s1", "acme", "plumbing", "")

	result := EvaluateTrigger(trigger, models.TurnContext{Utterance: "  Yes "}, session)
	if !result.Matched || result.Confidence != 1.0 {
		t.Errorf("expected exact match with confidence 1.0, got %+v", result)
	}

	result = EvaluateTrigger(trigger, models.TurnContext{Utterance: "yes please"}, session)
	if result.Matched {
		t.Error("exact phrase should not match a longer utterance")
	}
}

func TestEvaluateKeyword(t *testing.T) {
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	tests := []struct {
		name       string
		trigger    models.Trigger
		utterance  string
		matched    bool
		confidence float64
	}{
		{
			name:       "any keyword matches",
			trigger:    models.Trigger{Type: models.TriggerTypeKeyword, Keywords: []string{"leak", "flood"}},
			utterance:  "there is a leak under the sink",
			matched:    true,
			confidence: 0.7,
		},
		{
			name:       "all keywords match",
			trigger:    models.Trigger{Type: models.TriggerTypeKeyword, Keywords: []string{"leak", "sink"}, MatchAll: true},
			utterance:  "the sink has a leak",
			matched:    true,
			confidence: 0.9,
		},
		{
			name:      "match all fails on partial",
			trigger:   models.Trigger{Type: models.TriggerTypeKeyword, Keywords: []string{"leak", "flood"}, MatchAll: true},
			utterance: "there is a leak",
			matched:   false,
		},
		{
			name:      "no keyword matches",
			trigger:   models.Trigger{Type: models.TriggerTypeKeyword, Keywords: []string{"furnace"}},
			utterance: "my toilet is clogged",
			matched:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := EvaluateTrigger(tt.trigger, models.TurnContext{Utterance: tt.utterance}, session)
			if result.Matched != tt.matched {
				t.Fatalf("matched = %v, want %v", result.Matched, tt.matched)
			}
			if tt.matched && result.Confidence != tt.confidence {
				t.Errorf("confidence = %v, want %v", result.Confidence, tt.confidence)
			}
		})
	}
}

func TestEvaluateRegexInvalidPatternNeverMatches(t *testing.T) {
	trigger := models.Trigger{Type: models.TriggerTypeRegex, Pattern: "([unclosed"}
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	result := EvaluateTrigger(trigger, models.TurnContext{Utterance: "anything at all"}, session)
	if result.Matched {
		t.Error("invalid regex pattern must never match")
	}
}

func TestEvaluateRegexMatch(t *testing.T) {
	trigger := models.Trigger{Type: models.TriggerTypeRegex, Pattern: `\b\d{5}\b`}
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	result := EvaluateTrigger(trigger, models.TurnContext{Utterance: "my zip is 94110 thanks"}, session)
	if !result.Matched {
		t.Fatal("expected regex match")
	}
	if result.Confidence != 0.85 {
		t.Errorf("expected confidence 0.85, got %v", result.Confidence)
	}
	if result.MatchedValue != "94110" {
		t.Errorf("expected matched value '94110', got %q", result.MatchedValue)
	}
}

func TestEvaluateRegexZeroLengthMatch(t *testing.T) {
	// A pattern like `z*` legally matches the empty string at position 0.
	trigger := models.Trigger{Type: models.TriggerTypeRegex, Pattern: `z*`}
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	result := EvaluateTrigger(trigger, models.TurnContext{Utterance: "hello there"}, session)
	if !result.Matched {
		t.Fatal("zero-length regex match must count as a match")
	}
	if result.MatchedValue != "" {
		t.Errorf("expected empty matched value, got %q", result.MatchedValue)
	}
}

func TestEvaluateSlotValueUsesTurnSlotsOverSessionSlots(t *testing.T) {
	trigger := models.Trigger{
		Type:           models.TriggerTypeSlotValue,
		SlotID:         "service_type",
		AcceptedValues: []string{"repair"},
	}
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	session.Slots["service_type"] = "installation"

	turnCtx := models.TurnContext{Slots: map[string]string{"service_type": "Repair visit"}}
	result := EvaluateTrigger(trigger, turnCtx, session)
	if !result.Matched {
		t.Fatal("expected slot value match using this turn's slot value")
	}
	if result.Confidence != 0.9 {
		t.Errorf("expected confidence 0.9, got %v", result.Confidence)
	}
}

func TestEvaluateSlotMissing(t *testing.T) {
	trigger := models.Trigger{
		Type:         models.TriggerTypeSlotMissing,
		MissingSlots: []string{"phone", "address"},
	}
	session := models.NewSessionState("s1", "acme", "plumbing", "")

	if result := EvaluateTrigger(trigger, models.TurnContext{}, session); !result.Matched {
		t.Error("expected match when all named slots are absent")
	}

	session.Slots["phone"] = "+15550001111"
	if result := EvaluateTrigger(trigger, models.TurnContext{}, session); result.Matched {
		t.Error("partial absence must not match")
	}

	empty := models.Trigger{Type: models.TriggerTypeSlotMissing}
	if result := EvaluateTrigger(empty, models.TurnContext{}, session); result.Matched {
		t.Error("slot_missing with no slot list must not match")
	}
}

func TestEvaluateTurnCount(t *testing.T) {
	trigger := models.Trigger{Type: models.TriggerTypeTurnCount, MinTurn: 3, MaxTurn: 5}
	session := models.NewSessionState("s1", "acme", "plumbing", "")

	for turn, want := range map[int]bool{2: false, 3: true, 5: true, 6: false} {
		result := EvaluateTrigger(trigger, models.TurnContext{Turn: turn}, session)
		if result.Matched != want {
			t.Errorf("turn %d: matched = %v, want %v", turn, result.Matched, want)
		}
	}

	openEnded := models.Trigger{Type: models.TriggerTypeTurnCount, MinTurn: 4}
	if result := EvaluateTrigger(openEnded, models.TurnContext{Turn: 100}, session); !result.Matched {
		t.Error("zero MaxTurn must mean no upper bound")
	}
}

func TestEvaluateCustomerFlag(t *testing.T) {
	trigger := models.Trigger{Type: models.TriggerTypeCustomerFlag, FlagNames: []string{"vip"}}
	session := models.NewSessionState("s1", "acme", "plumbing", "")

	if result := EvaluateTrigger(trigger, models.TurnContext{}, session); result.Matched {
		t.Error("expected no match when flag is absent everywhere")
	}

	turnCtx := models.TurnContext{Customer: models.CustomerRecord{Flags: map[string]bool{"vip": true}}}
	if result := EvaluateTrigger(trigger, turnCtx, session); !result.Matched {
		t.Error("expected match from customer record flag")
	}

	signals := models.Trigger{Type: models.TriggerTypeCustomerFlag, FlagNames: []string{"frustrated"}}
	session.Signals.Tags["frustrated"] = true
	if result := EvaluateTrigger(signals, models.TurnContext{}, session); !result.Matched {
		t.Error("expected match from session signal tag")
	}

	falsy := models.Trigger{Type: models.TriggerTypeCustomerFlag, FlagNames: []string{"callback"}}
	session.Facts["callback"] = "no"
	if result := EvaluateTrigger(falsy, models.TurnContext{}, session); result.Matched {
		t.Error("falsy fact value must not count as a set flag")
	}
}

func TestEvaluateCompositeAnd(t *testing.T) {
	trigger := models.Trigger{
		Type:     models.TriggerTypeComposite,
		Operator: models.CompositeAnd,
		SubTriggers: []models.Trigger{
			{Type: models.TriggerTypeKeyword, Keywords: []string{"emergency"}},
			{Type: models.TriggerTypeTurnCount, MinTurn: 1},
		},
	}
	session := models.NewSessionState("s1", "acme", "plumbing", "")

	result := EvaluateTrigger(trigger, models.TurnContext{Utterance: "this is an emergency", Turn: 2}, session)
	if !result.Matched {
		t.Fatal("expected composite AND match")
	}
	want := (0.7 + 1.0) / 2
	if result.Confidence != want {
		t.Errorf("composite AND confidence = %v, want mean %v", result.Confidence, want)
	}

	result = EvaluateTrigger(trigger, models.TurnContext{Utterance: "no rush", Turn: 2}, session)
	if result.Matched {
		t.Error("composite AND must fail when any sub-trigger fails")
	}
}

func TestEvaluateCompositeFirstMatch(t *testing.T) {
	trigger := models.Trigger{
		Type:     models.TriggerTypeComposite,
		Operator: models.CompositeFirstMatch,
		SubTriggers: []models.Trigger{
			{Type: models.TriggerTypeKeyword, Keywords: []string{"furnace"}},
			{Type: models.TriggerTypePhrase, Phrases: []string{"no heat"}},
		},
	}
	session := models.NewSessionState("s1", "acme", "hvac", "")

	result := EvaluateTrigger(trigger, models.TurnContext{Utterance: "we have no heat upstairs"}, session)
	if !result.Matched {
		t.Fatal("expected first_match composite to match via second sub-trigger")
	}
	if result.Confidence != 0.8 {
		t.Errorf("first_match must return the sub-result unmodified, got confidence %v", result.Confidence)
	}
}

func TestEvaluateTriggerSetPriorityOrder(t *testing.T) {
	flow := &models.FlowDefinition{
		Key: "emergency",
		Triggers: []models.Trigger{
			{Type: models.TriggerTypeKeyword, Keywords: []string{"burst"}, Priority: 1},
			{Type: models.TriggerTypePhrase, Phrases: []string{"burst pipe"}, Priority: 10},
		},
	}
	session := models.NewSessionState("s1", "acme", "plumbing", "")

	result, evaluated := EvaluateTriggerSet(flow, models.TurnContext{Utterance: "a burst pipe in the basement"}, session)
	if !result.Matched {
		t.Fatal("expected a trigger to fire")
	}
	// The higher priority phrase trigger must be tried (and win) first.
	if result.Confidence != 0.8 {
		t.Errorf("expected the priority-10 phrase trigger to win with 0.8, got %v", result.Confidence)
	}
	if evaluated != 1 {
		t.Errorf("expected evaluation to stop after first match, evaluated %d", evaluated)
	}
}

func TestEvaluateTriggerUnknownType(t *testing.T) {
	trigger := models.Trigger{Type: "telepathy"}
	session := models.NewSessionState("s1", "acme", "plumbing", "")
	if result := EvaluateTrigger(trigger, models.TurnContext{Utterance: "hi"}, session); result.Matched {
		t.Error("unknown trigger type must never match")
	}
}
