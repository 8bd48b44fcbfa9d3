// Package engine implements the flow orchestration core for CallFlow:
// trigger evaluation, flow activation lifecycle, requirement tracking,
// action execution, guardrail derivation, and the per-turn orchestrator.
package engine

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/BranchLine/CallFlow/internal/models"
)

// Confidence levels assigned per trigger type.
const (
	confidencePhraseFuzzy = 0.8
	confidencePhraseExact = 1.0
	confidenceKeywordAll  = 0.9
	confidenceKeywordAny  = 0.7
	confidenceRegex       = 0.85
	confidenceSlotValue   = 0.9
	confidenceExact       = 1.0
)

// noMatch is the zero result returned when a trigger does not match.
var noMatch = models.TriggerResult{}

// EvaluateTrigger evaluates one trigger against the current turn. It is
// deterministic, has no side effects, and never panics on malformed input:
// invalid definitions (e.g. a bad regex pattern) are logged and treated as
// non-matching rather than failing the turn.
func EvaluateTrigger(t models.Trigger, turnCtx models.TurnContext, session *models.SessionState) models.TriggerResult {
	switch t.Type {
	case models.TriggerTypePhrase:
		return evaluatePhrase(t, turnCtx.Utterance)
	case models.TriggerTypeKeyword:
		return evaluateKeyword(t, turnCtx.Utterance)
	case models.TriggerTypeRegex:
		return evaluateRegex(t, turnCtx.Utterance)
	case models.TriggerTypeSlotValue:
		return evaluateSlotValue(t, effectiveSlots(turnCtx, session))
	case models.TriggerTypeSlotMissing:
		return evaluateSlotMissing(t, effectiveSlots(turnCtx, session))
	case models.TriggerTypeTurnCount:
		return evaluateTurnCount(t, turnCtx.Turn)
	case models.TriggerTypeCustomerFlag:
		return evaluateCustomerFlag(t, turnCtx, session)
	case models.TriggerTypeComposite:
		return evaluateComposite(t, turnCtx, session)
	default:
		slog.Warn("engine.EvaluateTrigger: unknown trigger type, treating as non-matching", "type", t.Type)
		return noMatch
	}
}

// effectiveSlots overlays this turn's collected slots onto the session's
// accumulated slots so slot triggers see the freshest values.
func effectiveSlots(turnCtx models.TurnContext, session *models.SessionState) map[string]string {
	merged := make(map[string]string, len(session.Slots)+len(turnCtx.Slots))
	for k, v := range session.Slots {
		merged[k] = v
	}
	for k, v := range turnCtx.Slots {
		merged[k] = v
	}
	return merged
}

func evaluatePhrase(t models.Trigger, utterance string) models.TriggerResult {
	lowered := strings.ToLower(utterance)
	for _, phrase := range t.Phrases {
		p := strings.ToLower(phrase)
		if p == "" {
			continue
		}
		if t.Exact {
			if strings.TrimSpace(lowered) == p {
				return models.TriggerResult{Matched: true, Confidence: confidencePhraseExact, MatchedValue: phrase}
			}
		} else if strings.Contains(lowered, p) {
			return models.TriggerResult{Matched: true, Confidence: confidencePhraseFuzzy, MatchedValue: phrase}
		}
	}
	return noMatch
}

func evaluateKeyword(t models.Trigger, utterance string) models.TriggerResult {
	lowered := strings.ToLower(utterance)
	var matched []string
	for _, kw := range t.Keywords {
		k := strings.ToLower(kw)
		if k != "" && strings.Contains(lowered, k) {
			matched = append(matched, kw)
		}
	}
	if len(matched) == 0 {
		return noMatch
	}
	if t.MatchAll {
		if len(matched) != len(t.Keywords) {
			return noMatch
		}
		return models.TriggerResult{Matched: true, Confidence: confidenceKeywordAll, MatchedValue: strings.Join(matched, ",")}
	}
	return models.TriggerResult{Matched: true, Confidence: confidenceKeywordAny, MatchedValue: strings.Join(matched, ",")}
}

func evaluateRegex(t models.Trigger, utterance string) models.TriggerResult {
	re, err := regexp.Compile(t.Pattern)
	if err != nil {
		slog.Warn("engine.evaluateRegex: invalid pattern, treating as non-matching", "pattern", t.Pattern, "error", err)
		return noMatch
	}
	// FindStringIndex distinguishes no match from a legal zero-length match.
	if loc := re.FindStringIndex(utterance); loc != nil {
		return models.TriggerResult{Matched: true, Confidence: confidenceRegex, MatchedValue: utterance[loc[0]:loc[1]]}
	}
	return noMatch
}

func evaluateSlotValue(t models.Trigger, slots map[string]string) models.TriggerResult {
	current, ok := slots[t.SlotID]
	if !ok || current == "" {
		return noMatch
	}
	lowered := strings.ToLower(current)
	for _, accepted := range t.AcceptedValues {
		if accepted != "" && strings.Contains(lowered, strings.ToLower(accepted)) {
			return models.TriggerResult{Matched: true, Confidence: confidenceSlotValue, MatchedValue: current}
		}
	}
	return noMatch
}

func evaluateSlotMissing(t models.Trigger, slots map[string]string) models.TriggerResult {
	// Partial absence does not match: every named slot must be absent.
	for _, slotID := range t.MissingSlots {
		if v, ok := slots[slotID]; ok && v != "" {
			return noMatch
		}
	}
	if len(t.MissingSlots) == 0 {
		return noMatch
	}
	return models.TriggerResult{Matched: true, Confidence: confidenceExact, MatchedValue: strings.Join(t.MissingSlots, ",")}
}

func evaluateTurnCount(t models.Trigger, turn int) models.TriggerResult {
	if turn < t.MinTurn {
		return noMatch
	}
	if t.MaxTurn > 0 && turn > t.MaxTurn {
		return noMatch
	}
	return models.TriggerResult{Matched: true, Confidence: confidenceExact, MatchedValue: fmt.Sprintf("turn %d", turn)}
}

// evaluateCustomerFlag checks each named flag across the customer record
// attributes, customer flags, session signal tags, and session facts, in
// that order; the first truthy hit wins.
func evaluateCustomerFlag(t models.Trigger, turnCtx models.TurnContext, session *models.SessionState) models.TriggerResult {
	for _, name := range t.FlagNames {
		if isTruthy(turnCtx.Customer.Attributes[name]) {
			return models.TriggerResult{Matched: true, Confidence: confidenceExact, MatchedValue: name}
		}
		if turnCtx.Customer.Flags[name] {
			return models.TriggerResult{Matched: true, Confidence: confidenceExact, MatchedValue: name}
		}
		if session != nil && session.Signals.Tags[name] {
			return models.TriggerResult{Matched: true, Confidence: confidenceExact, MatchedValue: name}
		}
		if session != nil && isTruthy(session.Facts[name]) {
			return models.TriggerResult{Matched: true, Confidence: confidenceExact, MatchedValue: name}
		}
	}
	return noMatch
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "0", "no", "off":
		return false
	default:
		return true
	}
}

func evaluateComposite(t models.Trigger, turnCtx models.TurnContext, session *models.SessionState) models.TriggerResult {
	if len(t.SubTriggers) == 0 {
		return noMatch
	}
	if t.Operator == models.CompositeFirstMatch {
		// OR: the first matching sub-trigger result is returned unmodified.
		for _, sub := range t.SubTriggers {
			if res := EvaluateTrigger(sub, turnCtx, session); res.Matched {
				return res
			}
		}
		return noMatch
	}
	// AND (default): all sub-triggers must match; confidence is the mean.
	var sum float64
	var values []string
	for _, sub := range t.SubTriggers {
		res := EvaluateTrigger(sub, turnCtx, session)
		if !res.Matched {
			return noMatch
		}
		sum += res.Confidence
		if res.MatchedValue != "" {
			values = append(values, res.MatchedValue)
		}
	}
	return models.TriggerResult{
		Matched:      true,
		Confidence:   sum / float64(len(t.SubTriggers)),
		MatchedValue: strings.Join(values, "; "),
	}
}

// EvaluateTriggerSet evaluates a flow's triggers in descending per-trigger
// priority order (stable on definition order) and returns the first match;
// no aggregation happens across triggers within a flow. The second return
// is the number of triggers evaluated, for the turn trace.
func EvaluateTriggerSet(flow *models.FlowDefinition, turnCtx models.TurnContext, session *models.SessionState) (models.TriggerResult, int) {
	if len(flow.Triggers) == 0 {
		return noMatch, 0
	}
	ordered := make([]models.Trigger, len(flow.Triggers))
	copy(ordered, flow.Triggers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})
	evaluated := 0
	for _, t := range ordered {
		evaluated++
		if res := EvaluateTrigger(t, turnCtx, session); res.Matched {
			return res, evaluated
		}
	}
	return noMatch, evaluated
}
