// Package signals provides a fixed whitelist of caller behavioral signal
// tags, validation, EMA-based smoothing, mutual-exclusion enforcement, and
// response-guide construction for the caller signal feature.
package signals

import (
	"math"
	"strings"
	"time"

	"github.com/BranchLine/CallFlow/internal/models"
)

// AllTags is the hard-coded set of safe caller signal tags.
var AllTags = map[string]bool{
	// Emotional state
	"frustrated": true,
	"positive":   true,
	"anxious":    true,
	// Situation
	"urgent":          true,
	"price_sensitive": true,
	"repeat_caller":   true,
	// Intent markers
	"callback_requested": true,
	"human_requested":    true,
}

// mutuallyExclusivePairs defines tags where at most one may be active.
var mutuallyExclusivePairs = [][2]string{
	{"frustrated", "positive"},
}

// UpdateSource enumerates how a signal update was triggered.
type UpdateSource string

const (
	// SourceExplicit marks updates from direct caller statements.
	SourceExplicit UpdateSource = "explicit"
	// SourceImplicit marks updates inferred from utterance analysis.
	SourceImplicit UpdateSource = "implicit"
)

// Proposal is what the utterance analyzer sends when it proposes signal tags.
type Proposal struct {
	Tags       []string           `json:"signal_tags,omitempty"`
	Scores     map[string]float64 `json:"signal_scores,omitempty"`
	Source     UpdateSource       `json:"signal_update_source,omitempty"`
	Confidence float64            `json:"signal_confidence,omitempty"`
}

// Constants for EMA / hysteresis.
const (
	alpha             = 0.15
	activateThreshold = 0.7
	deactivateThresh  = 0.4
	// Rate-limit: minimum interval between implicit updates.
	minImplicitInterval = 5 * time.Second
)

// ValidateProposal strips unknown tags, clamps scores, and returns a cleaned proposal.
func ValidateProposal(p Proposal) Proposal {
	cleaned := Proposal{
		Source:     p.Source,
		Confidence: p.Confidence,
	}
	if cleaned.Source == "" {
		cleaned.Source = SourceImplicit
	}

	seen := map[string]bool{}
	for _, t := range p.Tags {
		t = strings.TrimSpace(strings.ToLower(t))
		if AllTags[t] && !seen[t] {
			cleaned.Tags = append(cleaned.Tags, t)
			seen[t] = true
		}
	}

	if len(p.Scores) > 0 {
		cleaned.Scores = make(map[string]float64, len(p.Scores))
		for k, v := range p.Scores {
			k = strings.TrimSpace(strings.ToLower(k))
			if !AllTags[k] {
				continue
			}
			cleaned.Scores[k] = clamp(v)
		}
	}

	return cleaned
}

// Update applies a validated proposal to the caller signals using EMA
// smoothing and hysteresis. It enforces mutual exclusion and rate limits.
// Returns true if the signal state was actually mutated.
func Update(cs *models.CallerSignals, proposal Proposal, now time.Time) bool {
	if cs.Scores == nil {
		cs.Scores = make(map[string]float64)
	}
	if cs.Tags == nil {
		cs.Tags = make(map[string]bool)
	}

	if proposal.Source == SourceImplicit {
		if !cs.LastUpdatedAt.IsZero() && now.Sub(cs.LastUpdatedAt) < minImplicitInterval {
			return false
		}
	}

	// Build observation map from proposal; explicit scores override the
	// binary 1.0 presence of listed tags.
	obs := make(map[string]float64)
	for _, t := range proposal.Tags {
		obs[t] = 1.0
	}
	for k, v := range proposal.Scores {
		obs[k] = v
	}
	if len(obs) == 0 {
		return false
	}

	changed := false

	if proposal.Source == SourceExplicit {
		// Explicit: apply immediately with full weight.
		for tag, v := range obs {
			prev := cs.Scores[tag]
			cs.Scores[tag] = clamp(v)
			if cs.Scores[tag] != prev {
				changed = true
			}
		}
	} else {
		// Implicit: EMA smoothing for observed tags.
		for tag, v := range obs {
			prev := cs.Scores[tag]
			cs.Scores[tag] = clamp((1-alpha)*prev + alpha*v)
			if cs.Scores[tag] != prev {
				changed = true
			}
		}
		// Decay non-observed tags toward 0 so deactivation can occur.
		for tag, prev := range cs.Scores {
			if _, observed := obs[tag]; observed {
				continue
			}
			if prev <= 0 {
				continue
			}
			decayed := clamp((1 - alpha) * prev)
			if decayed != prev {
				cs.Scores[tag] = decayed
				changed = true
			}
		}
	}

	if !changed {
		return false
	}

	// Enforce mutual exclusion: keep the higher score.
	for _, pair := range mutuallyExclusivePairs {
		a, b := pair[0], pair[1]
		sa, sb := cs.Scores[a], cs.Scores[b]
		if sa >= activateThreshold && sb >= activateThreshold {
			if sa >= sb {
				cs.Scores[b] = deactivateThresh - 0.01
			} else {
				cs.Scores[a] = deactivateThresh - 0.01
			}
		}
	}

	// Rebuild active tags from scores using hysteresis.
	for tag, score := range cs.Scores {
		if score >= activateThreshold {
			cs.Tags[tag] = true
		} else if score <= deactivateThresh {
			delete(cs.Tags, tag)
		}
		// Between thresholds: keep current state (hysteresis).
	}

	cs.LastUpdatedAt = now
	return true
}

// BuildSignalGuide produces a compact instruction snippet for injection
// into response-generation prompts. It returns an empty string when there
// are no active tags.
func BuildSignalGuide(tags map[string]bool) string {
	if len(tags) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n<CALLER SIGNALS>\nAdapt your responses to the caller's state:\n")

	if tags["frustrated"] {
		b.WriteString("- The caller sounds frustrated. Acknowledge their frustration and keep responses short and concrete.\n")
	}
	if tags["positive"] {
		b.WriteString("- The caller is in a positive mood. Keep the friendly momentum without padding the call.\n")
	}
	if tags["anxious"] {
		b.WriteString("- The caller sounds anxious. Be reassuring and explain the next step clearly.\n")
	}
	if tags["urgent"] {
		b.WriteString("- The caller's issue is urgent. Skip pleasantries and move toward scheduling or dispatch.\n")
	}
	if tags["price_sensitive"] {
		b.WriteString("- The caller is price sensitive. Be upfront about fees before booking.\n")
	}
	if tags["repeat_caller"] {
		b.WriteString("- This is a repeat caller. Do not re-explain things they already know.\n")
	}
	if tags["callback_requested"] {
		b.WriteString("- The caller asked for a callback. Confirm the callback number before ending.\n")
	}
	if tags["human_requested"] {
		b.WriteString("- The caller asked for a human. Do not stall the transfer.\n")
	}

	b.WriteString("- NEVER mirror hostility, sarcasm, insults, or unsafe language.\n")
	b.WriteString("</CALLER SIGNALS>\n")

	return b.String()
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	// Round to 4 decimal places to avoid floating point drift.
	return math.Round(v*10000) / 10000
}
