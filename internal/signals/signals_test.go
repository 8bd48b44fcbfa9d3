package signals

import (
	"strings"
	"testing"
	"time"

	"github.com/BranchLine/CallFlow/internal/models"
)

func TestValidateProposalFiltersUnknownTags(t *testing.T) {
	p := Proposal{
		Tags: []string{"frustrated", "Frustrated", "MALICIOUS_TAG", " urgent "},
		Scores: map[string]float64{
			"urgent":  1.7,
			"unknown": 0.9,
			"anxious": -0.2,
		},
	}
	cleaned := ValidateProposal(p)
	if len(cleaned.Tags) != 2 {
		t.Errorf("expected 2 valid de-duplicated tags, got %v", cleaned.Tags)
	}
	if cleaned.Source != SourceImplicit {
		t.Errorf("empty source should default to implicit, got %q", cleaned.Source)
	}
	if cleaned.Scores["urgent"] != 1.0 {
		t.Errorf("scores must be clamped to [0,1], got %v", cleaned.Scores["urgent"])
	}
	if cleaned.Scores["anxious"] != 0 {
		t.Errorf("negative scores must clamp to 0, got %v", cleaned.Scores["anxious"])
	}
	if _, ok := cleaned.Scores["unknown"]; ok {
		t.Error("unknown score keys must be dropped")
	}
}

func TestUpdateExplicitAppliesImmediately(t *testing.T) {
	cs := &models.CallerSignals{}
	now := time.Now()

	changed := Update(cs, Proposal{Tags: []string{"urgent"}, Source: SourceExplicit}, now)
	if !changed {
		t.Fatal("explicit update should mutate signals")
	}
	if cs.Scores["urgent"] != 1.0 {
		t.Errorf("explicit score = %v, want 1.0", cs.Scores["urgent"])
	}
	if !cs.Tags["urgent"] {
		t.Error("tag should activate at full score")
	}
}

func TestUpdateImplicitSmoothsGradually(t *testing.T) {
	cs := &models.CallerSignals{}
	now := time.Now()

	Update(cs, Proposal{Tags: []string{"frustrated"}, Source: SourceImplicit}, now)
	if cs.Tags["frustrated"] {
		t.Error("one implicit observation must not activate the tag")
	}
	if cs.Scores["frustrated"] != 0.15 {
		t.Errorf("first EMA step = %v, want 0.15", cs.Scores["frustrated"])
	}

	// Repeated observations push the score past the activation threshold.
	for i := 1; i < 15; i++ {
		now = now.Add(10 * time.Second)
		Update(cs, Proposal{Tags: []string{"frustrated"}, Source: SourceImplicit}, now)
	}
	if !cs.Tags["frustrated"] {
		t.Errorf("sustained observations should activate the tag, score=%v", cs.Scores["frustrated"])
	}
}

func TestUpdateImplicitRateLimited(t *testing.T) {
	cs := &models.CallerSignals{}
	now := time.Now()

	Update(cs, Proposal{Tags: []string{"urgent"}, Source: SourceImplicit}, now)
	score := cs.Scores["urgent"]

	// A second implicit update inside the rate-limit window is ignored.
	if changed := Update(cs, Proposal{Tags: []string{"urgent"}, Source: SourceImplicit}, now.Add(time.Second)); changed {
		t.Error("implicit update inside the rate-limit window should be ignored")
	}
	if cs.Scores["urgent"] != score {
		t.Error("score must not change during the rate-limit window")
	}

	// Explicit updates bypass the rate limit.
	if changed := Update(cs, Proposal{Tags: []string{"urgent"}, Source: SourceExplicit}, now.Add(time.Second)); !changed {
		t.Error("explicit update must bypass the rate limit")
	}
}

func TestUpdateDecaysUnobservedTags(t *testing.T) {
	cs := &models.CallerSignals{}
	now := time.Now()
	Update(cs, Proposal{Tags: []string{"urgent"}, Source: SourceExplicit}, now)

	// Observing a different tag decays urgent toward deactivation.
	for i := 0; i < 10; i++ {
		now = now.Add(10 * time.Second)
		Update(cs, Proposal{Tags: []string{"positive"}, Source: SourceImplicit}, now)
	}
	if cs.Tags["urgent"] {
		t.Errorf("unobserved tag should decay below the deactivation threshold, score=%v", cs.Scores["urgent"])
	}
}

func TestUpdateMutualExclusion(t *testing.T) {
	cs := &models.CallerSignals{}
	now := time.Now()

	Update(cs, Proposal{
		Scores: map[string]float64{"frustrated": 0.9, "positive": 0.8},
		Source: SourceExplicit,
	}, now)

	if cs.Tags["frustrated"] && cs.Tags["positive"] {
		t.Error("frustrated and positive must never both be active")
	}
	if !cs.Tags["frustrated"] {
		t.Error("the higher scored tag should win")
	}
}

func TestBuildSignalGuide(t *testing.T) {
	if guide := BuildSignalGuide(nil); guide != "" {
		t.Errorf("no tags should produce an empty guide, got %q", guide)
	}

	guide := BuildSignalGuide(map[string]bool{"frustrated": true, "urgent": true})
	if !strings.Contains(guide, "frustrated") || !strings.Contains(guide, "urgent") {
		t.Errorf("guide should mention active signals, got %q", guide)
	}
	if !strings.Contains(guide, "NEVER mirror hostility") {
		t.Error("guide must always carry the safety line")
	}
}
