package nlu

import (
	"testing"
)

func TestParseAnalysisPlainJSON(t *testing.T) {
	content := `{"slots":{"phone":"+15550001111"},"signals":{"signal_tags":["urgent"]}}`
	analysis, err := parseAnalysis(content)
	if err != nil {
		t.Fatalf("parseAnalysis failed: %v", err)
	}
	if analysis.Slots["phone"] != "+15550001111" {
		t.Errorf("unexpected slots: %v", analysis.Slots)
	}
	if len(analysis.Signals.Tags) != 1 || analysis.Signals.Tags[0] != "urgent" {
		t.Errorf("unexpected signal tags: %v", analysis.Signals.Tags)
	}
}

func TestParseAnalysisStripsCodeFence(t *testing.T) {
	content := "```json\n{\"slots\":{\"address\":\"12 Main St\"}}\n```"
	analysis, err := parseAnalysis(content)
	if err != nil {
		t.Fatalf("parseAnalysis failed: %v", err)
	}
	if analysis.Slots["address"] != "12 Main St" {
		t.Errorf("unexpected slots: %v", analysis.Slots)
	}
}

func TestParseAnalysisInvalidJSON(t *testing.T) {
	if _, err := parseAnalysis("sorry, I cannot help with that"); err == nil {
		t.Error("expected an error for non-JSON content")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected an error when no API key is configured")
	}
	if _, err := NewClient(WithAPIKey("sk-test")); err != nil {
		t.Errorf("expected client creation with explicit key to succeed, got %v", err)
	}
}
