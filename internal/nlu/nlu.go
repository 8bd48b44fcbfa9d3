// Package nlu provides utterance analysis for CallFlow using the OpenAI API.
//
// The analyzer extracts booking slots and proposes caller signal tags from a
// single caller utterance. The orchestration engine itself never calls the
// model; analysis happens upstream and its output feeds the turn context.
package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BranchLine/CallFlow/internal/signals"
)

// TurnAnalysis is the structured output of analyzing one caller utterance.
type TurnAnalysis struct {
	Slots   map[string]string `json:"slots,omitempty"`
	Signals signals.Proposal  `json:"signals,omitempty"`
}

// Analyzer extracts slots and signal proposals from caller utterances.
type Analyzer interface {
	AnalyzeTurn(ctx context.Context, utterance string, slotIDs []string) (TurnAnalysis, error)
}

// Opts holds configuration options for the NLU client.
type Opts struct {
	APIKey string
	Model  openai.ChatModel
}

// Option defines a configuration option for the NLU client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model used for analysis.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client analyzes utterances with the OpenAI chat completion API.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

// NewClient initializes an NLU client. The API key falls back to the
// OPENAI_API_KEY environment variable when not set via options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	slog.Debug("nlu.NewClient: creating NLU client", "model", cfg.Model)
	return &Client{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}, nil
}

const systemPrompt = `You analyze a single caller utterance from a phone call to a home-service company.
Return ONLY a JSON object with two keys:
  "slots": an object mapping each requested slot id to its value if the utterance states it, omitting slots not mentioned.
  "signals": an object with "signal_tags" (array of strings) chosen only from this list: frustrated, positive, anxious, urgent, price_sensitive, repeat_caller, callback_requested, human_requested.
Do not invent slot values. Do not add keys beyond slots and signals.`

// AnalyzeTurn extracts the requested slots and a signal proposal from one
// utterance. Model output that is not valid JSON yields an error; callers
// should treat analysis failures as an empty analysis, never a failed turn.
func (c *Client) AnalyzeTurn(ctx context.Context, utterance string, slotIDs []string) (TurnAnalysis, error) {
	userPrompt := fmt.Sprintf("Requested slot ids: %s\nUtterance: %s", strings.Join(slotIDs, ", "), utterance)
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	})
	if err != nil {
		slog.Error("nlu.AnalyzeTurn: chat completion failed", "error", err)
		return TurnAnalysis{}, fmt.Errorf("failed to analyze utterance: %w", err)
	}
	if len(resp.Choices) == 0 {
		return TurnAnalysis{}, fmt.Errorf("no choices returned")
	}

	analysis, err := parseAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		slog.Warn("nlu.AnalyzeTurn: model returned unparseable analysis", "error", err)
		return TurnAnalysis{}, err
	}
	analysis.Signals = signals.ValidateProposal(analysis.Signals)
	slog.Debug("nlu.AnalyzeTurn: analysis complete", "slots", len(analysis.Slots), "signal_tags", len(analysis.Signals.Tags))
	return analysis, nil
}

// parseAnalysis decodes the model's JSON reply, tolerating a markdown code
// fence around the object.
func parseAnalysis(content string) (TurnAnalysis, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var analysis TurnAnalysis
	if err := json.Unmarshal([]byte(trimmed), &analysis); err != nil {
		return TurnAnalysis{}, fmt.Errorf("failed to parse analysis JSON: %w", err)
	}
	return analysis, nil
}

// MockAnalyzer is a canned Analyzer for tests.
type MockAnalyzer struct {
	Analysis TurnAnalysis
	Err      error
	Calls    int
}

func (m *MockAnalyzer) AnalyzeTurn(ctx context.Context, utterance string, slotIDs []string) (TurnAnalysis, error) {
	m.Calls++
	if m.Err != nil {
		return TurnAnalysis{}, m.Err
	}
	return m.Analysis, nil
}
