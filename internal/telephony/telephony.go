// Package telephony wraps the Twilio API for live call control in CallFlow.
//
// When a turn decision ends in a transfer or call completion, the call
// controller applies it to the active Twilio voice call leg.
package telephony

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// CallController applies turn decisions to a live telephony call leg.
type CallController interface {
	// TransferCall redirects the call identified by callSID to the target
	// phone number.
	TransferCall(ctx context.Context, callSID, target string) error
	// CompleteCall hangs up the call identified by callSID.
	CompleteCall(ctx context.Context, callSID string) error
}

// Opts holds configuration options for the Twilio call controller.
type Opts struct {
	AccountSID string
	AuthToken  string
}

// Option defines a configuration option for the Twilio call controller.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// Client wraps the Twilio REST API for voice call control.
type Client struct {
	client *twilio.RestClient
}

// NewClient creates a Twilio call controller. Credentials fall back to the
// TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	slog.Debug("telephony.NewClient: Twilio config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)
	return &Client{client: client}, nil
}

// TransferCall updates the live call with TwiML that dials the target.
func (c *Client) TransferCall(ctx context.Context, callSID, target string) error {
	if callSID == "" {
		return fmt.Errorf("call SID must be provided")
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(transferTwiml(target))

	if _, err := c.client.Api.UpdateCall(callSID, params); err != nil {
		slog.Error("telephony.TransferCall failed", "call_sid", callSID, "error", err)
		return fmt.Errorf("failed to transfer call %s: %w", callSID, err)
	}
	slog.Info("telephony.TransferCall: call redirected", "call_sid", callSID)
	return nil
}

// CompleteCall sets the call status to completed, hanging up the leg.
func (c *Client) CompleteCall(ctx context.Context, callSID string) error {
	if callSID == "" {
		return fmt.Errorf("call SID must be provided")
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := c.client.Api.UpdateCall(callSID, params); err != nil {
		slog.Error("telephony.CompleteCall failed", "call_sid", callSID, "error", err)
		return fmt.Errorf("failed to complete call %s: %w", callSID, err)
	}
	slog.Info("telephony.CompleteCall: call completed", "call_sid", callSID)
	return nil
}

// transferTwiml builds the TwiML document that dials the transfer target.
// The target is XML-escaped to keep caller-provided numbers from breaking
// the document.
func transferTwiml(target string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(target))
	return fmt.Sprintf("<Response><Dial>%s</Dial></Response>", buf.String())
}

// MockController records call control operations for tests.
type MockController struct {
	Transfers   []TransferRecord
	Completions []string
	Err         error
}

// TransferRecord captures one TransferCall invocation.
type TransferRecord struct {
	CallSID string
	Target  string
}

func NewMockController() *MockController {
	return &MockController{}
}

func (m *MockController) TransferCall(ctx context.Context, callSID, target string) error {
	if m.Err != nil {
		return m.Err
	}
	m.Transfers = append(m.Transfers, TransferRecord{CallSID: callSID, Target: target})
	return nil
}

func (m *MockController) CompleteCall(ctx context.Context, callSID string) error {
	if m.Err != nil {
		return m.Err
	}
	m.Completions = append(m.Completions, callSID)
	return nil
}
