// Package chat wraps the Whatsmeow client for the CallFlow text channel.
//
// Callers who prefer text over voice reach the same orchestration engine
// through WhatsApp: each inbound message becomes one conversation turn and
// the turn decision's response text is sent back on the same thread.
package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BranchLine/CallFlow/internal/store"
)

// Constants for chat channel configuration.
const (
	// DefaultSQLitePath is the default path for the whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/callflow/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
)

// InboundMessage is one text message received on the chat channel.
type InboundMessage struct {
	From      string // canonical phone number
	MessageID string
	Body      string
}

// Channel is the text-channel interface used by the rest of the application.
type Channel interface {
	SendMessage(ctx context.Context, to string, body string) error
	OnInbound(handler func(msg InboundMessage))
}

// Opts holds configuration options for the chat channel.
type Opts struct {
	DBDSN       string // whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the chat channel.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput instructs the client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode instructs the client to use a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// Client wraps the Whatsmeow client for the CallFlow text channel.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient creates a connected chat client, performing the QR or numeric
// code login flow when no session exists yet.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("chat.NewClient: options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("chat.NewClient: no database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		// whatsmeow strongly recommends foreign keys on SQLite.
		if !strings.Contains(dbDSN, "_foreign_keys") && !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite database for the chat channel does not appear to have foreign keys enabled. "+
				"Consider adding '?_foreign_keys=on' to your connection string.",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("chat.NewClient: failed to initialize chat DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize chat database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("chat.NewClient: failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from chat store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("chat.NewClient: login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("chat.NewClient: failed to connect during login", "error", err)
			return nil, fmt.Errorf("failed to connect to chat service during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("chat.NewClient: failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("chat.NewClient: login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("chat.NewClient: already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("chat.NewClient: failed to connect to server", "error", err)
			return nil, fmt.Errorf("failed to connect to chat service: %w", err)
		}
	}
	slog.Info("chat.NewClient: chat channel connected")
	return &Client{waClient: waClient}, nil
}

// SendMessage sends a text message to the given canonical phone number.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("chat client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	jid := types.NewJID(strings.TrimPrefix(CanonicalPhone(to), "+"), JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("chat.SendMessage failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("chat.SendMessage succeeded", "to", to)
	return nil
}

// Close disconnects from the chat service.
func (c *Client) Close() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// OnInbound registers a handler invoked for each inbound text message.
func (c *Client) OnInbound(handler func(msg InboundMessage)) {
	c.waClient.AddEventHandler(func(evt interface{}) {
		msgEvt, ok := evt.(*events.Message)
		if !ok {
			return
		}
		body := msgEvt.Message.GetConversation()
		if body == "" && msgEvt.Message.GetExtendedTextMessage() != nil {
			body = msgEvt.Message.GetExtendedTextMessage().GetText()
		}
		if body == "" {
			return
		}
		handler(InboundMessage{
			From:      CanonicalPhone(msgEvt.Info.Sender.User),
			MessageID: msgEvt.Info.ID,
			Body:      body,
		})
	})
}

// CanonicalPhone normalizes a phone number to +digits form. A leading plus
// is preserved; everything else non-numeric is stripped.
func CanonicalPhone(raw string) string {
	trimmed := strings.TrimSpace(strings.TrimPrefix(raw, "whatsapp:"))
	var b strings.Builder
	for i, r := range trimmed {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if !strings.HasPrefix(digits, "+") {
		digits = "+" + digits
	}
	return digits
}

// MockChannel implements Channel without a network connection (for tests).
type MockChannel struct {
	Sent    []SentMessage
	handler func(msg InboundMessage)
}

// SentMessage captures one outbound message.
type SentMessage struct {
	To   string
	Body string
}

func NewMockChannel() *MockChannel {
	return &MockChannel{}
}

func (m *MockChannel) SendMessage(ctx context.Context, to string, body string) error {
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockChannel) OnInbound(handler func(msg InboundMessage)) {
	m.handler = handler
}

// Deliver simulates an inbound message (for tests).
func (m *MockChannel) Deliver(msg InboundMessage) {
	if m.handler != nil {
		m.handler(msg)
	}
}
