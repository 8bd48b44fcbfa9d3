package api

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BranchLine/CallFlow/internal/chat"
	"github.com/BranchLine/CallFlow/internal/models"
	"github.com/BranchLine/CallFlow/internal/util"
)

// chatTurnTimeout bounds processing of a single inbound chat message.
const chatTurnTimeout = 30 * time.Second

// AttachChatChannel routes inbound chat messages through the turn pipeline
// for the given company and sends any action text back on the same channel.
// Sessions are keyed by the sender's canonical phone number, reusing the
// caller's active session when one exists.
func (s *Server) AttachChatChannel(companyKey string, ch chat.Channel) {
	ch.OnInbound(func(msg chat.InboundMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), chatTurnTimeout)
		defer cancel()

		reply, err := s.ProcessInbound(ctx, companyKey, msg)
		if err != nil {
			slog.Error("Server.AttachChatChannel: inbound message processing failed", "error", err, "from", msg.From)
			return
		}
		if reply == "" {
			return
		}
		if err := ch.SendMessage(ctx, msg.From, reply); err != nil {
			slog.Error("Server.AttachChatChannel: failed to send reply", "error", err, "to", msg.From)
		}
	})
}

// ProcessInbound runs one inbound chat message through the turn pipeline and
// returns the concatenated text of the executed actions, if any.
func (s *Server) ProcessInbound(ctx context.Context, companyKey string, msg chat.InboundMessage) (string, error) {
	phone := chat.CanonicalPhone(msg.From)
	if phone == "" {
		return "", errors.New("inbound message has no usable sender address")
	}

	// Serialize per sender before the session lookup so concurrent first
	// messages from a new caller cannot create duplicate sessions.
	senderLock := s.lockSession("chat/" + companyKey + "/" + phone)
	defer senderLock.Unlock()

	session, err := s.findOrCreateChatSession(ctx, companyKey, phone)
	if err != nil {
		return "", err
	}

	lock := s.lockSession(session.ID)
	defer lock.Unlock()

	// Reload under the session lock; an API turn may have saved the
	// session between the lookup and here.
	session, err = s.store.GetSession(ctx, session.ID)
	if err != nil {
		return "", err
	}

	turnID := msg.MessageID
	if turnID == "" {
		turnID = util.GenerateTurnID()
	}
	fresh, err := s.store.RecordTurn(ctx, session.ID, turnID)
	if err != nil {
		return "", err
	}
	if !fresh {
		slog.Warn("Server.ProcessInbound: duplicate message delivery ignored", "session", session.ID, "turn_id", turnID)
		return "", nil
	}

	turnCtx := models.TurnContext{Utterance: msg.Body}
	s.analyzeUtterance(ctx, session, &turnCtx)

	decision, procErr := s.orchestrator.ProcessTurn(ctx, session, turnCtx)
	if procErr != nil {
		slog.Error("Server.ProcessInbound: turn processing failed", "error", procErr, "session", session.ID)
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		return "", err
	}
	if procErr != nil {
		return "", procErr
	}

	var texts []string
	for _, action := range decision.Actions {
		if action.Executed && action.Response != "" {
			texts = append(texts, action.Response)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// findOrCreateChatSession returns the caller's active session for the
// company, creating one when none exists.
func (s *Server) findOrCreateChatSession(ctx context.Context, companyKey, phone string) (*models.SessionState, error) {
	sessions, err := s.store.ListSessions(ctx, companyKey)
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if session.Status == models.SessionStatusActive && session.CallerID == phone {
			return session, nil
		}
	}

	session := models.NewSessionState(uuid.NewString(), companyKey, "", phone)
	if err := s.store.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	slog.Info("Server.findOrCreateChatSession: chat session created", "session", session.ID, "company", companyKey)
	return session, nil
}
