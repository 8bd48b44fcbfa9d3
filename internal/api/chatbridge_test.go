package api

import (
	"fmt"
	"sync"
	"testing"

	"github.com/BranchLine/CallFlow/internal/chat"
	"github.com/BranchLine/CallFlow/internal/models"
)

func TestChatChannelDrivesTurns(t *testing.T) {
	s, st := newTestServer(t)

	flow := models.FlowDefinition{
		Key: "greeting",
		Triggers: []models.Trigger{
			{Type: models.TriggerTypeKeyword, Keywords: []string{"hello"}},
		},
		Actions: []models.Action{
			{Type: models.ActionAckOnce, Phase: models.PhaseOnActivate, Text: "Hi, thanks for reaching out."},
		},
		AllowConcurrent: true,
	}
	if err := st.SaveFlow(t.Context(), "acme", flow); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}

	ch := chat.NewMockChannel()
	s.AttachChatChannel("acme", ch)

	ch.Deliver(chat.InboundMessage{From: "+1 (555) 000-1111", MessageID: "m1", Body: "hello there"})

	if len(ch.Sent) != 1 || ch.Sent[0].Body != "Hi, thanks for reaching out." {
		t.Fatalf("unexpected replies: %+v", ch.Sent)
	}

	// The session is keyed by canonical phone and reused across messages.
	sessions, err := st.ListSessions(t.Context(), "acme")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].CallerID != "+15550001111" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	ch.Deliver(chat.InboundMessage{From: "+15550001111", MessageID: "m2", Body: "hello again"})
	sessions, _ = st.ListSessions(t.Context(), "acme")
	if len(sessions) != 1 {
		t.Errorf("second message should reuse the session, got %d sessions", len(sessions))
	}
	if sessions[0].TurnCount != 2 {
		t.Errorf("turn count = %d, want 2", sessions[0].TurnCount)
	}

	// Redelivery of the same message ID is ignored.
	ch.Deliver(chat.InboundMessage{From: "+15550001111", MessageID: "m2", Body: "hello again"})
	sessions, _ = st.ListSessions(t.Context(), "acme")
	if sessions[0].TurnCount != 2 {
		t.Errorf("duplicate delivery advanced the turn count to %d", sessions[0].TurnCount)
	}
}

func TestConcurrentFirstMessagesShareSession(t *testing.T) {
	s, st := newTestServer(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			msg := chat.InboundMessage{
				From:      "+15550002222",
				MessageID: fmt.Sprintf("m%d", n),
				Body:      "hello",
			}
			if _, err := s.ProcessInbound(t.Context(), "acme", msg); err != nil {
				t.Errorf("ProcessInbound failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	sessions, err := st.ListSessions(t.Context(), "acme")
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("concurrent first messages created %d sessions, want 1", len(sessions))
	}
	if sessions[0].TurnCount != 4 {
		t.Errorf("turn count = %d, want 4", sessions[0].TurnCount)
	}
}
