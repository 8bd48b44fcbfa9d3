// Package recovery reconciles session state after a CallFlow restart.
//
// A live phone call does not survive a process restart: the call leg is gone
// by the time the engine comes back up. The startup sweep ends every voice
// session that was still active when the process died, and ends chat sessions
// only once they have been idle past a cutoff.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BranchLine/CallFlow/internal/models"
	"github.com/BranchLine/CallFlow/internal/store"
)

// DefaultChatIdleCutoff is how long a chat session may sit idle before the
// startup sweep ends it. Voice sessions are ended regardless of idle time.
const DefaultChatIdleCutoff = 2 * time.Hour

// Opts holds configuration options for the startup sweeper.
type Opts struct {
	Store          store.Store
	ChatIdleCutoff time.Duration
}

// Option defines a configuration option for the startup sweeper.
type Option func(*Opts)

// WithStore sets the persistence backend to sweep.
func WithStore(st store.Store) Option {
	return func(o *Opts) { o.Store = st }
}

// WithChatIdleCutoff sets the idle window after which chat sessions are ended.
func WithChatIdleCutoff(d time.Duration) Option {
	return func(o *Opts) { o.ChatIdleCutoff = d }
}

// Sweeper ends sessions orphaned by a process restart.
type Sweeper struct {
	store          store.Store
	chatIdleCutoff time.Duration
}

// NewSweeper creates a startup sweeper with the given options.
func NewSweeper(opts ...Option) (*Sweeper, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store must be provided")
	}
	if cfg.ChatIdleCutoff <= 0 {
		cfg.ChatIdleCutoff = DefaultChatIdleCutoff
	}
	return &Sweeper{store: cfg.Store, chatIdleCutoff: cfg.ChatIdleCutoff}, nil
}

// Run performs the startup sweep. It returns the number of sessions ended.
// Individual session failures are logged and skipped so one bad document
// cannot block startup.
func (s *Sweeper) Run(ctx context.Context) (int, error) {
	// Every active session predates this process, so list from now.
	stale, err := s.store.ListStaleSessions(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions for startup sweep: %w", err)
	}

	cutoff := time.Now().Add(-s.chatIdleCutoff)
	ended := 0
	for _, session := range stale {
		if session.CallSID == "" && session.UpdatedAt.After(cutoff) {
			// Chat sessions can resume after a restart. Leave recent ones alone.
			continue
		}
		session.Status = models.SessionStatusEnded
		session.Mode = models.ModeComplete
		if err := s.store.SaveSession(ctx, session); err != nil {
			slog.Error("Sweeper.Run: failed to end orphaned session", "error", err, "session", session.ID)
			continue
		}
		slog.Info("Sweeper.Run: ended orphaned session", "session", session.ID, "call_sid", session.CallSID, "last_turn_at", session.UpdatedAt)
		ended++
	}

	slog.Info("Sweeper.Run: startup sweep complete", "examined", len(stale), "ended", ended)
	return ended, nil
}
