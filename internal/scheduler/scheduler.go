// Package scheduler provides cron-based background jobs for CallFlow.
//
// It runs periodic maintenance such as purging ended sessions and sweeping
// sessions abandoned mid-call.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BranchLine/CallFlow/internal/models"
	"github.com/BranchLine/CallFlow/internal/store"
)

// Default maintenance schedule and retention windows.
const (
	// DefaultPurgeSpec runs the ended-session purge nightly at 03:30.
	DefaultPurgeSpec = "30 3 * * *"
	// DefaultSweepSpec runs the abandoned-session sweep every 15 minutes.
	DefaultSweepSpec = "*/15 * * * *"
	// DefaultRetention keeps ended sessions for 30 days before purging.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultIdleCutoff marks a session abandoned after 2 hours without a turn.
	DefaultIdleCutoff = 2 * time.Hour
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// RegisterMaintenance wires the standard CallFlow maintenance jobs against
// the given store: a nightly purge of sessions that ended more than
// retention ago, and a periodic sweep that ends sessions idle longer than
// idleCutoff. Zero durations fall back to the defaults.
func (s *Scheduler) RegisterMaintenance(st store.Store, retention, idleCutoff time.Duration) error {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if idleCutoff <= 0 {
		idleCutoff = DefaultIdleCutoff
	}

	if err := s.AddJob(DefaultPurgeSpec, func() {
		purgeEndedSessions(st, retention)
	}); err != nil {
		return err
	}
	return s.AddJob(DefaultSweepSpec, func() {
		sweepAbandonedSessions(st, idleCutoff)
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func purgeEndedSessions(st store.Store, retention time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-retention)
	purged, err := st.DeleteSessionsEndedBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Scheduler.purgeEndedSessions: purge failed", "error", err, "cutoff", cutoff)
		return
	}
	if purged > 0 {
		slog.Info("Scheduler.purgeEndedSessions: purged ended sessions", "count", purged, "cutoff", cutoff)
	}
}

func sweepAbandonedSessions(st store.Store, idleCutoff time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-idleCutoff)
	stale, err := st.ListStaleSessions(ctx, cutoff)
	if err != nil {
		slog.Error("Scheduler.sweepAbandonedSessions: list failed", "error", err, "cutoff", cutoff)
		return
	}
	for _, session := range stale {
		session.Status = models.SessionStatusEnded
		session.Mode = models.ModeComplete
		if err := st.SaveSession(ctx, session); err != nil {
			slog.Error("Scheduler.sweepAbandonedSessions: failed to end session", "error", err, "session", session.ID)
			continue
		}
		slog.Info("Scheduler.sweepAbandonedSessions: ended abandoned session", "session", session.ID, "last_turn_at", session.UpdatedAt)
	}
}
