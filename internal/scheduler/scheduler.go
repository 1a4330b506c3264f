// Package scheduler runs the relay's background maintenance loop: the
// idle reaper and the event pruner. Both passes are idempotent and
// take no long-lived locks, so they are safe alongside user traffic.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/pi-agent/relay/internal/bridge"
	"github.com/pi-agent/relay/internal/service"
	"github.com/pi-agent/relay/model"
	"github.com/pi-agent/relay/store"
)

const (
	// DefaultIdleTimeout pauses active sessions with no clients and no
	// activity for this long.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultRetention keeps events of archived/error sessions this long.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultInterval is the tick period.
	DefaultInterval = 30 * time.Second
)

// Scheduler owns the background tick loop.
type Scheduler struct {
	svc      *service.Service
	store    store.Store
	registry *bridge.Registry
	log      *slog.Logger

	IdleTimeout time.Duration
	Retention   time.Duration
	Interval    time.Duration
}

// New creates a scheduler with default timings.
func New(svc *service.Service, st store.Store, reg *bridge.Registry, log *slog.Logger) *Scheduler {
	return &Scheduler{
		svc:         svc,
		store:       st,
		registry:    reg,
		log:         log,
		IdleTimeout: DefaultIdleTimeout,
		Retention:   DefaultRetention,
		Interval:    DefaultInterval,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ReapIdle(ctx); err != nil {
				s.log.Error("idle reaper", "error", err)
			} else if n > 0 {
				s.log.Info("idle reaper paused sessions", "count", n)
			}
			if n, err := s.PruneEvents(); err != nil {
				s.log.Error("event pruner", "error", err)
			} else if n > 0 {
				s.log.Info("event pruner deleted rows", "count", n)
			}
		}
	}
}

// ReapIdle pauses every active session with no open connections whose
// last activity is older than IdleTimeout. Running it twice over the
// same state transitions the same sessions as running it once.
func (s *Scheduler) ReapIdle(ctx context.Context) (int, error) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-s.IdleTimeout)
	paused := 0
	for _, sess := range sessions {
		if sess.Status != model.StatusActive {
			continue
		}
		if s.registry.ConnCount(sess.ID) > 0 {
			continue
		}
		if sess.LastActivityAt.After(cutoff) {
			continue
		}

		// Release the stdio attachment before stopping the sandbox.
		s.registry.Detach(sess.ID)
		if err := s.svc.Pause(ctx, sess.ID); err != nil {
			s.log.Warn("pausing idle session", "session_id", sess.ID, "error", err)
			continue
		}
		paused++
	}
	return paused, nil
}

// PruneEvents deletes journal rows past the retention horizon. The
// store restricts the delete to archived/error sessions.
func (s *Scheduler) PruneEvents() (int64, error) {
	cutoff := time.Now().UTC().Add(-s.Retention)
	return s.store.PruneEventsOlderThan(cutoff)
}
