package orchestrator

import (
	"context"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/session"
)

// SweepStats counts what one Sweep did.
type SweepStats struct {
	Expired int
	Ended   int
}

// Sweep expires confirmations and clarifications left open longer than the
// await timeout, and ends sessions idle for longer than the session TTL.
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time) SweepStats {
	var stats SweepStats
	for _, s := range o.sessions.Sessions() {
		switch {
		case o.awaitExpired(s, now):
			expired := false
			err := o.sessions.WithLockQueued(ctx, s.ID, func(ctx context.Context, s *session.Session) error {
				if !o.awaitExpired(s, now) {
					return nil
				}
				notice := "confirmation expired"
				if s.Machine.Current() == domain.StateAwaitingClarification {
					notice = "clarification expired"
				}
				o.begin(ctx, s).abandon(domain.Event{Type: domain.EventExpire, Reason: notice}, notice)
				expired = true
				return nil
			})
			if err != nil {
				o.logger.Warn("failed to expire session", "session_id", s.ID, "err", err)
			}
			if expired {
				stats.Expired++
				o.logger.Info("session expired", "session_id", s.ID)
			}
		case o.sessionTTL > 0 && s.Machine.Current() == domain.StateIdle && now.Sub(s.LastActivity()) >= o.sessionTTL:
			if err := o.sessions.End(ctx, s.ID); err != nil {
				o.logger.Warn("failed to end idle session", "session_id", s.ID, "err", err)
				continue
			}
			stats.Ended++
		}
	}
	return stats
}

func (o *Orchestrator) awaitExpired(s *session.Session, now time.Time) bool {
	return o.awaitTimeout > 0 &&
		s.Machine.Current().IsAwaiting() &&
		now.Sub(s.Machine.EnteredAt()) >= o.awaitTimeout
}

// Run sweeps on every interval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Sweep(ctx, o.now())
		}
	}
}
