package session

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/graph"
	"github.com/aretw0/tessera/pkg/statemachine"
	"github.com/aretw0/tessera/pkg/stream"
)

// Session is one conversation. The exported mutable fields may only be
// touched while holding the session lock (Manager.WithLock).
type Session struct {
	ID        string
	TenantID  string
	UserID    string
	CreatedAt time.Time

	Machine *statemachine.Machine
	Graph   *graph.Graph
	Emitter *stream.Emitter

	// Intent is the last intent submitted, narrowed by any selection.
	Intent domain.ResolvedIntent
	// Pending is the gated plan shown on the open ConfirmationCard.
	Pending *domain.ExecutionPlan
	// Clarification is the plan behind the open ClarificationCard.
	Clarification *domain.ExecutionPlan
	// Card is the node ID of the open ConfirmationCard or ClarificationCard.
	Card string
	// Failed holds the retryable failures of the last request, by step ID.
	Failed map[string]FailedStep
	// LastGood is the most recent successful output of every capability.
	LastGood map[string]any

	mu           sync.Mutex
	lastActivity time.Time
	cancel       context.CancelFunc
	current      *stream.Stream
}

// FailedStep is a retryable failure and the ErrorCard that shows it.
type FailedStep struct {
	Step   domain.PlanStep
	NodeID string
}

func newSession(id, tenant, user string, now time.Time) *Session {
	return &Session{
		ID:           id,
		TenantID:     tenant,
		UserID:       user,
		CreatedAt:    now,
		Failed:       make(map[string]FailedStep),
		LastGood:     make(map[string]any),
		lastActivity: now,
	}
}

// LastActivity is when the session last served a request.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

// Attach registers the in-flight request so Interrupt can reach it without
// the session lock. The returned context is canceled by Interrupt; detach
// must be called when the request is over.
func (s *Session) Attach(ctx context.Context, st *stream.Stream) (reqCtx context.Context, detach func()) {
	reqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.current = st
	s.mu.Unlock()
	return reqCtx, func() {
		s.mu.Lock()
		if s.current == st {
			s.cancel = nil
			s.current = nil
		}
		s.mu.Unlock()
		cancel()
	}
}

// Interrupt cancels the in-flight request, if any, and returns its stream.
func (s *Session) Interrupt() (*stream.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil, false
	}
	s.cancel()
	return s.current, true
}

// ClearPending drops every open gate and clarification.
func (s *Session) ClearPending() {
	s.Pending = nil
	s.Clarification = nil
	s.Card = ""
}

// Snapshot captures the persistable part of the session.
func (s *Session) Snapshot() *domain.SessionSnapshot {
	return &domain.SessionSnapshot{
		ID:           s.ID,
		TenantID:     s.TenantID,
		UserID:       s.UserID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
		Machine:      s.Machine.Snapshot(),
		Nodes:        s.Graph.Snapshot(),
		GraphVersion: s.Graph.Version(),
		Sequence:     s.Emitter.Sequence(),
		LastGood:     maps.Clone(s.LastGood),
	}
}
