package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
)

// DefaultHistoryLimit is the number of transition records kept per session.
const DefaultHistoryLimit = 32

// BusyPolicy decides what happens to a transition requested while another is in flight.
type BusyPolicy int

const (
	// BusyQueue waits for the running transition, bounded by the caller's context.
	BusyQueue BusyPolicy = iota
	// BusyReject fails immediately with domain.ErrSessionBusy.
	BusyReject
)

// Machine is the workflow state of one session.
type Machine struct {
	sessionID string
	writer    chan struct{}

	mu            sync.RWMutex
	state         domain.WorkflowState
	enteredAt     time.Time
	history       []domain.TransitionRecord
	context       map[string]any
	pendingPlan   string
	confirmedPlan string

	limit  int
	policy BusyPolicy
	hooks  domain.LifecycleHooks
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithSessionID tags transition events with the owning session.
func WithSessionID(id string) Option {
	return func(m *Machine) { m.sessionID = id }
}

// WithHistoryLimit bounds the history to n records; oldest are evicted first.
func WithHistoryLimit(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithBusyPolicy chooses what a second concurrent transition does.
func WithBusyPolicy(p BusyPolicy) Option {
	return func(m *Machine) { m.policy = p }
}

// WithHooks observes every transition.
func WithHooks(h domain.LifecycleHooks) Option {
	return func(m *Machine) { m.hooks = h }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the logger; the default discards.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New returns a machine in Idle.
func New(opts ...Option) *Machine {
	m := &Machine{
		writer:  make(chan struct{}, 1),
		state:   domain.StateIdle,
		context: make(map[string]any),
		limit:   DefaultHistoryLimit,
		now:     time.Now,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.enteredAt = m.now()
	return m
}

func (m *Machine) acquire(ctx context.Context) error {
	if m.policy == BusyReject {
		select {
		case m.writer <- struct{}{}:
			return nil
		default:
			return domain.ErrSessionBusy
		}
	}
	select {
	case m.writer <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", domain.ErrSessionBusy, ctx.Err())
	}
}

func (m *Machine) release() { <-m.writer }

// Transition applies ev and returns the new state. Rejected events leave the
// machine untouched.
func (m *Machine) Transition(ctx context.Context, ev domain.Event) (domain.WorkflowState, error) {
	if !ev.Type.Valid() {
		return m.Current(), fmt.Errorf("%w: %q", domain.ErrMalformedEvent, ev.Type)
	}
	if err := m.acquire(ctx); err != nil {
		return m.Current(), err
	}
	defer m.release()

	m.mu.Lock()
	from := m.state
	to, ok := lookup(from, ev.Type)
	if !ok {
		m.mu.Unlock()
		return from, &domain.StateTransitionError{From: from, Event: ev.Type}
	}
	if err := m.guard(from, ev); err != nil {
		m.mu.Unlock()
		return from, err
	}

	rec := domain.TransitionRecord{At: m.now(), From: from, To: to, Event: ev}
	m.state = to
	m.enteredAt = rec.At
	m.history = append(m.history, rec)
	if over := len(m.history) - m.limit; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}

	switch {
	case to == domain.StateAwaitingConfirmation:
		m.pendingPlan = ev.PlanID
	case ev.Type == domain.EventUserConfirms:
		m.confirmedPlan = ev.PlanID
		m.pendingPlan = ""
	default:
		m.pendingPlan = ""
	}
	if to != domain.StateExecuting {
		m.confirmedPlan = ""
	}
	m.mu.Unlock()

	m.logger.Debug("transition", "session_id", m.sessionID, "from", from, "to", to, "event", ev.Type)
	if m.hooks.OnTransition != nil {
		m.hooks.OnTransition(ctx, &domain.TransitionEvent{Timestamp: rec.At, SessionID: m.sessionID, Record: rec})
	}
	return to, nil
}

func (m *Machine) guard(from domain.WorkflowState, ev domain.Event) error {
	reject := func(reason string) error {
		return &domain.StateTransitionError{From: from, Event: ev.Type, Reason: reason}
	}
	switch {
	case from == domain.StateContextResolved && ev.Type == domain.EventExecute:
		if ev.MaxRisk != domain.RiskLow {
			return reject(fmt.Sprintf("risk %q requires confirmation", ev.MaxRisk))
		}
	case ev.Type == domain.EventNeedsConfirmation:
		if ev.PlanID == "" {
			return reject("no plan to confirm")
		}
	case ev.Type == domain.EventUserConfirms:
		if ev.PlanID == "" || ev.PlanID != m.pendingPlan {
			return reject(fmt.Sprintf("plan %q is not awaiting confirmation", ev.PlanID))
		}
	}
	return nil
}

// Rollback undoes the most recent transition.
func (m *Machine) Rollback(ctx context.Context) (domain.WorkflowState, error) {
	if err := m.acquire(ctx); err != nil {
		return m.Current(), err
	}
	defer m.release()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return m.state, domain.ErrNoHistory
	}
	last := m.history[len(m.history)-1]
	m.history = m.history[:len(m.history)-1]
	m.state = last.From
	m.enteredAt = m.now()
	m.confirmedPlan = ""
	m.pendingPlan = ""
	if last.From == domain.StateAwaitingConfirmation {
		m.pendingPlan = last.Event.PlanID
	}
	m.logger.Debug("rollback", "session_id", m.sessionID, "from", last.To, "to", last.From)
	return m.state, nil
}

func (m *Machine) Current() domain.WorkflowState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// EnteredAt is when the current state was entered.
func (m *Machine) EnteredAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enteredAt
}

// PendingPlan is the plan awaiting confirmation, if any.
func (m *Machine) PendingPlan() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingPlan
}

// ConfirmedPlan is the plan the user confirmed, set only while Executing.
func (m *Machine) ConfirmedPlan() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.confirmedPlan
}

// History returns a copy of the retained records, oldest first.
func (m *Machine) History() []domain.TransitionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history)
}

// RecordContext stores a resolved entity, selection or identifier.
func (m *Machine) RecordContext(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.context[key] = value
}

// MergeContext records every pair of values.
func (m *Machine) MergeContext(values map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maps.Copy(m.context, values)
}

// Context returns a copy of the accumulated context.
func (m *Machine) Context() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.context)
}
