package statemachine

import (
	"maps"
	"slices"

	"github.com/aretw0/tessera/pkg/domain"
)

// Snapshot is the persistable form of a Machine.
type Snapshot = domain.MachineSnapshot

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		State:       m.state,
		EnteredAt:   m.enteredAt,
		History:     slices.Clone(m.history),
		Context:     maps.Clone(m.context),
		PendingPlan: m.pendingPlan,
	}
}

// FromSnapshot rebuilds a machine. A confirmed plan is never restored: a
// session cannot resume Executing from persistence.
func FromSnapshot(s Snapshot, opts ...Option) *Machine {
	m := New(opts...)
	m.state = s.State
	if m.state == "" {
		m.state = domain.StateIdle
	}
	if !s.EnteredAt.IsZero() {
		m.enteredAt = s.EnteredAt
	}
	m.history = slices.Clone(s.History)
	if over := len(m.history) - m.limit; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
	if s.Context != nil {
		m.context = maps.Clone(s.Context)
	}
	if m.state == domain.StateAwaitingConfirmation {
		m.pendingPlan = s.PendingPlan
	}
	return m
}
