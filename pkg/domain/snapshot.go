package domain

import "time"

// MachineSnapshot is the persistable form of a session's state machine.
type MachineSnapshot struct {
	State       WorkflowState      `json:"state"`
	EnteredAt   time.Time          `json:"entered_at"`
	History     []TransitionRecord `json:"history"`
	Context     map[string]any     `json:"context"`
	PendingPlan string             `json:"pending_plan,omitempty"`
}

// SessionSnapshot is what a SnapshotStore persists for one session.
// Execution plans and in-flight requests are not part of it.
type SessionSnapshot struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	UserID       string          `json:"user_id"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	Machine      MachineSnapshot `json:"machine"`
	Nodes        []Node          `json:"nodes"`
	GraphVersion uint64          `json:"graph_version"`
	Sequence     uint64          `json:"sequence"`
	LastGood     map[string]any  `json:"last_good,omitempty"`
}
