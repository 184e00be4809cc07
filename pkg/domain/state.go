package domain

import "time"

// WorkflowState is the authoritative position of a session in its interaction cycle.
type WorkflowState string

const (
	StateIdle                  WorkflowState = "Idle"
	StateIntentCaptured        WorkflowState = "IntentCaptured"
	StateContextResolved       WorkflowState = "ContextResolved"
	StateProcessing            WorkflowState = "Processing"
	StateRendered              WorkflowState = "Rendered"
	StateAwaitingConfirmation  WorkflowState = "AwaitingConfirmation"
	StateAwaitingClarification WorkflowState = "AwaitingClarification"
	StateExecuting             WorkflowState = "Executing"
	StateUpdated               WorkflowState = "Updated"
	StateError                 WorkflowState = "Error"
)

// AllStates lists every workflow state in cycle order.
var AllStates = []WorkflowState{
	StateIdle,
	StateIntentCaptured,
	StateContextResolved,
	StateProcessing,
	StateRendered,
	StateAwaitingConfirmation,
	StateAwaitingClarification,
	StateExecuting,
	StateUpdated,
	StateError,
}

// IsTerminal reports whether s ends an interaction cycle.
func (s WorkflowState) IsTerminal() bool {
	return s == StateUpdated || s == StateError
}

// IsAwaiting reports whether s is parked on a human decision.
func (s WorkflowState) IsAwaiting() bool {
	return s == StateAwaitingConfirmation || s == StateAwaitingClarification
}

// EventType names a workflow event.
type EventType string

const (
	EventIntent             EventType = "intent"
	EventContextResolved    EventType = "contextResolved"
	EventPlanned            EventType = "planned"
	EventExecute            EventType = "execute"
	EventFirstChunkReady    EventType = "firstChunkReady"
	EventNeedsConfirmation  EventType = "needsConfirmation"
	EventNeedsClarification EventType = "needsClarification"
	EventComplete           EventType = "complete"
	EventUserConfirms       EventType = "userConfirms"
	EventUserCancels        EventType = "userCancels"
	EventUserSelects        EventType = "userSelects"
	EventSuccess            EventType = "success"
	EventFail               EventType = "fail"
	EventExpire             EventType = "expire"
	EventCancel             EventType = "cancel"
	EventReset              EventType = "reset"
)

var knownEvents = map[EventType]struct{}{
	EventIntent: {}, EventContextResolved: {}, EventPlanned: {}, EventExecute: {},
	EventFirstChunkReady: {}, EventNeedsConfirmation: {}, EventNeedsClarification: {},
	EventComplete: {}, EventUserConfirms: {}, EventUserCancels: {}, EventUserSelects: {},
	EventSuccess: {}, EventFail: {}, EventExpire: {}, EventCancel: {}, EventReset: {},
}

// Valid reports whether t belongs to the event vocabulary.
func (t EventType) Valid() bool {
	_, ok := knownEvents[t]
	return ok
}

// Event is a request to move a session's state machine.
type Event struct {
	Type EventType `json:"type"`
	// PlanID identifies the plan a gate event refers to.
	PlanID string `json:"plan_id,omitempty"`
	// MaxRisk is the highest risk tier of the steps an event would run.
	MaxRisk RiskTier `json:"max_risk,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

// TransitionRecord is an immutable history entry.
type TransitionRecord struct {
	At    time.Time     `json:"at"`
	From  WorkflowState `json:"from"`
	To    WorkflowState `json:"to"`
	Event Event         `json:"event"`
}
