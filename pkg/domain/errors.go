package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is wrapped by every StateTransitionError.
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrMalformedEvent is returned for events outside the vocabulary.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrNoHistory is returned by Rollback on an empty history.
	ErrNoHistory = errors.New("no transition history")
	// ErrSessionBusy is returned when a session already has a writer and the
	// busy policy rejects instead of queueing.
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionNotFound is returned when a session ID is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when creating a session with a taken ID.
	ErrSessionExists = errors.New("session already exists")
)

// Graph sentinels, wrapped by GraphStructuralError.
var (
	ErrDuplicateNode  = errors.New("duplicate node")
	ErrParentNotFound = errors.New("parent not found")
	ErrNodeNotFound   = errors.New("node not found")
	ErrInvalidNode    = errors.New("invalid node")
	ErrVersionTooOld  = errors.New("version older than retained log")
)

// Registry and routing errors.
var (
	ErrDuplicateCapability = errors.New("capability already registered")
	ErrInvalidCapability   = errors.New("invalid capability")
	ErrUnknownCapability   = errors.New("unknown capability")
	ErrRegistrySealed      = errors.New("registry sealed")
	ErrDependencyCycle     = errors.New("capability dependency cycle")
)

// Capability outcome causes carried by CapabilityResult.Err.
var (
	ErrCapabilityTimeout  = errors.New("capability timed out")
	ErrCapabilityCanceled = errors.New("capability canceled")
	ErrCapabilityPanic    = errors.New("capability panicked")
	ErrDependencyFailed   = errors.New("dependency failed")
)

// Orchestration errors.
var (
	ErrNoPendingPlan    = errors.New("no plan awaiting confirmation")
	ErrPlanMismatch     = errors.New("plan does not match the pending confirmation")
	ErrNoPendingChoice  = errors.New("no clarification pending")
	ErrUnknownOption    = errors.New("unknown clarification option")
	ErrRetryNotAllowed  = errors.New("step cannot be retried")
	ErrStreamClosed     = errors.New("stream closed")
	ErrStreamNotStarted = errors.New("stream not started")
)

// StateTransitionError reports a rejected workflow move. The session is unchanged.
type StateTransitionError struct {
	From   WorkflowState
	Event  EventType
	Reason string
}

func (e *StateTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("illegal transition from %s on %s: %s", e.From, e.Event, e.Reason)
	}
	return fmt.Sprintf("illegal transition from %s on %s", e.From, e.Event)
}

func (e *StateTransitionError) Unwrap() error { return ErrIllegalTransition }

// GraphStructuralError reports a rejected graph operation. The graph is unchanged.
type GraphStructuralError struct {
	Op     OpKind
	NodeID string
	Err    error
}

func (e *GraphStructuralError) Error() string {
	return fmt.Sprintf("graph %s %q: %v", e.Op, e.NodeID, e.Err)
}

func (e *GraphStructuralError) Unwrap() error { return e.Err }

// StreamTransportError is terminal for the stream it occurred on.
type StreamTransportError struct {
	RequestID string
	Err       error
}

func (e *StreamTransportError) Error() string {
	return fmt.Sprintf("stream %s: transport: %v", e.RequestID, e.Err)
}

func (e *StreamTransportError) Unwrap() error { return e.Err }
