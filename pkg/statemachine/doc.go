// Package statemachine holds the authoritative workflow state of one session.
//
// Moves are validated against a static (state, event) table. The machine is a
// single writer: concurrent Transition calls are serialized, and depending on
// the BusyPolicy an overlapping call either waits its turn or fails fast with
// domain.ErrSessionBusy. Every accepted move is appended to a bounded history
// that supports Rollback and audit.
//
// The core safety rule lives here: Executing is only reachable from
// AwaitingConfirmation through userConfirms for the pending plan, or from
// ContextResolved through execute when the plan's highest risk tier is low.
package statemachine
