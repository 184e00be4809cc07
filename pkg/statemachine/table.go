package statemachine

import (
	"slices"

	"github.com/aretw0/tessera/pkg/domain"
)

type key struct {
	from  domain.WorkflowState
	event domain.EventType
}

var table = map[key]domain.WorkflowState{
	{domain.StateIdle, domain.EventIntent}:                             domain.StateIntentCaptured,
	{domain.StateIntentCaptured, domain.EventContextResolved}:          domain.StateContextResolved,
	{domain.StateContextResolved, domain.EventPlanned}:                 domain.StateProcessing,
	{domain.StateContextResolved, domain.EventExecute}:                 domain.StateExecuting,
	{domain.StateProcessing, domain.EventFirstChunkReady}:              domain.StateRendered,
	{domain.StateRendered, domain.EventNeedsConfirmation}:              domain.StateAwaitingConfirmation,
	{domain.StateRendered, domain.EventNeedsClarification}:             domain.StateAwaitingClarification,
	{domain.StateRendered, domain.EventComplete}:                       domain.StateUpdated,
	{domain.StateAwaitingConfirmation, domain.EventUserConfirms}:       domain.StateExecuting,
	{domain.StateAwaitingConfirmation, domain.EventUserCancels}:        domain.StateIdle,
	{domain.StateAwaitingConfirmation, domain.EventExpire}:             domain.StateError,
	{domain.StateAwaitingClarification, domain.EventUserSelects}:       domain.StateContextResolved,
	{domain.StateAwaitingClarification, domain.EventUserCancels}:       domain.StateIdle,
	{domain.StateAwaitingClarification, domain.EventExpire}:            domain.StateError,
	{domain.StateExecuting, domain.EventSuccess}:                       domain.StateUpdated,
	{domain.StateUpdated, domain.EventReset}:                           domain.StateIdle,
	{domain.StateError, domain.EventReset}:                             domain.StateIdle,
}

// lookup resolves the target of (from, event). fail and cancel lead to Error
// from every state except Error itself.
func lookup(from domain.WorkflowState, event domain.EventType) (domain.WorkflowState, bool) {
	if to, ok := table[key{from, event}]; ok {
		return to, true
	}
	if (event == domain.EventFail || event == domain.EventCancel) && from != domain.StateError {
		return domain.StateError, true
	}
	return "", false
}

// Edge is one legal move.
type Edge struct {
	From  domain.WorkflowState
	Event domain.EventType
	To    domain.WorkflowState
}

// Edges lists every legal move, ordered by source state then event.
func Edges() []Edge {
	events := []domain.EventType{
		domain.EventIntent, domain.EventContextResolved, domain.EventPlanned, domain.EventExecute,
		domain.EventFirstChunkReady, domain.EventNeedsConfirmation, domain.EventNeedsClarification,
		domain.EventComplete, domain.EventUserConfirms, domain.EventUserCancels, domain.EventUserSelects,
		domain.EventSuccess, domain.EventFail, domain.EventExpire, domain.EventCancel, domain.EventReset,
	}
	var out []Edge
	for _, from := range domain.AllStates {
		for _, ev := range events {
			if to, ok := lookup(from, ev); ok {
				out = append(out, Edge{From: from, Event: ev, To: to})
			}
		}
	}
	return out
}

// Allowed returns the events accepted in state s.
func Allowed(s domain.WorkflowState) []domain.EventType {
	var out []domain.EventType
	for _, e := range Edges() {
		if e.From == s && !slices.Contains(out, e.Event) {
			out = append(out, e.Event)
		}
	}
	return out
}
