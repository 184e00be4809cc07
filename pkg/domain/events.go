package domain

import (
	"context"
	"time"
)

// TransitionEvent reports an accepted state change.
type TransitionEvent struct {
	Timestamp time.Time        `json:"timestamp"`
	SessionID string           `json:"session_id"`
	Record    TransitionRecord `json:"record"`
}

// CapabilityEvent reports a capability invocation or its outcome.
type CapabilityEvent struct {
	Timestamp  time.Time     `json:"timestamp"`
	SessionID  string        `json:"session_id,omitempty"`
	PlanID     string        `json:"plan_id"`
	StepID     string        `json:"step_id"`
	Capability string        `json:"capability"`
	Risk       RiskTier      `json:"risk"`
	Status     ResultStatus  `json:"status,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Err        error         `json:"-"`
}

// EnvelopeEvent reports an envelope written to a transport.
type EnvelopeEvent struct {
	Timestamp time.Time       `json:"timestamp"`
	Envelope  *StreamEnvelope `json:"envelope"`
	Err       error           `json:"-"`
}

// LifecycleHooks defines callbacks for runtime observability. Any field may be nil.
type LifecycleHooks struct {
	OnTransition       func(context.Context, *TransitionEvent)
	OnCapabilityCall   func(context.Context, *CapabilityEvent)
	OnCapabilityReturn func(context.Context, *CapabilityEvent)
	OnEnvelope         func(context.Context, *EnvelopeEvent)
}

// ChainHooks fans each callback out to every non-nil hook, in order.
func ChainHooks(hooks ...LifecycleHooks) LifecycleHooks {
	var out LifecycleHooks
	for _, h := range hooks {
		out.OnTransition = chain(out.OnTransition, h.OnTransition)
		out.OnCapabilityCall = chain(out.OnCapabilityCall, h.OnCapabilityCall)
		out.OnCapabilityReturn = chain(out.OnCapabilityReturn, h.OnCapabilityReturn)
		out.OnEnvelope = chain(out.OnEnvelope, h.OnEnvelope)
	}
	return out
}

func chain[E any](a, b func(context.Context, E)) func(context.Context, E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e E) {
		a(ctx, e)
		b(ctx, e)
	}
}
