package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/ports"
)

// AuditHooks forwards transitions to sink. A failed write is logged and
// never blocks the transition, which has already been committed.
func AuditHooks(sink ports.AuditSink, logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnTransition: func(ctx context.Context, e *domain.TransitionEvent) {
			if err := sink.Record(context.WithoutCancel(ctx), e); err != nil {
				logger.Warn("Failed to audit transition",
					"session_id", e.SessionID,
					"event", e.Record.Event.Type,
					"err", err,
				)
			}
		},
	}
}

// LogHooks writes lifecycle events as structured logs.
func LogHooks(logger *slog.Logger) domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnTransition: func(ctx context.Context, e *domain.TransitionEvent) {
			logger.InfoContext(ctx, "transition",
				"session_id", e.SessionID,
				"from", e.Record.From,
				"to", e.Record.To,
				"event", e.Record.Event.Type,
			)
		},
		OnCapabilityCall: func(ctx context.Context, e *domain.CapabilityEvent) {
			logger.DebugContext(ctx, "capability_call",
				"plan_id", e.PlanID,
				"step_id", e.StepID,
				"capability", e.Capability,
			)
		},
		OnCapabilityReturn: func(ctx context.Context, e *domain.CapabilityEvent) {
			level := slog.LevelInfo
			if e.Status != domain.ResultSuccess {
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, "capability_return",
				"plan_id", e.PlanID,
				"step_id", e.StepID,
				"capability", e.Capability,
				"status", e.Status,
				"duration", e.Duration,
				"err", e.Err,
			)
		},
		OnEnvelope: func(ctx context.Context, e *domain.EnvelopeEvent) {
			if e.Err != nil {
				logger.WarnContext(ctx, "envelope_failed", "err", e.Err)
			}
		},
	}
}
