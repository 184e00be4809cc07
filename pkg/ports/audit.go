package ports

import (
	"context"

	"github.com/aretw0/tessera/pkg/domain"
)

// AuditSink records accepted state transitions for later review.
type AuditSink interface {
	Record(ctx context.Context, ev *domain.TransitionEvent) error
}
