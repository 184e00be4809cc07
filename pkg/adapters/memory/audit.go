package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/aretw0/tessera/pkg/domain"
)

// AuditLog implements ports.AuditSink in memory.
type AuditLog struct {
	mu      sync.Mutex
	records []domain.TransitionEvent
}

func NewAuditLog() *AuditLog { return &AuditLog{} }

func (a *AuditLog) Record(_ context.Context, ev *domain.TransitionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, *ev)
	return nil
}

// Records returns the recorded transitions, oldest first.
func (a *AuditLog) Records() []domain.TransitionEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.records)
}
