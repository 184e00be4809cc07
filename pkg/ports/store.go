package ports

import (
	"context"

	"github.com/aretw0/tessera/pkg/domain"
)

// SnapshotStore persists session snapshots.
// This allows sessions to survive a restart of the runtime.
type SnapshotStore interface {
	// Save persists the snapshot under snap.ID, replacing any previous one.
	Save(ctx context.Context, snap *domain.SessionSnapshot) error

	// Load retrieves the snapshot for a session.
	// Returns domain.ErrSessionNotFound if the session does not exist.
	Load(ctx context.Context, sessionID string) (*domain.SessionSnapshot, error)

	// Delete removes the snapshot for a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// List returns the IDs of every stored session.
	List(ctx context.Context) ([]string, error)
}
