package ports

import (
	"context"
	"time"
)

// UnlockFunc releases a lock taken by a SessionLocker.
type UnlockFunc func(ctx context.Context) error

// SessionLocker serializes work on one session across replicas that share
// a SnapshotStore. The in-process mutex of the session manager still
// applies; this lock only spans processes.
type SessionLocker interface {
	// Lock blocks until the lock on key is held or ctx is done. The lock
	// expires after ttl so a crashed holder cannot wedge the session.
	Lock(ctx context.Context, key string, ttl time.Duration) (UnlockFunc, error)
}
