package ports

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunSnapshotStoreContract runs a suite of tests to verify that a SnapshotStore
// implementation adheres to the defined interface contract.
func RunSnapshotStoreContract(t *testing.T, store SnapshotStore) {
	ctx := context.Background()
	sessionID := "contract-test-session-" + time.Now().Format("20060102150405")

	newSnapshot := func(id string) *domain.SessionSnapshot {
		return &domain.SessionSnapshot{
			ID:        id,
			TenantID:  "tenant",
			UserID:    "user",
			CreatedAt: time.Now().UTC().Truncate(time.Second),
			Machine: domain.MachineSnapshot{
				State:   domain.StateIdle,
				Context: map[string]any{"foo": "bar", "count": 42},
			},
			Nodes: []domain.Node{
				{ID: "r1", Type: domain.NodeAggregatedCard, Children: []string{"r1/a"}},
				{ID: "r1/a", Type: domain.NodeTextBlock, Parent: "r1", Props: map[string]any{"text": "hi"}},
			},
			GraphVersion: 3,
			Sequence:     7,
		}
	}

	t.Run("Save and Load", func(t *testing.T) {
		snap := newSnapshot(sessionID)
		require.NoError(t, store.Save(ctx, snap), "Save should not return error")

		loaded, err := store.Load(ctx, sessionID)
		require.NoError(t, err, "Load should not return error")
		assert.Equal(t, snap.ID, loaded.ID)
		assert.Equal(t, snap.TenantID, loaded.TenantID)
		assert.Equal(t, snap.Machine.State, loaded.Machine.State)
		assert.Equal(t, "bar", loaded.Machine.Context["foo"])
		// JSON backed stores turn ints into float64; only presence is part of the contract.
		assert.NotNil(t, loaded.Machine.Context["count"])
		require.Len(t, loaded.Nodes, 2)
		assert.Equal(t, "r1/a", loaded.Nodes[1].ID)
		assert.Equal(t, uint64(3), loaded.GraphVersion)
		assert.Equal(t, uint64(7), loaded.Sequence)
	})

	t.Run("Save overwrites", func(t *testing.T) {
		snap := newSnapshot(sessionID)
		snap.Machine.State = domain.StateUpdated
		require.NoError(t, store.Save(ctx, snap))

		loaded, err := store.Load(ctx, sessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.StateUpdated, loaded.Machine.State)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "non-existent-"+sessionID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, newSnapshot(sessionID)))

		require.NoError(t, store.Delete(ctx, sessionID), "Delete should not return error")

		_, err := store.Load(ctx, sessionID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound, "Load after Delete should return ErrSessionNotFound")
		assert.NoError(t, store.Delete(ctx, sessionID), "Delete of a missing session is a no-op")
	})

	t.Run("List", func(t *testing.T) {
		id1 := sessionID + "-1"
		id2 := sessionID + "-2"
		require.NoError(t, store.Save(ctx, newSnapshot(id1)))
		require.NoError(t, store.Save(ctx, newSnapshot(id2)))
		defer func() {
			_ = store.Delete(ctx, id1)
			_ = store.Delete(ctx, id2)
		}()

		sessions, err := store.List(ctx)
		require.NoError(t, err)
		assert.Contains(t, sessions, id1)
		assert.Contains(t, sessions, id2)
	})
}

// RunLockerContract verifies that a SessionLocker provides mutual exclusion per key.
func RunLockerContract(t *testing.T, locker SessionLocker) {
	ctx := context.Background()
	key := "contract-lock-" + time.Now().Format("20060102150405")

	t.Run("Exclusive per key", func(t *testing.T) {
		unlock, err := locker.Lock(ctx, key, 5*time.Second)
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(waitCtx, key, 5*time.Second)
		assert.Error(t, err, "second Lock on a held key must wait until the context ends")

		require.NoError(t, unlock(ctx))

		unlock2, err := locker.Lock(ctx, key, 5*time.Second)
		require.NoError(t, err, "Lock after unlock should succeed")
		require.NoError(t, unlock2(ctx))
	})

	t.Run("Independent keys", func(t *testing.T) {
		u1, err := locker.Lock(ctx, key+"-a", 5*time.Second)
		require.NoError(t, err)
		defer func() { _ = u1(ctx) }()

		waitCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		u2, err := locker.Lock(waitCtx, key+"-b", 5*time.Second)
		require.NoError(t, err)
		require.NoError(t, u2(ctx))
	})
}
