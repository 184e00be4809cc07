package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/tessera/pkg/adapters/memory"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/aretw0/tessera/pkg/statemachine"
	"github.com/aretw0/tessera/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CreateAndGet(t *testing.T) {
	mgr := session.NewManager(session.WithIDGenerator(func() string { return "generated" }))
	ctx := context.Background()

	s, err := mgr.Create(ctx, session.Spec{TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "generated", s.ID)
	assert.Equal(t, domain.StateIdle, s.Machine.Current())
	assert.Zero(t, s.Graph.Version())

	got, err := mgr.Get(ctx, "generated")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = mgr.Create(ctx, session.Spec{ID: "generated"})
	assert.ErrorIs(t, err, domain.ErrSessionExists)

	_, err = mgr.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestManager_EndRemovesSession(t *testing.T) {
	store := memory.NewStore()
	mgr := session.NewManager(session.WithStore(store))
	ctx := context.Background()

	_, err := mgr.Create(ctx, session.Spec{ID: "s1"})
	require.NoError(t, err)
	ids, err := mgr.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	require.NoError(t, mgr.End(ctx, "s1"))
	_, err = mgr.Get(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = store.Load(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestManager_WithLockSerializes(t *testing.T) {
	mgr := session.NewManager()
	ctx := context.Background()
	_, err := mgr.Create(ctx, session.Spec{ID: "race-test"})
	require.NoError(t, err)

	var inside, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := mgr.WithLock(ctx, "race-test", func(ctx context.Context, s *session.Session) error {
				n := inside.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestManager_BusyReject(t *testing.T) {
	mgr := session.NewManager(session.WithBusyPolicy(statemachine.BusyReject))
	ctx := context.Background()
	_, err := mgr.Create(ctx, session.Spec{ID: "busy"})
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = mgr.WithLock(ctx, "busy", func(context.Context, *session.Session) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err = mgr.WithLock(ctx, "busy", func(context.Context, *session.Session) error { return nil })
	assert.ErrorIs(t, err, domain.ErrSessionBusy)

	queued := make(chan error, 1)
	go func() {
		queued <- mgr.WithLockQueued(ctx, "busy", func(context.Context, *session.Session) error { return nil })
	}()
	close(release)
	assert.NoError(t, <-queued)
}

func TestManager_PropagatesCallbackError(t *testing.T) {
	mgr := session.NewManager()
	ctx := context.Background()
	_, err := mgr.Create(ctx, session.Spec{ID: "s"})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = mgr.WithLock(ctx, "s", func(context.Context, *session.Session) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestManager_PersistsAndRestores(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	first := session.NewManager(session.WithStore(store))
	s, err := first.Create(ctx, session.Spec{ID: "s1", TenantID: "t", UserID: "u"})
	require.NoError(t, err)
	err = first.WithLock(ctx, "s1", func(ctx context.Context, s *session.Session) error {
		_, err := s.Graph.Apply(domain.Append("", domain.Node{ID: "r1", Type: domain.NodeTextBlock, Props: map[string]any{"text": "hi"}}))
		require.NoError(t, err)
		s.Machine.RecordContext("calendar.read", "slots")
		s.LastGood["calendar.read"] = "slots"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Graph.Version())

	second := session.NewManager(session.WithStore(store))
	restored, err := second.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "t", restored.TenantID)
	assert.Equal(t, uint64(1), restored.Graph.Version())
	assert.True(t, restored.Graph.Has("r1"))
	assert.Equal(t, "slots", restored.Machine.Context()["calendar.read"])
	assert.Equal(t, "slots", restored.LastGood["calendar.read"])
	assert.Equal(t, domain.StateIdle, restored.Machine.Current())
}

func TestManager_RestoreResetsMidFlightSessions(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, &domain.SessionSnapshot{
		ID: "s1",
		Machine: domain.MachineSnapshot{
			State:       domain.StateAwaitingConfirmation,
			PendingPlan: "p1",
		},
	}))

	mgr := session.NewManager(session.WithStore(store))
	s, err := mgr.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, s.Machine.Current())
	assert.Empty(t, s.Machine.PendingPlan())

	hist := s.Machine.History()
	require.Len(t, hist, 2)
	assert.Equal(t, domain.StateError, hist[0].To)
	assert.Equal(t, domain.StateIdle, hist[1].To)
}

type countingLocker struct {
	locks, unlocks atomic.Int32
}

func (c *countingLocker) Lock(ctx context.Context, key string, ttl time.Duration) (ports.UnlockFunc, error) {
	c.locks.Add(1)
	return func(context.Context) error {
		c.unlocks.Add(1)
		return nil
	}, nil
}

func TestManager_UsesSessionLocker(t *testing.T) {
	locker := &countingLocker{}
	mgr := session.NewManager(session.WithLocker(locker))
	ctx := context.Background()

	_, err := mgr.Create(ctx, session.Spec{ID: "s"})
	require.NoError(t, err)
	require.NoError(t, mgr.WithLock(ctx, "s", func(context.Context, *session.Session) error { return nil }))

	assert.Equal(t, int32(2), locker.locks.Load())
	assert.Equal(t, locker.locks.Load(), locker.unlocks.Load())
}

func TestSession_InterruptCancelsAttachedRequest(t *testing.T) {
	mgr := session.NewManager()
	ctx := context.Background()
	s, err := mgr.Create(ctx, session.Spec{ID: "s"})
	require.NoError(t, err)

	_, ok := s.Interrupt()
	assert.False(t, ok, "nothing in flight")

	st := s.Emitter.Begin("r1")
	reqCtx, detach := s.Attach(ctx, st)
	got, ok := s.Interrupt()
	assert.True(t, ok)
	assert.Same(t, st, got)
	assert.ErrorIs(t, reqCtx.Err(), context.Canceled)

	detach()
	_, ok = s.Interrupt()
	assert.False(t, ok)
	_ = st.End(ctx, domain.StateIdle, "")
}

func TestSession_UsesTransportFactory(t *testing.T) {
	buf := stream.NewBufferTransport(0)
	mgr := session.NewManager(session.WithTransportFactory(func(string) stream.Transport { return buf }))
	ctx := context.Background()
	s, err := mgr.Create(ctx, session.Spec{ID: "s", TenantID: "t"})
	require.NoError(t, err)

	st := s.Emitter.Begin("r1")
	require.NoError(t, st.End(ctx, domain.StateIdle, ""))
	envs := buf.Drain("s")
	require.Len(t, envs, 1)
	assert.Equal(t, "t", envs[0].TenantID)
	assert.True(t, envs[0].Final)
}
