package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/graph"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/aretw0/tessera/pkg/statemachine"
	"github.com/aretw0/tessera/pkg/stream"
	"github.com/google/uuid"
)

// DefaultLockTTL bounds how long a distributed session lock is held.
const DefaultLockTTL = 30 * time.Second

// Spec describes a session to create.
type Spec struct {
	// ID is generated when empty.
	ID       string
	TenantID string
	UserID   string
	// Transport receives the session's envelopes. When nil the manager's
	// transport factory is used.
	Transport stream.Transport
}

// TransportFactory builds the transport of a session the manager creates or restores.
type TransportFactory func(sessionID string) stream.Transport

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager owns the live sessions and serializes access to each of them.
// It uses reference counting to garbage collect unused locks.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*lockEntry

	store      ports.SnapshotStore
	locker     ports.SessionLocker
	lockTTL    time.Duration
	policy     statemachine.BusyPolicy
	transports TransportFactory
	machine    []statemachine.Option
	graph      []graph.Option
	emitter    []stream.Option
	newID      func() string
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithStore enables snapshot persistence.
func WithStore(store ports.SnapshotStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithLocker enables distributed locking.
func WithLocker(locker ports.SessionLocker) Option {
	return func(m *Manager) { m.locker = locker }
}

func WithLockTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lockTTL = d
		}
	}
}

// WithBusyPolicy decides whether a request on a busy session waits or fails.
func WithBusyPolicy(p statemachine.BusyPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

func WithTransportFactory(f TransportFactory) Option {
	return func(m *Manager) { m.transports = f }
}

// WithMachineOptions are applied to every session's state machine.
func WithMachineOptions(opts ...statemachine.Option) Option {
	return func(m *Manager) { m.machine = append(m.machine, opts...) }
}

func WithGraphOptions(opts ...graph.Option) Option {
	return func(m *Manager) { m.graph = append(m.graph, opts...) }
}

func WithEmitterOptions(opts ...stream.Option) Option {
	return func(m *Manager) { m.emitter = append(m.emitter, opts...) }
}

func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a session manager. Without a store, sessions live in memory only.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*lockEntry),
		lockTTL:  DefaultLockTTL,
		newID:    uuid.NewString,
		now:      time.Now,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.transports == nil {
		m.transports = func(string) stream.Transport { return stream.NewBufferTransport(0) }
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(sessionID) after unlocking.
func (m *Manager) acquire(sessionID string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		entry = &lockEntry{}
		m.locks[sessionID] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[sessionID]
	if !exists {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, sessionID)
	}
}

// Create starts a new session in Idle.
func (m *Manager) Create(ctx context.Context, spec Spec) (*Session, error) {
	if spec.ID == "" {
		spec.ID = m.newID()
	}
	var created *Session
	err := m.lock(ctx, spec.ID, statemachine.BusyReject, func(ctx context.Context) error {
		if _, ok := m.live(spec.ID); ok {
			return fmt.Errorf("%w: %s", domain.ErrSessionExists, spec.ID)
		}
		if m.store != nil {
			_, err := m.store.Load(ctx, spec.ID)
			if err == nil {
				return fmt.Errorf("%w: %s", domain.ErrSessionExists, spec.ID)
			}
			if !errors.Is(err, domain.ErrSessionNotFound) {
				return fmt.Errorf("failed to check session existence: %w", err)
			}
		}

		s := newSession(spec.ID, spec.TenantID, spec.UserID, m.now())
		m.build(s, spec.Transport, 0, nil)
		if m.store != nil {
			// Persist immediately to reserve the ID
			if err := m.store.Save(ctx, s.Snapshot()); err != nil {
				return fmt.Errorf("failed to initialize session: %w", err)
			}
		}
		m.mu.Lock()
		m.sessions[s.ID] = s
		m.mu.Unlock()
		created = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("session started", "session_id", created.ID, "tenant_id", created.TenantID)
	return created, nil
}

func (m *Manager) build(s *Session, t stream.Transport, seq uint64, g *graph.Graph) {
	if t == nil {
		t = m.transports(s.ID)
	}
	machineOpts := append([]statemachine.Option{
		statemachine.WithSessionID(s.ID),
		statemachine.WithLogger(m.logger),
	}, m.machine...)
	if s.Machine == nil {
		s.Machine = statemachine.New(machineOpts...)
	}
	if g == nil {
		g = graph.New(m.graph...)
	}
	s.Graph = g
	emitterOpts := append([]stream.Option{stream.WithLogger(m.logger), stream.WithSequence(seq)}, m.emitter...)
	s.Emitter = stream.NewEmitter(t, stream.Identity{SessionID: s.ID, TenantID: s.TenantID, UserID: s.UserID}, emitterOpts...)
}

func (m *Manager) live(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Get returns a live session, restoring it from the store if needed.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if s, ok := m.live(id); ok {
		return s, nil
	}
	if m.store == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	var restored *Session
	err := m.lock(ctx, id, statemachine.BusyQueue, func(ctx context.Context) error {
		if s, ok := m.live(id); ok {
			restored = s
			return nil
		}
		snap, err := m.store.Load(ctx, id)
		if err != nil {
			return err
		}
		s, err := m.restore(ctx, snap)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()
		restored = s
		return nil
	})
	return restored, err
}

// restore rebuilds a session. Execution plans are not persisted, so a session
// caught mid-flight is failed and reset to Idle.
func (m *Manager) restore(ctx context.Context, snap *domain.SessionSnapshot) (*Session, error) {
	s := newSession(snap.ID, snap.TenantID, snap.UserID, snap.CreatedAt)
	s.lastActivity = snap.LastActivity
	if snap.LastGood != nil {
		s.LastGood = snap.LastGood
	}
	g, err := graph.Restore(snap.Nodes, snap.GraphVersion, m.graph...)
	if err != nil {
		return nil, fmt.Errorf("failed to restore graph of session %s: %w", snap.ID, err)
	}
	machineOpts := append([]statemachine.Option{
		statemachine.WithSessionID(snap.ID),
		statemachine.WithLogger(m.logger),
	}, m.machine...)
	s.Machine = statemachine.FromSnapshot(snap.Machine, machineOpts...)
	m.build(s, nil, snap.Sequence, g)

	if state := s.Machine.Current(); state != domain.StateIdle {
		if state != domain.StateError {
			if _, err := s.Machine.Transition(ctx, domain.Event{Type: domain.EventFail, Reason: "session restored mid-flight"}); err != nil {
				return nil, err
			}
		}
		if _, err := s.Machine.Transition(ctx, domain.Event{Type: domain.EventReset}); err != nil {
			return nil, err
		}
		m.logger.Warn("restored session was mid-flight, reset to idle", "session_id", snap.ID, "state", state)
	}
	m.logger.Info("session restored", "session_id", snap.ID)
	return s, nil
}

// WithLock executes fn while holding the session lock, following the busy policy.
// The session is persisted after fn returns.
func (m *Manager) WithLock(ctx context.Context, id string, fn func(context.Context, *Session) error) error {
	return m.withSession(ctx, id, m.policy, fn)
}

// WithLockQueued is WithLock that always waits for the lock, whatever the
// busy policy. Cancellation and expiry use it.
func (m *Manager) WithLockQueued(ctx context.Context, id string, fn func(context.Context, *Session) error) error {
	return m.withSession(ctx, id, statemachine.BusyQueue, fn)
}

// Peek executes fn under the session lock without touching or persisting the
// session. Read-only views use it.
func (m *Manager) Peek(ctx context.Context, id string, fn func(context.Context, *Session) error) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.lock(ctx, id, statemachine.BusyQueue, func(ctx context.Context) error {
		return fn(ctx, s)
	})
}

func (m *Manager) withSession(ctx context.Context, id string, policy statemachine.BusyPolicy, fn func(context.Context, *Session) error) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.lock(ctx, id, policy, func(ctx context.Context) error {
		// The session may have ended while we waited.
		if _, ok := m.live(id); !ok {
			return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
		}
		err := fn(ctx, s)
		s.touch(m.now())
		m.persist(ctx, s)
		return err
	})
}

func (m *Manager) persist(ctx context.Context, s *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(context.WithoutCancel(ctx), s.Snapshot()); err != nil {
		m.logger.Warn("Failed to persist session snapshot", "session_id", s.ID, "err", err)
	}
}

// lock executes fn while holding the local and, if configured, the distributed lock.
func (m *Manager) lock(ctx context.Context, id string, policy statemachine.BusyPolicy, fn func(context.Context) error) error {
	entry := m.acquire(id)
	defer m.release(id)

	if policy == statemachine.BusyReject {
		if !entry.mu.TryLock() {
			return fmt.Errorf("%w: %s", domain.ErrSessionBusy, id)
		}
	} else {
		entry.mu.Lock()
	}
	defer entry.mu.Unlock()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, id, m.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"session_id", id,
					"err", err,
				)
			}
		}()
	}
	return fn(ctx)
}

// End destroys a session and its snapshot.
func (m *Manager) End(ctx context.Context, id string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if st, ok := s.Interrupt(); ok && st != nil {
		_ = st.Abort(ctx, s.Machine.Current(), "session ended")
	}
	err = m.lock(ctx, id, statemachine.BusyQueue, func(ctx context.Context) error {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		if m.store != nil {
			return m.store.Delete(ctx, id)
		}
		return nil
	})
	if err == nil {
		m.logger.Info("session ended", "session_id", id)
	}
	return err
}

// Sessions returns the live sessions, ordered by ID.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// List returns the IDs of live and stored sessions.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	var ids []string
	for _, s := range m.Sessions() {
		ids = append(ids, s.ID)
	}
	if m.store != nil {
		stored, err := m.store.List(ctx)
		if err != nil {
			return nil, err
		}
		ids = append(ids, stored...)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// Store returns the underlying snapshot store, which may be nil.
func (m *Manager) Store() ports.SnapshotStore {
	return m.store
}
