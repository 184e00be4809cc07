package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/executor"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/aretw0/tessera/pkg/registry"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/google/uuid"
)

var (
	// ErrNoParser is returned by SubmitIntent when no IntentParser is configured.
	ErrNoParser = errors.New("no intent parser configured")
	// ErrCanceled is returned by a request interrupted by Cancel or by its stream watchdog.
	ErrCanceled = errors.New("request canceled")
)

const (
	DefaultAwaitTimeout  = 5 * time.Minute
	DefaultSessionTTL    = 30 * time.Minute
	DefaultSweepInterval = 30 * time.Second
)

// Context keys recorded by the orchestrator.
const (
	KeyTenantID       = "tenant_id"
	KeyUserID         = "user_id"
	KeyIntent         = "intent"
	KeySelectedOption = "selected_option"
)

type Orchestrator struct {
	reg      *registry.Registry
	router   *registry.Router
	executor *executor.Executor
	sessions *session.Manager
	parser   ports.IntentParser

	hooks        domain.LifecycleHooks
	awaitTimeout time.Duration
	sessionTTL   time.Duration
	sweepEvery   time.Duration
	newID        func() string
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithParser sets the reasoning step used by SubmitIntent.
func WithParser(p ports.IntentParser) Option {
	return func(o *Orchestrator) { o.parser = p }
}

// WithHooks receives capability events. Transition and envelope hooks are
// configured on the session manager.
func WithHooks(h domain.LifecycleHooks) Option {
	return func(o *Orchestrator) { o.hooks = h }
}

// WithAwaitTimeout bounds how long a session may wait for a confirmation or
// a selection. Zero disables expiry.
func WithAwaitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.awaitTimeout = d }
}

// WithSessionTTL ends sessions idle for longer than d. Zero disables it.
func WithSessionTTL(d time.Duration) Option {
	return func(o *Orchestrator) { o.sessionTTL = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.sweepEvery = d
		}
	}
}

// WithIDGenerator sets the generator of request and plan IDs.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New seals reg if needed; capabilities cannot change once sessions run.
func New(reg *registry.Registry, sessions *session.Manager, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		reg:          reg,
		sessions:     sessions,
		awaitTimeout: DefaultAwaitTimeout,
		sessionTTL:   DefaultSessionTTL,
		sweepEvery:   DefaultSweepInterval,
		newID:        uuid.NewString,
		now:          time.Now,
		logger:       logging.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if !reg.Sealed() {
		if err := reg.Seal(); err != nil {
			return nil, err
		}
	}
	o.router = registry.NewRouter(reg, registry.WithIDGenerator(o.newID), registry.WithRouterLogger(o.logger))
	o.executor = executor.New(reg,
		executor.WithHooks(o.hooks),
		executor.WithLogger(o.logger),
		executor.WithClock(o.now),
	)
	return o, nil
}

// Sessions returns the session manager.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Registry returns the sealed capability registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Reply summarizes a session after an operation. The envelopes themselves
// go to the session's transport.
type Reply struct {
	SessionID string                    `json:"session_id"`
	RequestID string                    `json:"request_id,omitempty"`
	State     domain.WorkflowState      `json:"state"`
	Version   uint64                    `json:"version"`
	PlanID    string                    `json:"plan_id,omitempty"`
	Options   []domain.Option           `json:"options,omitempty"`
	Results   []domain.CapabilityResult `json:"results,omitempty"`
}

func (o *Orchestrator) reply(s *session.Session, requestID string) Reply {
	r := Reply{
		SessionID: s.ID,
		RequestID: requestID,
		State:     s.Machine.Current(),
		Version:   s.Graph.Version(),
	}
	if s.Pending != nil {
		r.PlanID = s.Pending.ID()
	}
	if s.Clarification != nil {
		if c, ok := s.Clarification.Clarification(); ok {
			r.Options = c.Options
		}
	}
	return r
}

func (o *Orchestrator) withSession(ctx context.Context, id string, fn func(context.Context, *session.Session) (Reply, error)) (Reply, error) {
	var reply Reply
	err := o.sessions.WithLock(ctx, id, func(ctx context.Context, s *session.Session) error {
		var err error
		reply, err = fn(ctx, s)
		return err
	})
	return reply, err
}

// transition applies a caller-driven event. A rejection is the caller's
// problem: the session is untouched and nothing is streamed.
func (o *Orchestrator) transition(ctx context.Context, s *session.Session, ev domain.Event) error {
	if _, err := s.Machine.Transition(ctx, ev); err != nil {
		o.logger.Debug("event rejected", "session_id", s.ID, "event", ev.Type, "err", err)
		return err
	}
	return nil
}

// StartSession creates a session in Idle for an opaque tenant and user.
func (o *Orchestrator) StartSession(ctx context.Context, spec session.Spec) (Reply, error) {
	s, err := o.sessions.Create(ctx, spec)
	if err != nil {
		return Reply{}, err
	}
	return o.withSession(ctx, s.ID, func(ctx context.Context, s *session.Session) (Reply, error) {
		s.Machine.MergeContext(map[string]any{
			executor.KeySessionID: s.ID,
			KeyTenantID:           s.TenantID,
			KeyUserID:             s.UserID,
		})
		return o.reply(s, ""), nil
	})
}

// EndSession destroys a session, interrupting any request in flight.
func (o *Orchestrator) EndSession(ctx context.Context, id string) error {
	return o.sessions.End(ctx, id)
}

// ListSessions returns the IDs of live and stored sessions.
func (o *Orchestrator) ListSessions(ctx context.Context) ([]string, error) {
	return o.sessions.List(ctx)
}

// View is a read-only picture of a session.
type View struct {
	SessionID   string                    `json:"session_id"`
	TenantID    string                    `json:"tenant_id"`
	UserID      string                    `json:"user_id"`
	State       domain.WorkflowState      `json:"state"`
	EnteredAt   time.Time                 `json:"entered_at"`
	Version     uint64                    `json:"version"`
	Nodes       []domain.Node             `json:"nodes"`
	History     []domain.TransitionRecord `json:"history"`
	Context     map[string]any            `json:"context"`
	PendingPlan string                    `json:"pending_plan,omitempty"`
	Options     []domain.Option           `json:"options,omitempty"`
	Retryable   []string                  `json:"retryable,omitempty"`
}

// Inspect returns the current view of a session.
func (o *Orchestrator) Inspect(ctx context.Context, id string) (View, error) {
	var v View
	err := o.sessions.Peek(ctx, id, func(_ context.Context, s *session.Session) error {
		r := o.reply(s, "")
		v = View{
			SessionID:   s.ID,
			TenantID:    s.TenantID,
			UserID:      s.UserID,
			State:       r.State,
			EnteredAt:   s.Machine.EnteredAt(),
			Version:     r.Version,
			Nodes:       s.Graph.Snapshot(),
			History:     s.Machine.History(),
			Context:     s.Machine.Context(),
			PendingPlan: r.PlanID,
			Options:     r.Options,
			Retryable:   slices.Sorted(maps.Keys(s.Failed)),
		}
		return nil
	})
	return v, err
}

// Diff returns the graph operations applied after version since, and the
// current version, for renderers that need to resync.
func (o *Orchestrator) Diff(ctx context.Context, id string, since uint64) ([]domain.GraphOperation, uint64, error) {
	var (
		ops     []domain.GraphOperation
		version uint64
	)
	err := o.sessions.Peek(ctx, id, func(_ context.Context, s *session.Session) error {
		var err error
		ops, err = s.Graph.Diff(since)
		version = s.Graph.Version()
		return err
	})
	return ops, version, err
}
