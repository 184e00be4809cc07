package tessera

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/orchestrator"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/aretw0/tessera/pkg/registry"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/aretw0/tessera/pkg/statemachine"
	"github.com/aretw0/tessera/pkg/stream"
)

// DefaultDeadline applies to capabilities that declare none.
const DefaultDeadline = 10 * time.Second

// Runtime is the high-level entry point for the Tessera library.
// It wires the registry, the session manager and the orchestrator, and
// exposes the orchestrator's session API directly.
type Runtime struct {
	*orchestrator.Orchestrator

	logger *slog.Logger
}

type catalogBinding struct {
	loader  ports.CatalogLoader
	resolve registry.HandlerResolver
}

type settings struct {
	registry     *registry.Registry
	capabilities []domain.Capability
	catalogs     []catalogBinding
	deadline     time.Duration
	parser       ports.IntentParser
	store        ports.SnapshotStore
	locker       ports.SessionLocker
	transport    session.TransportFactory
	busy         statemachine.BusyPolicy
	hooks        []domain.LifecycleHooks
	sessionOpts  []session.Option
	orchOpts     []orchestrator.Option
	logger       *slog.Logger
}

// Option defines a functional option for configuring the Runtime.
type Option func(*settings)

// WithRegistry starts from an existing registry instead of an empty one.
func WithRegistry(reg *registry.Registry) Option {
	return func(s *settings) { s.registry = reg }
}

// WithCapabilities registers capabilities declared in Go.
func WithCapabilities(caps ...domain.Capability) Option {
	return func(s *settings) { s.capabilities = append(s.capabilities, caps...) }
}

// WithCatalog registers every declaration of loader, bound through resolve.
func WithCatalog(loader ports.CatalogLoader, resolve registry.HandlerResolver) Option {
	return func(s *settings) { s.catalogs = append(s.catalogs, catalogBinding{loader, resolve}) }
}

// WithDefaultDeadline sets the deadline of capabilities that declare none.
func WithDefaultDeadline(d time.Duration) Option {
	return func(s *settings) { s.deadline = d }
}

// WithParser sets the reasoning step that turns text into intents.
func WithParser(p ports.IntentParser) Option {
	return func(s *settings) { s.parser = p }
}

// WithStore persists session snapshots.
func WithStore(store ports.SnapshotStore) Option {
	return func(s *settings) { s.store = store }
}

// WithLocker coordinates session locks across replicas.
func WithLocker(l ports.SessionLocker) Option {
	return func(s *settings) { s.locker = l }
}

// WithTransport sets where sessions without an explicit transport stream to.
func WithTransport(f session.TransportFactory) Option {
	return func(s *settings) { s.transport = f }
}

// WithBusyPolicy decides whether a second request on a busy session waits or fails.
func WithBusyPolicy(p statemachine.BusyPolicy) Option {
	return func(s *settings) { s.busy = p }
}

// WithLifecycleHooks registers observability hooks. They receive
// transitions, capability calls and envelopes alike.
func WithLifecycleHooks(hooks ...domain.LifecycleHooks) Option {
	return func(s *settings) { s.hooks = append(s.hooks, hooks...) }
}

// WithSessionOptions passes extra options to the session manager.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *settings) { s.sessionOpts = append(s.sessionOpts, opts...) }
}

// WithOrchestratorOptions passes extra options to the orchestrator.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(s *settings) { s.orchOpts = append(s.orchOpts, opts...) }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// New builds a Runtime. Catalogs are loaded with ctx; the registry is
// sealed before New returns.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	s := &settings{
		deadline: DefaultDeadline,
		busy:     statemachine.BusyQueue,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	reg := s.registry
	if reg == nil {
		reg = registry.New(registry.WithDefaultDeadline(s.deadline))
	}
	for _, c := range s.capabilities {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	for _, cat := range s.catalogs {
		specs, err := cat.loader.Specs(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load catalog: %w", err)
		}
		if err := reg.RegisterSpecs(specs, cat.resolve); err != nil {
			return nil, err
		}
	}

	hooks := domain.ChainHooks(s.hooks...)
	sessionOpts := []session.Option{
		session.WithBusyPolicy(s.busy),
		session.WithMachineOptions(statemachine.WithHooks(hooks), statemachine.WithLogger(s.logger)),
		session.WithEmitterOptions(stream.WithHooks(hooks), stream.WithLogger(s.logger)),
		session.WithLogger(s.logger),
	}
	if s.transport != nil {
		sessionOpts = append(sessionOpts, session.WithTransportFactory(s.transport))
	}
	if s.store != nil {
		sessionOpts = append(sessionOpts, session.WithStore(s.store))
	}
	if s.locker != nil {
		sessionOpts = append(sessionOpts, session.WithLocker(s.locker))
	}
	sessions := session.NewManager(append(sessionOpts, s.sessionOpts...)...)

	orchOpts := []orchestrator.Option{
		orchestrator.WithHooks(hooks),
		orchestrator.WithLogger(s.logger),
	}
	if s.parser != nil {
		orchOpts = append(orchOpts, orchestrator.WithParser(s.parser))
	}
	orch, err := orchestrator.New(reg, sessions, append(orchOpts, s.orchOpts...)...)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Runtime ready", "capabilities", len(reg.List()))
	return &Runtime{Orchestrator: orch, logger: s.logger}, nil
}
