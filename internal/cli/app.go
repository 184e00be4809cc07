package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aretw0/tessera"
	"github.com/aretw0/tessera/internal/config"
	"github.com/aretw0/tessera/internal/intent"
	"github.com/aretw0/tessera/pkg/adapters/file"
	"github.com/aretw0/tessera/pkg/adapters/loam"
	"github.com/aretw0/tessera/pkg/adapters/memory"
	"github.com/aretw0/tessera/pkg/adapters/process"
	"github.com/aretw0/tessera/pkg/adapters/redis"
	"github.com/aretw0/tessera/pkg/adapters/sqlaudit"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/observability"
	"github.com/aretw0/tessera/pkg/orchestrator"
	"github.com/aretw0/tessera/pkg/persistence/middleware"
	"github.com/aretw0/tessera/pkg/ports"
	"github.com/aretw0/tessera/pkg/registry"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/aretw0/tessera/pkg/statemachine"
	"github.com/aretw0/tessera/pkg/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// App is a runtime assembled from configuration, plus the resources it
// owns.
type App struct {
	Runtime *tessera.Runtime
	// Metrics serves the app's private Prometheus registry. Nil when
	// metrics are disabled.
	Metrics http.Handler
	Logger  *slog.Logger

	closers []func() error
}

// Close releases the store and audit connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Sources are the declarations a catalog is built from.
type Sources struct {
	Loaders  []ports.CatalogLoader
	Commands map[string]process.Command
	Rules    *intent.RuleSet
	// Dir is the Loam catalog, kept for watching. Nil without catalog.dir.
	Dir *loam.Catalog
}

// Specs concatenates the specs of every loader.
func (s Sources) Specs(ctx context.Context) ([]registry.CapabilitySpec, error) {
	var all []registry.CapabilitySpec
	for _, l := range s.Loaders {
		specs, err := l.Specs(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, specs...)
	}
	return all, nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// LoadSources reads the manifest, the Loam catalog directory, the command
// allow-list and the intent rules named by cfg. Missing optional files are
// skipped; a configuration that yields no loader at all is an error.
func LoadSources(cfg config.Config) (Sources, error) {
	var src Sources
	if exists(cfg.Catalog.Manifest) {
		m, err := registry.LoadManifest(cfg.Catalog.Manifest)
		if err != nil {
			return Sources{}, err
		}
		src.Loaders = append(src.Loaders, memory.NewCatalog(m.Capabilities...))
	}
	if cfg.Catalog.Dir != "" {
		dir, err := loam.Open(cfg.Catalog.Dir)
		if err != nil {
			return Sources{}, err
		}
		src.Dir = dir
		src.Loaders = append(src.Loaders, dir)
	}
	if len(src.Loaders) == 0 {
		return Sources{}, fmt.Errorf("no capability catalog: set catalog.manifest or catalog.dir")
	}

	commands, err := process.LoadCommands(cfg.Catalog.Commands)
	if err != nil {
		return Sources{}, err
	}
	src.Commands = commands

	if exists(cfg.Intent.Rules) {
		rs, err := intent.LoadRules(cfg.Intent.Rules)
		if err != nil {
			return Sources{}, err
		}
		src.Rules = rs
	}
	return src, nil
}

// OpenStore builds the snapshot store named by cfg, wrapped in the PII and
// encryption middlewares. The locker is nil unless distributed locking is on.
func OpenStore(cfg config.StoreConfig) (ports.SnapshotStore, ports.SessionLocker, func() error, error) {
	var (
		store  ports.SnapshotStore
		locker ports.SessionLocker
		closer = func() error { return nil }
	)
	switch cfg.Driver {
	case "memory":
		store = memory.NewStore()
	case "file":
		store = file.New(cfg.Path)
	case "redis":
		rs, err := redis.NewFromURL(cfg.RedisURL, redis.WithTTL(cfg.TTL), redis.WithPrefix(cfg.Prefix))
		if err != nil {
			return nil, nil, nil, err
		}
		store, closer = rs, rs.Close
		if cfg.DistributedLock {
			locker = redis.NewLocker(rs.Client(), cfg.Prefix)
		}
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	// Masking runs before encryption, so the ciphertext never holds the
	// original values.
	var mws []middleware.Middleware
	if len(cfg.PIIPatterns) > 0 {
		pii, err := middleware.NewPIIMiddleware(cfg.PIIPatterns)
		if err != nil {
			_ = closer()
			return nil, nil, nil, err
		}
		mws = append(mws, pii)
	}
	active, fallback, err := cfg.Keys()
	if err != nil {
		_ = closer()
		return nil, nil, nil, err
	}
	if active != nil {
		enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: active, FallbackKeys: fallback})
		if err != nil {
			_ = closer()
			return nil, nil, nil, err
		}
		mws = append(mws, enc)
	}
	return middleware.Chain(store, mws...), locker, closer, nil
}

// Build assembles a runtime from cfg. Extra options, typically the
// transport of the calling surface, are applied last.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, extra ...tessera.Option) (*App, error) {
	app := &App{Logger: logger}
	fail := func(err error) (*App, error) {
		if closeErr := app.Close(); closeErr != nil {
			logger.Warn("Cleanup after failed start", "err", closeErr)
		}
		return nil, err
	}

	src, err := LoadSources(cfg)
	if err != nil {
		return nil, err
	}

	store, locker, closeStore, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeStore)

	hooks := []domain.LifecycleHooks{observability.LogHooks(logger)}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := observability.NewMetrics(reg, cfg.Metrics.Namespace)
		if err != nil {
			return fail(err)
		}
		hooks = append(hooks, m.Hooks())
		app.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	if cfg.Audit.Driver != "" {
		sink, err := sqlaudit.Open(ctx, cfg.Audit.Driver, cfg.Audit.DSN, sqlaudit.WithLogger(logger))
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, sink.Close)
		hooks = append(hooks, observability.AuditHooks(sink, logger))
	}

	commandsDir := filepath.Dir(cfg.Catalog.Commands)
	handlers := process.NewRunner(
		process.WithCommands(src.Commands),
		process.WithBaseDir(commandsDir),
		process.WithLogger(logger),
	)

	busy := statemachine.BusyQueue
	if cfg.Session.BusyPolicy == "reject" {
		busy = statemachine.BusyReject
	}

	opts := []tessera.Option{
		tessera.WithDefaultDeadline(cfg.Catalog.DefaultDeadline),
		tessera.WithStore(store),
		tessera.WithBusyPolicy(busy),
		tessera.WithLifecycleHooks(hooks...),
		tessera.WithSessionOptions(
			session.WithMachineOptions(statemachine.WithHistoryLimit(cfg.Session.HistoryLimit)),
			session.WithEmitterOptions(
				stream.WithQueueSize(cfg.Session.QueueSize),
				stream.WithIdleTimeout(cfg.Session.StreamIdle),
			),
		),
		tessera.WithOrchestratorOptions(
			orchestrator.WithAwaitTimeout(cfg.Session.AwaitTimeout),
			orchestrator.WithSessionTTL(cfg.Session.TTL),
			orchestrator.WithSweepInterval(cfg.Session.SweepInterval),
		),
		tessera.WithLogger(logger),
	}
	for _, l := range src.Loaders {
		opts = append(opts, tessera.WithCatalog(l, handlers.Resolver()))
	}
	if locker != nil {
		opts = append(opts, tessera.WithLocker(locker))
	}
	if src.Rules != nil {
		opts = append(opts, tessera.WithParser(intent.NewRuleParser(src.Rules, intent.WithLogger(logger))))
	}

	rt, err := tessera.New(ctx, append(opts, extra...)...)
	if err != nil {
		return fail(fmt.Errorf("failed to build runtime: %w", err))
	}
	app.Runtime = rt
	logger.Info("Runtime ready",
		"capabilities", len(rt.Registry().List()),
		"store", cfg.Store.Driver,
		"audit", cfg.Audit.Driver != "",
		"parser", src.Rules != nil,
	)
	return app, nil
}
