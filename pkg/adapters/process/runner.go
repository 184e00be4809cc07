package process

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/registry"
)

// EnvPrefix prefixes the environment variables carrying capability inputs.
const EnvPrefix = "TESSERA_INPUT_"

// DefaultGracePeriod is how long a canceled process may take to exit after
// the interrupt before it is killed.
const DefaultGracePeriod = 5 * time.Second

// ErrNotRegistered is returned for capabilities with no allow-listed command.
var ErrNotRegistered = errors.New("process not registered")

// Runner executes allow-listed local processes as capability handlers.
// Inputs travel as environment variables, never as arguments, so callers
// cannot inject flags.
type Runner struct {
	commands map[string]Command
	baseDir  string
	grace    time.Duration
	logger   *slog.Logger
}

// Option configures the runner.
type Option func(*Runner)

// WithCommands populates the allow-list from a loaded config.
func WithCommands(commands map[string]Command) Option {
	return func(r *Runner) {
		for name, c := range commands {
			c.Name = name
			r.commands[name] = c
		}
	}
}

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) Option {
	return func(r *Runner) { r.baseDir = dir }
}

// WithGracePeriod bounds the wait between interrupt and kill.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) { r.grace = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// NewRunner creates a Runner with an empty allow-list unless configured.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		commands: make(map[string]Command),
		grace:    DefaultGracePeriod,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted command to the allow-list.
func (r *Runner) Register(name, command string, args ...string) {
	r.commands[name] = Command{Name: name, Command: command, Args: args}
}

// Names lists the registered capability names.
func (r *Runner) Names() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns the capability handler for name.
func (r *Runner) Handler(name string) (domain.CapabilityHandler, error) {
	c, ok := r.commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return func(ctx context.Context, inputs map[string]any) (any, error) {
		return r.run(ctx, c, inputs)
	}, nil
}

// Resolver binds manifest specs to allow-listed commands by name.
func (r *Runner) Resolver() registry.HandlerResolver {
	return func(spec registry.CapabilitySpec) (domain.CapabilityHandler, error) {
		h, err := r.Handler(spec.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrUnknownCapability, err)
		}
		return h, nil
	}
}

func (r *Runner) run(ctx context.Context, c Command, inputs map[string]any) (any, error) {
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = r.baseDir
	cmd.Env = append(cmd.Environ(), environ(c.Environment, inputs)...)
	if runtime.GOOS != "windows" {
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	}
	cmd.WaitDelay = r.grace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("Process finished", "capability", c.Name, "duration", time.Since(start), "err", err)

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s: %w", c.Name, ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("%s: execution failed: %w: %s", c.Name, err, strings.TrimSpace(stderr.String()))
	}
	return decodeOutput(stdout.String()), nil
}

// environ renders static env first so inputs win on collision.
func environ(static map[string]string, inputs map[string]any) []string {
	env := make([]string, 0, len(static)+len(inputs))
	for k, v := range static {
		env = append(env, k+"="+v)
	}
	for k, v := range inputs {
		env = append(env, EnvPrefix+strings.ToUpper(k)+"="+formatValue(v))
	}
	return env
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case int, int64, float64, bool, json.Number:
		return fmt.Sprintf("%v", v)
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}

// decodeOutput returns JSON stdout decoded, anything else as trimmed text.
func decodeOutput(out string) any {
	trimmed := strings.TrimSpace(out)
	if (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return trimmed
}
