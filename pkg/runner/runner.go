package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/orchestrator"
)

// Orchestrator is the part of *orchestrator.Orchestrator the runner drives.
type Orchestrator interface {
	SubmitIntent(ctx context.Context, id, text string) (orchestrator.Reply, error)
	Confirm(ctx context.Context, id, planID string) (orchestrator.Reply, error)
	Reject(ctx context.Context, id string) (orchestrator.Reply, error)
	Select(ctx context.Context, id, optionID string) (orchestrator.Reply, error)
	Retry(ctx context.Context, id, stepID string) (orchestrator.Reply, error)
	Cancel(ctx context.Context, id, reason string) (orchestrator.Reply, error)
	Inspect(ctx context.Context, id string) (orchestrator.View, error)
}

// InterruptReason is recorded when Ctrl+C cancels a request.
const InterruptReason = "interrupted by user"

// Runner handles the console loop of one session.
type Runner struct {
	orch       Orchestrator
	sessionID  string
	handler    IOHandler
	interrupts <-chan struct{}
	logger     *slog.Logger

	// last is the most recent reply, used to fill in omitted arguments.
	last orchestrator.Reply
}

// Option defines a functional option for configuring the Runner.
type Option func(*Runner)

// WithInputHandler configures a custom IOHandler.
func WithInputHandler(handler IOHandler) Option {
	return func(r *Runner) {
		r.handler = handler
	}
}

// WithLogger configures the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithInterruptSource sets a channel that signals the runner to interrupt
// the current request. Without it, OS signals are used.
func WithInterruptSource(ch <-chan struct{}) Option {
	return func(r *Runner) {
		r.interrupts = ch
	}
}

// NewRunner creates a Runner for sessionID with a text handler on stdio.
func NewRunner(orch Orchestrator, sessionID string, opts ...Option) *Runner {
	r := &Runner{
		orch:      orch,
		sessionID: sessionID,
		logger:    logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.handler == nil {
		r.handler = NewTextHandler(nil, nil)
	}
	return r
}

// Run reads and dispatches commands until the input ends, /quit is typed,
// an interrupt arrives at the prompt or ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	interrupts := r.interrupts
	if interrupts == nil {
		signals := NewSignalManager()
		defer signals.Stop()
		interrupts = signals.Interrupts(ctx)
	}

	for {
		cmd, interrupted, err := r.read(ctx, interrupts)
		if interrupted || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("input error: %w", err)
		}
		if cmd.Action == ActionQuit {
			return nil
		}

		res := r.dispatch(ctx, cmd, interrupts)
		if err := r.handler.Output(ctx, res); err != nil {
			return fmt.Errorf("output error: %w", err)
		}
	}
}

// read waits for the next command. An interrupt while waiting ends the loop.
func (r *Runner) read(ctx context.Context, interrupts <-chan struct{}) (Command, bool, error) {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var interrupted bool
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case _, ok := <-interrupts:
			interrupted = ok
			cancel()
		case <-readCtx.Done():
		}
	}()

	cmd, err := r.handler.Input(readCtx)
	cancel()
	<-watcher
	if interrupted {
		return Command{}, true, nil
	}
	return cmd, false, err
}

// dispatch runs cmd. An interrupt while it runs cancels the request in
// flight; the command still returns what the orchestrator replied.
func (r *Runner) dispatch(ctx context.Context, cmd Command, interrupts <-chan struct{}) Result {
	done := make(chan Result, 1)
	go func() { done <- r.exec(ctx, cmd) }()

	select {
	case res := <-done:
		return r.remember(res)
	case _, ok := <-interrupts:
		if ok {
			r.logger.Info("Interrupt received, canceling request", "session_id", r.sessionID, "action", cmd.Action)
			if _, err := r.orch.Cancel(context.WithoutCancel(ctx), r.sessionID, InterruptReason); err != nil {
				r.logger.Warn("Cancel failed", "session_id", r.sessionID, "err", err)
			}
		}
		return r.remember(<-done)
	}
}

func (r *Runner) remember(res Result) Result {
	if res.Err == nil && res.View == nil && res.Reply.SessionID != "" {
		r.last = res.Reply
	}
	return res
}

func (r *Runner) exec(ctx context.Context, cmd Command) Result {
	res := Result{Command: cmd}
	id := r.sessionID
	switch cmd.Action {
	case ActionIntent:
		res.Reply, res.Err = r.orch.SubmitIntent(ctx, id, cmd.Arg)
	case ActionConfirm:
		plan := cmd.Arg
		if plan == "" {
			plan = r.last.PlanID
		}
		res.Reply, res.Err = r.orch.Confirm(ctx, id, plan)
	case ActionReject:
		res.Reply, res.Err = r.orch.Reject(ctx, id)
	case ActionSelect:
		res.Reply, res.Err = r.orch.Select(ctx, id, r.option(cmd.Arg))
	case ActionRetry:
		res.Reply, res.Err = r.orch.Retry(ctx, id, cmd.Arg)
	case ActionCancel:
		reason := cmd.Arg
		if reason == "" {
			reason = "canceled by user"
		}
		res.Reply, res.Err = r.orch.Cancel(ctx, id, reason)
	case ActionState:
		v, err := r.orch.Inspect(ctx, id)
		if err == nil {
			res.View = &v
		}
		res.Err = err
	case ActionHelp:
	default:
		res.Err = fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Action)
	}
	if res.Err != nil {
		r.logger.Debug("Command failed", "session_id", id, "action", cmd.Action, "err", res.Err)
	}
	return res
}

// option maps a 1-based position in the last offered options to its ID.
// Anything else is taken as an option ID.
func (r *Runner) option(arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(r.last.Options) {
		return arg
	}
	return r.last.Options[n-1].ID
}
