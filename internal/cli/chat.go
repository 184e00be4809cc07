package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aretw0/tessera"
	"github.com/aretw0/tessera/internal/config"
	"github.com/aretw0/tessera/internal/presentation/tui"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/runner"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/aretw0/tessera/pkg/stream"
)

// ChatOptions configures a console session.
type ChatOptions struct {
	// SessionID resumes a stored session, or names a new one.
	SessionID string
	TenantID  string
	UserID    string
	// JSON switches to line-delimited JSON commands and envelopes.
	JSON  bool
	Quiet bool
	Debug bool

	In  io.Reader
	Out io.Writer
}

// Chat runs an interactive console session until the input ends or the
// user quits. Ctrl+C cancels the request in flight; a second one at the
// prompt exits.
func Chat(ctx context.Context, cfg config.Config, opts ChatOptions) error {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	logger := createLogger(opts.Debug, cfg.Log)
	quiet := opts.Quiet || opts.JSON

	var (
		transport stream.Transport
		renderer  *tui.Renderer
		handler   runner.IOHandler
	)
	if opts.JSON {
		transport = stream.NewWriterTransport(opts.Out)
		handler = runner.NewJSONHandler(opts.In, opts.Out)
	} else {
		renderer = tui.NewRenderer(opts.Out, tui.WithRendererLogger(logger))
		transport = renderer
		handler = runner.NewTextHandler(opts.In, opts.Out)
	}
	if !quiet {
		tui.PrintBanner(opts.Out)
	}

	app, err := Build(ctx, cfg, logger, tessera.WithTransport(func(string) stream.Transport { return transport }))
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("Close failed", "err", err)
		}
	}()

	id, resumed, err := openSession(ctx, app.Runtime, opts)
	if err != nil {
		return err
	}
	if resumed {
		logger.Info("Session Resumed", "session_id", id)
		if renderer != nil {
			if v, err := app.Runtime.Inspect(ctx, id); err == nil {
				if err := renderer.Seed(v.Nodes, v.Version); err != nil {
					logger.Warn("Failed to restore view", "session_id", id, "err", err)
				} else {
					fmt.Fprint(opts.Out, renderer.Render())
				}
			}
		}
		if !quiet {
			printSystemMessage(opts.Out, "Resuming session '%s'.", id)
		}
	} else {
		logger.Info("Session Created", "session_id", id)
		if !quiet {
			printSystemMessage(opts.Out, "Session '%s' active. Type /help for commands.", id)
		}
	}

	r := runner.NewRunner(app.Runtime, id,
		runner.WithInputHandler(handler),
		runner.WithLogger(logger),
	)
	err = handleExecutionError(r.Run(ctx))
	if !quiet {
		if cfg.Store.Driver == "memory" {
			printSystemMessage(opts.Out, "Session '%s' closed.", id)
		} else {
			printSystemMessage(opts.Out, "Session '%s' saved.", id)
		}
	}
	return err
}

// openSession resumes opts.SessionID when the store knows it and starts a
// session otherwise.
func openSession(ctx context.Context, rt *tessera.Runtime, opts ChatOptions) (string, bool, error) {
	if opts.SessionID != "" {
		_, err := rt.Inspect(ctx, opts.SessionID)
		if err == nil {
			return opts.SessionID, true, nil
		}
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return "", false, err
		}
	}
	reply, err := rt.StartSession(ctx, session.Spec{ID: opts.SessionID, TenantID: opts.TenantID, UserID: opts.UserID})
	if err != nil {
		return "", false, err
	}
	return reply.SessionID, false, nil
}
