package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/aretw0/tessera/pkg/orchestrator"
)

// Result is what the runner reports after a command.
type Result struct {
	Command Command            `json:"command"`
	Reply   orchestrator.Reply `json:"reply"`
	View    *orchestrator.View `json:"view,omitempty"`
	Err     error              `json:"-"`
}

func (r Result) MarshalJSON() ([]byte, error) {
	type alias Result
	out := struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// IOHandler defines the strategy for interacting with the user.
// This allows switching between Text (console) and JSON (structured) modes.
type IOHandler interface {
	// Input blocks until the next command or until ctx is done.
	Input(ctx context.Context) (Command, error)
	// Output reports the outcome of a command.
	Output(ctx context.Context, res Result) error
}

type inputResult struct {
	text string
	err  error
}

// linePump reads lines in the background so Input can give up on ctx.
type linePump struct {
	reader    *bufio.Reader
	lines     chan inputResult
	startOnce sync.Once
}

func (p *linePump) next(ctx context.Context) (string, error) {
	p.startOnce.Do(func() {
		p.lines = make(chan inputResult)
		go p.pump()
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-p.lines:
		if !ok {
			return "", io.EOF
		}
		return res.text, res.err
	}
}

func (p *linePump) pump() {
	defer close(p.lines)
	for {
		text, err := p.reader.ReadString('\n')
		if text != "" {
			p.lines <- inputResult{text: text}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.lines <- inputResult{err: err}
			}
			return
		}
	}
}

// TextHandler implements the interactive console interface.
type TextHandler struct {
	Writer io.Writer
	pump   *linePump
}

// NewTextHandler creates a handler for standard text IO.
func NewTextHandler(r io.Reader, w io.Writer) *TextHandler {
	if r == nil {
		r = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}
	return &TextHandler{Writer: w, pump: &linePump{reader: bufio.NewReader(r)}}
}

func (h *TextHandler) Input(ctx context.Context) (Command, error) {
	for {
		// Only show prompt if context is not yet done
		if ctx.Err() != nil {
			return Command{}, ctx.Err()
		}
		fmt.Fprint(h.Writer, "> ")

		text, err := h.pump.next(ctx)
		if err != nil {
			return Command{}, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		clean, err := SanitizeInput(text)
		if err != nil {
			fmt.Fprintf(h.Writer, "Error: %v. Please try again.\n", err)
			continue
		}
		cmd, err := ParseCommand(clean)
		if err != nil {
			fmt.Fprintf(h.Writer, "Error: %v. Type /help for commands.\n", err)
			continue
		}
		return cmd, nil
	}
}

func (h *TextHandler) Output(_ context.Context, res Result) error {
	switch {
	case res.Err != nil:
		_, err := fmt.Fprintf(h.Writer, "Error: %v\n", res.Err)
		return err
	case res.Command.Action == ActionHelp:
		_, err := fmt.Fprintln(h.Writer, helpText)
		return err
	case res.View != nil:
		return h.view(*res.View)
	}
	return nil
}

func (h *TextHandler) view(v orchestrator.View) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "session %s: %s (graph v%d, %d nodes)\n", v.SessionID, v.State, v.Version, len(v.Nodes))
	if v.PendingPlan != "" {
		fmt.Fprintf(&sb, "  waiting for /confirm %s\n", v.PendingPlan)
	}
	for i, o := range v.Options {
		fmt.Fprintf(&sb, "  option %d: %s (%s)\n", i+1, o.Label, o.ID)
	}
	if len(v.Retryable) > 0 {
		fmt.Fprintf(&sb, "  retryable: %s\n", strings.Join(v.Retryable, ", "))
	}
	_, err := io.WriteString(h.Writer, sb.String())
	return err
}

// JSONHandler implements the IOHandler interface for JSON-Lines hosts.
// Each input line is a Command object or a JSON string (an intent); each
// result is written as one JSON object.
type JSONHandler struct {
	Encoder *json.Encoder
	pump    *linePump
	mu      sync.Mutex
}

// NewJSONHandler creates a handler for JSON IO.
func NewJSONHandler(r io.Reader, w io.Writer) *JSONHandler {
	if r == nil {
		r = os.Stdin
	}
	if w == nil {
		w = os.Stdout
	}
	return &JSONHandler{Encoder: json.NewEncoder(w), pump: &linePump{reader: bufio.NewReader(r)}}
}

func (h *JSONHandler) Input(ctx context.Context) (Command, error) {
	for {
		text, err := h.pump.next(ctx)
		if err != nil {
			return Command{}, err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		cmd, err := decodeCommand(text)
		if err != nil {
			if encErr := h.Output(ctx, Result{Err: err}); encErr != nil {
				return Command{}, encErr
			}
			continue
		}
		return cmd, nil
	}
}

func decodeCommand(text string) (Command, error) {
	var cmd Command
	if err := json.Unmarshal([]byte(text), &cmd); err == nil && cmd.Action != "" {
		if _, known := aliases[string(cmd.Action)]; !known && cmd.Action != ActionIntent {
			return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Action)
		}
		cmd.Arg, err = SanitizeInput(cmd.Arg)
		return cmd, err
	}
	// Try to unquote if it's a JSON string, else treat the raw line as text.
	var s string
	if err := json.Unmarshal([]byte(text), &s); err == nil {
		text = s
	}
	clean, err := SanitizeInput(text)
	if err != nil {
		return Command{}, err
	}
	return Command{Action: ActionIntent, Arg: clean}, nil
}

func (h *JSONHandler) Output(_ context.Context, res Result) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Encoder.Encode(res)
}
