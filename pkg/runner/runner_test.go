package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	method string
	arg    string
}

type fakeOrchestrator struct {
	mu     sync.Mutex
	calls  []call
	reply  orchestrator.Reply
	err    error
	block  chan struct{} // when set, SubmitIntent waits on it
	cancel chan struct{}

	started   chan struct{}
	startOnce sync.Once
}

func (f *fakeOrchestrator) record(method, arg string) (orchestrator.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method, arg})
	return f.reply, f.err
}

func (f *fakeOrchestrator) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeOrchestrator) SubmitIntent(ctx context.Context, id, text string) (orchestrator.Reply, error) {
	if f.block != nil {
		f.startOnce.Do(func() { close(f.started) })
		select {
		case <-f.block:
		case <-f.cancel:
		}
	}
	return f.record("intent", text)
}
func (f *fakeOrchestrator) Confirm(_ context.Context, _, planID string) (orchestrator.Reply, error) {
	return f.record("confirm", planID)
}
func (f *fakeOrchestrator) Reject(context.Context, string) (orchestrator.Reply, error) {
	return f.record("reject", "")
}
func (f *fakeOrchestrator) Select(_ context.Context, _, optionID string) (orchestrator.Reply, error) {
	return f.record("select", optionID)
}
func (f *fakeOrchestrator) Retry(_ context.Context, _, stepID string) (orchestrator.Reply, error) {
	return f.record("retry", stepID)
}
func (f *fakeOrchestrator) Cancel(_ context.Context, _, reason string) (orchestrator.Reply, error) {
	reply, err := f.record("cancel", reason)
	if f.cancel != nil {
		select {
		case <-f.cancel:
		default:
			close(f.cancel)
		}
	}
	return reply, err
}
func (f *fakeOrchestrator) Inspect(_ context.Context, id string) (orchestrator.View, error) {
	f.record("inspect", id)
	return orchestrator.View{SessionID: id, State: domain.StateAwaitingConfirmation, PendingPlan: "p1", Retryable: []string{"s2"}}, nil
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"weather in lisbon", Command{Action: ActionIntent, Arg: "weather in lisbon"}},
		{"/confirm p-1", Command{Action: ActionConfirm, Arg: "p-1"}},
		{"/y", Command{Action: ActionConfirm}},
		{"/NO", Command{Action: ActionReject}},
		{"/select  2 ", Command{Action: ActionSelect, Arg: "2"}},
		{"/retry s1", Command{Action: ActionRetry, Arg: "s1"}},
		{"/cancel too slow", Command{Action: ActionCancel, Arg: "too slow"}},
		{"/status", Command{Action: ActionState}},
		{"/exit", Command{Action: ActionQuit}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseCommand("/teleport")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRunner_TextSession(t *testing.T) {
	orch := &fakeOrchestrator{reply: orchestrator.Reply{
		SessionID: "s",
		PlanID:    "plan-7",
		Options:   []domain.Option{{ID: "alpha"}, {ID: "beta"}},
	}}
	input := strings.Join([]string{
		"",
		"book a flight",
		"/confirm",
		"/select 2",
		"/select gamma",
		"/retry s1",
		"/reject",
		"/teleport",
		"/state",
		"/quit",
		"never read",
	}, "\n")
	var out bytes.Buffer
	r := NewRunner(orch, "s",
		WithInputHandler(NewTextHandler(strings.NewReader(input), &out)),
		WithInterruptSource(make(chan struct{})),
	)

	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []call{
		{"intent", "book a flight"},
		{"confirm", "plan-7"},
		{"select", "beta"},
		{"select", "gamma"},
		{"retry", "s1"},
		{"reject", ""},
		{"inspect", "s"},
	}, orch.Calls())
	text := out.String()
	assert.Contains(t, text, "unknown command: /teleport")
	assert.Contains(t, text, "session s: AwaitingConfirmation")
	assert.Contains(t, text, "waiting for /confirm p1")
	assert.Contains(t, text, "retryable: s2")
}

func TestRunner_ReportsErrors(t *testing.T) {
	orch := &fakeOrchestrator{err: domain.ErrNoPendingPlan}
	var out bytes.Buffer
	r := NewRunner(orch, "s",
		WithInputHandler(NewTextHandler(strings.NewReader("/confirm x\n"), &out)),
		WithInterruptSource(make(chan struct{})),
	)

	require.NoError(t, r.Run(context.Background()))
	assert.Contains(t, out.String(), "Error: no plan awaiting confirmation")
}

func TestRunner_InterruptCancelsInFlightRequest(t *testing.T) {
	orch := &fakeOrchestrator{
		reply:   orchestrator.Reply{SessionID: "s"},
		block:   make(chan struct{}),
		cancel:  make(chan struct{}),
		started: make(chan struct{}),
	}
	interrupts := make(chan struct{})
	pr, pw := io.Pipe()
	defer pw.Close()

	r := NewRunner(orch, "s",
		WithInputHandler(NewTextHandler(pr, io.Discard)),
		WithInterruptSource(interrupts),
	)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	_, err := pw.Write([]byte("slow thing\n"))
	require.NoError(t, err)

	// Let the request start, then interrupt it.
	select {
	case <-orch.started:
	case <-time.After(time.Second):
		t.Fatal("request never started")
	}
	interrupts <- struct{}{}

	require.Eventually(t, func() bool {
		calls := orch.Calls()
		return len(calls) == 2 && calls[0].method == "cancel" && calls[1].method == "intent"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, InterruptReason, orch.Calls()[0].arg)

	// A second interrupt at the prompt ends the loop.
	interrupts <- struct{}{}
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on interrupt at the prompt")
	}
}

func TestRunner_JSONHandler(t *testing.T) {
	orch := &fakeOrchestrator{reply: orchestrator.Reply{SessionID: "s", State: domain.StateUpdated}}
	input := strings.Join([]string{
		`"what is the weather"`,
		`{"action":"confirm","arg":"p9"}`,
		`{"action":"warp"}`,
		`plain words`,
	}, "\n")
	var out bytes.Buffer
	r := NewRunner(orch, "s",
		WithInputHandler(NewJSONHandler(strings.NewReader(input), &out)),
		WithInterruptSource(make(chan struct{})),
	)

	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, []call{
		{"intent", "what is the weather"},
		{"confirm", "p9"},
		{"intent", "plain words"},
	}, orch.Calls())

	dec := json.NewDecoder(&out)
	var lines []map[string]any
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 4)
	assert.Equal(t, "Updated", lines[0]["reply"].(map[string]any)["state"])
	assert.Contains(t, lines[2]["error"], "unknown command")
}
