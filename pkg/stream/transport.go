package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
)

// Transport delivers envelopes to a renderer. Send must not reorder; a
// blocking Send is how a slow consumer applies backpressure.
type Transport interface {
	Send(ctx context.Context, env WireEnvelope) error
	// Close signals that no more envelopes follow for requestID.
	Close(ctx context.Context, requestID string) error
}

// WriterTransport writes one JSON document per line.
type WriterTransport struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewWriterTransport(w io.Writer) *WriterTransport {
	return &WriterTransport{enc: json.NewEncoder(w)}
}

func (t *WriterTransport) Send(_ context.Context, env WireEnvelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(env)
}

func (t *WriterTransport) Close(context.Context, string) error { return nil }

// BufferTransport keeps envelopes in memory per session until drained.
// Request/response front ends (MCP tools, tests) use it to return what a
// call emitted.
type BufferTransport struct {
	mu     sync.Mutex
	bufs   map[string][]WireEnvelope
	closed map[string]bool
	limit  int
}

// NewBufferTransport keeps at most limit envelopes per session; 0 means unbounded.
func NewBufferTransport(limit int) *BufferTransport {
	return &BufferTransport{bufs: make(map[string][]WireEnvelope), closed: make(map[string]bool), limit: limit}
}

// ErrBufferFull is returned by BufferTransport.Send once a session buffer is full.
var ErrBufferFull = errors.New("envelope buffer full")

func (t *BufferTransport) Send(_ context.Context, env WireEnvelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limit > 0 && len(t.bufs[env.SessionID]) >= t.limit {
		return fmt.Errorf("session %s: %w", env.SessionID, ErrBufferFull)
	}
	t.bufs[env.SessionID] = append(t.bufs[env.SessionID], env)
	return nil
}

func (t *BufferTransport) Close(_ context.Context, requestID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed[requestID] = true
	return nil
}

// Closed reports whether requestID was closed.
func (t *BufferTransport) Closed(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed[requestID]
}

// Drain returns and forgets the buffered envelopes of a session.
func (t *BufferTransport) Drain(sessionID string) []WireEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.bufs[sessionID]
	delete(t.bufs, sessionID)
	return out
}

// Peek returns a copy of the buffered envelopes without draining.
func (t *BufferTransport) Peek(sessionID string) []WireEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.bufs[sessionID])
}

// Fanout sends to every transport in order and fails on the first error.
type Fanout []Transport

func (f Fanout) Send(ctx context.Context, env WireEnvelope) error {
	for _, t := range f {
		if err := t.Send(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (f Fanout) Close(ctx context.Context, requestID string) error {
	var errs []error
	for _, t := range f {
		errs = append(errs, t.Close(ctx, requestID))
	}
	return errors.Join(errs...)
}
