package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/stream"
)

// DefaultSubscriberBuffer is how many envelopes a slow SSE client may lag.
const DefaultSubscriberBuffer = 64

// StreamManager fans session envelopes out to SSE subscribers. It is the
// stream.Transport of every session served over HTTP.
//
// A subscriber whose buffer is full is disconnected rather than skipped, so
// a client never sees a gap; it reconnects and resyncs through the graph
// endpoint.
type StreamManager struct {
	mu          sync.Mutex
	subscribers map[string]map[chan []byte]struct{} // SessionID -> Set of Channels
	buffer      int
	logger      *slog.Logger
}

// StreamOption configures a StreamManager.
type StreamOption func(*StreamManager)

// WithSubscriberBuffer sets the per-subscriber buffer.
func WithSubscriberBuffer(n int) StreamOption {
	return func(sm *StreamManager) {
		if n > 0 {
			sm.buffer = n
		}
	}
}

// WithStreamLogger sets the logger.
func WithStreamLogger(l *slog.Logger) StreamOption {
	return func(sm *StreamManager) { sm.logger = l }
}

func NewStreamManager(opts ...StreamOption) *StreamManager {
	sm := &StreamManager{
		subscribers: make(map[string]map[chan []byte]struct{}),
		buffer:      DefaultSubscriberBuffer,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(sm)
	}
	return sm
}

// Subscribe registers a subscriber for sessionID. The channel is closed when
// the subscriber is dropped or the returned cancel func is called.
func (sm *StreamManager) Subscribe(sessionID string) (<-chan []byte, func()) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	ch := make(chan []byte, sm.buffer)
	if _, ok := sm.subscribers[sessionID]; !ok {
		sm.subscribers[sessionID] = make(map[chan []byte]struct{})
	}
	sm.subscribers[sessionID][ch] = struct{}{}

	return ch, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		sm.drop(sessionID, ch)
	}
}

// drop must be called with mu held.
func (sm *StreamManager) drop(sessionID string, ch chan []byte) {
	subs, ok := sm.subscribers[sessionID]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(sm.subscribers, sessionID)
	}
}

// Subscribers returns how many clients follow sessionID.
func (sm *StreamManager) Subscribers(sessionID string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.subscribers[sessionID])
}

// Broadcast delivers msg to every subscriber of sessionID.
func (sm *StreamManager) Broadcast(sessionID string, msg []byte) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for ch := range sm.subscribers[sessionID] {
		select {
		case ch <- msg:
		default:
			sm.logger.Warn("SSE: Client buffer full, disconnecting", "session_id", sessionID)
			sm.drop(sessionID, ch)
		}
	}
}

// Send implements stream.Transport.
func (sm *StreamManager) Send(_ context.Context, env stream.WireEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %d: %w", env.Sequence, err)
	}
	sm.Broadcast(env.SessionID, data)
	return nil
}

// Close implements stream.Transport. Subscribers follow a session, not a
// request, so nothing is closed.
func (sm *StreamManager) Close(context.Context, string) error { return nil }

// CloseSession disconnects every subscriber of sessionID.
func (sm *StreamManager) CloseSession(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for ch := range sm.subscribers[sessionID] {
		sm.drop(sessionID, ch)
	}
}
