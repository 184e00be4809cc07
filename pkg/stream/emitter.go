package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/pkg/domain"
)

// ErrAborted is the terminal error of an aborted stream.
var ErrAborted = errors.New("stream aborted")

const (
	DefaultQueueSize   = 16
	DefaultIdleTimeout = 30 * time.Second
)

// Identity is attached to every envelope of a session. It is never derived.
type Identity struct {
	SessionID string
	TenantID  string
	UserID    string
}

// Emitter opens streams for one session over one transport.
type Emitter struct {
	transport Transport
	identity  Identity
	taxonomy  *Taxonomy
	queueSize int
	idle      time.Duration
	hooks     domain.LifecycleHooks
	logger    *slog.Logger
	now       func() time.Time

	seq atomic.Uint64
}

// Option configures an Emitter.
type Option func(*Emitter)

func WithTaxonomy(t *Taxonomy) Option {
	return func(e *Emitter) { e.taxonomy = t }
}

// WithQueueSize bounds the per-stream queue.
func WithQueueSize(n int) Option {
	return func(e *Emitter) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithIdleTimeout sets the watchdog timeout; zero or less disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(e *Emitter) { e.idle = d }
}

func WithHooks(h domain.LifecycleHooks) Option {
	return func(e *Emitter) { e.hooks = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Emitter) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Emitter) { e.now = now }
}

// WithSequence resumes numbering after seq, e.g. for a restored session.
func WithSequence(seq uint64) Option {
	return func(e *Emitter) { e.seq.Store(seq) }
}

func NewEmitter(t Transport, id Identity, opts ...Option) *Emitter {
	e := &Emitter{
		transport: t,
		identity:  id,
		queueSize: DefaultQueueSize,
		idle:      DefaultIdleTimeout,
		logger:    logging.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.taxonomy == nil {
		e.taxonomy = NewTaxonomy()
	}
	return e
}

// Sequence is the number of the last envelope handed to the transport.
func (e *Emitter) Sequence() uint64 { return e.seq.Load() }

type job struct {
	env  domain.StreamEnvelope
	done chan error
}

// Stream is the output of one request.
type Stream struct {
	e         *Emitter
	requestID string
	onStale   func(requestID string)

	queue    chan job
	stop     chan struct{}
	activity chan struct{}
	finished chan struct{}

	emitMu     sync.Mutex
	writeMu    sync.Mutex
	finishOnce sync.Once

	mu      sync.Mutex
	closed  bool
	err     error
	version uint64
	// owed is set by Halt: the stream is closed to Emit but its final
	// envelope is still to be written by Terminate or End.
	owed   bool
	reason string
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// OnStale registers fn to run when the watchdog closes the stream.
func OnStale(fn func(requestID string)) StreamOption {
	return func(s *Stream) { s.onStale = fn }
}

// Begin opens the stream for requestID and starts its writer and watchdog.
func (e *Emitter) Begin(requestID string, opts ...StreamOption) *Stream {
	s := &Stream{
		e:         e,
		requestID: requestID,
		queue:     make(chan job, e.queueSize),
		stop:      make(chan struct{}),
		activity:  make(chan struct{}, 1),
		finished:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.pump()
	if e.idle > 0 {
		go s.watch()
	}
	e.logger.Debug("stream opened", "request_id", requestID, "session_id", e.identity.SessionID)
	return s
}

func (s *Stream) RequestID() string { return s.requestID }

// Done is closed once the stream has ended, for any reason.
func (s *Stream) Done() <-chan struct{} { return s.finished }

// Err returns the error that terminated the stream, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) isClosed() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.err
}

// Emit queues ops and waits until the transport has written them. Calls are
// serialized: a second Emit waits for the first write to complete.
func (s *Stream) Emit(ctx context.Context, ops []domain.GraphOperation, state domain.WorkflowState, version uint64, explanation string) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if closed, _ := s.isClosed(); closed {
		return s.closedErr()
	}

	j := job{
		env: domain.StreamEnvelope{
			State:        state,
			Operations:   ops,
			GraphVersion: version,
			Explanation:  explanation,
		},
		done: make(chan error, 1),
	}
	select {
	case s.queue <- j:
	case <-s.finished:
		return domain.ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case s.activity <- struct{}{}:
	default:
	}

	select {
	case err := <-j.done:
		return err
	case <-s.finished:
		return s.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) closedErr() error {
	if err := s.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStreamClosed, err)
	}
	return domain.ErrStreamClosed
}

func (s *Stream) pump() {
	for {
		select {
		case <-s.stop:
			return
		case j := <-s.queue:
			j.done <- s.write(j.env, false)
		}
	}
}

// write sends one envelope. Once the stream is closed only terminal writes
// get through.
func (s *Stream) write(env domain.StreamEnvelope, terminal bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if closed, err := s.isClosed(); closed && !terminal {
		if err != nil {
			return err
		}
		return domain.ErrStreamClosed
	}

	e := s.e
	env.RequestID = s.requestID
	env.SessionID = e.identity.SessionID
	env.TenantID = e.identity.TenantID
	env.UserID = e.identity.UserID
	env.Sequence = e.seq.Add(1)
	if env.GraphVersion == 0 {
		env.GraphVersion = s.lastVersion()
	} else {
		s.setVersion(env.GraphVersion)
	}

	err := e.transport.Send(context.Background(), Encode(env, e.taxonomy))
	if e.hooks.OnEnvelope != nil {
		e.hooks.OnEnvelope(context.Background(), &domain.EnvelopeEvent{Timestamp: e.now(), Envelope: &env, Err: err})
	}
	if err != nil {
		terr := &domain.StreamTransportError{RequestID: s.requestID, Err: err}
		e.logger.Warn("stream transport failed", "request_id", s.requestID, "err", err)
		s.shutdown(terr)
		s.finish(context.Background())
		return terr
	}
	return nil
}

func (s *Stream) lastVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Stream) setVersion(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version = v
}

// shutdown marks the stream closed, stops the writer and fails queued jobs.
// It returns false if the stream was already closed.
func (s *Stream) shutdown(cause error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	s.err = cause
	s.mu.Unlock()

	close(s.stop)
	for {
		select {
		case j := <-s.queue:
			j.done <- domain.ErrStreamClosed
		default:
			return true
		}
	}
}

func (s *Stream) finish(ctx context.Context) {
	s.finishOnce.Do(func() {
		if err := s.e.transport.Close(ctx, s.requestID); err != nil {
			s.e.logger.Warn("failed to close stream", "request_id", s.requestID, "err", err)
		}
		close(s.finished)
		s.e.logger.Debug("stream closed", "request_id", s.requestID)
	})
}

// End writes the final envelope for state and closes the stream. It is safe
// to call on a stream that already ended; it then returns the terminal error.
func (s *Stream) End(ctx context.Context, state domain.WorkflowState, explanation string) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if !s.shutdown(nil) && !s.settle() {
		return s.Err()
	}
	err := s.write(domain.StreamEnvelope{State: state, Explanation: explanation, Final: true}, true)
	s.finish(ctx)
	return err
}

// Halt closes the stream to Emit and discards envelopes still queued, but
// leaves the final envelope to the owner: Terminate or End writes it. The
// owner is expected to unwind its work first, so the closing operations
// can describe its graph exactly. It returns false if the stream was
// already closed.
func (s *Stream) Halt(reason string) bool {
	if !s.shutdown(fmt.Errorf("%w: %s", ErrAborted, reason)) {
		return false
	}
	s.mu.Lock()
	s.owed = true
	s.reason = reason
	s.mu.Unlock()
	return true
}

// Halted returns the reason given to Halt, if the stream was halted.
func (s *Stream) Halted() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.reason != ""
}

// settle claims the final write owed after Halt.
func (s *Stream) settle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	owed := s.owed
	s.owed = false
	return owed
}

// Terminate writes ops as the final envelope and closes the stream. The
// ops must already be applied to the graph at version. It works on an open
// stream and on a halted one; queued envelopes are discarded either way.
func (s *Stream) Terminate(ctx context.Context, state domain.WorkflowState, version uint64, explanation string, ops []domain.GraphOperation) error {
	if !s.shutdown(fmt.Errorf("%w: %s", ErrAborted, explanation)) && !s.settle() {
		return s.Err()
	}
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	err := s.write(domain.StreamEnvelope{
		State:        state,
		Operations:   ops,
		GraphVersion: version,
		Explanation:  explanation,
		Final:        true,
	}, true)
	s.finish(ctx)
	return err
}

// Abort discards queued envelopes, writes a terminal ErrorCard with reason
// and closes the stream. The card is not part of any graph; owners that
// keep one use Halt and Terminate instead.
func (s *Stream) Abort(ctx context.Context, state domain.WorkflowState, reason string) error {
	_, err := s.abort(ctx, state, reason)
	return err
}

func (s *Stream) abort(ctx context.Context, state domain.WorkflowState, reason string) (bool, error) {
	if !s.shutdown(fmt.Errorf("%w: %s", ErrAborted, reason)) {
		return false, s.Err()
	}
	err := s.writeTerminal(state, reason)
	s.finish(ctx)
	return true, err
}

func (s *Stream) writeTerminal(state domain.WorkflowState, reason string) error {
	card := domain.Node{
		ID:   s.requestID + "/terminal",
		Type: domain.NodeErrorCard,
		Props: map[string]any{
			domain.PropMessage:  reason,
			domain.PropTerminal: true,
		},
	}
	return s.write(domain.StreamEnvelope{
		State:       state,
		Operations:  []domain.GraphOperation{domain.Append("", card)},
		Explanation: reason,
		Final:       true,
	}, true)
}

func (s *Stream) watch() {
	timer := time.NewTimer(s.e.idle)
	defer timer.Stop()
	for {
		select {
		case <-s.finished:
			return
		case <-s.activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.e.idle)
		case <-timer.C:
			reason := fmt.Sprintf("stream idle for %s", s.e.idle)
			if s.onStale == nil {
				if aborted, _ := s.abort(context.Background(), domain.StateError, reason); aborted {
					s.e.logger.Warn("stale stream closed", "request_id", s.requestID, "idle", s.e.idle)
				}
				return
			}
			if !s.Halt(reason) {
				return
			}
			s.e.logger.Warn("stale stream halted", "request_id", s.requestID, "idle", s.e.idle)
			s.onStale(s.requestID)
			s.await(reason)
			return
		}
	}
}

// await gives the owner of a halted stream one more idle period to write
// the final envelope, then closes it without one.
func (s *Stream) await(reason string) {
	timer := time.NewTimer(s.e.idle)
	defer timer.Stop()
	select {
	case <-s.finished:
	case <-timer.C:
		if !s.settle() {
			return
		}
		s.e.logger.Warn("stale stream owner unresponsive", "request_id", s.requestID)
		_ = s.write(domain.StreamEnvelope{State: domain.StateError, Explanation: reason, Final: true}, true)
		s.finish(context.Background())
	}
}
