package runner

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// SignalManager turns OS interrupts into re-armable context cancellations,
// so that one Ctrl+C cancels the request in flight instead of the process.
type SignalManager struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

// NewSignalManager creates a new manager and immediately starts listening for signals.
func NewSignalManager() *SignalManager {
	sm := &SignalManager{}
	sm.Reset()
	return sm
}

// Context returns the current signal context.
func (sm *SignalManager) Context() context.Context {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctx
}

// Reset re-arms the signal listener.
// Should be called after a signal has been handled to capture the next one.
func (sm *SignalManager) Reset() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.stopped {
		return
	}
	if sm.cancel != nil {
		sm.cancel()
	}
	// We capture SIGINT (Ctrl+C) and SIGTERM
	sm.ctx, sm.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Stop permanently stops the signal listener.
func (sm *SignalManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stopped = true
	if sm.cancel != nil {
		sm.cancel()
	}
}

func (sm *SignalManager) isStopped() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.stopped
}

// Interrupts delivers one value per signal until ctx is done or Stop is called.
// The listener is re-armed after every delivery. Signals that arrive while
// the previous one is still unread are coalesced.
func (sm *SignalManager) Interrupts(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sm.Context().Done():
			}
			if sm.isStopped() {
				return
			}
			sm.Reset()
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch
}

// CheckRace waits briefly to see if a context cancellation follows an error.
// This is specifically to mitigate a race condition on Windows/PowerShell where
// Ctrl+C causes an EOF or Input Error slightly before the signal context is cancelled.
func (sm *SignalManager) CheckRace() {
	ctx := sm.Context()
	if ctx.Err() == nil {
		select {
		case <-ctx.Done():
			// Signal arrived during wait
		case <-time.After(100 * time.Millisecond):
			// Timeout, likely genuine error
		}
	}
}
