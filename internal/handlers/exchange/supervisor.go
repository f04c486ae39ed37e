package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"relay-api/internal/sessions"

	"go.uber.org/zap"
)

// StatusFlags is the shared status the relay polls between events. Both
// flags are advisory: nothing here interrupts in-flight I/O, the consumer
// observes them at event boundaries.
type StatusFlags struct {
	canceled atomic.Bool
	timedOut atomic.Bool

	fireOnce sync.Once
	fired    chan struct{}
}

func NewStatusFlags() *StatusFlags {
	return &StatusFlags{fired: make(chan struct{})}
}

func (f *StatusFlags) Canceled() bool { return f.canceled.Load() }
func (f *StatusFlags) TimedOut() bool { return f.timedOut.Load() }

// Fired is closed the first time either flag is set, so a consumer blocked
// on a stalled stream still wakes up.
func (f *StatusFlags) Fired() <-chan struct{} { return f.fired }

func (f *StatusFlags) MarkCanceled() {
	f.canceled.Store(true)
	f.fireOnce.Do(func() { close(f.fired) })
}

func (f *StatusFlags) MarkTimedOut() {
	f.timedOut.Store(true)
	f.fireOnce.Do(func() { close(f.fired) })
}

// Supervisor runs the two independent checks alongside stream consumption:
// a one-shot timeout and a fixed-interval poll of the session's canceled
// flag in the connection store.
type Supervisor struct {
	Flags *StatusFlags

	timer    *time.Timer
	stopOnce sync.Once
	done     chan struct{}
}

func StartSupervisor(store sessions.Store, sessionID string, timeout, pollInterval time.Duration, log *zap.SugaredLogger) *Supervisor {
	s := &Supervisor{
		Flags: NewStatusFlags(),
		done:  make(chan struct{}),
	}
	s.timer = time.AfterFunc(timeout, s.Flags.MarkTimedOut)
	go s.pollCancellation(store, sessionID, pollInterval, log)
	return s
}

func (s *Supervisor) pollCancellation(store sessions.Store, sessionID string, interval time.Duration, log *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.Flags.Fired():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			sess, err := store.Get(ctx, sessionID)
			cancel()
			if err != nil {
				// The record may have expired mid-exchange; keep polling.
				log.Debugw("Cancellation poll failed", "session_id", sessionID, "error", err)
				continue
			}
			if sess.Canceled {
				s.Flags.MarkCanceled()
				return
			}
		}
	}
}

// Stop is a no-op if a flag already fired; it cancels the pending timeout
// and ends the poll loop once the exchange finishes on its own.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.timer.Stop()
		close(s.done)
	})
}
