// Package runctl implements component G's process-wide cooperative
// shutdown primitives: a stop flag polled by every long-running goroutine
// and a join helper that waits on producer goroutines without blocking
// indefinitely. Grounded on the original STOP_EVT / setup_signal_handlers
// / wait_for_producers (utils/helpers.py).
package runctl

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// StopFlag is a process-wide cooperative cancellation signal. The zero
// value is not usable; construct with NewStopFlag.
type StopFlag struct {
	once sync.Once
	ch   chan struct{}
}

// NewStopFlag creates an unset StopFlag.
func NewStopFlag() *StopFlag {
	return &StopFlag{ch: make(chan struct{})}
}

// Set requests shutdown. Idempotent.
func (s *StopFlag) Set() {
	s.once.Do(func() { close(s.ch) })
}

// Done returns a channel that is closed once Set has been called, for use
// in select statements alongside other blocking operations.
func (s *StopFlag) Done() <-chan struct{} { return s.ch }

// IsSet reports whether Set has been called, without blocking.
func (s *StopFlag) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until Set is called.
func (s *StopFlag) Wait() { <-s.ch }

// SetupSignalHandlers registers SIGINT/SIGTERM to call stop.Set(),
// mirroring the original's signal.signal(SIGINT/SIGTERM, _term_handler).
func SetupSignalHandlers(logger *logrus.Logger, stop *StopFlag) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.WithField("signal", sig.String()).Info("runctl: shutdown signal received")
		stop.Set()
	}()
}

// Joinable is satisfied by anything with a cooperative wait-with-timeout
// join, the Go analogue of Python's Thread.join(timeout).
type Joinable interface {
	// JoinTimeout waits up to timeout for completion; returns true if it
	// finished within the timeout.
	JoinTimeout(timeout time.Duration) bool
}

// WaitForProducers polls every producer's JoinTimeout in short bursts
// until they have all finished or stop fires, mirroring
// wait_for_producers: never block indefinitely on a single join.
func WaitForProducers(stop *StopFlag, producers []Joinable) {
	if len(producers) == 0 {
		stop.Wait()
		return
	}

	for {
		allDone := true
		for _, p := range producers {
			if !p.JoinTimeout(100 * time.Millisecond) {
				allDone = false
			}
		}
		if allDone {
			return
		}

		select {
		case <-stop.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// WaitGroupJoinable adapts a sync.WaitGroup to Joinable for use with
// WaitForProducers.
type WaitGroupJoinable struct {
	wg *sync.WaitGroup
}

// NewWaitGroupJoinable wraps wg.
func NewWaitGroupJoinable(wg *sync.WaitGroup) WaitGroupJoinable {
	return WaitGroupJoinable{wg: wg}
}

// JoinTimeout reports whether the wait group drained within timeout.
func (w WaitGroupJoinable) JoinTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
