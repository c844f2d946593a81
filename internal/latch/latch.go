// Package latch provides a bounded-wait countdown latch.
package latch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sentinel errors wrapped by WaitError.
var (
	// ErrTimedOut indicates the maximum wait elapsed before the latch opened.
	ErrTimedOut = errors.New("wait timed out")

	// ErrInterrupted indicates the waiter's context was cancelled.
	ErrInterrupted = errors.New("wait interrupted")
)

// WaitError reports a wait that did not complete.
type WaitError struct {
	Latch   string
	MaxWait time.Duration
	// Cause is the context error for interrupted waits, nil for timeouts.
	Cause       error
	interrupted bool
}

func (e *WaitError) Error() string {
	if e.interrupted {
		return fmt.Sprintf("waiting for %s: %v: %v", e.Latch, ErrInterrupted, e.Cause)
	}
	return fmt.Sprintf("waiting for %s: %v after %s", e.Latch, ErrTimedOut, e.MaxWait)
}

// Is matches ErrTimedOut or ErrInterrupted depending on how the wait ended.
func (e *WaitError) Is(target error) bool {
	if e.interrupted {
		return target == ErrInterrupted
	}
	return target == ErrTimedOut
}

func (e *WaitError) Unwrap() error { return e.Cause }

// Interrupted reports whether the wait was cut short by its context.
func (e *WaitError) Interrupted() bool { return e.interrupted }

// Latch opens after Release has been called n times.
type Latch struct {
	name        string
	onInterrupt func()

	mu        sync.Mutex
	remaining int
	done      chan struct{}
}

// New returns a latch named name (used in errors) that opens after n
// releases. onInterrupt, if non-nil, runs when a waiter is interrupted.
func New(name string, n int, onInterrupt func()) *Latch {
	l := &Latch{
		name:        name,
		onInterrupt: onInterrupt,
		remaining:   n,
		done:        make(chan struct{}),
	}
	if n <= 0 {
		l.remaining = 0
		close(l.done)
	}
	return l
}

// Release counts down once. Releases past zero are ignored.
func (l *Latch) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining == 0 {
		return
	}
	l.remaining--
	if l.remaining == 0 {
		close(l.done)
	}
}

// Released reports whether the latch is open.
func (l *Latch) Released() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Done is closed when the latch opens.
func (l *Latch) Done() <-chan struct{} {
	return l.done
}

// Await blocks until the latch opens, maxWait elapses or ctx is done.
// maxWait <= 0 disables the timer.
func (l *Latch) Await(ctx context.Context, maxWait time.Duration) error {
	if l.Released() {
		return nil
	}

	var expired <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-l.done:
		return nil
	case <-expired:
		return &WaitError{Latch: l.name, MaxWait: maxWait}
	case <-ctx.Done():
		if l.onInterrupt != nil {
			l.onInterrupt()
		}
		return &WaitError{Latch: l.name, MaxWait: maxWait, Cause: ctx.Err(), interrupted: true}
	}
}
