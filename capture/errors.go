package capture

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/asheshgoplani/stdcapture/internal/latch"
	"github.com/asheshgoplani/stdcapture/internal/lines"
)

// Sentinel errors for capture operations.
var (
	// ErrWorkFailed indicates the unit of work returned an error or panicked.
	ErrWorkFailed = errors.New("captured work failed")

	// ErrInvariantViolation indicates the live process streams are not the
	// ones the registry installed. Something else swapped them.
	ErrInvariantViolation = errors.New("process streams were replaced while captures were active")

	// ErrWaitTimedOut and ErrWaitInterrupted are matched by *WaitError.
	ErrWaitTimedOut    = latch.ErrTimedOut
	ErrWaitInterrupted = latch.ErrInterrupted
)

// WaitError reports a bounded framework wait that did not complete.
type WaitError = latch.WaitError

// WorkError wraps the error raised by a unit of work.
type WorkError struct {
	Mode  string
	Cause error
}

func (e *WorkError) Error() string {
	return fmt.Sprintf("%s capture: %v: %v", e.Mode, ErrWorkFailed, e.Cause)
}

func (e *WorkError) Is(target error) bool { return target == ErrWorkFailed }

func (e *WorkError) Unwrap() error { return e.Cause }

// PanicError is the cause recorded when a unit of work panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

func newPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

// InvariantError describes which stream did not match on restore.
type InvariantError struct {
	Channel lines.Channel
	Op      string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s %s stream: %v", e.Op, e.Channel, ErrInvariantViolation)
}

func (e *InvariantError) Is(target error) bool { return target == ErrInvariantViolation }
