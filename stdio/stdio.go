// Package stdio is the process-wide standard stream abstraction that
// capture intercepts.
//
// Go has no thread identity, so every write carries an explicit writer
// Identity. Code that should be capturable writes through Stdout(ctx) and
// Stderr(ctx) (or the Printf-style helpers); the identity travels in the
// context. Writes made directly to os.Stdout bypass this layer.
package stdio

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// Identity identifies a logical writer (a goroutine running a unit of work).
// The zero value means the writer is unknown.
type Identity uint64

var lastIdentity atomic.Uint64

// NewIdentity returns a fresh, non-zero identity.
func NewIdentity() Identity {
	return Identity(lastIdentity.Add(1))
}

type identityKey struct{}

// WithIdentity returns a context carrying id as the writer identity.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the writer identity stored in ctx.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id != 0
}

// Ensure returns ctx and its identity, allocating a new identity when ctx
// has none.
func Ensure(ctx context.Context) (context.Context, Identity) {
	if id, ok := IdentityFrom(ctx); ok {
		return ctx, id
	}
	id := NewIdentity()
	return WithIdentity(ctx, id), id
}

// Stream is one of the process's standard streams. Implementations must be
// comparable (pointer types) so a swapped stream can be recognised again.
type Stream interface {
	WriteAs(id Identity, p []byte) (int, error)
}

type writerStream struct {
	w io.Writer
}

func (s *writerStream) WriteAs(_ Identity, p []byte) (int, error) {
	return s.w.Write(p)
}

// WriterStream adapts w into a Stream that ignores the writer identity.
func WriterStream(w io.Writer) Stream {
	return &writerStream{w: w}
}

// FileStream adapts an *os.File into a Stream.
func FileStream(f *os.File) Stream {
	return &writerStream{w: f}
}

type streams struct {
	out Stream
	err Stream
}

var (
	live   atomic.Pointer[streams]
	swapMu sync.Mutex
)

func init() {
	live.Store(&streams{out: FileStream(os.Stdout), err: FileStream(os.Stderr)})
}

// Out returns the live out stream.
func Out() Stream { return live.Load().out }

// Err returns the live err stream.
func Err() Stream { return live.Load().err }

// Current returns both live streams from a single consistent view.
func Current() (out, err Stream) {
	s := live.Load()
	return s.out, s.err
}

// Swap installs out and err and returns the streams they replaced.
func Swap(out, err Stream) (prevOut, prevErr Stream) {
	swapMu.Lock()
	defer swapMu.Unlock()
	prev := live.Swap(&streams{out: out, err: err})
	return prev.out, prev.err
}

// CompareAndSwap installs newOut and newErr only if the live streams are
// still oldOut and oldErr.
func CompareAndSwap(oldOut, oldErr, newOut, newErr Stream) bool {
	swapMu.Lock()
	defer swapMu.Unlock()
	cur := live.Load()
	if cur.out != oldOut || cur.err != oldErr {
		return false
	}
	live.Store(&streams{out: newOut, err: newErr})
	return true
}

// Reset reinstalls os.Stdout and os.Stderr.
func Reset() {
	Swap(FileStream(os.Stdout), FileStream(os.Stderr))
}
