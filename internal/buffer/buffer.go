// Package buffer provides the byte accumulators behind captured output.
package buffer

import (
	"bytes"
	"os"
	"sync"
)

// Buffer is an append-only byte accumulator.
type Buffer interface {
	Write(p []byte) (int, error)
	// Bytes returns a copy of the contents in write order.
	Bytes() []byte
	Len() int
	Reset()
}

// New returns an Unbounded buffer when limit <= 0 and a Ring of limit bytes
// otherwise.
func New(limit int) Buffer {
	if limit <= 0 {
		return &Unbounded{}
	}
	return NewRing(limit)
}

// Unbounded grows without limit.
type Unbounded struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (u *Unbounded) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.buf.Write(p)
}

func (u *Unbounded) Bytes() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return bytes.Clone(u.buf.Bytes())
}

func (u *Unbounded) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.buf.Len()
}

func (u *Unbounded) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.buf.Reset()
}

// Ring is a thread-safe circular byte buffer.
// It silently overwrites old data when full.
type Ring struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int
	full bool
}

// NewRing creates a ring buffer with the given capacity in bytes.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 10 * 1024 * 1024 // 10MB default
	}
	return &Ring{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write implements io.Writer. Data wraps around when the buffer is full.
func (r *Ring) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(p)
	if n >= r.size {
		// Keep only the last r.size bytes
		copy(r.buf, p[n-r.size:])
		r.pos = 0
		r.full = true
		return n, nil
	}

	space := r.size - r.pos
	if n <= space {
		copy(r.buf[r.pos:], p)
		r.pos += n
		if r.pos == r.size {
			r.pos = 0
			r.full = true
		}
	} else {
		// Split write: fill to end, then wrap
		copy(r.buf[r.pos:], p[:space])
		copy(r.buf, p[space:])
		r.pos = n - space
		r.full = true
	}

	return n, nil
}

// Bytes returns the buffer contents in chronological order.
func (r *Ring) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]byte, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}

	// Wrapped: [pos..end] + [0..pos]
	out := make([]byte, r.size)
	copy(out, r.buf[r.pos:])
	copy(out[r.size-r.pos:], r.buf[:r.pos])
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.size
	}
	return r.pos
}

// Reset empties the ring without releasing its storage.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = 0
	r.full = false
}

// DumpToFile writes the ring contents to a file in chronological order.
func (r *Ring) DumpToFile(path string) error {
	return os.WriteFile(path, r.Bytes(), 0o644)
}
