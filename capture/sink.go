package capture

import (
	"fmt"
	"iter"
	"sync"

	"github.com/asheshgoplani/stdcapture/internal/buffer"
	"github.com/asheshgoplani/stdcapture/internal/lines"
)

// Line is one completed line of captured output.
type Line = lines.Line

// Channel identifies the out or err stream.
type Channel = lines.Channel

const (
	Stdout = lines.Out
	Stderr = lines.Err
)

// sink receives the bytes routed to one capture. Writes from the dispatch
// path and flush/snapshot calls from the owner may race, so every access
// holds mu.
type sink struct {
	mu  sync.Mutex
	buf [2]buffer.Buffer
	asm *lines.Assembler
}

func newSink(sep string, maxBytes int) (*sink, error) {
	asm, err := lines.NewAssembler(sep)
	if err != nil {
		return nil, err
	}
	return &sink{
		buf: [2]buffer.Buffer{buffer.New(maxBytes), buffer.New(maxBytes)},
		asm: asm,
	}, nil
}

func (s *sink) write(ch lines.Channel, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.buf[ch].Write(p); err != nil {
		return fmt.Errorf("capture %s: %w", ch, err)
	}
	s.asm.Append(ch, p)
	return nil
}

func (s *sink) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *sink) flushLocked() {
	s.buf[lines.Out].Reset()
	s.buf[lines.Err].Reset()
	s.asm.Reset()
}

func (s *sink) snapshot() *Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// snapshotAndFlush returns everything captured so far and clears the sink
// in one step, so no write lands between the two.
func (s *sink) snapshotAndFlush() *Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.snapshotLocked()
	s.flushLocked()
	return out
}

func (s *sink) snapshotLocked() *Output {
	return &Output{
		sep:    s.asm.Separator(),
		stdout: s.buf[lines.Out].Bytes(),
		stderr: s.buf[lines.Err].Bytes(),
		lines:  s.asm.Lines(),
	}
}

// Output is an immutable snapshot of captured output.
type Output struct {
	sep    string
	stdout []byte
	stderr []byte
	lines  []Line
}

// Separator returns the line separator the output was split on.
func (o *Output) Separator() string { return o.sep }

// Stdout returns the raw bytes written to the out stream.
func (o *Output) Stdout() string { return string(o.stdout) }

// Stderr returns the raw bytes written to the err stream.
func (o *Output) Stderr() string { return string(o.stderr) }

func (o *Output) StdoutBytes() []byte { return append([]byte(nil), o.stdout...) }
func (o *Output) StderrBytes() []byte { return append([]byte(nil), o.stderr...) }

// StdoutLines returns the completed out lines. A trailing line without a
// separator is not included; see StdoutSplit.
func (o *Output) StdoutLines() []string { return lines.Texts(o.lines, lines.Out) }

// StderrLines returns the completed err lines.
func (o *Output) StderrLines() []string { return lines.Texts(o.lines, lines.Err) }

// StdoutSplit splits the raw out bytes on the separator, keeping any
// unterminated tail as the last element.
func (o *Output) StdoutSplit() []string { return lines.Split(o.stdout, o.sep) }

// StderrSplit is StdoutSplit for the err stream.
func (o *Output) StderrSplit() []string { return lines.Split(o.stderr, o.sep) }

// Stream returns completed lines from both channels in arrival order.
func (o *Output) Stream() []Line {
	out := make([]Line, len(o.lines))
	copy(out, o.lines)
	return out
}

// Lines iterates over Stream. The sequence can be ranged over repeatedly.
func (o *Output) Lines() iter.Seq[Line] {
	return func(yield func(Line) bool) {
		for _, l := range o.lines {
			if !yield(l) {
				return
			}
		}
	}
}
