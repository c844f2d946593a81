// Package lines reassembles raw byte streams into separator-delimited lines
// tagged with the channel they were written to.
package lines

import (
	"errors"
	"iter"
	"strings"
)

// Channel identifies one of the two standard streams.
type Channel int

const (
	Out Channel = iota
	Err
)

func (c Channel) String() string {
	switch c {
	case Out:
		return "out"
	case Err:
		return "err"
	default:
		return "unknown"
	}
}

// Line is one completed line without its separator.
type Line struct {
	Channel Channel
	Text    string
}

// ErrSeparator is returned for separators that are not one or two bytes long.
var ErrSeparator = errors.New("line separator must be 1 or 2 bytes")

// Assembler turns bytes into lines incrementally. It is not safe for
// concurrent use.
type Assembler struct {
	sep     []byte
	pending [2][]byte
	lines   []Line
}

// NewAssembler returns an assembler splitting on sep.
func NewAssembler(sep string) (*Assembler, error) {
	if len(sep) != 1 && len(sep) != 2 {
		return nil, ErrSeparator
	}
	return &Assembler{sep: []byte(sep)}, nil
}

// Separator returns the configured separator.
func (a *Assembler) Separator() string {
	return string(a.sep)
}

// AppendByte appends b to ch's working buffer, emitting a line when the
// separator has been fully observed.
func (a *Assembler) AppendByte(ch Channel, b byte) {
	buf := a.pending[ch]
	if len(a.sep) == 1 {
		if b == a.sep[0] {
			a.emit(ch, buf)
			return
		}
		a.pending[ch] = append(buf, b)
		return
	}

	// Two-byte separator: the first half is already stored.
	if n := len(buf); n > 0 && buf[n-1] == a.sep[0] && b == a.sep[1] {
		a.emit(ch, buf[:n-1])
		return
	}
	a.pending[ch] = append(buf, b)
}

// Append feeds every byte of p through AppendByte.
func (a *Assembler) Append(ch Channel, p []byte) {
	for _, b := range p {
		a.AppendByte(ch, b)
	}
}

func (a *Assembler) emit(ch Channel, text []byte) {
	a.lines = append(a.lines, Line{Channel: ch, Text: string(text)})
	a.pending[ch] = a.pending[ch][:0]
}

// Lines returns a copy of the completed lines in arrival order.
func (a *Assembler) Lines() []Line {
	out := make([]Line, len(a.lines))
	copy(out, a.lines)
	return out
}

// All returns a restartable sequence over completed lines. Each iteration
// starts from the lines completed at that moment.
func (a *Assembler) All() iter.Seq[Line] {
	return func(yield func(Line) bool) {
		for _, l := range a.Lines() {
			if !yield(l) {
				return
			}
		}
	}
}

// Pending returns the unterminated tail buffered for ch.
func (a *Assembler) Pending(ch Channel) string {
	return string(a.pending[ch])
}

// Reset drops completed lines and partial buffers.
func (a *Assembler) Reset() {
	a.lines = nil
	a.pending[Out] = nil
	a.pending[Err] = nil
}

// Texts returns the text of every line written to ch.
func Texts(ls []Line, ch Channel) []string {
	var out []string
	for _, l := range ls {
		if l.Channel == ch {
			out = append(out, l.Text)
		}
	}
	return out
}

// Split splits raw on sep, keeping a trailing unterminated segment as the
// last element. A trailing separator does not produce an empty element.
func Split(raw []byte, sep string) []string {
	if len(raw) == 0 {
		return nil
	}
	parts := strings.Split(string(raw), sep)
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
