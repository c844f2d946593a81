package capture

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/stdcapture/internal/lines"
)

func mustSink(t *testing.T, sep string, maxBytes int) *sink {
	t.Helper()
	s, err := newSink(sep, maxBytes)
	require.NoError(t, err)
	return s
}

var errBufferFull = errors.New("buffer full")

// failingBuffer refuses every write.
type failingBuffer struct{}

func (failingBuffer) Write([]byte) (int, error) { return 0, errBufferFull }
func (failingBuffer) Bytes() []byte             { return nil }
func (failingBuffer) Len() int                  { return 0 }
func (failingBuffer) Reset()                    {}

func TestSinkWriteReportsBufferError(t *testing.T) {
	s := mustSink(t, "\n", 0)
	s.buf[Stdout] = failingBuffer{}

	err := s.write(Stdout, []byte("lost\n"))
	require.ErrorIs(t, err, errBufferFull)
	assert.Empty(t, s.snapshot().StdoutLines(), "a refused write is not split into lines")

	require.NoError(t, s.write(Stderr, []byte("kept\n")))
	assert.Equal(t, []string{"kept"}, s.snapshot().StderrLines())
}

func TestSinkRejectsBadSeparator(t *testing.T) {
	_, err := newSink("", 0)
	assert.ErrorIs(t, err, lines.ErrSeparator)
}

func TestSinkAccumulatesPerChannel(t *testing.T) {
	s := mustSink(t, "\n", 0)
	s.write(Stdout, []byte("a\nb\n"))
	s.write(Stderr, []byte("e\n"))
	s.write(Stdout, []byte("tail"))

	out := s.snapshot()
	assert.Equal(t, "a\nb\ntail", out.Stdout())
	assert.Equal(t, "e\n", out.Stderr())
	assert.Equal(t, []string{"a", "b"}, out.StdoutLines())
	assert.Equal(t, []string{"e"}, out.StderrLines())
	assert.Equal(t, []string{"a", "b", "tail"}, out.StdoutSplit())
	assert.Equal(t, []string{"e"}, out.StderrSplit())
	assert.Equal(t, []Line{{Channel: Stdout, Text: "a"}, {Channel: Stdout, Text: "b"}, {Channel: Stderr, Text: "e"}}, out.Stream())
	assert.Equal(t, "\n", out.Separator())
}

func TestSnapshotIsImmutable(t *testing.T) {
	s := mustSink(t, "\n", 0)
	s.write(Stdout, []byte("first\n"))
	snap := s.snapshot()

	s.write(Stdout, []byte("second\n"))
	s.flush()

	assert.Equal(t, []string{"first"}, snap.StdoutLines())
	assert.Equal(t, "first\n", snap.Stdout())

	b := snap.StdoutBytes()
	b[0] = 'X'
	assert.Equal(t, "first\n", snap.Stdout(), "StdoutBytes must return a copy")
}

func TestFlushClearsEverything(t *testing.T) {
	s := mustSink(t, "\n", 0)
	s.write(Stdout, []byte("a\npartial"))
	s.write(Stderr, []byte("e\n"))
	s.flush()

	out := s.snapshot()
	assert.Empty(t, out.Stdout())
	assert.Empty(t, out.Stderr())
	assert.Empty(t, out.StdoutLines())
	assert.Empty(t, out.Stream())

	// The partial line was discarded with the buffer.
	s.write(Stdout, []byte("x\n"))
	assert.Equal(t, []string{"x"}, s.snapshot().StdoutLines())
}

func TestSnapshotAndFlush(t *testing.T) {
	s := mustSink(t, "\n", 0)
	s.write(Stdout, []byte("a\n"))

	snap := s.snapshotAndFlush()
	s.write(Stdout, []byte("b\n"))

	assert.Equal(t, []string{"a"}, snap.StdoutLines())
	assert.Equal(t, []string{"b"}, s.snapshot().StdoutLines())
}

func TestSinkMaxBytesKeepsTail(t *testing.T) {
	s := mustSink(t, "\n", 4)
	s.write(Stdout, []byte("abcdef\n"))

	out := s.snapshot()
	assert.Equal(t, "def\n", out.Stdout())
	// Lines are assembled from every byte, independent of the raw cap.
	assert.Equal(t, []string{"abcdef"}, out.StdoutLines())
}

func TestSinkTwoByteSeparator(t *testing.T) {
	s := mustSink(t, "\r\n", 0)
	s.write(Stdout, []byte("a\r\nb\r"))
	s.write(Stdout, []byte("\nc"))

	out := s.snapshot()
	assert.Equal(t, []string{"a", "b"}, out.StdoutLines())
	assert.Equal(t, []string{"a", "b", "c"}, out.StdoutSplit())
}

func TestOutputLinesRestartable(t *testing.T) {
	s := mustSink(t, "\n", 0)
	s.write(Stdout, []byte("a\nb\n"))
	out := s.snapshot()

	for range 2 {
		var got []string
		for l := range out.Lines() {
			got = append(got, l.Text)
		}
		assert.Equal(t, []string{"a", "b"}, got)
	}
}

func TestSinkConcurrentWritesAndFlush(t *testing.T) {
	s := mustSink(t, "\n", 0)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				s.write(Stdout, []byte("line\n"))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 50 {
			_ = s.snapshotAndFlush()
		}
	}()
	wg.Wait()

	// Whatever survived the flushes is made of whole lines.
	for _, l := range s.snapshot().StdoutLines() {
		assert.Equal(t, "line", l)
	}
}
