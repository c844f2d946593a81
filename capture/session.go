package capture

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/stdcapture/internal/config"
	"github.com/asheshgoplani/stdcapture/internal/latch"
	"github.com/asheshgoplani/stdcapture/internal/logging"
	"github.com/asheshgoplani/stdcapture/stdio"
)

var sessLog = logging.ForComponent(logging.CompSession)

// Work is a unit of work run under capture. Writes made through
// stdio.Stdout(ctx) and stdio.Stderr(ctx) carry the identity the capture
// filters on. A returned error or a panic is recorded as the work's error.
type Work func(ctx context.Context) error

const (
	modeSync  = "sync"
	modeAsync = "async"
)

type options struct {
	separator string
	maxBytes  int
	maxWait   time.Duration
	registry  *Registry
}

// Option customises a capture.
type Option func(*options)

// WithSeparator sets the line separator (one or two bytes).
func WithSeparator(sep string) Option {
	return func(o *options) { o.separator = sep }
}

// WithMaxBytes caps each channel's raw buffer; older bytes are overwritten.
func WithMaxBytes(n int) Option {
	return func(o *options) { o.maxBytes = n }
}

// WithMaxWait sets the bound Async uses for the install wait and Join when
// its maxWait argument is not positive. Sync runs work on the caller and
// never waits, so it ignores this option.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

func withRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

func resolveOptions(opts []Option) options {
	cfg := config.Get()
	o := options{
		separator: cfg.Separator,
		maxBytes:  cfg.MaxBytes,
		maxWait:   cfg.MaxWaitDuration,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = Default()
	}
	if o.maxWait <= 0 {
		o.maxWait = config.Defaults().MaxWaitDuration
	}
	return o
}

// installGate settles the race between an Async worker installing its
// capture and the caller giving up on the install wait. Whoever moves it
// first wins: a worker that has not entered never registers, one that has
// entered but not started skips the work and tears down.
type installGate struct {
	state atomic.Int32
}

const (
	gateOpen int32 = iota
	gateEntered
	gateStarted
	gateAbandoned
)

// enter is called by the registry under its lock. A nil gate always admits.
func (g *installGate) enter() bool {
	return g == nil || g.state.CompareAndSwap(gateOpen, gateEntered)
}

// start reports whether the worker may run the work.
func (g *installGate) start() bool {
	return g.state.CompareAndSwap(gateEntered, gateStarted)
}

// abandon closes the gate unless the work already started, and returns the
// state it found.
func (g *installGate) abandon() int32 {
	for {
		cur := g.state.Load()
		if cur == gateStarted || cur == gateAbandoned {
			return cur
		}
		if g.state.CompareAndSwap(cur, gateAbandoned) {
			return cur
		}
	}
}

// session is the state of one capture: Created, Installed, Running,
// Completed. The three latches mark the transitions.
type session struct {
	mode   string
	reg    *Registry
	sink   *sink
	router Router

	installed *latch.Latch
	finished  *latch.Latch
	tornDown  *latch.Latch

	// nil for Sync, where the caller installs on its own goroutine
	gate *installGate

	mu          sync.Mutex
	installErr  error
	workErr     error
	teardownErr error
}

func newSession(mode string, reg *Registry, s *sink, rt Router) *session {
	sess := &session{
		mode:   mode,
		reg:    reg,
		sink:   s,
		router: rt,
		installed: latch.New("capture installation", 1, func() {
			sessLog.Debug("install_wait_interrupted", slog.String("mode", mode))
		}),
		finished: latch.New("captured work", 1, nil),
		tornDown: latch.New("capture teardown", 1, func() {
			sessLog.Debug("join_interrupted", slog.String("mode", mode))
		}),
	}
	if mode == modeAsync {
		sess.gate = &installGate{}
	}
	return sess
}

func (s *session) install(ctx context.Context) (*interceptor, error) {
	defer s.installed.Release()
	ic, err := s.reg.register(ctx, s.sink, s.router, s.gate)
	if err != nil {
		s.mu.Lock()
		s.installErr = err
		s.mu.Unlock()
		return nil, err
	}
	sessLog.Debug("capture_started",
		slog.String("mode", s.mode),
		slog.String("router", s.router.String()),
		slog.Uint64("worker", uint64(s.router.Target())))
	return ic, nil
}

// run executes work and converts a returned error or panic into a
// *WorkError.
func (s *session) run(ctx context.Context, work Work) (err error) {
	defer s.finished.Release()
	defer func() {
		if v := recover(); v != nil {
			err = newPanicError(v)
		}
		if err != nil {
			err = &WorkError{Mode: s.mode, Cause: err}
			s.mu.Lock()
			s.workErr = err
			s.mu.Unlock()
		}
	}()
	return work(ctx)
}

func (s *session) teardown(ic *interceptor) error {
	defer s.tornDown.Release()
	err := s.reg.deregister(ic)
	s.mu.Lock()
	s.teardownErr = err
	workErr := s.workErr
	s.mu.Unlock()

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "teardown_error"
	case workErr != nil:
		outcome = "failed"
	}
	s.reg.metrics.SessionDone(context.Background(), s.mode, outcome)
	sessLog.Debug("capture_finished", slog.String("mode", s.mode), slog.String("outcome", outcome))
	return err
}

func (s *session) results() (install, work, teardown error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installErr, s.workErr, s.teardownErr
}

// Sync captures output of work, which runs on the calling goroutine. With
// ScopeThread only writes carrying ctx's identity are captured; ctx gets a
// fresh identity if it has none. If work fails, the captured output is
// returned together with a *WorkError wrapping the cause.
func Sync(ctx context.Context, scope Scope, delivery Delivery, work Work, opts ...Option) (out *Output, err error) {
	o := resolveOptions(opts)
	s, err := newSink(o.separator, o.maxBytes)
	if err != nil {
		return nil, err
	}
	ctx, id := stdio.Ensure(ctx)
	sess := newSession(modeSync, o.registry, s, NewRouter(scope, delivery, id))

	ic, err := sess.install(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if tdErr := sess.teardown(ic); tdErr != nil {
			err = errors.Join(err, tdErr)
		}
		out = s.snapshot()
	}()

	return nil, sess.run(ctx, work)
}

// Async starts work on a dedicated worker goroutine with its own identity
// and returns once the capture is installed. maxWait bounds the
// installation wait and Join; maxWait <= 0 uses the configured default.
// When the installation wait fails, no capture is left registered by the
// time Async returns the *WaitError, unless the work had already started,
// in which case the wait counts as met and the handle is returned.
// Errors from work are available from Ongoing.Err, never returned here.
func Async(ctx context.Context, scope Scope, delivery Delivery, work Work, maxWait time.Duration, opts ...Option) (*Ongoing, error) {
	o := resolveOptions(opts)
	if maxWait <= 0 {
		maxWait = o.maxWait
	}
	s, err := newSink(o.separator, o.maxBytes)
	if err != nil {
		return nil, err
	}

	id := stdio.NewIdentity()
	workCtx, cancel := context.WithCancel(stdio.WithIdentity(ctx, id))
	sess := newSession(modeAsync, o.registry, s, NewRouter(scope, delivery, id))

	// One worker per capture, never a shared pool: the worker's identity is
	// what ScopeThread filters on.
	g := new(errgroup.Group)
	g.SetLimit(1)
	g.Go(func() error {
		defer cancel()
		ic, err := sess.install(workCtx)
		if err != nil {
			sess.finished.Release()
			sess.tornDown.Release()
			sess.reg.metrics.SessionDone(context.Background(), modeAsync, "not_installed")
			return err
		}
		if sess.gate.start() {
			_ = sess.run(workCtx, work)
		} else {
			sess.finished.Release()
		}
		return sess.teardown(ic)
	})

	if err := sess.installed.Await(ctx, maxWait); err != nil {
		switch sess.gate.abandon() {
		case gateStarted:
			// The work started as the wait gave up; the capture is live
			// and the caller gets its handle.
		case gateEntered:
			// Installed but the work never starts. Teardown only needs the
			// registry lock, so the caller can wait for it unbounded.
			cancel()
			<-sess.tornDown.Done()
			return nil, err
		default:
			cancel()
			return nil, err
		}
	}
	if installErr, _, _ := sess.results(); installErr != nil {
		_ = g.Wait()
		return nil, installErr
	}
	return &Ongoing{sess: sess, group: g, maxWait: maxWait}, nil
}

// Ongoing is the handle to an asynchronous capture.
type Ongoing struct {
	sess    *session
	group   *errgroup.Group
	maxWait time.Duration
}

// Worker returns the identity the worker writes with.
func (o *Ongoing) Worker() stdio.Identity { return o.sess.router.Target() }

// Snapshot returns everything captured so far.
func (o *Ongoing) Snapshot() *Output { return o.sess.sink.snapshot() }

func (o *Ongoing) Stdout() string { return o.Snapshot().Stdout() }
func (o *Ongoing) Stderr() string { return o.Snapshot().Stderr() }
func (o *Ongoing) StdoutLines() []string { return o.Snapshot().StdoutLines() }
func (o *Ongoing) StderrLines() []string { return o.Snapshot().StderrLines() }
func (o *Ongoing) StdoutSplit() []string { return o.Snapshot().StdoutSplit() }
func (o *Ongoing) StderrSplit() []string { return o.Snapshot().StderrSplit() }
func (o *Ongoing) Stream() []Line { return o.Snapshot().Stream() }

// Lines iterates over the lines completed when each range starts.
func (o *Ongoing) Lines() iter.Seq[Line] {
	return func(yield func(Line) bool) {
		for l := range o.Snapshot().Lines() {
			if !yield(l) {
				return
			}
		}
	}
}

// Flush discards everything captured so far. Output snapshots taken
// earlier are unaffected.
func (o *Ongoing) Flush() { o.sess.sink.flush() }

// CapturedAndFlush returns the output captured so far and clears it
// atomically.
func (o *Ongoing) CapturedAndFlush() *Output { return o.sess.sink.snapshotAndFlush() }

// Err returns the *WorkError raised by the work, or nil if it has not
// failed (yet).
func (o *Ongoing) Err() error {
	_, workErr, _ := o.sess.results()
	return workErr
}

// WorkerFinished reports whether the work has returned.
func (o *Ongoing) WorkerFinished() bool { return o.sess.finished.Released() }

// Done is closed once the capture is fully torn down.
func (o *Ongoing) Done() <-chan struct{} { return o.sess.tornDown.Done() }

// Join waits up to the capture's max wait for teardown to complete. It
// returns a *WaitError on expiry and a teardown error if restoring the
// process streams failed; the work's own error is reported by Err.
func (o *Ongoing) Join() error {
	return o.JoinContext(context.Background())
}

// JoinContext is Join with a context that can interrupt the wait.
func (o *Ongoing) JoinContext(ctx context.Context) error {
	if err := o.sess.tornDown.Await(ctx, o.maxWait); err != nil {
		return err
	}
	_ = o.group.Wait()
	_, _, teardownErr := o.sess.results()
	return teardownErr
}
