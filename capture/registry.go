package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/stdcapture/internal/config"
	"github.com/asheshgoplani/stdcapture/internal/lines"
	"github.com/asheshgoplani/stdcapture/internal/logging"
	"github.com/asheshgoplani/stdcapture/internal/metrics"
	"github.com/asheshgoplani/stdcapture/stdio"
)

var (
	regLog      = logging.ForComponent(logging.CompRegistry)
	dispatchLog = logging.ForComponent(logging.CompDispatch)
)

// errAbandoned refuses an install the Async caller already gave up on.
var errAbandoned = errors.New("capture abandoned before install")

// registryState is immutable once published. Dispatch reads it without
// locking; register and deregister publish a modified copy.
type registryState struct {
	// entries in registration order, newest last
	entries  []*interceptor
	original [2]stdio.Stream
	// suppress is set while any entry redirects; bytes nobody accepted are
	// then dropped instead of reaching the original stream.
	suppress bool
}

func newState(entries []*interceptor, original [2]stdio.Stream) *registryState {
	st := &registryState{entries: entries, original: original}
	for _, ic := range entries {
		if !ic.router.Copies() {
			st.suppress = true
			break
		}
	}
	return st
}

// Registry is the set of active captures. While it is non-empty the
// process streams are replaced by one shim per channel that routes every
// write through the registered captures.
type Registry struct {
	mu    sync.Mutex
	state atomic.Pointer[registryState]
	shims [2]*shim

	metrics *metrics.Metrics
	// anomalies in the dispatch path are rare but could repeat per write
	warnLimit *rate.Limiter
}

func newRegistry(m *metrics.Metrics) *Registry {
	r := &Registry{
		metrics:   m,
		warnLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	r.shims = [2]*shim{{reg: r, ch: lines.Out}, {reg: r, ch: lines.Err}}
	r.state.Store(&registryState{})
	return r
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry. The first call loads the
// configuration and initializes logging.
func Default() *Registry {
	defaultOnce.Do(func() {
		cfg := config.Get()
		logging.Init(cfg.Logging.LoggingConfig())
		m, err := metrics.New()
		if err != nil {
			regLog.Warn("metrics_init_failed", slog.String("error", err.Error()))
		}
		defaultRegistry = newRegistry(m)
	})
	return defaultRegistry
}

// ActiveCount returns the number of captures in the default registry.
func ActiveCount() int {
	return Default().Active()
}

// RemoveAllActive drains the default registry and restores the process
// streams. Meant for test harness teardown.
func RemoveAllActive() (int, error) {
	return Default().RemoveAll()
}

// Active returns the number of registered captures.
func (r *Registry) Active() int {
	return len(r.state.Load().entries)
}

// register adds a capture for s routed by rt. The first registration swaps
// the process streams for the registry's shims. Nothing is registered once
// ctx is done or gate has been abandoned; both are checked under the lock.
func (r *Registry) register(ctx context.Context, s *sink, rt Router, gate *installGate) (*interceptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("capture not installed: %w", context.Cause(ctx))
	}
	if !gate.enter() {
		return nil, errAbandoned
	}

	cur := r.state.Load()
	original := cur.original

	if len(cur.entries) == 0 {
		prevOut, prevErr := stdio.Swap(r.shims[lines.Out], r.shims[lines.Err])
		prev := [2]stdio.Stream{prevOut, prevErr}
		for _, ch := range []lines.Channel{lines.Out, lines.Err} {
			if prev[ch] != stdio.Stream(r.shims[ch]) {
				original[ch] = prev[ch]
				continue
			}
			// Our shim is still live, put back by a registry that emptied
			// after us. It forwards to the streams saved last time; without
			// those there is nothing safe to route to.
			if cur.original[ch] == nil {
				stdio.Swap(prevOut, prevErr)
				return nil, &InvariantError{Channel: ch, Op: "install"}
			}
		}
		r.metrics.Swapped(context.Background(), "install")
		regLog.Debug("streams_installed")
	}

	ic := rt.wrap(s, original[lines.Out], original[lines.Err])
	entries := make([]*interceptor, len(cur.entries), len(cur.entries)+1)
	copy(entries, cur.entries)
	entries = append(entries, ic)
	next := newState(entries, original)
	r.state.Store(next)

	r.metrics.CaptureAdded(context.Background(), 1)
	regLog.Debug("capture_registered",
		slog.String("router", rt.String()),
		slog.Uint64("target", uint64(rt.Target())),
		slog.Int("active", len(next.entries)))
	return ic, nil
}

// deregister removes ic. Removing an entry that is not registered is a
// no-op, so a session can always call it during teardown. When the last
// entry goes, the saved streams are restored.
func (r *Registry) deregister(ic *interceptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	idx := -1
	for i, e := range cur.entries {
		if e == ic {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	remaining := make([]*interceptor, 0, len(cur.entries)-1)
	remaining = append(remaining, cur.entries[:idx]...)
	remaining = append(remaining, cur.entries[idx+1:]...)
	r.metrics.CaptureAdded(context.Background(), -1)

	if len(remaining) > 0 {
		r.state.Store(newState(remaining, cur.original))
		regLog.Debug("capture_deregistered", slog.Int("active", len(remaining)))
		return nil
	}

	r.state.Store(&registryState{original: cur.original})
	return r.restoreLocked(cur.original)
}

// RemoveAll drops every capture and restores the saved streams. Sessions
// whose entries were removed finish normally; their own deregistration
// becomes a no-op.
func (r *Registry) RemoveAll() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	n := len(cur.entries)
	if n == 0 {
		return 0, nil
	}
	r.state.Store(&registryState{original: cur.original})
	r.metrics.CaptureAdded(context.Background(), int64(-n))
	regLog.Warn("captures_force_removed", slog.Int("count", n))
	return n, r.restoreLocked(cur.original)
}

// restoreLocked puts the saved streams back. A channel whose live stream is
// no longer our shim is left alone and reported.
//
// Registries are meant to nest. When one empties while a registry installed
// after it is still active, its shim stays inside that registry's saved
// streams and comes back live later; the emptied state keeps the saved
// streams so such writes still reach them, and the next register reuses
// them.
func (r *Registry) restoreLocked(original [2]stdio.Stream) error {
	shimOut, shimErr := stdio.Stream(r.shims[lines.Out]), stdio.Stream(r.shims[lines.Err])
	if stdio.CompareAndSwap(shimOut, shimErr, original[lines.Out], original[lines.Err]) {
		r.metrics.Swapped(context.Background(), "restore")
		regLog.Debug("streams_restored")
		return nil
	}

	liveOut, liveErr := stdio.Current()
	newOut, newErr := liveOut, liveErr
	bad := lines.Out
	if liveOut == shimOut {
		newOut = original[lines.Out]
		bad = lines.Err
	}
	if liveErr == shimErr {
		newErr = original[lines.Err]
	}
	stdio.CompareAndSwap(liveOut, liveErr, newOut, newErr)

	err := &InvariantError{Channel: bad, Op: "restore"}
	regLog.Error("stream_restore_mismatch", slog.String("error", err.Error()))
	return err
}

// shim is the stream installed in place of the process streams.
type shim struct {
	reg *Registry
	ch  lines.Channel
}

func (s *shim) WriteAs(id stdio.Identity, p []byte) (int, error) {
	return s.reg.dispatch(s.ch, id, p)
}

// dispatch routes p, written by writer, newest capture first. Every byte
// goes to the first blocking capture that accepts it (non-blocking
// acceptors see it too). Bytes nobody accepted are dropped while a
// redirecting capture is active and go to the original stream otherwise.
func (r *Registry) dispatch(ch lines.Channel, writer stdio.Identity, p []byte) (int, error) {
	st := r.state.Load()
	if len(st.entries) == 0 {
		return r.writeOriginal(st, ch, writer, p)
	}

	ctx := context.Background()
	var claimed []bool
	unclaimed := len(p)

	for i := len(st.entries) - 1; i >= 0 && unclaimed > 0; i-- {
		ic := st.entries[i]
		start := -1
		for j := 0; j <= len(p); j++ {
			if j < len(p) && (claimed == nil || !claimed[j]) && ic.router.Accepts(p[j], writer) {
				if start < 0 {
					start = j
				}
				continue
			}
			if start < 0 {
				continue
			}
			if err := ic.deliver(ch, writer, p[start:j]); err != nil {
				return 0, err
			}
			r.metrics.Captured(ctx, ch.String(), ic.router.Delivery().String(), j-start)
			if ic.router.Blocking() {
				if claimed == nil {
					claimed = make([]bool, len(p))
				}
				for k := start; k < j; k++ {
					claimed[k] = true
				}
				unclaimed -= j - start
			}
			start = -1
		}
	}

	if unclaimed > 0 && st.suppress {
		r.metrics.Dropped(ctx, ch.String(), unclaimed)
		logging.Aggregate(logging.CompDispatch, "dropped", int64(unclaimed),
			slog.String("channel", ch.String()))
		return len(p), nil
	}
	if unclaimed > 0 {
		orig := st.original[ch]
		for j := 0; j < len(p); {
			if claimed != nil && claimed[j] {
				j++
				continue
			}
			k := j
			for k < len(p) && (claimed == nil || !claimed[k]) {
				k++
			}
			if _, err := orig.WriteAs(writer, p[j:k]); err != nil {
				return 0, err
			}
			j = k
		}
		r.metrics.Fallthrough(ctx, ch.String(), unclaimed)
		logging.Aggregate(logging.CompDispatch, "fallthrough", int64(unclaimed),
			slog.String("channel", ch.String()))
	}
	return len(p), nil
}

// writeOriginal handles a write that reached a shim after the registry
// emptied, e.g. through a writer that resolved the stream just before the
// restore, or through a shim another registry put back.
func (r *Registry) writeOriginal(st *registryState, ch lines.Channel, writer stdio.Identity, p []byte) (int, error) {
	orig := st.original[ch]
	if orig == nil {
		orig = r.processStream(ch)
	}
	if r.warnLimit.Allow() {
		dispatchLog.Warn("dispatch_without_captures", slog.String("channel", ch.String()))
	}
	return orig.WriteAs(writer, p)
}

// processStream returns the live process stream for ch unless it is our
// own shim, in which case the OS stream is used.
func (r *Registry) processStream(ch lines.Channel) stdio.Stream {
	live := stdio.Out()
	fallback := os.Stdout
	if ch == lines.Err {
		live, fallback = stdio.Err(), os.Stderr
	}
	if live == stdio.Stream(r.shims[ch]) {
		return stdio.FileStream(fallback)
	}
	return live
}
