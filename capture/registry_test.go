package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/asheshgoplani/stdcapture/internal/lines"
	"github.com/asheshgoplani/stdcapture/internal/metrics"
	"github.com/asheshgoplani/stdcapture/stdio"
)

func writerCtx() (context.Context, stdio.Identity) {
	id := stdio.NewIdentity()
	return stdio.WithIdentity(context.Background(), id), id
}

func mustRegister(t *testing.T, reg *Registry, s *sink, rt Router) *interceptor {
	t.Helper()
	ic, err := reg.register(context.Background(), s, rt, nil)
	require.NoError(t, err)
	return ic
}

func sumMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestRegistryInstallsAndRestoresStreams(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)
	_, id := writerCtx()

	first := mustRegister(t, reg, mustSink(t, "\n", 0), NewRouter(ScopeThread, Redirect, id))
	assert.Same(t, reg.shims[lines.Out], stdio.Out())
	assert.Same(t, reg.shims[lines.Err], stdio.Err())
	assert.Equal(t, [2]stdio.Stream{c.out, c.err}, reg.state.Load().original)

	second := mustRegister(t, reg, mustSink(t, "\n", 0), NewRouter(ScopeAll, Copy, id))
	assert.Equal(t, 2, reg.Active())

	require.NoError(t, reg.deregister(first))
	assert.Same(t, reg.shims[lines.Out], stdio.Out(), "streams stay swapped while captures remain")

	require.NoError(t, reg.deregister(second))
	assert.Equal(t, 0, reg.Active())
	assert.Same(t, c.out, stdio.Out())
	assert.Same(t, c.err, stdio.Err())
}

func TestRegistryDeregisterTwiceIsNoop(t *testing.T) {
	useConsole(t)
	reg := newRegistry(nil)

	ic := mustRegister(t, reg, mustSink(t, "\n", 0), NewRouter(ScopeAll, Redirect, 0))
	require.NoError(t, reg.deregister(ic))
	assert.NoError(t, reg.deregister(ic))
	assert.Equal(t, 0, reg.Active())
}

func TestDispatchRoutesByWriter(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)
	mine, id := writerCtx()
	other, _ := writerCtx()

	s := mustSink(t, "\n", 0)
	ic := mustRegister(t, reg, s, NewRouter(ScopeThread, Redirect, id))

	stdio.Println(mine, "captured")
	stdio.Println(other, "passes")
	stdio.Println(context.Background(), "anonymous")
	stdio.Eprintln(mine, "err captured")
	stdio.Eprintln(other, "err passes")
	require.NoError(t, reg.deregister(ic))

	out := s.snapshot()
	assert.Equal(t, []string{"captured"}, out.StdoutLines())
	assert.Equal(t, []string{"err captured"}, out.StderrLines())
	// A redirecting capture keeps the console quiet, other writers included.
	assert.Empty(t, c.Stdout())
	assert.Empty(t, c.Stderr())
}

func TestDispatchCopyLetsOtherWritersThrough(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)
	mine, id := writerCtx()
	other, _ := writerCtx()

	s := mustSink(t, "\n", 0)
	ic := mustRegister(t, reg, s, NewRouter(ScopeThread, Copy, id))

	stdio.Println(mine, "captured")
	stdio.Println(other, "passes")
	require.NoError(t, reg.deregister(ic))

	assert.Equal(t, []string{"captured"}, s.snapshot().StdoutLines())
	assert.Equal(t, "captured\npasses\n", c.Stdout())
}

func TestDispatchRedirectAnywhereSuppresses(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)
	mine, id := writerCtx()
	other, _ := writerCtx()
	_, quiet := writerCtx()

	copyIC := mustRegister(t, reg, mustSink(t, "\n", 0), NewRouter(ScopeThread, Copy, quiet))
	redirectIC := mustRegister(t, reg, mustSink(t, "\n", 0), NewRouter(ScopeThread, Redirect, id))

	stdio.Println(other, "dropped")
	require.NoError(t, reg.deregister(redirectIC))
	stdio.Println(other, "passes")
	stdio.Println(mine, "also passes")
	require.NoError(t, reg.deregister(copyIC))

	assert.Equal(t, "passes\nalso passes\n", c.Stdout())
}

func TestDispatchCopyAlsoWritesOriginal(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)
	mine, id := writerCtx()

	s := mustSink(t, "\n", 0)
	ic := mustRegister(t, reg, s, NewRouter(ScopeThread, Copy, id))
	stdio.Println(mine, "echo")
	require.NoError(t, reg.deregister(ic))

	assert.Equal(t, []string{"echo"}, s.snapshot().StdoutLines())
	assert.Equal(t, "echo\n", c.Stdout())
}

func TestDispatchNewestCaptureShadowsOlder(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)
	ctx, _ := writerCtx()

	outer := mustSink(t, "\n", 0)
	outerIC := mustRegister(t, reg, outer, NewRouter(ScopeAll, Redirect, 0))
	stdio.Println(ctx, "before")

	inner := mustSink(t, "\n", 0)
	innerIC := mustRegister(t, reg, inner, NewRouter(ScopeAll, Redirect, 0))
	stdio.Println(ctx, "during")
	require.NoError(t, reg.deregister(innerIC))

	stdio.Println(ctx, "after")
	require.NoError(t, reg.deregister(outerIC))

	assert.Equal(t, []string{"before", "after"}, outer.snapshot().StdoutLines())
	assert.Equal(t, []string{"during"}, inner.snapshot().StdoutLines())
	assert.Empty(t, c.Stdout())
}

func TestDispatchInnerThreadCaptureHidesFromOuter(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)
	mine, id := writerCtx()
	other, _ := writerCtx()

	outer := mustSink(t, "\n", 0)
	outerIC := mustRegister(t, reg, outer, NewRouter(ScopeAll, Redirect, 0))
	inner := mustSink(t, "\n", 0)
	innerIC := mustRegister(t, reg, inner, NewRouter(ScopeThread, Redirect, id))

	stdio.Println(mine, "worker")
	stdio.Println(other, "bystander")

	require.NoError(t, reg.deregister(innerIC))
	require.NoError(t, reg.deregister(outerIC))

	assert.Equal(t, []string{"worker"}, inner.snapshot().StdoutLines())
	assert.Equal(t, []string{"bystander"}, outer.snapshot().StdoutLines())
	assert.Empty(t, c.Stdout())
}

func TestDispatchCopyIsStillBlocking(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)
	ctx, _ := writerCtx()

	outer := mustSink(t, "\n", 0)
	outerIC := mustRegister(t, reg, outer, NewRouter(ScopeAll, Redirect, 0))
	inner := mustSink(t, "\n", 0)
	innerIC := mustRegister(t, reg, inner, NewRouter(ScopeAll, Copy, 0))

	stdio.Println(ctx, "x")

	require.NoError(t, reg.deregister(innerIC))
	require.NoError(t, reg.deregister(outerIC))

	assert.Equal(t, []string{"x"}, inner.snapshot().StdoutLines())
	assert.Empty(t, outer.snapshot().StdoutLines())
	// The copy goes to the saved original, not through the older capture.
	assert.Equal(t, "x\n", c.Stdout())
}

func TestRestoreDetectsForeignSwap(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)

	ic := mustRegister(t, reg, mustSink(t, "\n", 0), NewRouter(ScopeAll, Redirect, 0))

	// Something else replaces the out stream while the capture is active.
	var foreign strings.Builder
	foreignOut := stdio.WriterStream(&foreign)
	stdio.Swap(foreignOut, stdio.Err())

	err := reg.deregister(ic)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvariantViolation))

	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, lines.Out, inv.Channel)
	assert.Equal(t, "restore", inv.Op)

	// The foreign stream is left alone; the err channel still held our shim
	// and is restored.
	assert.Same(t, foreignOut, stdio.Out())
	assert.Same(t, c.err, stdio.Err())

	stdio.Swap(c.out, c.err)
}

func TestRegisterRefusesLiveShim(t *testing.T) {
	tests := []struct {
		name    string
		live    func(c *console, reg *Registry) (stdio.Stream, stdio.Stream)
		channel lines.Channel
	}{
		{"both", func(c *console, reg *Registry) (stdio.Stream, stdio.Stream) {
			return reg.shims[lines.Out], reg.shims[lines.Err]
		}, lines.Out},
		{"err only", func(c *console, reg *Registry) (stdio.Stream, stdio.Stream) {
			return c.out, reg.shims[lines.Err]
		}, lines.Err},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := useConsole(t)
			reg := newRegistry(nil)

			// A shim from this registry is live although it never installed.
			liveOut, liveErr := tt.live(c, reg)
			stdio.Swap(liveOut, liveErr)

			_, err := reg.register(context.Background(), mustSink(t, "\n", 0), NewRouter(ScopeAll, Redirect, 0), nil)
			require.ErrorIs(t, err, ErrInvariantViolation)
			var inv *InvariantError
			require.ErrorAs(t, err, &inv)
			assert.Equal(t, tt.channel, inv.Channel)
			assert.Equal(t, "install", inv.Op)
			assert.Equal(t, 0, reg.Active())
			assert.Same(t, liveOut, stdio.Out(), "streams are left as they were found")
			assert.Same(t, liveErr, stdio.Err())

			stdio.Swap(c.out, c.err)
		})
	}
}

func TestRegisterRefusesCancelledContext(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.register(ctx, mustSink(t, "\n", 0), NewRouter(ScopeAll, Redirect, 0), nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, reg.Active())
	assert.Same(t, c.out, stdio.Out())
}

func TestRegisterRefusesAbandonedGate(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)
	gate := &installGate{}
	assert.Equal(t, gateOpen, gate.abandon())

	_, err := reg.register(context.Background(), mustSink(t, "\n", 0), NewRouter(ScopeAll, Redirect, 0), gate)
	require.ErrorIs(t, err, errAbandoned)
	assert.Equal(t, 0, reg.Active())
	assert.Same(t, c.out, stdio.Out())
}

func TestDispatchReportsSinkError(t *testing.T) {
	useConsole(t)
	reg := newRegistry(nil)
	mine, id := writerCtx()

	s := mustSink(t, "\n", 0)
	s.buf[Stdout] = failingBuffer{}
	ic := mustRegister(t, reg, s, NewRouter(ScopeThread, Redirect, id))

	_, err := stdio.Stdout(mine).Write([]byte("lost\n"))
	require.ErrorIs(t, err, errBufferFull)
	require.NoError(t, reg.deregister(ic))
}

func TestRegistriesEmptyingOutOfOrder(t *testing.T) {
	c := useConsole(t)
	first := newRegistry(nil)
	second := newRegistry(nil)
	ctx, _ := writerCtx()

	ic1 := mustRegister(t, first, mustSink(t, "\n", 0), NewRouter(ScopeAll, Redirect, 0))
	ic2 := mustRegister(t, second, mustSink(t, "\n", 0), NewRouter(ScopeAll, Redirect, 0))

	// first empties while second, installed on top of it, is still live.
	err := first.deregister(ic1)
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.NoError(t, second.deregister(ic2))

	// second put first's shim back; writes through it reach the console.
	assert.Same(t, first.shims[lines.Out], stdio.Out())
	stdio.Println(ctx, "late")
	assert.Equal(t, "late\n", c.Stdout())

	// first can install again over its own shim and restores the console.
	s := mustSink(t, "\n", 0)
	ic := mustRegister(t, first, s, NewRouter(ScopeAll, Redirect, 0))
	stdio.Println(ctx, "again")
	require.NoError(t, first.deregister(ic))

	assert.Equal(t, []string{"again"}, s.snapshot().StdoutLines())
	assert.Same(t, c.out, stdio.Out())
	assert.Same(t, c.err, stdio.Err())
	assert.Equal(t, "late\n", c.Stdout())
}

func TestRemoveAll(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)

	n, err := reg.RemoveAll()
	require.NoError(t, err)
	assert.Zero(t, n)

	a := mustRegister(t, reg, mustSink(t, "\n", 0), NewRouter(ScopeAll, Redirect, 0))
	mustRegister(t, reg, mustSink(t, "\n", 0), NewRouter(ScopeAll, Copy, 0))

	n, err = reg.RemoveAll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, reg.Active())
	assert.Same(t, c.out, stdio.Out())

	// Sessions tearing down afterwards find nothing to remove.
	assert.NoError(t, reg.deregister(a))
	assert.Same(t, c.out, stdio.Out())
}

func TestRegistriesChain(t *testing.T) {
	c := useConsole(t)
	first := newRegistry(nil)
	second := newRegistry(nil)
	ctx, _ := writerCtx()

	s1 := mustSink(t, "\n", 0)
	ic1 := mustRegister(t, first, s1, NewRouter(ScopeAll, Copy, 0))
	s2 := mustSink(t, "\n", 0)
	ic2 := mustRegister(t, second, s2, NewRouter(ScopeAll, Copy, 0))

	stdio.Println(ctx, "both")

	require.NoError(t, second.deregister(ic2))
	require.NoError(t, first.deregister(ic1))

	assert.Equal(t, []string{"both"}, s2.snapshot().StdoutLines())
	assert.Equal(t, []string{"both"}, s1.snapshot().StdoutLines())
	assert.Equal(t, "both\n", c.Stdout())
}

func TestConcurrentRegistrationAndWrites(t *testing.T) {
	c := useConsole(t)
	reg := newRegistry(nil)

	stop := make(chan struct{})
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		ctx, _ := writerCtx()
		for {
			select {
			case <-stop:
				return
			default:
				stdio.Println(ctx, "bg")
			}
		}
	}()

	const workers = 8
	sinks := make([]*sink, workers)
	var wg sync.WaitGroup
	for i := range workers {
		sinks[i] = mustSink(t, "\n", 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, id := writerCtx()
			for range 20 {
				ic, err := reg.register(context.Background(), sinks[i], NewRouter(ScopeThread, Redirect, id), nil)
				if !assert.NoError(t, err) {
					return
				}
				stdio.Printf(ctx, "w%d\n", i)
				assert.NoError(t, reg.deregister(ic))
			}
		}()
	}
	wg.Wait()
	close(stop)
	bg.Wait()

	assert.Equal(t, 0, reg.Active())
	for i, s := range sinks {
		got := s.snapshot().StdoutLines()
		assert.Len(t, got, 20)
		for _, l := range got {
			assert.Equal(t, fmt.Sprintf("w%d", i), l)
		}
	}
	for _, l := range lines.Split([]byte(c.Stdout()), "\n") {
		assert.Equal(t, "bg", l)
	}
}

func TestRegistryMetrics(t *testing.T) {
	useConsole(t)
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := metrics.NewWithProvider(mp)
	require.NoError(t, err)

	reg := newRegistry(m)
	mine, id := writerCtx()
	other, _ := writerCtx()

	ic := mustRegister(t, reg, mustSink(t, "\n", 0), NewRouter(ScopeThread, Redirect, id))
	stdio.Print(mine, "1234")
	stdio.Print(other, "56")
	require.NoError(t, reg.deregister(ic))

	sums := sumMetrics(t, reader)
	assert.Equal(t, int64(0), sums["stdcapture.captures.active"])
	assert.Equal(t, int64(4), sums["stdcapture.bytes.captured"])
	assert.Equal(t, int64(2), sums["stdcapture.bytes.dropped"])
	assert.Zero(t, sums["stdcapture.bytes.fallthrough"])
	assert.Equal(t, int64(2), sums["stdcapture.streams.swaps"])

	ic = mustRegister(t, reg, mustSink(t, "\n", 0), NewRouter(ScopeThread, Copy, id))
	stdio.Print(other, "789")
	require.NoError(t, reg.deregister(ic))

	sums = sumMetrics(t, reader)
	assert.Equal(t, int64(3), sums["stdcapture.bytes.fallthrough"])
}
