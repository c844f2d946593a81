package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
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

func TestRecording(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewWithProvider(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.CaptureAdded(ctx, 1)
	m.CaptureAdded(ctx, 1)
	m.CaptureAdded(ctx, -1)
	m.Captured(ctx, "out", "redirect", 5)
	m.Captured(ctx, "err", "copy", 3)
	m.Captured(ctx, "err", "copy", 0)
	m.Fallthrough(ctx, "out", 4)
	m.Dropped(ctx, "err", 6)
	m.Swapped(ctx, "install")
	m.Swapped(ctx, "restore")
	m.SessionDone(ctx, "sync", "ok")

	sums := collect(t, reader)
	assert.Equal(t, int64(1), sums["stdcapture.captures.active"])
	assert.Equal(t, int64(8), sums["stdcapture.bytes.captured"])
	assert.Equal(t, int64(4), sums["stdcapture.bytes.fallthrough"])
	assert.Equal(t, int64(6), sums["stdcapture.bytes.dropped"])
	assert.Equal(t, int64(2), sums["stdcapture.streams.swaps"])
	assert.Equal(t, int64(1), sums["stdcapture.sessions"])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.CaptureAdded(ctx, 1)
		m.Captured(ctx, "out", "copy", 1)
		m.Fallthrough(ctx, "out", 1)
		m.Dropped(ctx, "out", 1)
		m.Swapped(ctx, "install")
		m.SessionDone(ctx, "async", "failed")
	})
}

func TestNewUsesGlobalProvider(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	assert.NotNil(t, m.CapturedBytes)
}
