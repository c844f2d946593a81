// Package metrics holds the OpenTelemetry instruments recorded by capture.
// Instruments are no-ops until the host process registers a MeterProvider.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/asheshgoplani/stdcapture"

// Metrics holds all metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	// Captures currently registered
	ActiveCaptures metric.Int64UpDownCounter

	// Bytes delivered to a capture sink, by channel and delivery
	CapturedBytes metric.Int64Counter

	// Bytes no capture accepted, written to the original stream
	FallthroughBytes metric.Int64Counter

	// Bytes no capture accepted, discarded because a capture redirects
	DroppedBytes metric.Int64Counter

	// Stream swaps and restores of the process streams
	StreamSwaps metric.Int64Counter

	// Finished sessions, by mode and outcome
	Sessions metric.Int64Counter
}

// New creates the instruments from the global MeterProvider.
func New() (*Metrics, error) {
	return NewWithProvider(otel.GetMeterProvider())
}

// NewWithProvider creates the instruments from mp.
func NewWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ActiveCaptures, err = meter.Int64UpDownCounter("stdcapture.captures.active",
		metric.WithDescription("Captures currently registered"),
		metric.WithUnit("{capture}"))
	if err != nil {
		return nil, err
	}

	m.CapturedBytes, err = meter.Int64Counter("stdcapture.bytes.captured",
		metric.WithDescription("Bytes delivered to capture sinks"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	m.FallthroughBytes, err = meter.Int64Counter("stdcapture.bytes.fallthrough",
		metric.WithDescription("Bytes written while captures were active that no capture accepted"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	m.DroppedBytes, err = meter.Int64Counter("stdcapture.bytes.dropped",
		metric.WithDescription("Bytes no capture accepted, discarded while a redirecting capture was active"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	m.StreamSwaps, err = meter.Int64Counter("stdcapture.streams.swaps",
		metric.WithDescription("Installs and restores of the process standard streams"))
	if err != nil {
		return nil, err
	}

	m.Sessions, err = meter.Int64Counter("stdcapture.sessions",
		metric.WithDescription("Finished capture sessions partitioned by mode and outcome"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// CaptureAdded records a registration (delta 1) or removal (delta -1).
func (m *Metrics) CaptureAdded(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.ActiveCaptures.Add(ctx, delta)
}

// Captured records n bytes delivered to a sink.
func (m *Metrics) Captured(ctx context.Context, channel, delivery string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CapturedBytes.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("delivery", delivery),
	))
}

// Fallthrough records n bytes that went to the original stream uncaptured.
func (m *Metrics) Fallthrough(ctx context.Context, channel string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FallthroughBytes.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

// Dropped records n unaccepted bytes discarded under a redirecting capture.
func (m *Metrics) Dropped(ctx context.Context, channel string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DroppedBytes.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

// Swapped records a stream install ("install") or restore ("restore").
func (m *Metrics) Swapped(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.StreamSwaps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", direction),
	))
}

// SessionDone records a finished session.
func (m *Metrics) SessionDone(ctx context.Context, mode, outcome string) {
	if m == nil {
		return
	}
	m.Sessions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
}
