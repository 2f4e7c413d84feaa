package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-scribe/session"

type metrics struct {
	tracer      trace.Tracer
	latency     metric.Float64Histogram
	segments    metric.Int64Counter
	transitions metric.Int64Counter
	audioBytes  metric.Int64Counter
}

// newMetrics registers the session instruments on the global providers. A
// failed instrument is left nil and skipped when recording.
func newMetrics(level func() float64) (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &metrics{tracer: otel.Tracer(instrumentationName)}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	latency, err := meter.Float64Histogram("loqa.scribe.transcript.latency",
		metric.WithDescription("Time from backend event timestamp to local receipt"),
		metric.WithUnit("ms"))
	keep(err)
	m.latency = latency

	segments, err := meter.Int64Counter("loqa.scribe.transcript.segments",
		metric.WithDescription("Transcript events ingested"))
	keep(err)
	m.segments = segments

	transitions, err := meter.Int64Counter("loqa.scribe.session.transitions",
		metric.WithDescription("Aggregate status changes"))
	keep(err)
	m.transitions = transitions

	audio, err := meter.Int64Counter("loqa.scribe.audio.bytes",
		metric.WithDescription("PCM bytes sent to the backend"),
		metric.WithUnit("By"))
	keep(err)
	m.audioBytes = audio

	gauge, err := meter.Float64ObservableGauge("loqa.scribe.input.level",
		metric.WithDescription("Current input RMS amplitude"))
	keep(err)
	if err == nil {
		_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
			obs.ObserveFloat64(gauge, level())
			return nil
		}, gauge)
		keep(err)
	}
	return m, firstErr
}

func (m *metrics) startAttempt(ctx context.Context, attempt uint64, mode Mode) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "session.connect", trace.WithAttributes(
		attribute.Int64("session.attempt", int64(attempt)),
		attribute.String("session.transport", string(mode)),
	))
}

func (m *metrics) recordLatency(ctx context.Context, d time.Duration, source string) {
	if m.latency == nil {
		return
	}
	m.latency.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("channel", source)))
}

func (m *metrics) recordSegment(ctx context.Context, final bool, source string) {
	if m.segments == nil {
		return
	}
	m.segments.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("final", final),
		attribute.String("channel", source)))
}

func (m *metrics) recordTransition(ctx context.Context, from, to Status) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to))))
}

func (m *metrics) recordAudio(ctx context.Context, n int) {
	if m.audioBytes == nil {
		return
	}
	m.audioBytes.Add(ctx, int64(n))
}
