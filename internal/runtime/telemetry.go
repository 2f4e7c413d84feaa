package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const latencyInstrument = "loqa.scribe.transcript.latency"

// Transcript latency spans a fast local loopback up to a congested relay.
var latencyBucketsMS = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// sessionAttributes describe how this scribe captures and transports audio.
// They are attached to every exported span and metric series.
func sessionAttributes(cfg config.Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ClientName),
		attribute.String("deployment.environment", cfg.Environment),
		attribute.String("loqa.scribe.transport", cfg.Session.Transport),
		attribute.String("loqa.scribe.device_failure", cfg.Session.DeviceFailure),
		attribute.String("loqa.scribe.capture_mode", cfg.Capture.Mode),
		attribute.String("loqa.scribe.archive_retention", cfg.Archive.RetentionMode),
	}
	if cfg.Loopback.Enabled {
		recognizer := cfg.Loopback.Recognizer
		if recognizer == "" {
			recognizer = "mock"
		}
		attrs = append(attrs, attribute.String("loqa.scribe.loopback", recognizer))
	}
	return attrs
}

// setupTelemetry installs the global tracer and meter providers. The returned
// handler serves Prometheus metrics and is nil when the exporter failed.
func setupTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	res, err := resource.New(ctx, resource.WithAttributes(sessionAttributes(cfg)...))
	if err != nil {
		return nil, nil, err
	}

	exporter, name, err := traceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)
	logger.Info("telemetry initialized", slog.String("exporter", name))

	meterProvider, metricHandler := newMeterProvider(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), tracerProvider.Shutdown(ctx))
	}
	return shutdown, metricHandler, nil
}

// traceExporter picks the span exporter: OTLP when an endpoint is set, then
// stdout when enabled. A nil exporter keeps spans in process.
func traceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, "", err
		}
		return exporter, "otlp", nil
	}
	if cfg.StdoutTraces {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, "", err
		}
		return exporter, "stdout", nil
	}
	return nil, "none", nil
}

// newMeterProvider exports session metrics through a registry owned by this
// runtime, so a restarted runtime in the same process registers cleanly.
func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	latencyView := sdkmetric.NewView(
		sdkmetric.Instrument{Name: latencyInstrument},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: latencyBucketsMS}},
	)
	opts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithView(latencyView)}

	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(opts...), nil
	}
	opts = append(opts, sdkmetric.WithReader(promExporter))
	return sdkmetric.NewMeterProvider(opts...), promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
