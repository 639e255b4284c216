// Package telemetry sets up OpenTelemetry tracing for crawl runs.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the tracer provider.
type Config struct {
	ServiceName string
	// SampleRatio is the fraction of root spans kept; values >= 1 keep all.
	SampleRatio float64
}

// InitTracerProvider builds a provider whose finished spans are written to
// logger at debug level and installs it as the global provider.
func InitTracerProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		sdktrace.WithBatcher(NewLogExporter(logger)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// LogExporter writes finished spans as structured log entries.
type LogExporter struct {
	logger *zap.Logger
}

// NewLogExporter creates a LogExporter. A nil logger discards spans.
func NewLogExporter(logger *zap.Logger) *LogExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogExporter{logger: logger.Named("trace")}
}

// ExportSpans logs each span with its timing, status and attributes.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if !e.logger.Core().Enabled(zapcore.DebugLevel) {
		return nil
	}
	for _, s := range spans {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("export spans: %w", err)
		}
		fields := []zap.Field{
			zap.String("trace_id", s.SpanContext().TraceID().String()),
			zap.String("span_id", s.SpanContext().SpanID().String()),
			zap.Duration("elapsed", s.EndTime().Sub(s.StartTime())),
			zap.String("status", s.Status().Code.String()),
		}
		if s.Parent().IsValid() {
			fields = append(fields, zap.String("parent_id", s.Parent().SpanID().String()))
		}
		if desc := s.Status().Description; desc != "" {
			fields = append(fields, zap.String("status_description", desc))
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		e.logger.Debug(s.Name(), fields...)
	}
	return nil
}

// Shutdown flushes the logger.
func (e *LogExporter) Shutdown(context.Context) error {
	_ = e.logger.Sync()
	return nil
}
