package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/config"
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

// Histogram boundaries, in seconds. A single backend call covers one chunk of
// at most a few thousand characters; a whole narration can run for minutes
// when a busy class queues its chunks.
var (
	backendLatencyBuckets   = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}
	narrationLatencyBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}
	chunkCountBuckets       = []float64{1, 2, 3, 5, 8, 13, 21, 34, 55}
)

func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := narrationResource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), traceProvider.Shutdown(ctx))
	}
	return shutdown, metricHandler, nil
}

// narrationResource describes this narrator: which classes it paces and which
// backend and artifact modes it runs with.
func narrationResource(ctx context.Context, cfg config.Config) (*resource.Resource, error) {
	classes := make([]string, 0, len(cfg.VoiceClasses))
	for _, vc := range cfg.VoiceClasses {
		classes = append(classes, vc.Name)
	}
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.DeploymentEnvironmentName(cfg.Environment),
			attribute.StringSlice("narrator.voice_classes", classes),
			attribute.String("narrator.synth.mode", cfg.Synth.Mode),
			attribute.String("narrator.synth.output_format", cfg.Synth.OutputFormat),
			attribute.String("narrator.artifacts.mode", cfg.Artifacts.Mode),
		),
	)
}

// initTracer picks an exporter: OTLP when an endpoint is configured, stdout
// in development, none otherwise. OTLP traces are sampled by
// telemetry.trace_sample_ratio, following the parent's decision.
func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint)
	switch {
	case endpoint != "":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("tracing enabled",
			slog.String("exporter", "otlp"),
			slog.String("endpoint", endpoint),
			slog.Float64("sample_ratio", cfg.Telemetry.TraceSampleRatio))
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Telemetry.TraceSampleRatio))),
			sdktrace.WithResource(res),
		), nil
	case cfg.Environment == "development":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		logger.Info("tracing enabled", slog.String("exporter", "stdout"))
		return sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		), nil
	default:
		logger.Info("tracing disabled")
		return sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.NeverSample()),
			sdktrace.WithResource(res),
		), nil
	}
}

// initMetrics serves metrics through the prometheus exporter. Without it the
// instruments still work but nothing is exported.
func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return newMeterProvider(res), nil
	}
	return newMeterProvider(res, promExporter), promhttp.Handler()
}

func newMeterProvider(res *resource.Resource, readers ...sdkmetric.Reader) *sdkmetric.MeterProvider {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(narrationViews()...),
	}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	return sdkmetric.NewMeterProvider(opts...)
}

func narrationViews() []sdkmetric.View {
	buckets := func(name string, bounds []float64) sdkmetric.View {
		return sdkmetric.NewView(
			sdkmetric.Instrument{Name: name},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		)
	}
	return []sdkmetric.View{
		buckets("narrator.synth.latency", backendLatencyBuckets),
		buckets("narrator.narration.duration", narrationLatencyBuckets),
		buckets("narrator.narration.chunks", chunkCountBuckets),
	}
}
