package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/manet-simulator/internal/logging"
)

// Span exporters accepted by TracingConfig.Exporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// DefaultOTLPEndpoint is the collector address used when none is configured.
const DefaultOTLPEndpoint = "localhost:4317"

// TracingConfig selects where lifecycle spans go.
type TracingConfig struct {
	Exporter    string // none | stdout | otlp
	ServiceName string
	Endpoint    string // otlp collector, host:port
	SampleRatio float64
	// Writer receives stdout-exporter spans; defaults to stderr.
	Writer io.Writer
}

// Validate reports an unknown exporter or an out-of-range ratio.
func (c TracingConfig) Validate() error {
	switch strings.ToLower(c.Exporter) {
	case "", ExporterNone, ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("unsupported tracing exporter %q", c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio %v outside [0, 1]", c.SampleRatio)
	}
	return nil
}

// NewTracerProvider builds the provider for one run. With no exporter it
// returns a noop provider. The returned shutdown flushes pending spans and
// must be called once the run is over.
func NewTracerProvider(ctx context.Context, cfg TracingConfig, log logging.Logger) (trace.TracerProvider, func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	exporter := strings.ToLower(cfg.Exporter)
	if exporter == "" || exporter == ExporterNone {
		log.Debug(ctx, "tracing disabled")
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}

	exp, err := newSpanExporter(ctx, exporter, cfg)
	if err != nil {
		return nil, nil, err
	}
	service := cfg.ServiceName
	if service == "" {
		service = "manet-sim"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", service),
		attribute.String("service.namespace", "manet"),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	log.Info(ctx, "tracing enabled",
		logging.String("exporter", exporter),
		logging.String("service_name", service),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp, tp.Shutdown, nil
}

func newSpanExporter(ctx context.Context, exporter string, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch exporter {
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(
			stdouttrace.WithWriter(w),
			stdouttrace.WithoutTimestamps(),
		)
	case ExporterOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = DefaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", exporter)
	}
}

// ShutdownWithTimeout flushes spans, giving up after five seconds. Failures
// are logged and otherwise ignored.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
