// Package telemetry wires OpenTelemetry tracing and metrics for evalbot.
//
// Telemetry is off unless EVALBOT_OTEL_ENABLED=true; the global providers are
// then no-ops and instrumented code pays nothing.
//
//	EVALBOT_OTEL_ENABLED=true          enable telemetry
//	EVALBOT_OTEL_STDOUT=true           print spans and metrics to stdout
//	OTEL_EXPORTER_OTLP_ENDPOINT=...    OTLP/HTTP metrics endpoint (host:port)
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationScope = "github.com/planetwars/evalbot"

// Resource attribute keys describing the evaluation host.
const (
	AttrRepo          = attribute.Key("evalbot.repo")
	AttrWorkspaceRoot = attribute.Key("evalbot.workspace_root")
	AttrRuntime       = attribute.Key("evalbot.container_runtime")
)

var shutdownFns []func(context.Context) error

// Enabled reports whether EVALBOT_OTEL_ENABLED is "true".
func Enabled() bool {
	return os.Getenv("EVALBOT_OTEL_ENABLED") == "true"
}

// Deployment identifies which submissions repository and workspace this
// process serves. It is recorded on every span and metric.
type Deployment struct {
	Repo          string
	WorkspaceRoot string
	Runtime       string
}

func (d Deployment) attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if d.Repo != "" {
		attrs = append(attrs, AttrRepo.String(d.Repo))
	}
	if d.WorkspaceRoot != "" {
		attrs = append(attrs, AttrWorkspaceRoot.String(d.WorkspaceRoot))
	}
	if d.Runtime != "" {
		attrs = append(attrs, AttrRuntime.String(d.Runtime))
	}
	return attrs
}

func newResource(ctx context.Context, serviceName, version string, d Deployment) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
	}, d.attributes()...)
	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithHost(),
		resource.WithProcess(),
	)
}

// Init installs the global tracer and meter providers.
func Init(ctx context.Context, serviceName, version string, d Deployment) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := newResource(ctx, serviceName, version, d)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}

	tp, err := buildTraceProvider(res)
	if err != nil {
		return fmt.Errorf("telemetry: trace provider: %w", err)
	}
	otel.SetTracerProvider(tp)
	shutdownFns = append(shutdownFns, tp.Shutdown)

	mp, err := buildMetricProvider(ctx, res)
	if err != nil {
		return fmt.Errorf("telemetry: metric provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)

	return nil
}

// Spans only go to stdout; the OTLP endpoint receives metrics.
func buildTraceProvider(res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if os.Getenv("EVALBOT_OTEL_STDOUT") == "true" {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func buildMetricProvider(ctx context.Context, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if os.Getenv("EVALBOT_OTEL_STDOUT") == "true" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
		))
	}

	if endpoint := firstNonEmpty(
		os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	); endpoint != "" {
		exp, err := buildOTLPMetricExporter(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second)),
		))
	}

	return sdkmetric.NewMeterProvider(opts...), nil
}

// Tracer returns a tracer for name, or for the module scope when name is empty.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Tracer(name)
}

// Meter returns a meter for name, or for the module scope when name is empty.
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops the providers installed by Init.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
