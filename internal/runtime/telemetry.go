package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dev-svk-flbs/fyemeetrec-sub000/internal/config"
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

// telemetry owns the trace and metric providers for the daemon.
// Traces ship to an OTLP collector when one is configured and fall
// back to stdout otherwise; metrics are scraped from the Prometheus
// handler the runtime mounts at /metrics.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	handler http.Handler
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.RuntimeName),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, err
	}

	exporter, err := spanExporter(ctx, cfg.Telemetry, logger)
	if err != nil {
		return nil, err
	}
	t := &telemetry{
		traces: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		),
	}
	otel.SetTracerProvider(t.traces)

	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("prometheus exporter unavailable", slog.String("error", err.Error()))
		t.metrics = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	} else {
		t.metrics = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(promExporter),
			sdkmetric.WithResource(res),
		)
		t.handler = promhttp.Handler()
	}
	otel.SetMeterProvider(t.metrics)

	return t, nil
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.metrics.Shutdown(ctx), t.traces.Shutdown(ctx))
}

// spanExporter picks the trace destination from config.
func spanExporter(ctx context.Context, cfg config.TelemetryConfig, logger *slog.Logger) (sdktrace.SpanExporter, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		logger.Info("tracing to otlp collector", slog.String("endpoint", endpoint))
		return otlptracegrpc.New(ctx, opts...)
	}
	logger.Info("tracing to stdout")
	return stdouttrace.New(stdouttrace.WithPrettyPrint())
}
