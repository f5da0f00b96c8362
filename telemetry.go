package taskd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"pkt.systems/pslog"
	"pkt.systems/taskd/internal/svcfields"
	"pkt.systems/taskd/internal/version"
)

type telemetryBundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsServer  *http.Server
	metricsLn      net.Listener
	logger         pslog.Logger
}

// setupTelemetry installs the global meter provider (Prometheus exporter),
// starts the optional metrics listener, and wires the optional OTLP trace
// exporter.
func setupTelemetry(ctx context.Context, cfg Config, logger pslog.Logger) (*telemetryBundle, error) {
	bundle := &telemetryBundle{logger: svcfields.WithSubsystem(logger, "telemetry")}

	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: prometheus exporter: %w", err)
	}
	bundle.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(bundle.meterProvider)
	if err := otelruntime.Start(otelruntime.WithMeterProvider(bundle.meterProvider)); err != nil {
		bundle.logger.Warn("telemetry.runtime_metrics.failed", "error", err)
	}

	if cfg.MetricsListen != "" {
		ln, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			return nil, fmt.Errorf("telemetry: metrics listen %s: %w", cfg.MetricsListen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		bundle.metricsLn = ln
		bundle.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := bundle.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				bundle.logger.Warn("telemetry.metrics_server.exit", "error", err)
			}
		}()
		bundle.logger.Info("telemetry.metrics.listening", "addr", ln.Addr().String())
	}

	if cfg.OTLPEndpoint != "" {
		traceExporter, err := newTraceExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("taskd"),
			semconv.ServiceVersion(version.Current()),
		))
		if err != nil {
			return nil, fmt.Errorf("telemetry: resource: %w", err)
		}
		bundle.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(bundle.tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		bundle.logger.Info("telemetry.traces.enabled",
			"endpoint", cfg.OTLPEndpoint,
			"protocol", cfg.OTLPProtocol,
		)
	}

	return bundle, nil
}

func newTraceExporter(ctx context.Context, cfg Config) (*otlptrace.Exporter, error) {
	switch cfg.OTLPProtocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
}

// Shutdown flushes exporters and stops the metrics listener.
func (b *telemetryBundle) Shutdown(ctx context.Context) {
	if b == nil {
		return
	}
	if b.metricsServer != nil {
		if err := b.metricsServer.Shutdown(ctx); err != nil {
			b.logger.Warn("telemetry.metrics_server.shutdown", "error", err)
		}
	}
	if b.tracerProvider != nil {
		if err := b.tracerProvider.Shutdown(ctx); err != nil {
			b.logger.Warn("telemetry.tracer.shutdown", "error", err)
		}
	}
	if b.meterProvider != nil {
		if err := b.meterProvider.Shutdown(ctx); err != nil {
			b.logger.Warn("telemetry.meter.shutdown", "error", err)
		}
	}
}
