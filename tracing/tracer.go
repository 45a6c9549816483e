package tracing

import (
	"context"
	"log/slog"

	"groupon_system/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// 结算链路使用的tracer名称
const instrumentationName = "groupon_system"

var provider *sdktrace.TracerProvider

// InitTracer 初始化Jaeger链路追踪，未开启时保持全局的noop实现
func InitTracer(cfg config.TracingConfig) error {
	if !cfg.Enabled {
		slog.Info("Tracing disabled")
		return nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
	if err != nil {
		return err
	}

	provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(cfg.ServiceName),
		)),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	slog.Info("Tracing initialized", "service", cfg.ServiceName, "endpoint", cfg.JaegerEndpoint)
	return nil
}

// Tracer 获取业务tracer
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Shutdown 刷新并关闭TracerProvider
func Shutdown(ctx context.Context) error {
	if provider == nil {
		return nil
	}
	return provider.Shutdown(ctx)
}
