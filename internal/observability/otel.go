package observability

import (
	"context"
	"fmt"
	"strings"

	"changedesk/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	defaultCollector   = "localhost:4317"
	defaultServiceName = "changedesk"
	defaultSampleRatio = 0.1
)

// tracingSettings 补全缺省值后的追踪配置
type tracingSettings struct {
	endpoint string
	insecure bool
	service  string
	ratio    float64
}

func resolveTracing(tc config.TracingConfig) tracingSettings {
	s := tracingSettings{
		endpoint: strings.TrimSpace(tc.Endpoint),
		insecure: tc.Insecure,
		service:  strings.TrimSpace(tc.ServiceName),
		ratio:    tc.SampleRatio,
	}
	for _, scheme := range []string{"http://", "https://"} {
		s.endpoint = strings.TrimPrefix(s.endpoint, scheme)
	}
	s.endpoint = strings.TrimSuffix(s.endpoint, "/")
	if s.endpoint == "" {
		s.endpoint = defaultCollector
	}
	if s.service == "" {
		s.service = defaultServiceName
	}
	if s.ratio <= 0 || s.ratio > 1 {
		s.ratio = defaultSampleRatio
	}
	return s
}

// SetupTracing 安装全局 TracerProvider 与 W3C 传播器，变更服务与调度器的 span 经 OTLP gRPC 导出。
// 未启用时不做任何事，返回的关闭函数总是非 nil。
func SetupTracing(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	if !cfg.Monitoring.Tracing.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	s := resolveTracing(cfg.Monitoring.Tracing)

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.endpoint)}
	if s.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", s.service),
			attribute.String("service.namespace", "itsm"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.ratio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}
