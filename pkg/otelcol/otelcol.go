package otelcol

import (
	"context"

	"github.com/Phillboard/mobul-sub010/pkg/config"
	"github.com/Phillboard/mobul-sub010/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module installs the global tracer provider. Without OTEL.ADDR the global
// no-op provider stays in place.
var Module = fx.Module("otelcol",
	fx.Provide(ProvideTracerProvider),
)

func defaultTraceProviderOption(cfg *config.Config) []trace.TracerProviderOption {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		res = resource.Default()
	}
	return []trace.TracerProviderOption{
		trace.WithResource(res),
	}
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	opts = append(opts, trace.WithBatcher(exporter))
	return trace.NewTracerProvider(opts...)
}

func ProvideTracerProvider(lc fx.Lifecycle, cfg *config.Config) oteltrace.TracerProvider {
	if cfg.Otel.Addr == "" {
		return otel.GetTracerProvider()
	}

	exporter, err := exporters.ProvideGrpc(cfg)
	if err != nil {
		zap.L().Warn("otel exporter unavailable, tracing disabled", zap.Error(err))
		return otel.GetTracerProvider()
	}

	tp := ProvideTrace(exporter, defaultTraceProviderOption(cfg)...)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return tp
}
