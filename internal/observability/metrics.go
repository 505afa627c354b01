package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"session-gateway/internal/config"
)

type gatewayMetrics struct {
	tokenValidationCounter metric.Int64Counter
	rateLimitCounter       metric.Int64Counter
	sessionStoreCounter    metric.Int64Counter
	sessionReuseCounter    metric.Int64Counter
	refreshCounter         metric.Int64Counter
}

var (
	metricsMu sync.RWMutex
	gwMetrics *gatewayMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("session-gateway")
	tokenCounter, err := meter.Int64Counter("auth.access_token.validations")
	if err != nil {
		return nil, err
	}
	rateLimitCounter, err := meter.Int64Counter("ratelimit.decisions")
	if err != nil {
		return nil, err
	}
	storeCounter, err := meter.Int64Counter("session_store.operations")
	if err != nil {
		return nil, err
	}
	reuseCounter, err := meter.Int64Counter("auth.refresh.reuse_detected")
	if err != nil {
		return nil, err
	}
	refreshCounter, err := meter.Int64Counter("auth.refresh.attempts")
	if err != nil {
		return nil, err
	}

	metricsMu.Lock()
	gwMetrics = &gatewayMetrics{
		tokenValidationCounter: tokenCounter,
		rateLimitCounter:       rateLimitCounter,
		sessionStoreCounter:    storeCounter,
		sessionReuseCounter:    reuseCounter,
		refreshCounter:         refreshCounter,
	}
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func current() *gatewayMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return gwMetrics
}

func RecordAccessTokenValidation(ctx context.Context, outcome, source string) {
	m := current()
	if m == nil {
		return
	}
	m.tokenValidationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("source", source),
	))
}

func RecordRateLimitDecision(ctx context.Context, class, outcome, keyType string) {
	m := current()
	if m == nil {
		return
	}
	m.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("outcome", outcome),
		attribute.String("key_type", keyType),
	))
}

func RecordSessionStoreOperation(ctx context.Context, op, outcome string) {
	m := current()
	if m == nil {
		return
	}
	m.sessionStoreCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

func RecordSessionReuseDetected(ctx context.Context) {
	m := current()
	if m == nil {
		return
	}
	m.sessionReuseCounter.Add(ctx, 1)
}

func RecordRefreshAttempt(ctx context.Context, status string) {
	m := current()
	if m == nil {
		return
	}
	m.refreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
