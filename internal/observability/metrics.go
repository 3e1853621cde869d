package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sandeepkv93/session-auth-gateway/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type AppMetrics struct {
	decisionCounter      metric.Int64Counter
	refreshCounter       metric.Int64Counter
	tokenClientCounter   metric.Int64Counter
	tokenClientDuration  metric.Float64Histogram
	rotationStoreCounter metric.Int64Counter
	rateLimitCounter     metric.Int64Counter
	devBackendCounter    metric.Int64Counter
	repositoryCounter    metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
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

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	m, err := newAppMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

const meterName = "session-auth-gateway"

func newAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	decisionCounter, err := meter.Int64Counter("gateway.decisions")
	if err != nil {
		return nil, err
	}
	refreshCounter, err := meter.Int64Counter("gateway.refresh.outcomes")
	if err != nil {
		return nil, err
	}
	tokenClientCounter, err := meter.Int64Counter("gateway.token_client.requests")
	if err != nil {
		return nil, err
	}
	tokenClientDuration, err := meter.Float64Histogram("gateway.token_client.duration", metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	rotationStoreCounter, err := meter.Int64Counter("gateway.rotation_store.events")
	if err != nil {
		return nil, err
	}
	rateLimitCounter, err := meter.Int64Counter("gateway.rate_limit.decisions")
	if err != nil {
		return nil, err
	}
	devBackendCounter, err := meter.Int64Counter("devbackend.token.events")
	if err != nil {
		return nil, err
	}
	repositoryCounter, err := meter.Int64Counter("repository.operations")
	if err != nil {
		return nil, err
	}
	return &AppMetrics{
		decisionCounter:      decisionCounter,
		refreshCounter:       refreshCounter,
		tokenClientCounter:   tokenClientCounter,
		tokenClientDuration:  tokenClientDuration,
		rotationStoreCounter: rotationStoreCounter,
		rateLimitCounter:     rateLimitCounter,
		devBackendCounter:    devBackendCounter,
		repositoryCounter:    repositoryCounter,
	}, nil
}

func currentMetrics() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

// RecordGatewayDecision counts the terminal state of one request evaluation.
func RecordGatewayDecision(ctx context.Context, route, state, reason string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("state", state),
		attribute.String("reason", reason),
	))
}

func RecordRefreshOutcome(ctx context.Context, outcome, coordination string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.refreshCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("coordination", coordination),
	))
}

func RecordTokenClientRequest(ctx context.Context, endpoint, status string, seconds float64) {
	m := currentMetrics()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	)
	m.tokenClientCounter.Add(ctx, 1, attrs)
	m.tokenClientDuration.Record(ctx, seconds, attrs)
}

func RecordRotationStoreEvent(ctx context.Context, backend, event string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.rotationStoreCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("event", event),
	))
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("outcome", outcome),
	))
}

// RecordDevBackendEvent counts token operations served by the reference
// backend.
func RecordDevBackendEvent(ctx context.Context, operation, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.devBackendCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}

func RecordRepositoryOperation(ctx context.Context, repo, operation, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.repositoryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("repository", repo),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}
