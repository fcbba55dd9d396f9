// Package observability provides OpenTelemetry metrics for the decision
// point: decision latency, cache hit rate, and JWKS refresh failures, via
// RED-style instruments over an otel/sdk MeterProvider. Metrics-only — no
// trace exporter is wired since this deployment never ships an OTLP
// collector dependency.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{ServiceName: "policy-decision-point", ServiceVersion: "1.0.0", Enabled: true}
}

// Provider owns the decision point's metric instruments.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	decisionCounter    metric.Int64Counter
	decisionDuration   metric.Float64Histogram
	cacheHitCounter    metric.Int64Counter
	cacheMissCounter   metric.Int64Counter
	jwksRefreshFailure metric.Int64Counter
}

// New builds a Provider backed by a manual reader — callers scrape via
// Collect, since no OTLP exporter is wired in this deployment.
func New(config *Config, logger *slog.Logger) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{config: config, logger: logger.With("component", "observability")}

	if !config.Enabled {
		p.logger.Info("observability disabled")
		return p, nil
	}

	reader := sdkmetric.NewManualReader()
	p.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	p.meter = p.meterProvider.Meter("verified-permissions.pdp", metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("init pdp metrics: %w", err)
	}
	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error
	p.decisionCounter, err = p.meter.Int64Counter("pdp.decisions.total",
		metric.WithDescription("Total number of authorization decisions evaluated"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.decisionDuration, err = p.meter.Float64Histogram("pdp.decision.duration",
		metric.WithDescription("Decision evaluation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0))
	if err != nil {
		return err
	}
	p.cacheHitCounter, err = p.meter.Int64Counter("pdp.jwks_cache.hits",
		metric.WithDescription("JWKS cache hits"), metric.WithUnit("{hit}"))
	if err != nil {
		return err
	}
	p.cacheMissCounter, err = p.meter.Int64Counter("pdp.jwks_cache.misses",
		metric.WithDescription("JWKS cache misses"), metric.WithUnit("{miss}"))
	if err != nil {
		return err
	}
	p.jwksRefreshFailure, err = p.meter.Int64Counter("pdp.jwks.refresh_failures",
		metric.WithDescription("Failed JWKS fetch and refresh attempts"), metric.WithUnit("{failure}"))
	return err
}

// RecordDecision records one evaluated decision's outcome and latency.
func (p *Provider) RecordDecision(ctx context.Context, storeID string, decision string, duration time.Duration) {
	if p.decisionCounter == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("store_id", storeID), attribute.String("decision", decision))
	p.decisionCounter.Add(ctx, 1, attrs)
	p.decisionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordJWKSCacheResult records a JWKS cache hit or miss.
func (p *Provider) RecordJWKSCacheResult(ctx context.Context, hit bool) {
	if hit {
		if p.cacheHitCounter != nil {
			p.cacheHitCounter.Add(ctx, 1)
		}
		return
	}
	if p.cacheMissCounter != nil {
		p.cacheMissCounter.Add(ctx, 1)
	}
}

// RecordJWKSRefreshFailure records one failed JWKS fetch, whether from an
// on-demand GetKey or a background refresh.
func (p *Provider) RecordJWKSRefreshFailure(ctx context.Context, issuer string) {
	if p.jwksRefreshFailure == nil {
		return
	}
	p.jwksRefreshFailure.Add(ctx, 1, metric.WithAttributes(attribute.String("issuer", issuer)))
}

// Shutdown flushes and releases the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
