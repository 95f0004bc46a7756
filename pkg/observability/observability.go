// Package observability provides OpenTelemetry metrics for the kernel's
// security surface: validation outcomes, message movement, queue pressure,
// and audit chain growth.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the metrics provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317" for gRPC
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool // dev only
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "cmsr-kernel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages the OpenTelemetry meter provider and the kernel's
// instruments. A nil Provider is valid and records nothing, so callers
// hold one unconditionally.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	validations  metric.Int64Counter
	sends        metric.Int64Counter
	drops        metric.Int64Counter
	queueDepth   metric.Int64UpDownCounter
	auditEntries metric.Int64Counter
	hookLatency  metric.Float64Histogram
}

// New creates a metrics provider. With Enabled false, every instrument is
// a no-op and no exporter is dialed.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("cmsr.component", "kernel"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(config.ExportInterval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = otel.Meter("cmsr.kernel",
		metric.WithInstrumentationVersion(config.ServiceVersion))

	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "observability initialized",
		"endpoint", config.OTLPEndpoint, "interval", config.ExportInterval.String())
	return p, nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.validations, err = p.meter.Int64Counter("cmsr.capability.validations",
		metric.WithDescription("Capability validations by outcome"))
	if err != nil {
		return err
	}
	p.sends, err = p.meter.Int64Counter("cmsr.router.sends",
		metric.WithDescription("Messages admitted to endpoint queues"))
	if err != nil {
		return err
	}
	p.drops, err = p.meter.Int64Counter("cmsr.router.drops",
		metric.WithDescription("Messages evicted under drop policy"))
	if err != nil {
		return err
	}
	p.queueDepth, err = p.meter.Int64UpDownCounter("cmsr.router.queue_depth",
		metric.WithDescription("Total queued messages across endpoints"))
	if err != nil {
		return err
	}
	p.auditEntries, err = p.meter.Int64Counter("cmsr.audit.entries",
		metric.WithDescription("Audit chain entries committed"))
	if err != nil {
		return err
	}
	p.hookLatency, err = p.meter.Float64Histogram("cmsr.policy.hook_latency_ms",
		metric.WithDescription("Policy hook round trip latency"),
		metric.WithUnit("ms"))
	return err
}

// RecordValidation counts a validation result by fault code ("" for
// allowed).
func (p *Provider) RecordValidation(ctx context.Context, code string) {
	if p == nil || p.validations == nil {
		return
	}
	outcome := code
	if outcome == "" {
		outcome = "allowed"
	}
	p.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSend counts an admitted message and tracks queue depth.
func (p *Provider) RecordSend(ctx context.Context) {
	if p == nil || p.sends == nil {
		return
	}
	p.sends.Add(ctx, 1)
	p.queueDepth.Add(ctx, 1)
}

// RecordRecv tracks queue depth on dequeue.
func (p *Provider) RecordRecv(ctx context.Context) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Add(ctx, -1)
}

// RecordDrop counts a drop-policy eviction.
func (p *Provider) RecordDrop(ctx context.Context) {
	if p == nil || p.drops == nil {
		return
	}
	p.drops.Add(ctx, 1)
	p.queueDepth.Add(ctx, -1)
}

// RecordAuditEntry counts a committed audit chain entry.
func (p *Provider) RecordAuditEntry(ctx context.Context, kind string) {
	if p == nil || p.auditEntries == nil {
		return
	}
	p.auditEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordHookLatency records one policy hook round trip.
func (p *Provider) RecordHookLatency(ctx context.Context, hook string, d time.Duration) {
	if p == nil || p.hookLatency == nil {
		return
	}
	p.hookLatency.Record(ctx, float64(d.Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("hook", hook)))
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}
