// ABOUTME: OpenTelemetry provider implementation with meter and tracer provider setup
// ABOUTME: Caches instruments by name and owns the lifecycle of readers, exporters and the metrics endpoint

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/KevoDB/wearlevel/pkg/common/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/KevoDB/wearlevel"

// TelemetryProvider implements the Telemetry interface using OpenTelemetry SDK.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         oteltrace.Tracer
	resource       *sdkresource.Resource
	server         *http.Server
	listener       net.Listener

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// New creates a Telemetry for the given configuration. Disabled configurations
// get a no-op implementation.
func New(cfg Config) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	readers, server, err := createMetricReaders(cfg)
	if err != nil {
		return nil, err
	}

	exporters, err := createTraceExporters(cfg)
	if err != nil {
		if serr := shutdownReaders(context.Background(), readers); serr != nil {
			err = errors.Join(err, serr)
		}
		return nil, err
	}

	p := newProvider(cfg, readers, exporters)

	if server != nil {
		listener, err := net.Listen("tcp", server.Addr)
		if err != nil {
			p.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to listen for prometheus scrapes: %w", err)
		}
		p.server = server
		p.listener = listener
		go serve(server, listener, log.GetDefaultLogger().WithField("component", "telemetry"))
	}

	return p, nil
}

// shutdownReaders releases readers that never made it into a provider
func shutdownReaders(ctx context.Context, readers []sdkmetric.Reader) error {
	var errs []error
	for _, r := range readers {
		if err := r.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// serve runs the metrics endpoint until it is shut down
func serve(server *http.Server, listener net.Listener, logger log.Logger) {
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics endpoint on %s stopped: %v", listener.Addr(), err)
	}
}

// newProvider assembles meter and tracer providers from already built readers and exporters.
func newProvider(cfg Config, readers []sdkmetric.Reader, exporters []sdktrace.SpanExporter) *TelemetryProvider {
	res := sdkresource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	for _, e := range exporters {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(e,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
		))
	}

	mp := sdkmetric.NewMeterProvider(meterOpts...)
	tp := sdktrace.NewTracerProvider(traceOpts...)

	return &TelemetryProvider{
		config:         cfg,
		meterProvider:  mp,
		tracerProvider: tp,
		meter:          mp.Meter(instrumentationName),
		tracer:         tp.Tracer(instrumentationName),
		resource:       res,
		counters:       make(map[string]metric.Int64Counter),
		histograms:     make(map[string]metric.Float64Histogram),
	}
}

// RecordHistogram implements Telemetry
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	h := p.histogram(name)
	if h == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter implements Telemetry
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	c := p.counter(name)
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	c.Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan implements Telemetry
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// ForceFlush pushes pending spans and metrics to their exporters
func (p *TelemetryProvider) ForceFlush(ctx context.Context) error {
	return errors.Join(
		p.tracerProvider.ForceFlush(ctx),
		p.meterProvider.ForceFlush(ctx),
	)
}

// Shutdown implements Telemetry
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics endpoint: %w", err))
		}
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer provider: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("meter provider: %w", err))
	}
	return errors.Join(errs...)
}

// MetricsAddr returns the address the Prometheus endpoint listens on, or "" if none.
func (p *TelemetryProvider) MetricsAddr() string {
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

func (p *TelemetryProvider) counter(name string) metric.Int64Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.counters[name]; ok {
		return c
	}
	c, err := p.meter.Int64Counter(name)
	if err != nil {
		return nil
	}
	p.counters[name] = c
	return c
}

func (p *TelemetryProvider) histogram(name string) metric.Float64Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h, ok := p.histograms[name]; ok {
		return h
	}
	h, err := p.meter.Float64Histogram(name)
	if err != nil {
		return nil
	}
	p.histograms[name] = h
	return h
}
