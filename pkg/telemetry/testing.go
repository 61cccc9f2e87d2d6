// ABOUTME: Test helpers: a disabled telemetry and an in-memory provider whose metrics and spans can be inspected
// ABOUTME: Lets component tests assert on real OpenTelemetry output without any exporter process

package telemetry

import (
	"context"
	"fmt"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// NewForTesting returns a no-op telemetry instance for use in tests.
func NewForTesting() Telemetry {
	return NewNoop()
}

// NewDisabled is an alias for NewNoop for scenarios where telemetry should be explicitly disabled.
func NewDisabled() Telemetry {
	return NewNoop()
}

// Recorder is a TelemetryProvider backed by a manual metric reader and an
// in-memory span exporter.
type Recorder struct {
	*TelemetryProvider
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
}

// NewRecorder creates an in-memory telemetry provider
func NewRecorder() *Recorder {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporters = nil

	reader := sdkmetric.NewManualReader()
	spans := tracetest.NewInMemoryExporter()

	return &Recorder{
		TelemetryProvider: newProvider(cfg, []sdkmetric.Reader{reader}, []sdktrace.SpanExporter{spans}),
		reader:            reader,
		spans:             spans,
	}
}

// Collect gathers the current metric state
func (r *Recorder) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := r.reader.Collect(ctx, &rm)
	return rm, err
}

// CounterValue sums every data point of the named counter
func (r *Recorder) CounterValue(ctx context.Context, name string) (int64, error) {
	rm, err := r.Collect(ctx)
	if err != nil {
		return 0, err
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return 0, fmt.Errorf("metric %s is %T, not an int64 sum", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total, nil
		}
	}
	return 0, nil
}

// HistogramCount returns how many samples the named histogram received
func (r *Recorder) HistogramCount(ctx context.Context, name string) (uint64, error) {
	rm, err := r.Collect(ctx)
	if err != nil {
		return 0, err
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			h, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				return 0, fmt.Errorf("metric %s is %T, not a float64 histogram", name, m.Data)
			}
			var total uint64
			for _, dp := range h.DataPoints {
				total += dp.Count
			}
			return total, nil
		}
	}
	return 0, nil
}

// SpanNames flushes pending spans and returns the names of every ended span
func (r *Recorder) SpanNames(ctx context.Context) ([]string, error) {
	if err := r.tracerProvider.ForceFlush(ctx); err != nil {
		return nil, err
	}
	var names []string
	for _, s := range r.spans.GetSpans() {
		names = append(names, s.Name)
	}
	return names, nil
}
