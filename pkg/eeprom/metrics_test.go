// ABOUTME: Unit tests for store telemetry metrics using a capturing telemetry server and the in-memory provider
// ABOUTME: Drives real store operations and checks the metrics and spans they produce

package eeprom

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KevoDB/wearlevel/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// mockTelemetryServer captures everything the store records
type mockTelemetryServer struct {
	mu         sync.Mutex
	histograms []metricRecord
	counters   []metricRecord
	spans      []string
}

type metricRecord struct {
	name  string
	value float64
	attrs []attribute.KeyValue
}

func (m *mockTelemetryServer) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, metricRecord{name: name, value: value, attrs: attrs})
}

func (m *mockTelemetryServer) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, metricRecord{name: name, value: float64(value), attrs: attrs})
}

func (m *mockTelemetryServer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, name)
	return ctx, trace.SpanFromContext(ctx)
}

func (m *mockTelemetryServer) Shutdown(ctx context.Context) error {
	return nil
}

func (m *mockTelemetryServer) countersNamed(name string) []metricRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []metricRecord
	for _, c := range m.counters {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestStoreMetricsNilTelemetryIsNoop(t *testing.T) {
	m := NewStoreMetrics(nil)
	if _, ok := m.(*noopStoreMetrics); !ok {
		t.Fatalf("expected noop metrics for nil telemetry, got %T", m)
	}

	ctx := context.Background()
	m.RecordWrite(ctx, time.Millisecond, 32, 0, false, telemetry.StatusSuccess)
	m.RecordRead(ctx, true)
	m.RecordCompaction(ctx, time.Millisecond, true)
	m.RecordScan(ctx, time.Millisecond, "full", 4, "healthy")
	m.RecordCorruption(ctx, "checksum", 1)
	m.RecordRejection(ctx, 2)
	if err := m.Close(); err != nil {
		t.Errorf("Close returned %v", err)
	}
}

func TestStoreMetricsRecordWrite(t *testing.T) {
	mock := &mockTelemetryServer{}
	m := NewStoreMetrics(mock)

	m.RecordWrite(context.Background(), 2*time.Millisecond, 32, 3, true, telemetry.StatusSuccess)

	if len(mock.histograms) != 1 || mock.histograms[0].name != MetricWriteDuration {
		t.Fatalf("expected one write duration histogram, got %+v", mock.histograms)
	}
	if got := mock.histograms[0].value; got != 0.002 {
		t.Errorf("expected 0.002s, got %v", got)
	}
	if v, ok := attrValue(mock.histograms[0].attrs, telemetry.AttrCompacted); !ok || !v.AsBool() {
		t.Errorf("expected compacted=true attribute")
	}

	bytes := mock.countersNamed(MetricWriteBytes)
	if len(bytes) != 1 || bytes[0].value != 32 {
		t.Errorf("expected 32 bytes recorded, got %+v", bytes)
	}

	ops := mock.countersNamed(MetricOperations)
	if len(ops) != 1 {
		t.Fatalf("expected one operation counter, got %d", len(ops))
	}
	if v, _ := attrValue(ops[0].attrs, telemetry.AttrSlot); v.AsInt64() != 3 {
		t.Errorf("expected slot attribute 3, got %v", v.AsInt64())
	}
}

func TestStoreEmitsMetricsThroughMock(t *testing.T) {
	cfg := smallConfig()
	mem := newFlash(t, cfg)
	mock := &mockTelemetryServer{}
	s := openStore(t, cfg, mem, WithTelemetry(mock))

	mustWrite(t, s, position(1))
	mustWrite(t, s, position(2))

	// tear slot 1 so the reboot sees one corrupted slot
	if err := mem.Poke(cfg.SlotAddress(1)+4, []byte{0x00}); err != nil {
		t.Fatal(err)
	}
	openStore(t, cfg, mem, WithTelemetry(mock))

	corrupt := mock.countersNamed(MetricCorruption)
	if len(corrupt) != 1 {
		t.Fatalf("expected one corruption, got %d", len(corrupt))
	}
	if v, _ := attrValue(corrupt[0].attrs, telemetry.AttrReason); v.AsString() != "checksum" {
		t.Errorf("expected checksum reason, got %q", v.AsString())
	}

	scans := mock.countersNamed(MetricScanSlots)
	if len(scans) != 2 {
		t.Errorf("expected two scans, got %d", len(scans))
	}
}

func TestStoreTelemetryWithRecorder(t *testing.T) {
	ctx := context.Background()
	recorder := telemetry.NewRecorder()
	defer recorder.Shutdown(ctx)

	cfg := smallConfig()
	s := openStore(t, cfg, newFlash(t, cfg), WithTelemetry(recorder))

	for i := 1; i <= 5; i++ {
		mustWrite(t, s, position(i))
	}
	s.Write(Record{Fields: []float32{0, 0, 0, 0, 5e6}})
	s.Read(Record{})

	compactions, err := recorder.CounterValue(ctx, MetricCompactions)
	if err != nil {
		t.Fatal(err)
	}
	if compactions != 1 {
		t.Errorf("expected 1 compaction, got %d", compactions)
	}

	rejections, err := recorder.CounterValue(ctx, MetricRejections)
	if err != nil {
		t.Fatal(err)
	}
	if rejections != 1 {
		t.Errorf("expected 1 rejection, got %d", rejections)
	}

	ops, err := recorder.CounterValue(ctx, MetricOperations)
	if err != nil {
		t.Fatal(err)
	}
	if ops != 6 {
		t.Errorf("expected 5 writes and 1 read, got %d operations", ops)
	}

	scans, err := recorder.HistogramCount(ctx, MetricScanDuration)
	if err != nil {
		t.Fatal(err)
	}
	if scans != 1 {
		t.Errorf("expected one scan sample, got %d", scans)
	}

	names, err := recorder.SpanNames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]int)
	for _, n := range names {
		seen[n]++
	}
	if seen["eeprom.scan"] != 1 || seen["eeprom.compact"] != 1 || seen["eeprom.write"] != 6 {
		t.Errorf("unexpected spans: %v", seen)
	}
}
