// ABOUTME: Store telemetry metrics interface and implementation for the wear-leveling EEPROM
// ABOUTME: Instruments writes, reads, compactions, boot scans, corrupted slots and rejected records

package eeprom

import (
	"context"
	"time"

	"github.com/KevoDB/wearlevel/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metric names
const (
	MetricWriteDuration   = "wearlevel.eeprom.write.duration"
	MetricWriteBytes      = "wearlevel.eeprom.write.bytes"
	MetricOperations      = "wearlevel.eeprom.operations.total"
	MetricCompactions     = "wearlevel.eeprom.compaction.count"
	MetricCompactDuration = "wearlevel.eeprom.compaction.duration"
	MetricScanDuration    = "wearlevel.eeprom.scan.duration"
	MetricScanSlots       = "wearlevel.eeprom.scan.slots"
	MetricCorruption      = "wearlevel.eeprom.corruption.count"
	MetricRejections      = "wearlevel.eeprom.rejection.count"
)

// StoreMetrics defines the interface for store telemetry operations.
// All metrics are optional - implementations can safely be no-op.
type StoreMetrics interface {
	telemetry.ComponentMetrics

	// RecordWrite records a committed, skipped or failed write.
	RecordWrite(ctx context.Context, duration time.Duration, bytes int64, slot int, compacted bool, status string)

	// RecordRead records a read served from the cursor.
	RecordRead(ctx context.Context, hit bool)

	// RecordCompaction records a sector erase triggered by slot exhaustion.
	RecordCompaction(ctx context.Context, duration time.Duration, success bool)

	// RecordScan records the boot-time recovery scan.
	RecordScan(ctx context.Context, duration time.Duration, mode string, scanned int, health string)

	// RecordCorruption records a slot that failed validation during the scan.
	RecordCorruption(ctx context.Context, reason string, slot int)

	// RecordRejection records a record refused by the range check.
	RecordRejection(ctx context.Context, field int)
}

// storeMetrics implements StoreMetrics using the telemetry interface.
type storeMetrics struct {
	tel telemetry.Telemetry
}

// NewStoreMetrics creates a new store metrics implementation.
// If tel is nil, returns a no-op implementation.
func NewStoreMetrics(tel telemetry.Telemetry) StoreMetrics {
	if tel == nil {
		return &noopStoreMetrics{}
	}
	return &storeMetrics{tel: tel}
}

// NewNoopStoreMetrics creates a no-op store metrics implementation for testing.
func NewNoopStoreMetrics() StoreMetrics {
	return &noopStoreMetrics{}
}

func (m *storeMetrics) RecordWrite(ctx context.Context, duration time.Duration, bytes int64, slot int, compacted bool, status string) {
	m.tel.RecordHistogram(ctx, MetricWriteDuration, duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrStatus, status),
		attribute.Bool(telemetry.AttrCompacted, compacted),
	)

	if bytes > 0 {
		telemetry.RecordBytes(ctx, m.tel, MetricWriteBytes, bytes,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		)
	}

	m.tel.RecordCounter(ctx, MetricOperations, 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeWrite),
		attribute.String(telemetry.AttrStatus, status),
		attribute.Int(telemetry.AttrSlot, slot),
	)
}

func (m *storeMetrics) RecordRead(ctx context.Context, hit bool) {
	status := telemetry.StatusSuccess
	if !hit {
		status = telemetry.StatusSkipped
	}
	m.tel.RecordCounter(ctx, MetricOperations, 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRead),
		attribute.String(telemetry.AttrStatus, status),
	)
}

func (m *storeMetrics) RecordCompaction(ctx context.Context, duration time.Duration, success bool) {
	status := telemetry.StatusSuccess
	if !success {
		status = telemetry.StatusError
	}

	m.tel.RecordHistogram(ctx, MetricCompactDuration, duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrStatus, status),
	)

	m.tel.RecordCounter(ctx, MetricCompactions, 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeCompact),
		attribute.String(telemetry.AttrStatus, status),
	)
}

func (m *storeMetrics) RecordScan(ctx context.Context, duration time.Duration, mode string, scanned int, health string) {
	m.tel.RecordHistogram(ctx, MetricScanDuration, duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrScanMode, mode),
		attribute.String(telemetry.AttrHealth, health),
	)

	m.tel.RecordCounter(ctx, MetricScanSlots, int64(scanned),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrScanMode, mode),
	)
}

func (m *storeMetrics) RecordCorruption(ctx context.Context, reason string, slot int) {
	m.tel.RecordCounter(ctx, MetricCorruption, 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrReason, reason),
		attribute.Int(telemetry.AttrSlot, slot),
	)
}

func (m *storeMetrics) RecordRejection(ctx context.Context, field int) {
	m.tel.RecordCounter(ctx, MetricRejections, 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore),
		attribute.String(telemetry.AttrStatus, telemetry.StatusRejected),
		attribute.Int("field", field),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *storeMetrics) Close() error {
	return nil
}

// noopStoreMetrics provides a no-operation implementation for testing or disabled telemetry.
type noopStoreMetrics struct{}

func (n *noopStoreMetrics) RecordWrite(ctx context.Context, duration time.Duration, bytes int64, slot int, compacted bool, status string) {
}

func (n *noopStoreMetrics) RecordRead(ctx context.Context, hit bool) {}

func (n *noopStoreMetrics) RecordCompaction(ctx context.Context, duration time.Duration, success bool) {
}

func (n *noopStoreMetrics) RecordScan(ctx context.Context, duration time.Duration, mode string, scanned int, health string) {
}

func (n *noopStoreMetrics) RecordCorruption(ctx context.Context, reason string, slot int) {}

func (n *noopStoreMetrics) RecordRejection(ctx context.Context, field int) {}

// Close is a no-op.
func (n *noopStoreMetrics) Close() error {
	return nil
}
