// Package eeprom emulates a small persistent record store on one flash sector.
//
// Each write lands in the next free fixed-size slot, so a sector of N slots
// is erased once per N writes. On Open the sector is scanned to find the
// newest slot whose magic and checksum validate; a write torn by power loss
// never validates and is skipped.
package eeprom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KevoDB/wearlevel/pkg/common/log"
	"github.com/KevoDB/wearlevel/pkg/config"
	"github.com/KevoDB/wearlevel/pkg/eeprom/slot"
	"github.com/KevoDB/wearlevel/pkg/flash"
	"github.com/KevoDB/wearlevel/pkg/stats"
	"github.com/KevoDB/wearlevel/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// WriteResult describes where a write landed
type WriteResult struct {
	Slot    int
	Version uint32
	// Compacted is set when the sector was erased before this write
	Compacted bool
	// Skipped is set when the record matched the active one and nothing was programmed
	Skipped bool
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the logger used by the store
func WithLogger(logger log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithTelemetry enables metrics and spans through tel
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Store) {
		s.tel = tel
	}
}

// WithStats sets the collector that receives operation counters
func WithStats(c stats.Collector) Option {
	return func(s *Store) {
		s.stats = c
	}
}

// Store is a wear-leveling record store over one flash sector.
// All methods are safe for concurrent use; one write is in flight at a time.
type Store struct {
	mu sync.Mutex

	cfg       *config.Config
	drv       flash.Driver
	format    slot.Format
	slotCount int

	logger  log.Logger
	tel     telemetry.Telemetry
	metrics StoreMetrics
	stats   stats.Collector

	// cursor
	state   State
	health  Health
	active  int
	next    int
	record  Record
	version uint32
	erases  uint64
}

// Open validates cfg against the driver and rebuilds the cursor from the
// sector contents. It never writes to flash.
func Open(cfg *config.Config, drv flash.Driver, opts ...Option) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config cannot be nil", ErrConfig)
	}
	if drv == nil {
		return nil, ErrNilDriver
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	if err := checkGeometry(cfg, drv.Geometry()); err != nil {
		return nil, err
	}

	s := &Store{
		cfg: cfg,
		drv: drv,
		format: slot.Format{
			Magic:  cfg.Magic,
			Layout: cfg.LayoutVersion,
			Fields: cfg.FieldCount,
			Size:   int(cfg.SlotSize),
		},
		slotCount: cfg.SlotCount(),
		logger:    log.GetDefaultLogger(),
		tel:       telemetry.NewNoop(),
		stats:     stats.NewAtomicCollector(),
		state:     StateUninitialized,
		active:    -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetDefaultLogger()
	}
	if s.tel == nil {
		s.tel = telemetry.NewNoop()
	}
	if s.stats == nil {
		s.stats = stats.NewAtomicCollector()
	}
	s.logger = s.logger.WithField("component", telemetry.ComponentStore)
	s.metrics = NewStoreMetrics(s.tel)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.scanSector(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// checkGeometry makes sure the configured sector is addressable by the driver
// and that slot boundaries fall on the driver's program unit.
func checkGeometry(cfg *config.Config, geo flash.Geometry) error {
	if err := geo.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if !geo.Contains(cfg.SectorBase, int(cfg.SectorSize)) {
		return fmt.Errorf("%w: sector 0x%08X+%d outside flash window 0x%08X+%d",
			ErrConfig, cfg.SectorBase, cfg.SectorSize, geo.Base, geo.Size)
	}
	if cfg.EraseUnitSize%geo.EraseUnit != 0 {
		return fmt.Errorf("%w: erase unit %d is not a multiple of the device erase unit %d",
			ErrConfig, cfg.EraseUnitSize, geo.EraseUnit)
	}
	if cfg.ProgramUnit%geo.ProgramUnit != 0 {
		return fmt.Errorf("%w: program unit %d is not a multiple of the device program unit %d",
			ErrConfig, cfg.ProgramUnit, geo.ProgramUnit)
	}
	return nil
}

// Read returns the active record, or def unchanged if no valid record exists.
func (s *Store) Read(def Record) Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	hit := s.state == StateActive
	s.metrics.RecordRead(context.Background(), hit)
	s.stats.TrackOperationWithLatency(stats.OpRead, uint64(time.Since(start).Nanoseconds()))

	if !hit {
		return def
	}
	return s.record.Clone()
}

// ReadInRange is Read, except that any stored field outside the configured
// limits is replaced by the matching field of def. Fields def does not have
// are clamped into range instead.
func (s *Store) ReadInRange(def Record) Record {
	rec := s.Read(def)
	if len(rec.Fields) != len(s.cfg.Limits) {
		return rec
	}

	for i, lim := range s.cfg.Limits {
		v := rec.Fields[i]
		if lim.Contains(v) {
			continue
		}
		if i < len(def.Fields) {
			rec.Fields[i] = def.Fields[i]
			continue
		}
		switch {
		case math.IsNaN(float64(v)) || v < lim.Min:
			rec.Fields[i] = lim.Min
		default:
			rec.Fields[i] = lim.Max
		}
	}
	return rec
}

// Write commits rec to the next free slot. rec.Version is ignored; the
// store assigns the successor of the active version.
//
// Out-of-range fields fail with a *RangeError before any flash access. A
// driver failure returns a *FlashWriteError and leaves the active record in
// place. When the failure follows an erase, the write is retried once on the
// next free slot and, failing that, the previous record is written back. The
// store only drops to empty when neither lands.
func (s *Store) Write(rec Record) (WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tel.StartSpan(context.Background(), "eeprom.write")
	defer span.End()
	start := time.Now()

	if err := checkRange(rec.Fields, s.cfg.Limits); err != nil {
		var re *RangeError
		errors.As(err, &re)
		s.metrics.RecordRejection(ctx, re.Field)
		s.stats.TrackOperation(stats.OpReject)
		s.stats.TrackError("range")
		span.RecordError(err)
		s.logger.Debug("Rejected record: %v", err)
		return WriteResult{}, err
	}

	if s.state == StateActive && s.record.SameFields(rec) {
		s.metrics.RecordWrite(ctx, time.Since(start), 0, s.active, false, telemetry.StatusSkipped)
		s.stats.TrackOperation(stats.OpSkip)
		span.SetAttributes(attribute.String(telemetry.AttrStatus, telemetry.StatusSkipped))
		return WriteResult{Slot: s.active, Version: s.record.Version, Skipped: true}, nil
	}

	version := s.version + 1
	buf, err := s.format.Encode(version, rec.Fields)
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to encode slot: %w", err)
	}

	prev, hadPrev := s.record, s.state == StateActive
	compacted := false
	if s.next >= s.slotCount {
		if err := s.compact(ctx); err != nil {
			s.writeFailed(ctx, span, start, -1, true, err)
			return WriteResult{}, err
		}
		compacted = true
	}

	idx := s.next
	if err := s.commit(idx, buf); err != nil {
		s.abandon(idx)
		if !compacted {
			s.writeFailed(ctx, span, start, idx, false, err)
			return WriteResult{}, err
		}

		// The erase already dropped the previous record from flash
		var ok bool
		if idx, ok = s.retry(buf); !ok {
			s.restore(prev, hadPrev)
			s.writeFailed(ctx, span, start, idx, true, err)
			return WriteResult{}, err
		}
	}

	s.place(idx, Record{Version: version, Fields: append([]float32(nil), rec.Fields...)})
	s.health = HealthHealthy

	elapsed := time.Since(start)
	s.metrics.RecordWrite(ctx, elapsed, int64(len(buf)), idx, compacted, telemetry.StatusSuccess)
	s.stats.TrackOperationWithLatency(stats.OpWrite, uint64(elapsed.Nanoseconds()))
	span.SetAttributes(
		attribute.Int(telemetry.AttrSlot, idx),
		attribute.Bool(telemetry.AttrCompacted, compacted),
	)
	s.logger.WithFields(map[string]interface{}{
		"slot":    idx,
		"version": version,
	}).Debug("Committed record")

	return WriteResult{Slot: idx, Version: version, Compacted: compacted}, nil
}

func (s *Store) writeFailed(ctx context.Context, span oteltrace.Span, start time.Time, idx int, compacted bool, err error) {
	s.metrics.RecordWrite(ctx, time.Since(start), 0, idx, compacted, telemetry.StatusError)
	s.stats.TrackError("flash_write")
	span.RecordError(err)
	s.logger.WithFields(map[string]interface{}{
		"slot":   idx,
		"active": s.active,
	}).Error("Write failed: %v", err)
}

// place points the cursor at a slot that was just committed
func (s *Store) place(idx int, rec Record) {
	s.active = idx
	s.next = idx + 1
	s.version = rec.Version
	s.record = rec
	s.setState(StateActive)
}

// retry commits buf once more at the next free slot
func (s *Store) retry(buf []byte) (int, bool) {
	idx := s.next
	if idx >= s.slotCount {
		return idx, false
	}
	if err := s.commit(idx, buf); err != nil {
		s.abandon(idx)
		s.logger.WithField("slot", idx).Warn("Retry after erase failed: %v", err)
		return idx, false
	}
	s.logger.WithField("slot", idx).Warn("Write landed on retry after erase")
	return idx, true
}

// restore writes prev back after an erase whose follow-up write failed.
// Without a previous record, or a slot that takes it, the store is empty.
func (s *Store) restore(prev Record, ok bool) {
	if ok && s.next < s.slotCount {
		idx := s.next
		buf, err := s.format.Encode(prev.Version, prev.Fields)
		if err == nil {
			err = s.commit(idx, buf)
		}
		if err == nil {
			s.place(idx, prev)
			s.logger.WithFields(map[string]interface{}{
				"slot":    idx,
				"version": prev.Version,
			}).Warn("Restored previous record after failed write")
			return
		}
		s.abandon(idx)
		s.logger.Error("Failed to restore previous record: %v", err)
	}

	s.active = -1
	s.record = Record{}
	s.setState(StateEmpty)
}

// commit programs body then trailer, and optionally reads the slot back
func (s *Store) commit(idx int, buf []byte) error {
	addr := s.cfg.SlotAddress(idx)
	body := s.format.BodySize()

	if err := s.drv.Program(addr, buf[:body]); err != nil {
		return &FlashWriteError{Op: "program", Slot: idx, Addr: addr, Err: err}
	}
	s.stats.TrackBytes(true, uint64(body))

	// the checksum goes last so a torn write never validates
	if err := s.drv.Program(addr+uint32(body), buf[body:]); err != nil {
		return &FlashWriteError{Op: "program", Slot: idx, Addr: addr + uint32(body), Err: err}
	}
	s.stats.TrackBytes(true, uint64(len(buf)-body))

	if !s.cfg.VerifyWrites {
		return nil
	}

	check := make([]byte, len(buf))
	if err := s.readSlot(idx, check); err != nil {
		return &FlashWriteError{Op: "verify", Slot: idx, Addr: addr, Err: err}
	}
	if !bytes.Equal(check, buf) {
		return &FlashWriteError{Op: "verify", Slot: idx, Addr: addr, Err: ErrVerify}
	}
	return nil
}

// abandon moves the write pointer past a slot left dirty by a failed write.
// A slot that still reads as erased is retried in place.
func (s *Store) abandon(idx int) {
	check := make([]byte, s.format.Size)
	if err := s.readSlot(idx, check); err == nil && slot.IsErased(check) {
		s.next = idx
		return
	}
	s.next = idx + 1
	s.logger.WithField("slot", idx).Warn("Slot left dirty, skipping it until the next erase")
}

// compact erases the sector and rewinds allocation to slot 0.
// Caller must hold s.mu.
func (s *Store) compact(ctx context.Context) error {
	ctx, span := s.tel.StartSpan(ctx, "eeprom.compact")
	defer span.End()

	start := time.Now()
	s.setState(StateCompacting)

	err := flash.EraseRange(s.drv, s.cfg.SectorBase, s.cfg.SectorSize)
	elapsed := time.Since(start)
	s.metrics.RecordCompaction(ctx, elapsed, err == nil)

	if err != nil {
		span.RecordError(err)
		s.logger.Error("Sector erase failed: %v", err)

		// The erase may have stopped part way; rebuild from what is on flash
		if rerr := s.scanSector(ctx); rerr != nil {
			s.logger.Error("Rescan after failed erase failed: %v", rerr)
			s.active = -1
			s.next = s.slotCount
			s.setState(StateEmpty)
		}
		return &FlashWriteError{Op: "erase", Slot: -1, Addr: s.cfg.SectorBase, Err: err}
	}

	s.erases++
	s.stats.TrackErase()
	s.stats.TrackOperationWithLatency(stats.OpCompact, uint64(elapsed.Nanoseconds()))
	s.active = -1
	s.next = 0

	s.logger.WithField("erases", s.erases).Info("Sector exhausted after %d slots, erased", s.slotCount)
	return nil
}

func (s *Store) readSlot(i int, buf []byte) error {
	if err := s.drv.ReadAt(buf[:s.format.Size], s.cfg.SlotAddress(i)); err != nil {
		return err
	}
	s.stats.TrackBytes(false, uint64(s.format.Size))
	return nil
}

func (s *Store) setState(to State) {
	if !canTransition(s.state, to) {
		s.logger.Warn("Unexpected state transition %s -> %s", s.state, to)
	}
	s.logger.Debug("State %s -> %s", s.state, to)
	s.state = to
	if to == StateEmpty {
		s.health = HealthNoData
	}
}

// Status reports the cursor, health and wear estimate
func (s *Store) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	estimated := uint64(s.version) / uint64(s.slotCount)
	var remaining uint64
	if endurance := uint64(s.cfg.EnduranceCycles); endurance > estimated {
		remaining = endurance - estimated
	}

	return Status{
		Backend:         Backend,
		State:           s.state,
		Health:          s.health,
		ActiveSlot:      s.active,
		NextSlot:        s.next,
		SlotCount:       s.slotCount,
		Version:         s.version,
		EraseCount:      s.erases,
		EstimatedCycles: estimated,
		Endurance:       s.cfg.EnduranceCycles,
		RemainingCycles: remaining,
	}
}

// Stats returns the counters collected since Open
func (s *Store) Stats() map[string]interface{} {
	return s.stats.GetStats()
}

// StatsFiltered returns the counters whose names start with prefix
func (s *Store) StatsFiltered(prefix string) map[string]interface{} {
	return s.stats.GetStatsFiltered(prefix)
}

// Config returns a copy of the configuration the store was opened with
func (s *Store) Config() *config.Config {
	return s.cfg.Clone()
}
