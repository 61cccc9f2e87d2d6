package eeprom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevoDB/wearlevel/pkg/config"
	"github.com/KevoDB/wearlevel/pkg/eeprom/slot"
	"github.com/KevoDB/wearlevel/pkg/stats"
	"github.com/KevoDB/wearlevel/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// scanResult is the cursor rebuilt from flash
type scanResult struct {
	active int
	record Record
	next   int
	torn   bool

	scanned   int
	valid     int
	corrupted int
	fellBack  bool
}

// scanner decodes slots on behalf of one recovery pass
type scanner struct {
	s   *Store
	ctx context.Context
	res *scanResult
	buf []byte
}

// scanSector rebuilds the cursor from the sector contents.
// Caller must hold s.mu.
func (s *Store) scanSector(ctx context.Context) error {
	ctx, span := s.tel.StartSpan(ctx, "eeprom.scan",
		attribute.String(telemetry.AttrScanMode, s.cfg.ScanMode.String()))
	defer span.End()

	s.setState(StateScanning)
	start := s.stats.StartRecovery()

	sc := &scanner{
		s:   s,
		ctx: ctx,
		res: &scanResult{active: -1},
		buf: make([]byte, s.format.Size),
	}

	var err error
	switch s.cfg.ScanMode {
	case config.ScanFull:
		err = sc.full()
	default:
		err = sc.descending()
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("recovery scan: %w", err)
	}

	res := sc.res
	s.active = res.active
	s.next = res.next
	switch {
	case res.active < 0:
		s.record = Record{}
		s.health = HealthNoData
		s.setState(StateEmpty)
	case res.torn:
		s.record = res.record
		s.version = res.record.Version
		s.health = HealthRecovered
		s.setState(StateActive)
	default:
		s.record = res.record
		s.version = res.record.Version
		s.health = HealthHealthy
		s.setState(StateActive)
	}

	elapsed := time.Since(start)
	s.stats.FinishRecovery(start, uint64(res.scanned), uint64(res.valid), uint64(res.corrupted))
	s.stats.TrackOperationWithLatency(stats.OpScan, uint64(elapsed.Nanoseconds()))
	s.metrics.RecordScan(ctx, elapsed, s.cfg.ScanMode.String(), res.scanned, s.health.String())

	span.SetAttributes(
		attribute.String(telemetry.AttrHealth, s.health.String()),
		attribute.Int(telemetry.AttrSlot, s.active),
	)

	s.logger.WithFields(map[string]interface{}{
		"mode":      s.cfg.ScanMode.String(),
		"scanned":   res.scanned,
		"corrupted": res.corrupted,
		"fell_back": res.fellBack,
		"active":    s.active,
		"next":      s.next,
		"version":   s.version,
	}).Info("Recovery scan finished: %s", s.health)

	return nil
}

// read loads slot i into the scanner buffer and reports whether it is erased
func (sc *scanner) read(i int) (bool, error) {
	sc.res.scanned++
	if err := sc.s.readSlot(i, sc.buf); err != nil {
		return false, err
	}
	return slot.IsErased(sc.buf), nil
}

// decode validates slot i, counting it as corrupt if it is programmed but invalid
func (sc *scanner) decode(i int) (*slot.Slot, bool, error) {
	erased, err := sc.read(i)
	if err != nil {
		return nil, false, err
	}
	if erased {
		return nil, true, nil
	}

	decoded, err := sc.s.format.Decode(sc.buf)
	if err != nil {
		sc.corrupt(i, err)
		return nil, false, nil
	}
	sc.res.valid++
	return decoded, false, nil
}

func (sc *scanner) corrupt(i int, err error) {
	sc.res.corrupted++

	reason := "checksum"
	switch {
	case errors.Is(err, slot.ErrIncomplete):
		reason = "incomplete"
	case errors.Is(err, slot.ErrBadMagic):
		reason = "magic"
	}

	sc.s.metrics.RecordCorruption(sc.ctx, reason, i)
	sc.s.stats.TrackError("corrupt_slot_" + reason)
	sc.s.logger.WithField("slot", i).Debug("Skipping invalid slot: %v", err)
}

// writePointer finds the first erased slot by binary search. Slots are only
// ever programmed in ascending order after an erase, so the programmed slots
// form a prefix of the sector.
func (sc *scanner) writePointer() (int, error) {
	lo, hi := 0, sc.s.slotCount
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		erased, err := sc.read(mid)
		if err != nil {
			return 0, err
		}
		if erased {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

func (sc *scanner) descending() error {
	wp, err := sc.writePointer()
	if err != nil {
		return err
	}
	sc.res.next = wp

	winner := -1
	var best *slot.Slot
	for i := wp - 1; i >= 0; i-- {
		decoded, erased, err := sc.decode(i)
		if err != nil {
			return err
		}
		if erased {
			// a hole below the write pointer breaks the prefix layout
			return sc.fallBack(fmt.Sprintf("erased slot %d below write pointer %d", i, wp))
		}
		if decoded != nil {
			winner, best = i, decoded
			break
		}
	}

	if best == nil {
		return nil
	}
	sc.accept(winner, best)
	sc.res.torn = sc.res.corrupted > 0

	// The next valid slot below must hold an older version
	for i := winner - 1; i >= 0; i-- {
		decoded, erased, err := sc.decode(i)
		if err != nil {
			return err
		}
		if erased {
			return sc.fallBack(fmt.Sprintf("erased slot %d below active slot %d", i, winner))
		}
		if decoded == nil {
			continue
		}
		if decoded.Version == best.Version {
			sc.s.logger.WithFields(map[string]interface{}{
				"slot":    winner,
				"other":   i,
				"version": best.Version,
			}).Warn("Two slots hold the same version, keeping the later slot")
		} else if serialNewer(decoded.Version, best.Version) {
			return sc.fallBack(fmt.Sprintf("slot %d version %d is newer than slot %d version %d",
				i, decoded.Version, winner, best.Version))
		}
		break
	}

	return nil
}

func (sc *scanner) fallBack(reason string) error {
	sc.s.logger.Warn("Slot ordering implausible (%s), falling back to full scan", reason)
	sc.res.fellBack = true
	sc.res.active = -1
	sc.res.record = Record{}
	sc.res.valid = 0
	sc.res.corrupted = 0
	sc.res.torn = false
	return sc.full()
}

func (sc *scanner) full() error {
	winner := -1
	lastProgrammed := -1
	var best *slot.Slot
	var invalid []int

	for i := 0; i < sc.s.slotCount; i++ {
		decoded, erased, err := sc.decode(i)
		if err != nil {
			return err
		}
		if erased {
			continue
		}
		lastProgrammed = i
		if decoded == nil {
			invalid = append(invalid, i)
			continue
		}

		switch {
		case best == nil || serialNewer(decoded.Version, best.Version):
			winner, best = i, decoded
		case decoded.Version == best.Version:
			sc.s.logger.WithFields(map[string]interface{}{
				"slot":    i,
				"other":   winner,
				"version": decoded.Version,
			}).Warn("Two slots hold the same version, keeping the later slot")
			winner, best = i, decoded
		}
	}

	sc.res.next = lastProgrammed + 1
	if best == nil {
		return nil
	}
	sc.accept(winner, best)
	for _, i := range invalid {
		if i > winner {
			sc.res.torn = true
			break
		}
	}
	return nil
}

func (sc *scanner) accept(i int, s *slot.Slot) {
	sc.res.active = i
	sc.res.record = Record{Version: s.Version, Fields: s.Fields}
}
