package flash

import (
	"bytes"
	"fmt"
	"sync"
)

// MemFlash is a RAM-backed NOR flash model with per-unit wear counters
type MemFlash struct {
	mu        sync.Mutex
	geo       Geometry
	data      []byte
	erases    []uint32
	programs  uint64
	endurance uint32
}

// MemOption configures a MemFlash
type MemOption func(*MemFlash)

// WithEndurance limits how many times each erase unit may be erased.
// Zero means unlimited.
func WithEndurance(cycles uint32) MemOption {
	return func(m *MemFlash) {
		m.endurance = cycles
	}
}

// NewMemFlash creates a fully erased device
func NewMemFlash(geo Geometry, opts ...MemOption) (*MemFlash, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	m := &MemFlash{
		geo:    geo,
		data:   bytes.Repeat([]byte{ErasedByte}, int(geo.Size)),
		erases: make([]uint32, geo.Units()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Geometry implements Driver
func (m *MemFlash) Geometry() Geometry {
	return m.geo
}

// ReadAt implements Driver
func (m *MemFlash) ReadAt(p []byte, addr uint32) error {
	if err := m.geo.checkRange(addr, len(p)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	off := addr - m.geo.Base
	copy(p, m.data[off:off+uint32(len(p))])
	return nil
}

// Program implements Driver
func (m *MemFlash) Program(addr uint32, data []byte) error {
	if err := m.geo.checkProgram(addr, len(data)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	off := addr - m.geo.Base
	if err := programBits(m.data[off:off+uint32(len(data))], data, addr); err != nil {
		return err
	}
	m.programs++
	return nil
}

// Erase implements Driver
func (m *MemFlash) Erase(addr uint32) error {
	if err := m.geo.checkRange(addr, 1); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	unit := m.geo.UnitIndex(addr)
	if m.endurance > 0 && m.erases[unit] >= m.endurance {
		return fmt.Errorf("%w: unit %d erased %d times", ErrWornOut, unit, m.erases[unit])
	}

	start := uint32(unit) * m.geo.EraseUnit
	for i := start; i < start+m.geo.EraseUnit; i++ {
		m.data[i] = ErasedByte
	}
	m.erases[unit]++
	return nil
}

// EraseCount returns how many times the given erase unit has been erased
func (m *MemFlash) EraseCount(unit int) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.erases[unit]
}

// TotalErases returns the sum of erase operations across all units
func (m *MemFlash) TotalErases() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total uint64
	for _, n := range m.erases {
		total += uint64(n)
	}
	return total
}

// ProgramCount returns the number of successful program operations
func (m *MemFlash) ProgramCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.programs
}

// Snapshot returns a copy of the whole device contents
func (m *MemFlash) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// Poke overwrites bytes without NOR semantics, for simulating bit rot
func (m *MemFlash) Poke(addr uint32, data []byte) error {
	if err := m.geo.checkRange(addr, len(data)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	off := addr - m.geo.Base
	copy(m.data[off:], data)
	return nil
}
