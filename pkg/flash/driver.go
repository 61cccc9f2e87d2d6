// Package flash models the raw NOR flash primitives the wear-leveling store is
// built on: read, program (bits may only go from 1 to 0) and erase (a whole
// erase unit returns to all ones).
package flash

import (
	"errors"
	"fmt"
)

// ErasedByte is the value every byte takes after an erase
const ErasedByte = 0xFF

var (
	ErrOutOfBounds = errors.New("address outside flash bounds")
	ErrMisaligned  = errors.New("access not aligned to program unit")
	ErrNotErased   = errors.New("program would set a cleared bit")
	ErrWornOut     = errors.New("erase unit exceeded its endurance")
	ErrPowerLoss   = errors.New("power lost during flash operation")
	ErrHardware    = errors.New("flash hardware error")
	ErrClosed      = errors.New("flash device closed")
)

// Geometry describes the address window a driver exposes
type Geometry struct {
	Base        uint32
	Size        uint32
	EraseUnit   uint32
	ProgramUnit uint32
}

// Driver is the contract between the store and the flash controller.
// All calls are synchronous and must not be cancelled midway.
type Driver interface {
	// Geometry returns the device window and its erase/program granularity
	Geometry() Geometry
	// ReadAt fills p with the bytes starting at addr
	ReadAt(p []byte, addr uint32) error
	// Program writes data at addr. It fails with ErrNotErased if any bit
	// would need to change from 0 to 1.
	Program(addr uint32, data []byte) error
	// Erase resets the erase unit containing addr to ErasedByte
	Erase(addr uint32) error
}

// Validate checks that the geometry is self-consistent
func (g Geometry) Validate() error {
	if g.Size == 0 || g.EraseUnit == 0 || g.ProgramUnit == 0 {
		return fmt.Errorf("flash geometry has zero-sized field: %+v", g)
	}
	if g.Size%g.EraseUnit != 0 || g.Base%g.EraseUnit != 0 {
		return fmt.Errorf("flash geometry not erase-unit aligned: %+v", g)
	}
	if g.EraseUnit%g.ProgramUnit != 0 {
		return fmt.Errorf("erase unit %d not a multiple of program unit %d", g.EraseUnit, g.ProgramUnit)
	}
	return nil
}

// Contains reports whether [addr, addr+n) lies inside the window
func (g Geometry) Contains(addr uint32, n int) bool {
	if addr < g.Base || n < 0 {
		return false
	}
	return uint64(addr-g.Base)+uint64(n) <= uint64(g.Size)
}

// Units returns the number of erase units in the window
func (g Geometry) Units() int {
	return int(g.Size / g.EraseUnit)
}

// UnitIndex returns the erase unit holding addr
func (g Geometry) UnitIndex(addr uint32) int {
	return int((addr - g.Base) / g.EraseUnit)
}

func (g Geometry) checkRange(addr uint32, n int) error {
	if !g.Contains(addr, n) {
		return fmt.Errorf("%w: 0x%08X+%d not in [0x%08X, 0x%08X)",
			ErrOutOfBounds, addr, n, g.Base, uint64(g.Base)+uint64(g.Size))
	}
	return nil
}

func (g Geometry) checkProgram(addr uint32, n int) error {
	if err := g.checkRange(addr, n); err != nil {
		return err
	}
	if (addr-g.Base)%g.ProgramUnit != 0 || uint32(n)%g.ProgramUnit != 0 {
		return fmt.Errorf("%w: 0x%08X+%d, unit %d", ErrMisaligned, addr, n, g.ProgramUnit)
	}
	return nil
}

// programBits applies NOR program semantics of src onto dst
func programBits(dst, src []byte, addr uint32) error {
	for i, b := range src {
		if b&^dst[i] != 0 {
			return fmt.Errorf("%w: byte 0x%08X holds %02x, program %02x",
				ErrNotErased, addr+uint32(i), dst[i], b)
		}
	}
	copy(dst, src)
	return nil
}

// EraseRange erases every erase unit overlapping [addr, addr+size)
func EraseRange(d Driver, addr, size uint32) error {
	g := d.Geometry()
	if err := g.checkRange(addr, int(size)); err != nil {
		return err
	}
	first := g.UnitIndex(addr)
	last := g.UnitIndex(addr + size - 1)
	for u := first; u <= last; u++ {
		if err := d.Erase(g.Base + uint32(u)*g.EraseUnit); err != nil {
			return fmt.Errorf("erase unit %d: %w", u, err)
		}
	}
	return nil
}
