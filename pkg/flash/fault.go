package flash

import (
	"fmt"
	"sync"
)

// FaultInjector wraps a Driver and fails selected operations, optionally
// leaving a partially programmed region behind as a power cut would.
type FaultInjector struct {
	Driver

	mu          sync.Mutex
	programArm  bool
	programSkip int
	programKeep int
	// faults left to fire once armed; negative is unlimited
	programLeft int
	eraseArm    bool
	readArm     bool
	injected    int
}

// NewFaultInjector wraps d
func NewFaultInjector(d Driver) *FaultInjector {
	return &FaultInjector{Driver: d}
}

// FailProgram lets `after` program calls succeed, then cuts the next one
// after its first `keep` bytes and returns ErrPowerLoss. keep is rounded down
// to the program unit.
func (f *FaultInjector) FailProgram(after, keep int) {
	f.FailProgramTimes(after, keep, 1)
}

// FailProgramTimes is FailProgram for the next `times` program calls after
// the first `after`. A negative times fails every call until Reset.
func (f *FaultInjector) FailProgramTimes(after, keep, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programArm = times != 0
	f.programSkip = after
	f.programKeep = keep
	f.programLeft = times
}

// FailErase makes the next erase return ErrHardware without erasing
func (f *FaultInjector) FailErase() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eraseArm = true
}

// FailRead makes the next read return ErrHardware
func (f *FaultInjector) FailRead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readArm = true
}

// Reset disarms every pending fault
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programArm = false
	f.eraseArm = false
	f.readArm = false
}

// Injected returns how many faults have fired
func (f *FaultInjector) Injected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injected
}

// ReadAt implements Driver
func (f *FaultInjector) ReadAt(p []byte, addr uint32) error {
	f.mu.Lock()
	fire := f.readArm
	if fire {
		f.readArm = false
		f.injected++
	}
	f.mu.Unlock()

	if fire {
		return fmt.Errorf("%w: injected read fault at 0x%08X", ErrHardware, addr)
	}
	return f.Driver.ReadAt(p, addr)
}

// Program implements Driver
func (f *FaultInjector) Program(addr uint32, data []byte) error {
	f.mu.Lock()
	if !f.programArm {
		f.mu.Unlock()
		return f.Driver.Program(addr, data)
	}
	if f.programSkip > 0 {
		f.programSkip--
		f.mu.Unlock()
		return f.Driver.Program(addr, data)
	}
	if f.programLeft > 0 {
		f.programLeft--
	}
	f.programArm = f.programLeft != 0
	f.injected++
	keep := f.programKeep
	f.mu.Unlock()

	unit := int(f.Driver.Geometry().ProgramUnit)
	keep -= keep % unit
	if keep > len(data) {
		keep = len(data)
	}
	if keep > 0 {
		if err := f.Driver.Program(addr, data[:keep]); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: program 0x%08X cut after %d of %d bytes", ErrPowerLoss, addr, keep, len(data))
}

// Erase implements Driver
func (f *FaultInjector) Erase(addr uint32) error {
	f.mu.Lock()
	fire := f.eraseArm
	if fire {
		f.eraseArm = false
		f.injected++
	}
	f.mu.Unlock()

	if fire {
		return fmt.Errorf("%w: injected erase fault at 0x%08X", ErrHardware, addr)
	}
	return f.Driver.Erase(addr)
}
