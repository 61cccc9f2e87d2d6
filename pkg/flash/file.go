package flash

import (
	"bytes"
	"fmt"
	"os"
	"sync"
)

// FileFlash persists the device image in a regular file, so reopening the
// file behaves like a power cycle. Every program and erase is synced.
type FileFlash struct {
	mu     sync.Mutex
	geo    Geometry
	file   *os.File
	erases []uint32
	closed bool
}

// OpenFileFlash opens the image at path, creating an erased one if missing
func OpenFileFlash(path string, geo Geometry) (*FileFlash, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open flash image: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat flash image: %w", err)
	}

	switch {
	case stat.Size() == 0:
		if _, err := file.WriteAt(bytes.Repeat([]byte{ErasedByte}, int(geo.Size)), 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to initialise flash image: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to sync flash image: %w", err)
		}
	case stat.Size() != int64(geo.Size):
		file.Close()
		return nil, fmt.Errorf("flash image %s is %d bytes, geometry expects %d", path, stat.Size(), geo.Size)
	}

	return &FileFlash{
		geo:    geo,
		file:   file,
		erases: make([]uint32, geo.Units()),
	}, nil
}

// Geometry implements Driver
func (f *FileFlash) Geometry() Geometry {
	return f.geo
}

// ReadAt implements Driver
func (f *FileFlash) ReadAt(p []byte, addr uint32) error {
	if err := f.geo.checkRange(addr, len(p)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	if _, err := f.file.ReadAt(p, int64(addr-f.geo.Base)); err != nil {
		return fmt.Errorf("%w: read 0x%08X: %v", ErrHardware, addr, err)
	}
	return nil
}

// Program implements Driver
func (f *FileFlash) Program(addr uint32, data []byte) error {
	if err := f.geo.checkProgram(addr, len(data)); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	off := int64(addr - f.geo.Base)
	current := make([]byte, len(data))
	if _, err := f.file.ReadAt(current, off); err != nil {
		return fmt.Errorf("%w: read 0x%08X: %v", ErrHardware, addr, err)
	}
	if err := programBits(current, data, addr); err != nil {
		return err
	}

	if _, err := f.file.WriteAt(current, off); err != nil {
		return fmt.Errorf("%w: program 0x%08X: %v", ErrHardware, addr, err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrHardware, err)
	}
	return nil
}

// Erase implements Driver
func (f *FileFlash) Erase(addr uint32) error {
	if err := f.geo.checkRange(addr, 1); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	unit := f.geo.UnitIndex(addr)
	off := int64(unit) * int64(f.geo.EraseUnit)
	if _, err := f.file.WriteAt(bytes.Repeat([]byte{ErasedByte}, int(f.geo.EraseUnit)), off); err != nil {
		return fmt.Errorf("%w: erase unit %d: %v", ErrHardware, unit, err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrHardware, err)
	}
	f.erases[unit]++
	return nil
}

// EraseCount returns erases of the given unit since the image was opened
func (f *FileFlash) EraseCount(unit int) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.erases[unit]
}

// Close releases the image file
func (f *FileFlash) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.file.Close()
}
