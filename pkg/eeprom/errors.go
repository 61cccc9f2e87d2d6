package eeprom

import (
	"errors"
	"fmt"

	"github.com/KevoDB/wearlevel/pkg/config"
)

var (
	// ErrConfig reports invalid sector or slot geometry. It is the same
	// sentinel the config package wraps, so either can be matched.
	ErrConfig = config.ErrInvalidConfig

	// ErrOutOfRange matches every *RangeError
	ErrOutOfRange = errors.New("record field out of range")

	// ErrFlashWrite matches every *FlashWriteError
	ErrFlashWrite = errors.New("flash write failed")

	// ErrVerify is wrapped by a FlashWriteError when read-back differs from what was programmed
	ErrVerify = errors.New("read-back mismatch")

	ErrNilDriver = errors.New("flash driver cannot be nil")
)

// RangeError is returned by Write when a record is rejected before any flash access
type RangeError struct {
	// Field is the index of the offending field, or -1 when the field count is wrong
	Field int
	Value float32
	Range config.FieldRange
	// Count and Want are set when Field is -1
	Count int
	Want  int
}

func (e *RangeError) Error() string {
	if e.Field < 0 {
		return fmt.Sprintf("record has %d fields, store holds %d", e.Count, e.Want)
	}
	return fmt.Sprintf("field %d value %v outside [%v, %v]", e.Field, e.Value, e.Range.Min, e.Range.Max)
}

// Is lets errors.Is(err, ErrOutOfRange) match
func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfRange
}

// FlashWriteError wraps a driver failure during a write or compaction
type FlashWriteError struct {
	Op   string
	Slot int
	Addr uint32
	Err  error
}

func (e *FlashWriteError) Error() string {
	if e.Slot < 0 {
		return fmt.Sprintf("flash %s at 0x%08X: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("flash %s slot %d at 0x%08X: %v", e.Op, e.Slot, e.Addr, e.Err)
}

func (e *FlashWriteError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrFlashWrite) match
func (e *FlashWriteError) Is(target error) bool {
	return target == ErrFlashWrite
}
