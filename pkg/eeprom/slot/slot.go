// Package slot defines the on-flash binary format of a single wear-leveling slot.
//
// Layout (little endian), for N fields in a slot of S bytes:
//
//	[0:4]      magic
//	[4:8]      version
//	[8:8+4N]   fields, IEEE-754 binary32
//	[..:S-4]   zero padding
//	[S-4:S]    checksum, low 32 bits of xxhash64(layout, N, bytes[0:S-4])
//
// The body (everything before the checksum) and the trailer are programmed
// separately, trailer last, so an interrupted write never validates.
package slot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

const (
	// HeaderSize covers magic and version
	HeaderSize = 8
	// FieldSize is the encoded width of one field
	FieldSize = 4
	// TrailerSize is the width of the checksum word
	TrailerSize = 4
	// MaxFields is bounded by the single seed byte mixed into the checksum
	MaxFields = 255

	// ErasedByte is the value of every byte of erased NOR flash
	ErasedByte = 0xFF
	// ErasedWord is a 32-bit word read from erased flash
	ErasedWord = uint32(0xFFFFFFFF)
)

var (
	ErrErased     = errors.New("slot is erased")
	ErrBadMagic   = errors.New("slot magic mismatch")
	ErrIncomplete = errors.New("slot checksum not written")
	ErrChecksum   = errors.New("slot checksum mismatch")
	ErrFieldCount = errors.New("field count mismatch")
	ErrShort      = errors.New("slot buffer too small")
)

// RequiredSize returns the smallest slot able to hold n fields
func RequiredSize(n int) int {
	return HeaderSize + n*FieldSize + TrailerSize
}

// Format describes how slots of one store are encoded
type Format struct {
	Magic  uint32
	Layout uint8
	Fields int
	Size   int
}

// Slot is a decoded slot
type Slot struct {
	Magic    uint32
	Version  uint32
	Fields   []float32
	Checksum uint32
}

// BodySize is the number of bytes programmed before the trailer
func (f Format) BodySize() int {
	return f.Size - TrailerSize
}

// Encode serializes a record into a full slot image
func (f Format) Encode(version uint32, fields []float32) ([]byte, error) {
	if len(fields) != f.Fields {
		return nil, fmt.Errorf("%w: got %d, format holds %d", ErrFieldCount, len(fields), f.Fields)
	}
	if f.Size < RequiredSize(f.Fields) {
		return nil, fmt.Errorf("%w: %d bytes for %d fields", ErrShort, f.Size, f.Fields)
	}

	buf := make([]byte, f.Size)
	binary.LittleEndian.PutUint32(buf[0:4], f.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], version)

	off := HeaderSize
	for _, v := range fields {
		binary.LittleEndian.PutUint32(buf[off:off+FieldSize], math.Float32bits(v))
		off += FieldSize
	}

	body := f.BodySize()
	binary.LittleEndian.PutUint32(buf[body:], f.checksum(buf[:body]))

	return buf, nil
}

// Decode parses and validates a slot image
func (f Format) Decode(data []byte) (*Slot, error) {
	if len(data) < f.Size || f.Size < RequiredSize(f.Fields) {
		return nil, fmt.Errorf("%w: %d bytes, expected %d", ErrShort, len(data), f.Size)
	}
	data = data[:f.Size]

	if IsErased(data) {
		return nil, ErrErased
	}

	s := &Slot{
		Magic:    binary.LittleEndian.Uint32(data[0:4]),
		Version:  binary.LittleEndian.Uint32(data[4:8]),
		Checksum: binary.LittleEndian.Uint32(data[f.BodySize():]),
	}

	if s.Magic != f.Magic {
		return nil, fmt.Errorf("%w: 0x%08X, expected 0x%08X", ErrBadMagic, s.Magic, f.Magic)
	}

	if s.Checksum == ErasedWord {
		return nil, ErrIncomplete
	}

	if expected := f.checksum(data[:f.BodySize()]); s.Checksum != expected {
		return nil, fmt.Errorf("%w: slot has %08x, calculated %08x", ErrChecksum, s.Checksum, expected)
	}

	s.Fields = make([]float32, f.Fields)
	off := HeaderSize
	for i := range s.Fields {
		s.Fields[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off : off+FieldSize]))
		off += FieldSize
	}

	return s, nil
}

func (f Format) checksum(body []byte) uint32 {
	d := xxhash.New()
	d.Write([]byte{f.Layout, byte(f.Fields)})
	d.Write(body)
	sum := uint32(d.Sum64())
	// an erased trailer must never validate
	if sum == ErasedWord {
		sum = 0
	}
	return sum
}

// IsErased reports whether every byte still holds the erased value
func IsErased(data []byte) bool {
	for _, b := range data {
		if b != ErasedByte {
			return false
		}
	}
	return true
}
