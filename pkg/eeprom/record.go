package eeprom

import (
	"math"

	"github.com/KevoDB/wearlevel/pkg/config"
)

// Record is the logical payload held by one slot
type Record struct {
	Version uint32
	Fields  []float32
}

// Clone returns a copy whose Fields slice is not shared
func (r Record) Clone() Record {
	return Record{
		Version: r.Version,
		Fields:  append([]float32(nil), r.Fields...),
	}
}

// SameFields reports bit-for-bit equality of the fields, ignoring versions.
func (r Record) SameFields(other Record) bool {
	if len(r.Fields) != len(other.Fields) {
		return false
	}
	for i := range r.Fields {
		if math.Float32bits(r.Fields[i]) != math.Float32bits(other.Fields[i]) {
			return false
		}
	}
	return true
}

// checkRange validates every field against limits. NaN never passes.
func checkRange(fields []float32, limits []config.FieldRange) error {
	if len(fields) != len(limits) {
		return &RangeError{Field: -1, Count: len(fields), Want: len(limits)}
	}
	for i, v := range fields {
		if !limits[i].Contains(v) {
			return &RangeError{Field: i, Value: v, Range: limits[i]}
		}
	}
	return nil
}

// serialNewer reports whether a follows b in 32-bit serial number order
// (RFC 1982), so a counter that wrapped to 0 still compares as newer.
func serialNewer(a, b uint32) bool {
	return a != b && int32(a-b) > 0
}
