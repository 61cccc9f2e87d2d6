package eeprom

import (
	"errors"
	"math"
	"testing"

	"github.com/KevoDB/wearlevel/pkg/config"
)

func TestSerialNewer(t *testing.T) {
	tests := []struct {
		a, b uint32
		want bool
	}{
		{2, 1, true},
		{1, 2, false},
		{7, 7, false},
		{0, math.MaxUint32, true},
		{math.MaxUint32, 0, false},
		{5, math.MaxUint32 - 3, true},
		{1 << 30, 0, true},
	}

	for _, tt := range tests {
		if got := serialNewer(tt.a, tt.b); got != tt.want {
			t.Errorf("serialNewer(%d, %d) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestCheckRange(t *testing.T) {
	limits := []config.FieldRange{{Min: -1, Max: 1}, {Min: 0, Max: 10}}

	tests := []struct {
		name   string
		fields []float32
		field  int
	}{
		{name: "inside", fields: []float32{0.5, 10}, field: -2},
		{name: "at bounds", fields: []float32{-1, 0}, field: -2},
		{name: "above max", fields: []float32{0, 10.5}, field: 1},
		{name: "below min", fields: []float32{-1.01, 5}, field: 0},
		{name: "nan", fields: []float32{float32(math.NaN()), 5}, field: 0},
		{name: "infinity", fields: []float32{0, float32(math.Inf(1))}, field: 1},
		{name: "too few fields", fields: []float32{0}, field: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkRange(tt.fields, limits)
			if tt.field == -2 {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}

			var re *RangeError
			if !errors.As(err, &re) {
				t.Fatalf("expected *RangeError, got %v", err)
			}
			if !errors.Is(err, ErrOutOfRange) {
				t.Errorf("expected error to match ErrOutOfRange")
			}
			if re.Field != tt.field {
				t.Errorf("expected field %d, got %d", tt.field, re.Field)
			}
		})
	}
}

func TestRecordSameFields(t *testing.T) {
	a := Record{Version: 1, Fields: []float32{1, 2, 3}}
	b := Record{Version: 9, Fields: []float32{1, 2, 3}}
	if !a.SameFields(b) {
		t.Errorf("records with equal fields should match regardless of version")
	}

	negZero := Record{Fields: []float32{float32(math.Copysign(0, -1)), 2, 3}}
	zero := Record{Fields: []float32{0, 2, 3}}
	if negZero.SameFields(zero) {
		t.Errorf("-0 and +0 differ bit for bit")
	}

	if a.SameFields(Record{Fields: []float32{1, 2}}) {
		t.Errorf("records of different length should not match")
	}

	c := a.Clone()
	c.Fields[0] = 42
	if a.Fields[0] != 1 {
		t.Errorf("Clone shares its fields slice")
	}
}

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateUninitialized, StateScanning, true},
		{StateUninitialized, StateActive, false},
		{StateScanning, StateEmpty, true},
		{StateScanning, StateActive, true},
		{StateEmpty, StateActive, true},
		{StateActive, StateActive, true},
		{StateActive, StateCompacting, true},
		{StateActive, StateEmpty, false},
		{StateCompacting, StateActive, true},
		{StateCompacting, StateEmpty, true},
	}

	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestHealthStrings(t *testing.T) {
	if HealthHealthy.String() != "healthy" {
		t.Errorf("unexpected %q", HealthHealthy.String())
	}
	if HealthRecovered.String() != "recovered from power loss" {
		t.Errorf("unexpected %q", HealthRecovered.String())
	}
	if HealthNoData.String() != "no valid data yet" {
		t.Errorf("unexpected %q", HealthNoData.String())
	}
}
