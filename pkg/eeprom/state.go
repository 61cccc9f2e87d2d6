package eeprom

import "fmt"

// State is the store's position in its lifecycle
type State int

const (
	StateUninitialized State = iota
	StateScanning
	// StateEmpty means no slot holds a valid record
	StateEmpty
	// StateActive means the cursor references a valid slot
	StateActive
	// StateCompacting is held while the sector is erased and slot 0 rewritten
	StateCompacting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateScanning:
		return "scanning"
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateCompacting:
		return "compacting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// validTransitions lists, per state, the states it may move to
var validTransitions = map[State][]State{
	StateUninitialized: {StateScanning},
	StateScanning:      {StateEmpty, StateActive},
	StateEmpty:         {StateActive, StateCompacting},
	StateActive:        {StateActive, StateCompacting},
	StateCompacting:    {StateActive, StateEmpty, StateScanning},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
