package eeprom

import "fmt"

// Backend is the storage description reported by Status
const Backend = "Flash-based EEPROM with wear leveling"

// Health summarises what the last boot scan found
type Health int

const (
	// HealthNoData means the sector held no valid record; defaults are in use
	HealthNoData Health = iota
	// HealthHealthy means the newest slot validated
	HealthHealthy
	// HealthRecovered means an incomplete write was found above the active slot
	HealthRecovered
)

func (h Health) String() string {
	switch h {
	case HealthNoData:
		return "no valid data yet"
	case HealthHealthy:
		return "healthy"
	case HealthRecovered:
		return "recovered from power loss"
	default:
		return fmt.Sprintf("Health(%d)", int(h))
	}
}

// Status is a point-in-time report of the store
type Status struct {
	Backend string
	State   State
	Health  Health

	// ActiveSlot is -1 when the store is empty
	ActiveSlot int
	NextSlot   int
	SlotCount  int
	Version    uint32

	// EraseCount counts sector erases since Open
	EraseCount uint64
	// EstimatedCycles approximates lifetime sector erases as version/SlotCount.
	// It is a lower bound: it restarts when the version counter wraps and
	// does not count dirty slots skipped after failed writes.
	EstimatedCycles uint64
	Endurance       uint32
	RemainingCycles uint64
}

// String renders a one-line report
func (s Status) String() string {
	active := "none"
	if s.ActiveSlot >= 0 {
		active = fmt.Sprintf("%d", s.ActiveSlot)
	}
	return fmt.Sprintf("%s: %s, state=%s slot=%s/%d next=%d version=%d erases=%d cycles~%d/%d remaining=%d",
		s.Backend, s.Health, s.State, active, s.SlotCount, s.NextSlot, s.Version,
		s.EraseCount, s.EstimatedCycles, s.Endurance, s.RemainingCycles)
}
