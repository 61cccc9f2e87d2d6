package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/KevoDB/wearlevel/pkg/eeprom/slot"
)

const (
	// CurrentProfileVersion is the version of the on-disk profile format
	CurrentProfileVersion = 1

	// STM32F411CE: sector 7 is the last 128KB sector of the 512KB flash
	DefaultSectorBase    = 0x08060000
	DefaultSectorSize    = 128 * 1024
	DefaultEraseUnitSize = 128 * 1024
	DefaultProgramUnit   = 4
	DefaultSlotSize      = 32

	// Five motor axes I, J, K, L, M
	DefaultFieldCount = 5

	DefaultMagic           = 0x12345678
	DefaultLayoutVersion   = 0
	DefaultFieldLimit      = 1000000
	DefaultEnduranceCycles = 10000
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrProfileMissing = errors.New("profile not found")
	ErrInvalidProfile = errors.New("invalid profile")
)

// ScanMode selects how the boot-time recovery scan locates the active slot.
type ScanMode int

const (
	// ScanDescending locates the write pointer by binary search and walks down from it.
	ScanDescending ScanMode = iota
	// ScanFull decodes every slot and picks the serially highest version.
	ScanFull
)

func (m ScanMode) String() string {
	switch m {
	case ScanDescending:
		return "descending"
	case ScanFull:
		return "full"
	default:
		return fmt.Sprintf("ScanMode(%d)", int(m))
	}
}

// FieldRange bounds one record field. Both ends are inclusive.
type FieldRange struct {
	Min float32 `json:"min"`
	Max float32 `json:"max"`
}

// Contains reports whether v lies inside the range. NaN is never contained.
func (r FieldRange) Contains(v float32) bool {
	return v >= r.Min && v <= r.Max
}

// Config describes the sector backing the store and the record shape it holds.
// On a device these values are fixed at build time.
type Config struct {
	Version int `json:"version"`

	// Sector geometry
	SectorBase    uint32 `json:"sector_base"`
	SectorSize    uint32 `json:"sector_size"`
	EraseUnitSize uint32 `json:"erase_unit_size"`
	ProgramUnit   uint32 `json:"program_unit"`
	SlotSize      uint32 `json:"slot_size"`

	// Record shape
	FieldCount    int          `json:"field_count"`
	Limits        []FieldRange `json:"limits"`
	Magic         uint32       `json:"magic"`
	LayoutVersion uint8        `json:"layout_version"`

	// Behaviour
	ScanMode        ScanMode `json:"scan_mode"`
	VerifyWrites    bool     `json:"verify_writes"`
	EnduranceCycles uint32   `json:"endurance_cycles"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config for the STM32F411 sector 7 layout
func NewDefaultConfig() *Config {
	limits := make([]FieldRange, DefaultFieldCount)
	for i := range limits {
		limits[i] = FieldRange{Min: -DefaultFieldLimit, Max: DefaultFieldLimit}
	}

	return &Config{
		Version: CurrentProfileVersion,

		SectorBase:    DefaultSectorBase,
		SectorSize:    DefaultSectorSize,
		EraseUnitSize: DefaultEraseUnitSize,
		ProgramUnit:   DefaultProgramUnit,
		SlotSize:      DefaultSlotSize,

		FieldCount:    DefaultFieldCount,
		Limits:        limits,
		Magic:         DefaultMagic,
		LayoutVersion: DefaultLayoutVersion,

		ScanMode:        ScanDescending,
		VerifyWrites:    true,
		EnduranceCycles: DefaultEnduranceCycles,
	}
}

// SlotCount returns the number of slots the sector is divided into
func (c *Config) SlotCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.SlotSize == 0 {
		return 0
	}
	return int(c.SectorSize / c.SlotSize)
}

// SlotAddress returns the flash address of slot i
func (c *Config) SlotAddress(i int) uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SectorBase + uint32(i)*c.SlotSize
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.SectorSize == 0 {
		return fmt.Errorf("%w: sector size must be positive", ErrInvalidConfig)
	}

	if c.EraseUnitSize == 0 || c.SectorSize%c.EraseUnitSize != 0 {
		return fmt.Errorf("%w: erase unit %d does not divide sector size %d",
			ErrInvalidConfig, c.EraseUnitSize, c.SectorSize)
	}

	if c.SectorBase%c.EraseUnitSize != 0 {
		return fmt.Errorf("%w: sector base 0x%08X is not aligned to erase unit %d",
			ErrInvalidConfig, c.SectorBase, c.EraseUnitSize)
	}

	if uint64(c.SectorBase)+uint64(c.SectorSize) > math.MaxUint32+1 {
		return fmt.Errorf("%w: sector overflows the 32-bit address space", ErrInvalidConfig)
	}

	if c.FieldCount <= 0 || c.FieldCount > slot.MaxFields {
		return fmt.Errorf("%w: field count %d outside 1..%d", ErrInvalidConfig, c.FieldCount, slot.MaxFields)
	}

	if c.SlotSize == 0 || c.SectorSize%c.SlotSize != 0 {
		return fmt.Errorf("%w: sector size %d is not a multiple of slot size %d",
			ErrInvalidConfig, c.SectorSize, c.SlotSize)
	}

	if need := slot.RequiredSize(c.FieldCount); int(c.SlotSize) < need {
		return fmt.Errorf("%w: slot size %d too small for %d fields (need %d)",
			ErrInvalidConfig, c.SlotSize, c.FieldCount, need)
	}

	if c.ProgramUnit == 0 || c.SlotSize%c.ProgramUnit != 0 || slot.TrailerSize%c.ProgramUnit != 0 {
		return fmt.Errorf("%w: program unit %d does not align slot size %d and trailer",
			ErrInvalidConfig, c.ProgramUnit, c.SlotSize)
	}

	if c.Magic == slot.ErasedWord {
		return fmt.Errorf("%w: magic 0x%08X is indistinguishable from erased flash", ErrInvalidConfig, c.Magic)
	}

	if len(c.Limits) != c.FieldCount {
		return fmt.Errorf("%w: %d limits for %d fields", ErrInvalidConfig, len(c.Limits), c.FieldCount)
	}

	for i, r := range c.Limits {
		if math.IsNaN(float64(r.Min)) || math.IsNaN(float64(r.Max)) || r.Min > r.Max {
			return fmt.Errorf("%w: field %d has invalid range [%v, %v]", ErrInvalidConfig, i, r.Min, r.Max)
		}
	}

	if c.ScanMode != ScanDescending && c.ScanMode != ScanFull {
		return fmt.Errorf("%w: unknown scan mode %d", ErrInvalidConfig, c.ScanMode)
	}

	return nil
}

// LoadConfig reads a profile written by Save
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrProfileMissing
		}
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the profile to path atomically
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	c.mu.RLock()
	data, err := json.MarshalIndent(c, "", "  ")
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename profile: %w", err)
	}

	return nil
}

// Clone returns a deep copy that shares no state with c
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:         c.Version,
		SectorBase:      c.SectorBase,
		SectorSize:      c.SectorSize,
		EraseUnitSize:   c.EraseUnitSize,
		ProgramUnit:     c.ProgramUnit,
		SlotSize:        c.SlotSize,
		FieldCount:      c.FieldCount,
		Limits:          append([]FieldRange(nil), c.Limits...),
		Magic:           c.Magic,
		LayoutVersion:   c.LayoutVersion,
		ScanMode:        c.ScanMode,
		VerifyWrites:    c.VerifyWrites,
		EnduranceCycles: c.EnduranceCycles,
	}
}

// Update applies the given function to modify the configuration
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}
