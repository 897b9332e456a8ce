package canguard

// SensorDomain names the class of traffic an identifier range carries.
type SensorDomain string

const (
	DomainTemperature    SensorDomain = "temperature"
	DomainAirQuality     SensorDomain = "air_quality"
	DomainGas            SensorDomain = "gas"
	DomainOccupancy      SensorDomain = "occupancy"
	DomainBarrierState   SensorDomain = "barrier_state"
	DomainBarrierCommand SensorDomain = "barrier_command"
)

// IdentifierRange is one inclusive [Start, End] interval of accepted
// identifiers plus the plausible [MinValue, MaxValue] bound for the first
// payload byte of frames in that interval.
type IdentifierRange struct {
	Domain   SensorDomain `yaml:"domain" json:"domain"`
	Start    uint32       `yaml:"start" json:"start"`
	End      uint32       `yaml:"end" json:"end"`
	MinValue int          `yaml:"min" json:"min"`
	MaxValue int          `yaml:"max" json:"max"`
}

// Contains reports whether id falls inside the interval.
func (r IdentifierRange) Contains(id uint32) bool {
	return id >= r.Start && id <= r.End
}

// RangeFirewall is the static allow-list of identifier intervals. It is
// built once at startup and read-only afterwards, so lookups need no
// locking.
type RangeFirewall struct {
	ranges []IdentifierRange
}

// NewRangeFirewall copies the given table. The table is small (a handful of
// intervals per bus segment), so lookups stay linear.
func NewRangeFirewall(ranges []IdentifierRange) *RangeFirewall {
	table := make([]IdentifierRange, len(ranges))
	copy(table, ranges)
	return &RangeFirewall{ranges: table}
}

// InRange reports whether the identifier is ever legitimate on this bus.
// A miss is not an error; it is the anomaly signal the classifier consumes.
func (fw *RangeFirewall) InRange(id uint32) bool {
	for _, r := range fw.ranges {
		if r.Contains(id) {
			return true
		}
	}
	return false
}

// Lookup returns the first interval containing id.
func (fw *RangeFirewall) Lookup(id uint32) (IdentifierRange, bool) {
	for _, r := range fw.ranges {
		if r.Contains(id) {
			return r, true
		}
	}
	return IdentifierRange{}, false
}

// Ranges returns a copy of the configured table, for reporting.
func (fw *RangeFirewall) Ranges() []IdentifierRange {
	out := make([]IdentifierRange, len(fw.ranges))
	copy(out, fw.ranges)
	return out
}

// DefaultRanges is the sensor network layout the engine ships with. The
// barrier command block lives at 0x200-0x2FF here; the legacy deployment
// overlapped it with the temperature block, which the table format still
// permits via configuration.
func DefaultRanges() []IdentifierRange {
	return []IdentifierRange{
		{Domain: DomainBarrierCommand, Start: 0x200, End: 0x2FF, MinValue: 0, MaxValue: 1},
		{Domain: DomainTemperature, Start: 0x300, End: 0x399, MinValue: 0, MaxValue: 120},
		{Domain: DomainBarrierState, Start: 0x400, End: 0x499, MinValue: 0, MaxValue: 1},
		{Domain: DomainAirQuality, Start: 0x500, End: 0x599, MinValue: 0, MaxValue: 700},
		{Domain: DomainGas, Start: 0x600, End: 0x699, MinValue: 0, MaxValue: 500},
		{Domain: DomainOccupancy, Start: 0x700, End: 0x799, MinValue: 0, MaxValue: 1},
	}
}
