package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/shopspring/decimal"
)

// FeeTier applies to users whose trailing volume is at least MinVolume.
// Rates are scaled like any Amount: 5000 is 0.5%, -200 is a 0.02% rebate.
type FeeTier struct {
	Name      string            `json:"name"`
	MinVolume fixedpoint.Amount `json:"min_volume"`
	MakerRate fixedpoint.Amount `json:"maker_rate"`
	TakerRate fixedpoint.Amount `json:"taker_rate"`
}

// FeeTierConfig is a FeeTier as it appears in config files, with decimal
// strings ("0.005", "-0.0002", "10000").
type FeeTierConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	MinVolume string `mapstructure:"min_volume" yaml:"min_volume"`
	MakerRate string `mapstructure:"maker_rate" yaml:"maker_rate"`
	TakerRate string `mapstructure:"taker_rate" yaml:"taker_rate"`
}

// FeeSchedule selects maker/taker rates by trailing volume.
type FeeSchedule struct {
	tiers []FeeTier // ascending MinVolume
}

// DefaultFeeTiers is the schedule used when none is configured.
func DefaultFeeTiers() []FeeTier {
	return []FeeTier{
		{Name: "base", MinVolume: 0, MakerRate: -200, TakerRate: 5000},
		{Name: "silver", MinVolume: fixedpoint.FromUnits(10_000), MakerRate: -300, TakerRate: 4000},
		{Name: "gold", MinVolume: fixedpoint.FromUnits(100_000), MakerRate: -500, TakerRate: 3000},
		{Name: "platinum", MinVolume: fixedpoint.FromUnits(1_000_000), MakerRate: -800, TakerRate: 2000},
	}
}

// NewFeeSchedule sorts tiers by MinVolume. It falls back to the defaults
// when tiers is empty.
func NewFeeSchedule(tiers []FeeTier) *FeeSchedule {
	if len(tiers) == 0 {
		tiers = DefaultFeeTiers()
	}
	sorted := append([]FeeTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinVolume < sorted[j].MinVolume })
	return &FeeSchedule{tiers: sorted}
}

// FeeScheduleFromConfig converts decimal tiers, rejecting rates finer than 1e-6.
func FeeScheduleFromConfig(cfg []FeeTierConfig) (*FeeSchedule, error) {
	tiers := make([]FeeTier, 0, len(cfg))
	for _, c := range cfg {
		var vals [3]fixedpoint.Amount
		for i, raw := range []string{c.MinVolume, c.MakerRate, c.TakerRate} {
			if raw == "" {
				raw = "0"
			}
			d, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("fee tier %s: %w", c.Name, err)
			}
			if vals[i], err = fixedpoint.FromDecimal(d); err != nil {
				return nil, fmt.Errorf("fee tier %s: %q: %w", c.Name, raw, err)
			}
		}
		tiers = append(tiers, FeeTier{Name: c.Name, MinVolume: vals[0], MakerRate: vals[1], TakerRate: vals[2]})
	}
	return NewFeeSchedule(tiers), nil
}

// Tier returns the highest tier whose MinVolume is at most volume.
func (fs *FeeSchedule) Tier(volume fixedpoint.Amount) FeeTier {
	tier := fs.tiers[0]
	for _, t := range fs.tiers[1:] {
		if volume < t.MinVolume {
			break
		}
		tier = t
	}
	return tier
}

// Tiers returns a copy of the schedule.
func (fs *FeeSchedule) Tiers() []FeeTier { return append([]FeeTier(nil), fs.tiers...) }

// VolumeTracker accumulates each user's traded notional. It is shared by all
// markets of a registry.
type VolumeTracker struct {
	mu      sync.RWMutex
	volumes map[string]fixedpoint.Amount
}

// NewVolumeTracker creates an empty tracker.
func NewVolumeTracker() *VolumeTracker {
	return &VolumeTracker{volumes: make(map[string]fixedpoint.Amount)}
}

// Volume returns userID's trailing volume.
func (vt *VolumeTracker) Volume(userID string) fixedpoint.Amount {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	return vt.volumes[userID]
}

// Add increases userID's volume by notional.
func (vt *VolumeTracker) Add(userID string, notional fixedpoint.Amount) {
	vt.mu.Lock()
	vt.volumes[userID] += notional
	vt.mu.Unlock()
}

// Seed sets userID's volume, typically from persisted totals at start.
func (vt *VolumeTracker) Seed(userID string, volume fixedpoint.Amount) {
	vt.mu.Lock()
	vt.volumes[userID] = volume
	vt.mu.Unlock()
}
