// Package depth maintains aggregated resting quantity per price bucket at
// several granularities, updated incrementally from book events.
package depth

import (
	"errors"
	"fmt"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
)

// TickScale is the price width of one depth tick.
const TickScale = 100

// DefaultMaxPrice is the highest price a bucket can hold.
const DefaultMaxPrice fixedpoint.Amount = fixedpoint.Scale

// DefaultGranularities are the bucket widths, in ticks, kept by a Manager.
var DefaultGranularities = []int{1, 5, 10, 50, 100}

var (
	ErrUnknownGranularity = errors.New("depth: granularity not tracked")
	ErrPriceOutOfRange    = errors.New("depth: price out of range")
)

// Level is one aggregated bucket. Total is the cumulative size from the best
// bucket up to and including this one.
type Level struct {
	Price fixedpoint.Amount `json:"price"`
	Size  fixedpoint.Amount `json:"size"`
	Total fixedpoint.Amount `json:"total"`
}

type ladder struct {
	granularity int
	sizes       []int64
	tree        fenwick
}

func newLadder(granularity, maxTick int) *ladder {
	n := maxTick/granularity + 1
	return &ladder{granularity: granularity, sizes: make([]int64, n), tree: newFenwick(n)}
}

func (l *ladder) index(tick int) int { return tick / l.granularity }

func (l *ladder) price(idx int) fixedpoint.Amount {
	return fixedpoint.Amount(int64(idx) * int64(l.granularity) * TickScale)
}

// Manager is not safe for concurrent use; the owning engine serializes access.
type Manager struct {
	maxTick int
	ladders [2]map[int]*ladder
	grans   []int
}

// NewManager creates a Manager covering prices in [0, maxPrice]. With no
// granularities the defaults are used.
func NewManager(maxPrice fixedpoint.Amount, granularities ...int) *Manager {
	if len(granularities) == 0 {
		granularities = DefaultGranularities
	}
	if maxPrice <= 0 {
		maxPrice = DefaultMaxPrice
	}
	m := &Manager{maxTick: int(maxPrice / TickScale), grans: append([]int(nil), granularities...)}
	for s := range m.ladders {
		m.ladders[s] = make(map[int]*ladder, len(granularities))
		for _, g := range granularities {
			m.ladders[s][g] = newLadder(g, m.maxTick)
		}
	}
	return m
}

func sideIndex(side model.Side) int {
	if side == model.SideBid {
		return 0
	}
	return 1
}

// Granularities returns the tracked bucket widths.
func (m *Manager) Granularities() []int { return append([]int(nil), m.grans...) }

func (m *Manager) tick(price fixedpoint.Amount) (int, error) {
	if price < 0 {
		return 0, fmt.Errorf("%w: %d", ErrPriceOutOfRange, price)
	}
	t := int(price / TickScale)
	if t > m.maxTick {
		return 0, fmt.Errorf("%w: %d", ErrPriceOutOfRange, price)
	}
	return t, nil
}

// Update applies delta at price on side to every granularity.
func (m *Manager) Update(side model.Side, price, delta fixedpoint.Amount) error {
	t, err := m.tick(price)
	if err != nil {
		return err
	}
	for _, l := range m.ladders[sideIndex(side)] {
		idx := l.index(t)
		l.sizes[idx] += int64(delta)
		l.tree.add(idx, int64(delta))
	}
	return nil
}

func (m *Manager) ladder(side model.Side, granularity int) (*ladder, error) {
	l, ok := m.ladders[sideIndex(side)][granularity]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGranularity, granularity)
	}
	return l, nil
}

// Depth returns every non-empty bucket from the best price outward.
func (m *Manager) Depth(side model.Side, granularity int) ([]Level, error) {
	return m.Levels(side, granularity, 0)
}

// Levels is Depth limited to the best limit buckets; limit <= 0 means all.
func (m *Manager) Levels(side model.Side, granularity, limit int) ([]Level, error) {
	l, err := m.ladder(side, granularity)
	if err != nil {
		return nil, err
	}
	var out []Level
	var total int64
	emit := func(idx int) bool {
		size := l.sizes[idx]
		if size == 0 {
			return true
		}
		total += size
		out = append(out, Level{Price: l.price(idx), Size: fixedpoint.Amount(size), Total: fixedpoint.Amount(total)})
		return limit <= 0 || len(out) < limit
	}
	if side == model.SideBid {
		for idx := len(l.sizes) - 1; idx >= 0; idx-- {
			if !emit(idx) {
				break
			}
		}
	} else {
		for idx := 0; idx < len(l.sizes); idx++ {
			if !emit(idx) {
				break
			}
		}
	}
	return out, nil
}

// CumulativeVolume returns the volume between the spread and price: for bids
// everything at or above price's bucket, for asks at or below it.
func (m *Manager) CumulativeVolume(side model.Side, price fixedpoint.Amount, granularity int) (fixedpoint.Amount, error) {
	l, err := m.ladder(side, granularity)
	if err != nil {
		return 0, err
	}
	t, err := m.tick(price)
	if err != nil {
		return 0, err
	}
	idx := l.index(t)
	if side == model.SideBid {
		all := l.tree.prefix(len(l.sizes) - 1)
		return fixedpoint.Amount(all - l.tree.prefix(idx-1)), nil
	}
	return fixedpoint.Amount(l.tree.prefix(idx)), nil
}

// Total is the resting quantity on side.
func (m *Manager) Total(side model.Side) fixedpoint.Amount {
	l := m.ladders[sideIndex(side)][m.grans[0]]
	return fixedpoint.Amount(l.tree.prefix(len(l.sizes) - 1))
}

// Reset clears both sides.
func (m *Manager) Reset() {
	for s := range m.ladders {
		for _, l := range m.ladders[s] {
			clear(l.sizes)
			l.tree.reset()
		}
	}
}
