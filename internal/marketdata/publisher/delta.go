package publisher

import (
	"sort"

	"github.com/Aidin1998/predex/internal/trading/depth"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
)

// levelMap is the last published size per price for one side of one tier.
type levelMap map[fixedpoint.Amount]fixedpoint.Amount

func toLevelMap(levels []depth.Level) levelMap {
	m := make(levelMap, len(levels))
	for _, l := range levels {
		m[l.Price] = l.Size
	}
	return m
}

func toPriceLevels(levels []depth.Level) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price, Size: l.Size, Total: l.Total}
	}
	return out
}

// computeDelta returns the levels of curr that are new or changed against
// prev, in curr order, followed by removed prices (size 0) in price order.
func computeDelta(prev levelMap, curr []depth.Level) []PriceLevel {
	var out []PriceLevel
	seen := make(map[fixedpoint.Amount]struct{}, len(curr))
	for _, l := range curr {
		seen[l.Price] = struct{}{}
		if size, ok := prev[l.Price]; !ok || size != l.Size {
			out = append(out, PriceLevel{Price: l.Price, Size: l.Size, Total: l.Total})
		}
	}
	var removed []fixedpoint.Amount
	for price := range prev {
		if _, ok := seen[price]; !ok {
			removed = append(removed, price)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	for _, price := range removed {
		out = append(out, PriceLevel{Price: price})
	}
	return out
}
