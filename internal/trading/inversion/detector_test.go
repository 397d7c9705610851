package inversion

import (
	"fmt"
	"testing"
	"time"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/internal/trading/orderbook"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick fixedpoint.Amount = 10_000

func book(t *testing.T, bids, asks [][2]int64) (*orderbook.Side, *orderbook.Side) {
	t.Helper()
	b, a := orderbook.NewSide(model.SideBid), orderbook.NewSide(model.SideAsk)
	var seq uint64
	add := func(s *orderbook.Side, side model.Side, levels [][2]int64) {
		for _, l := range levels {
			seq++
			require.NoError(t, s.Add(&model.Order{
				ID:       fmt.Sprintf("%s-%d", side, seq),
				Side:     side,
				Price:    fixedpoint.Amount(l[0]),
				Quantity: fixedpoint.Amount(l[1]),
				Seq:      seq,
			}))
		}
	}
	add(b, model.SideBid, bids)
	add(a, model.SideAsk, asks)
	return b, a
}

func TestClassifyBoundaries(t *testing.T) {
	tests := []struct {
		ticks int64
		want  Severity
	}{
		{0, SeverityMinor},
		{2, SeverityMinor},
		{3, SeverityModerate},
		{10, SeverityModerate},
		{11, SeveritySevere},
		{20, SeveritySevere},
		{21, SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.ticks), "ticks %d", tt.ticks)
	}
}

func TestDetectNormalBook(t *testing.T) {
	b, a := book(t, [][2]int64{{490_000, 5}}, [][2]int64{{500_000, 5}})
	_, crossed := NewDetector(nil).Detect(b, a, tick)
	assert.False(t, crossed)

	empty := orderbook.NewSide(model.SideAsk)
	_, crossed = NewDetector(nil).Detect(b, empty, tick)
	assert.False(t, crossed)
}

func TestDetectSeverityFromSpread(t *testing.T) {
	at := time.Unix(100, 0)
	d := NewDetector(func() time.Time { return at })

	b, a := book(t, [][2]int64{{530_000, 5}}, [][2]int64{{500_000, 5}})
	state, crossed := d.Detect(b, a, tick)
	require.True(t, crossed)
	assert.Equal(t, int64(3), state.Ticks)
	assert.Equal(t, SeverityModerate, state.Severity)
	assert.Equal(t, at, state.DetectedAt)

	b, a = book(t, [][2]int64{{610_000, 5}}, [][2]int64{{500_000, 5}})
	state, crossed = d.Detect(b, a, tick)
	require.True(t, crossed)
	assert.Equal(t, int64(11), state.Ticks)
	assert.Equal(t, SeveritySevere, state.Severity)

	// touching prices are crossed with zero spread
	b, a = book(t, [][2]int64{{500_000, 5}}, [][2]int64{{500_000, 5}})
	state, crossed = d.Detect(b, a, tick)
	require.True(t, crossed)
	assert.Equal(t, SeverityMinor, state.Severity)
}

func TestCrossedVolume(t *testing.T) {
	b, a := book(t,
		[][2]int64{{520_000, 4}, {510_000, 6}, {490_000, 100}},
		[][2]int64{{500_000, 3}, {515_000, 2}, {530_000, 50}},
	)
	state, crossed := NewDetector(nil).Detect(b, a, tick)
	require.True(t, crossed)
	// bids >= 500k: 10, asks <= 520k: 5
	assert.EqualValues(t, 5, state.CrossedVolume)

	orders := CrossedOrders(b, a)
	assert.Len(t, orders, 4)
	assert.EqualValues(t, 5, Newest(orders).Seq)
}
