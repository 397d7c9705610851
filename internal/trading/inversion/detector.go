// Package inversion detects crossed books (best bid >= best ask) and grades
// how far they are crossed.
package inversion

import (
	"time"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/internal/trading/orderbook"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
)

// Severity grades a crossed book by spread in ticks.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityCritical Severity = "critical"
)

// Classify maps a crossed spread in ticks to a Severity.
func Classify(ticks int64) Severity {
	switch {
	case ticks > 20:
		return SeverityCritical
	case ticks > 10:
		return SeveritySevere
	case ticks >= 3:
		return SeverityModerate
	default:
		return SeverityMinor
	}
}

// CrossedMarketState describes a crossed book at DetectedAt. It is a
// snapshot and is never persisted.
type CrossedMarketState struct {
	Severity      Severity          `json:"severity"`
	BestBid       fixedpoint.Amount `json:"best_bid"`
	BestAsk       fixedpoint.Amount `json:"best_ask"`
	Spread        fixedpoint.Amount `json:"spread"`
	Ticks         int64             `json:"ticks"`
	CrossedVolume fixedpoint.Amount `json:"crossed_volume"`
	DetectedAt    time.Time         `json:"detected_at"`
}

// Detector is stateless apart from its clock; the engine tracks how long an
// inversion persists.
type Detector struct {
	now func() time.Time
}

// NewDetector creates a Detector. A nil clock uses time.Now.
func NewDetector(now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{now: now}
}

// Detect returns the crossed state of the book, or false when bestBid < bestAsk
// or either side is empty.
func (d *Detector) Detect(bids, asks *orderbook.Side, tick fixedpoint.Amount) (*CrossedMarketState, bool) {
	bestBid, ok := bids.BestPrice()
	if !ok {
		return nil, false
	}
	bestAsk, ok := asks.BestPrice()
	if !ok || bestBid < bestAsk {
		return nil, false
	}

	spread := bestBid - bestAsk
	var ticks int64
	if tick > 0 {
		ticks = int64(spread / tick)
	}

	var bidVol, askVol fixedpoint.Amount
	bids.Walk(func(l *orderbook.PriceLevel) bool {
		if l.Price < bestAsk {
			return false
		}
		bidVol += l.Total()
		return true
	})
	asks.Walk(func(l *orderbook.PriceLevel) bool {
		if l.Price > bestBid {
			return false
		}
		askVol += l.Total()
		return true
	})

	return &CrossedMarketState{
		Severity:      Classify(ticks),
		BestBid:       bestBid,
		BestAsk:       bestAsk,
		Spread:        spread,
		Ticks:         ticks,
		CrossedVolume: fixedpoint.Min(bidVol, askVol),
		DetectedAt:    d.now(),
	}, true
}

// CrossedOrders returns the resting orders that take part in the crossing:
// bids priced at or above the best ask and asks at or below the best bid.
func CrossedOrders(bids, asks *orderbook.Side) []*model.Order {
	bestBid, ok := bids.BestPrice()
	if !ok {
		return nil
	}
	bestAsk, ok := asks.BestPrice()
	if !ok || bestBid < bestAsk {
		return nil
	}
	var out []*model.Order
	bids.Walk(func(l *orderbook.PriceLevel) bool {
		if l.Price < bestAsk {
			return false
		}
		out = append(out, l.Orders()...)
		return true
	})
	asks.Walk(func(l *orderbook.PriceLevel) bool {
		if l.Price > bestBid {
			return false
		}
		out = append(out, l.Orders()...)
		return true
	})
	return out
}

// Newest returns the most recently admitted order, by Seq then CreatedAt.
func Newest(orders []*model.Order) *model.Order {
	var newest *model.Order
	for _, o := range orders {
		if newest == nil || o.Seq > newest.Seq || (o.Seq == newest.Seq && o.CreatedAt.After(newest.CreatedAt)) {
			newest = o
		}
	}
	return newest
}
