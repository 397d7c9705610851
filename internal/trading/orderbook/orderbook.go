// =============================
// Order book side
// =============================
// A Side holds the resting orders of one side of a market: a B-tree of
// PriceLevels keyed by price plus an id index for O(1) cancels. Best price is
// the maximum for bids and the minimum for asks.
//
// A Side is not safe for concurrent use. The engine owning the market
// serializes every call.

package orderbook

import (
	"container/list"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/tidwall/btree"
)

var (
	ErrDuplicateOrder = errors.New("order already resting")
	ErrWrongSide      = errors.New("order side does not match book side")
	ErrEmptyOrder     = errors.New("order has no remaining quantity")
)

const btreeDegree = 32

// Side is one side of an order book.
type Side struct {
	side   model.Side
	levels *btree.Map[fixedpoint.Amount, *PriceLevel]
	index  map[string]*list.Element
	total  fixedpoint.Amount
}

// NewSide creates an empty book side.
func NewSide(side model.Side) *Side {
	return &Side{
		side:   side,
		levels: btree.NewMap[fixedpoint.Amount, *PriceLevel](btreeDegree),
		index:  make(map[string]*list.Element),
	}
}

// Side reports which side of the market this is.
func (s *Side) Side() model.Side { return s.side }

// Len returns the number of resting orders.
func (s *Side) Len() int { return len(s.index) }

// Depth returns the number of price levels.
func (s *Side) Depth() int { return s.levels.Len() }

// Total returns the resting quantity across all levels.
func (s *Side) Total() fixedpoint.Amount { return s.total }

// Empty reports whether nothing rests on this side.
func (s *Side) Empty() bool { return s.levels.Len() == 0 }

// --- Insertion and removal ---

// Add appends o to the back of its price level.
func (s *Side) Add(o *model.Order) error {
	if o.Side != s.side {
		return fmt.Errorf("%w: %s on %s", ErrWrongSide, o.Side, s.side)
	}
	if o.Remaining() <= 0 {
		return fmt.Errorf("%w: %s", ErrEmptyOrder, o.ID)
	}
	if _, ok := s.index[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	level, ok := s.levels.Get(o.Price)
	if !ok {
		level = newPriceLevel(o.Price)
		s.levels.Set(o.Price, level)
	}
	s.index[o.ID] = level.push(o)
	s.total += o.Remaining()
	return nil
}

// Get returns the resting order with id.
func (s *Side) Get(id string) (*model.Order, bool) {
	e, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return e.Value.(*model.Order), true
}

// Remove takes the order with id off the book, dropping its level if empty.
func (s *Side) Remove(id string) (*model.Order, bool) {
	e, ok := s.index[id]
	if !ok {
		return nil, false
	}
	o := e.Value.(*model.Order)
	level, _ := s.levels.Get(o.Price)
	level.remove(e)
	delete(s.index, id)
	s.total -= o.Remaining()
	if level.Len() == 0 {
		s.levels.Delete(o.Price)
	}
	return o, true
}

// Fill executes size against the resting order o. A fully filled order is
// removed from the book; the return value reports whether that happened.
func (s *Side) Fill(o *model.Order, size fixedpoint.Amount, at time.Time) bool {
	level, _ := s.levels.Get(o.Price)
	o.Fill(size, at)
	level.total -= size
	s.total -= size
	if o.Remaining() > 0 {
		return false
	}
	s.Remove(o.ID)
	return true
}

// Decrement lowers the resting order's quantity by size without a fill.
// An order left with nothing is cancelled and removed; the return value
// reports whether that happened.
func (s *Side) Decrement(o *model.Order, size fixedpoint.Amount, at time.Time) bool {
	level, _ := s.levels.Get(o.Price)
	o.Quantity -= size
	o.UpdatedAt = at
	level.total -= size
	s.total -= size
	if o.Remaining() > 0 {
		return false
	}
	s.Remove(o.ID)
	o.Cancel(at)
	return true
}

// --- Traversal ---

// Best returns the level with the best price.
func (s *Side) Best() (*PriceLevel, bool) {
	var level *PriceLevel
	var ok bool
	if s.side == model.SideBid {
		_, level, ok = s.levels.Max()
	} else {
		_, level, ok = s.levels.Min()
	}
	return level, ok
}

// BestPrice returns the best price, or false when empty.
func (s *Side) BestPrice() (fixedpoint.Amount, bool) {
	level, ok := s.Best()
	if !ok {
		return 0, false
	}
	return level.Price, true
}

// Walk visits levels from the best price outward until fn returns false.
func (s *Side) Walk(fn func(*PriceLevel) bool) {
	if s.side == model.SideBid {
		s.levels.Reverse(func(_ fixedpoint.Amount, l *PriceLevel) bool { return fn(l) })
		return
	}
	s.levels.Scan(func(_ fixedpoint.Amount, l *PriceLevel) bool { return fn(l) })
}

// Marketable reports whether a resting price on this side trades against an
// incoming limit at limit.
func (s *Side) Marketable(resting, limit fixedpoint.Amount) bool {
	if s.side == model.SideBid {
		return resting >= limit
	}
	return resting <= limit
}

// Orders returns every resting order in priority order.
func (s *Side) Orders() []*model.Order {
	out := make([]*model.Order, 0, len(s.index))
	s.Walk(func(l *PriceLevel) bool {
		l.Each(func(o *model.Order) bool {
			out = append(out, o)
			return true
		})
		return true
	})
	return out
}

// LevelView is a copied price level.
type LevelView struct {
	Price  fixedpoint.Amount `json:"price"`
	Size   fixedpoint.Amount `json:"size"`
	Orders int               `json:"orders"`
}

// Levels copies up to limit levels from the best price; limit <= 0 copies all.
func (s *Side) Levels(limit int) []LevelView {
	var out []LevelView
	s.Walk(func(l *PriceLevel) bool {
		out = append(out, LevelView{Price: l.Price, Size: l.total, Orders: l.Len()})
		return limit <= 0 || len(out) < limit
	})
	return out
}

// Validate checks the aggregate invariants. It is meant for tests and
// diagnostics, not the hot path.
func (s *Side) Validate() error {
	var total fixedpoint.Amount
	count := 0
	var err error
	s.levels.Scan(func(price fixedpoint.Amount, l *PriceLevel) bool {
		if l.Len() == 0 {
			err = fmt.Errorf("empty level at %s", price)
			return false
		}
		var sum fixedpoint.Amount
		l.Each(func(o *model.Order) bool {
			if o.Price != price {
				err = fmt.Errorf("order %s priced %s queued at %s", o.ID, o.Price, price)
				return false
			}
			sum += o.Remaining()
			count++
			return true
		})
		if err != nil {
			return false
		}
		if sum != l.total {
			err = fmt.Errorf("level %s total %s != sum %s", price, l.total, sum)
			return false
		}
		total += sum
		return true
	})
	if err != nil {
		return err
	}
	if total != s.total {
		return fmt.Errorf("side total %s != sum %s", s.total, total)
	}
	if count != len(s.index) {
		return fmt.Errorf("index holds %d orders, levels hold %d", len(s.index), count)
	}
	return nil
}
