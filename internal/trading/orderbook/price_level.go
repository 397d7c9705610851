package orderbook

import (
	"container/list"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
)

// PriceLevel is the FIFO queue of resting orders at one price. total always
// equals the sum of the queued orders' remaining quantity.
type PriceLevel struct {
	Price  fixedpoint.Amount
	orders *list.List // of *model.Order, oldest first
	total  fixedpoint.Amount
}

func newPriceLevel(price fixedpoint.Amount) *PriceLevel {
	return &PriceLevel{Price: price, orders: list.New()}
}

// Len returns the number of queued orders.
func (pl *PriceLevel) Len() int { return pl.orders.Len() }

// Total returns the aggregate remaining quantity.
func (pl *PriceLevel) Total() fixedpoint.Amount { return pl.total }

// Front returns the oldest order, or nil.
func (pl *PriceLevel) Front() *model.Order {
	if e := pl.orders.Front(); e != nil {
		return e.Value.(*model.Order)
	}
	return nil
}

// Each calls fn for every order in time priority until fn returns false.
func (pl *PriceLevel) Each(fn func(*model.Order) bool) {
	for e := pl.orders.Front(); e != nil; e = e.Next() {
		if !fn(e.Value.(*model.Order)) {
			return
		}
	}
}

// Orders returns the queued orders in time priority.
func (pl *PriceLevel) Orders() []*model.Order {
	out := make([]*model.Order, 0, pl.orders.Len())
	pl.Each(func(o *model.Order) bool {
		out = append(out, o)
		return true
	})
	return out
}

func (pl *PriceLevel) push(o *model.Order) *list.Element {
	pl.total += o.Remaining()
	return pl.orders.PushBack(o)
}

func (pl *PriceLevel) remove(e *list.Element) *model.Order {
	o := pl.orders.Remove(e).(*model.Order)
	pl.total -= o.Remaining()
	return o
}
