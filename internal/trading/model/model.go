package model

import (
	"time"

	"github.com/Aidin1998/predex/pkg/fixedpoint"
)

// Order is a request to trade one outcome of a market. While resting it is
// owned by the engine of its market; callers receive clones.
type Order struct {
	ID              string            `json:"id"`
	ClientOrderID   string            `json:"client_order_id,omitempty"`
	UserID          string            `json:"user_id"`
	MarketID        string            `json:"market_id"`
	Side            Side              `json:"side"`
	Type            OrderType         `json:"type"`
	TimeInForce     TimeInForce       `json:"time_in_force"`
	ExpiresAt       time.Time         `json:"expires_at,omitempty"`
	SelfTradePolicy STPPolicy         `json:"self_trade_policy"`
	Price           fixedpoint.Amount `json:"price"`
	Quantity        fixedpoint.Amount `json:"quantity"`
	FilledQuantity  fixedpoint.Amount `json:"filled_quantity"`
	Status          OrderStatus       `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`

	// Seq is assigned by the engine on admission and breaks createdAt ties.
	Seq uint64 `json:"-"`
}

// Remaining is Quantity - FilledQuantity.
func (o *Order) Remaining() fixedpoint.Amount {
	return o.Quantity - o.FilledQuantity
}

// Expired reports whether a GTD order is past its expiry at now.
func (o *Order) Expired(now time.Time) bool {
	return o.TimeInForce == TIFGTD && !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// Clone returns a copy safe to hand outside the engine.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Fill records an execution of size against the order and updates its status.
func (o *Order) Fill(size fixedpoint.Amount, at time.Time) {
	o.FilledQuantity += size
	o.UpdatedAt = at
	if o.Remaining() == 0 {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
}

// Cancel moves the order to Cancelled.
func (o *Order) Cancel(at time.Time) {
	o.Status = StatusCancelled
	o.UpdatedAt = at
}

// Trade is an immutable execution between a resting maker and an incoming taker.
type Trade struct {
	ID           string            `json:"id"`
	MarketID     string            `json:"market_id"`
	MakerOrderID string            `json:"maker_order_id"`
	TakerOrderID string            `json:"taker_order_id"`
	MakerUserID  string            `json:"maker_user_id"`
	TakerUserID  string            `json:"taker_user_id"`
	TakerSide    Side              `json:"taker_side"`
	Price        fixedpoint.Amount `json:"price"`
	Size         fixedpoint.Amount `json:"size"`
	Fee          fixedpoint.Amount `json:"fee"`
	MakerRebate  fixedpoint.Amount `json:"maker_rebate"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Notional is price × size.
func (t *Trade) Notional() fixedpoint.Amount {
	return fixedpoint.Notional(t.Price, t.Size)
}
