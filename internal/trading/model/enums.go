package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownValue is returned by the Parse* functions.
var ErrUnknownValue = errors.New("unknown enum value")

// Side of the book an order rests on.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Opposite returns the side an order of side s matches against.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// OrderType distinguishes priced orders from market orders.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// TimeInForce controls what happens to an unfilled remainder.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
	TIFFOK TimeInForce = "FOK"
	TIFGTD TimeInForce = "GTD"
)

// Immediate reports whether the order must never rest.
func (t TimeInForce) Immediate() bool { return t == TIFIOC || t == TIFFOK }

// STPPolicy resolves a match between two orders of the same user.
type STPPolicy string

const (
	STPCancelOlder STPPolicy = "cancel_older"
	STPCancelBoth  STPPolicy = "cancel_both"
	STPDecrement   STPPolicy = "decrement"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusPartial   OrderStatus = "partial"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool { return s == StatusFilled || s == StatusCancelled }

// The Parse functions are the only place alternative spellings are accepted
// (BUY/SELL, OPEN, cancel-both, ...). Everything behind them uses the
// canonical constants.

func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// ParseSide accepts bid/ask and buy/sell in any case.
func ParseSide(s string) (Side, error) {
	switch normalize(s) {
	case "bid", "buy":
		return SideBid, nil
	case "ask", "sell":
		return SideAsk, nil
	}
	return "", fmt.Errorf("side %q: %w", s, ErrUnknownValue)
}

// ParseOrderType defaults to limit when s is empty.
func ParseOrderType(s string) (OrderType, error) {
	switch normalize(s) {
	case "", "limit":
		return TypeLimit, nil
	case "market":
		return TypeMarket, nil
	}
	return "", fmt.Errorf("order type %q: %w", s, ErrUnknownValue)
}

// ParseTimeInForce defaults to GTC when s is empty.
func ParseTimeInForce(s string) (TimeInForce, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "GTC":
		return TIFGTC, nil
	case "IOC":
		return TIFIOC, nil
	case "FOK":
		return TIFFOK, nil
	case "GTD":
		return TIFGTD, nil
	}
	return "", fmt.Errorf("time in force %q: %w", s, ErrUnknownValue)
}

// ParseSTPPolicy defaults to cancel_older when s is empty.
func ParseSTPPolicy(s string) (STPPolicy, error) {
	switch normalize(s) {
	case "", "cancel_older", "older":
		return STPCancelOlder, nil
	case "cancel_both", "both":
		return STPCancelBoth, nil
	case "decrement", "decrease":
		return STPDecrement, nil
	}
	return "", fmt.Errorf("self trade policy %q: %w", s, ErrUnknownValue)
}

// ParseStatus accepts the canonical names plus the legacy upper-case forms.
func ParseStatus(s string) (OrderStatus, error) {
	switch normalize(s) {
	case "open", "new":
		return StatusOpen, nil
	case "partial", "partially_filled":
		return StatusPartial, nil
	case "filled":
		return StatusFilled, nil
	case "cancelled", "canceled", "expired":
		return StatusCancelled, nil
	}
	return "", fmt.Errorf("status %q: %w", s, ErrUnknownValue)
}
