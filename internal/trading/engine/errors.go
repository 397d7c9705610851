package engine

import (
	"errors"
	"fmt"
)

var (
	ErrMarketHalted    = errors.New("market halted")
	ErrOrderNotFound   = errors.New("order not found")
	ErrInvalidTick     = errors.New("price is not a positive multiple of the tick size")
	ErrInvalidQuantity = errors.New("order quantity must be positive")
	ErrMarketMismatch  = errors.New("order belongs to another market")
	ErrDuplicateOrder  = errors.New("order id already resting")
	ErrMarketExists    = errors.New("market already registered")
	ErrUnknownMarket   = errors.New("unknown market")
)

// HaltError reports why a market refused or stopped matching an order. It
// matches ErrMarketHalted.
type HaltError struct {
	MarketID string
	Reason   string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("market %s halted: %s", e.MarketID, e.Reason)
}

func (e *HaltError) Is(target error) bool { return target == ErrMarketHalted }
