package events

import (
	"time"

	"github.com/Aidin1998/predex/internal/trading/inversion"
	"github.com/Aidin1998/predex/internal/trading/model"
)

// Standard event topics
const (
	TopicTrade  = "trade"
	TopicOrder  = "order"
	TopicMarket = "market"
)

// Event types
const (
	TypeTradeExecuted   = "TRADE_EXECUTED"
	TypeOrderUpdated    = "ORDER_UPDATED"
	TypeMarketHalted    = "MARKET_HALTED"
	TypeMarketInversion = "MARKET_INVERTED"
)

// TradeEvent is published for every execution.
type TradeEvent struct {
	Trade *model.Trade `json:"trade"`
}

// OrderEvent carries the latest state of an order touched by a call.
type OrderEvent struct {
	Order  *model.Order `json:"order"`
	Reason string       `json:"reason,omitempty"`
}

// MarketEvent reports halts and crossed books.
type MarketEvent struct {
	MarketID  string                        `json:"market_id"`
	Halted    bool                          `json:"halted"`
	Reason    string                        `json:"reason,omitempty"`
	Inversion *inversion.CrossedMarketState `json:"inversion,omitempty"`
	Timestamp time.Time                     `json:"timestamp"`
}
