// Package persistence stores orders, trades and account balances for the
// matching core. Writes issued after a match are asynchronous (see Writer);
// the engine's in-memory outcome is authoritative.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Repository persists the order book's durable state.
type Repository interface {
	// LoadOpenOrders returns open and partially filled orders of a market.
	LoadOpenOrders(ctx context.Context, marketID string) ([]*model.Order, error)
	// SaveOrder upserts the full order state.
	SaveOrder(ctx context.Context, order *model.Order) error
	AppendTrades(ctx context.Context, trades []*model.Trade) error
	UpdateOrderFill(ctx context.Context, orderID string, filled fixedpoint.Amount, status model.OrderStatus, at time.Time) error
}

// Account is a user's balance sheet in scaled units.
type Account struct {
	UserID      string            `json:"user_id"`
	Tier        string            `json:"tier"`
	Balance     fixedpoint.Amount `json:"balance"`
	Frozen      fixedpoint.Amount `json:"frozen"`
	MakerVolume fixedpoint.Amount `json:"maker_volume"`
	Rebates     fixedpoint.Amount `json:"rebates"`
}

// Available is the balance that is not frozen.
func (a Account) Available() fixedpoint.Amount { return a.Balance - a.Frozen }

// Accounting reserves and releases funds and accumulates maker rebates.
type Accounting interface {
	// FreezeFunds atomically reserves amount if available; false means insufficient funds.
	FreezeFunds(ctx context.Context, userID string, amount fixedpoint.Amount) (bool, error)
	UnfreezeFunds(ctx context.Context, userID string, amount fixedpoint.Amount) error
	RecordMakerVolume(ctx context.Context, userID string, notional, rebate fixedpoint.Amount) error
	GetAccount(ctx context.Context, userID string) (*Account, error)
	// TrailingVolumes seeds fee tiers at start.
	TrailingVolumes(ctx context.Context) (map[string]fixedpoint.Amount, error)
}

// Store is a Repository that also keeps accounts.
type Store interface {
	Repository
	Accounting
	Deposit(ctx context.Context, userID string, amount fixedpoint.Amount) error
	SetTier(ctx context.Context, userID, tier string) error
}
