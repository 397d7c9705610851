// Package validation sanitizes and bounds-checks incoming order requests
// before they reach risk checks or the book. It has no side effects.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/google/uuid"
)

// Price bounds: outcome prices live strictly inside the unit interval.
const (
	MinPriceExclusive fixedpoint.Amount = 0
	MaxPriceExclusive fixedpoint.Amount = fixedpoint.Scale
)

// Quantity bounds in scaled units.
const (
	MinQuantity fixedpoint.Amount = 1
	MaxQuantity fixedpoint.Amount = 1_000_000_000_000
)

// MaxClientIDLength is the length client order ids are truncated to.
const MaxClientIDLength = 36

// ErrInvalidOrder is matched by every *Error.
var ErrInvalidOrder = errors.New("invalid order")

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Error describes the first field that failed validation.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

func (e *Error) Is(target error) bool { return target == ErrInvalidOrder }

func invalid(field, format string, args ...any) *Error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Request is an order as submitted by a client, before any normalization.
type Request struct {
	MarketID        string
	UserID          string
	ClientOrderID   string
	Side            string
	Type            string
	TimeInForce     string
	SelfTradePolicy string
	Price           fixedpoint.Amount
	Quantity        fixedpoint.Amount
	ExpiresAt       time.Time
}

// Market is the subset of market state validation needs.
type Market struct {
	Active   bool
	TickSize fixedpoint.Amount
}

// Validator turns Requests into engine-ready orders.
type Validator struct {
	newID func() string
}

// New returns a Validator that assigns random UUID order ids.
func New() *Validator {
	return &Validator{newID: uuid.NewString}
}

// ValidMarketID reports whether id is a canonical 36-character UUID.
func ValidMarketID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Validate checks req against market and returns a sanitized order with its
// price rounded half-up to the market tick. The returned order is Open and
// has no CreatedAt; the engine stamps it on admission.
func (v *Validator) Validate(req Request, market Market) (*model.Order, error) {
	if !ValidMarketID(req.MarketID) {
		return nil, invalid("market_id", "malformed market id %q", req.MarketID)
	}
	if !market.Active {
		return nil, invalid("market_id", "market %s is not active", req.MarketID)
	}
	if req.UserID == "" {
		return nil, invalid("user_id", "missing")
	}

	side, err := model.ParseSide(req.Side)
	if err != nil {
		return nil, invalid("side", "%v", err)
	}
	typ, err := model.ParseOrderType(req.Type)
	if err != nil {
		return nil, invalid("type", "%v", err)
	}
	tif, err := model.ParseTimeInForce(req.TimeInForce)
	if err != nil {
		return nil, invalid("time_in_force", "%v", err)
	}
	stp, err := model.ParseSTPPolicy(req.SelfTradePolicy)
	if err != nil {
		return nil, invalid("self_trade_policy", "%v", err)
	}

	if req.Price <= MinPriceExclusive || req.Price >= MaxPriceExclusive {
		return nil, invalid("price", "%s outside (0, 1)", req.Price)
	}
	price := fixedpoint.RoundToTick(req.Price, market.TickSize)
	if price <= MinPriceExclusive || price >= MaxPriceExclusive {
		return nil, invalid("price", "%s rounds to %s which is outside (0, 1)", req.Price, price)
	}

	if req.Quantity < MinQuantity || req.Quantity > MaxQuantity {
		return nil, invalid("quantity", "%d outside [%d, %d]", req.Quantity.Int64(), MinQuantity.Int64(), MaxQuantity.Int64())
	}

	clientID := req.ClientOrderID
	if len(clientID) > MaxClientIDLength {
		clientID = clientID[:MaxClientIDLength]
	}
	if clientID != "" && !clientIDPattern.MatchString(clientID) {
		return nil, invalid("client_order_id", "contains characters outside [A-Za-z0-9-]")
	}

	var expiresAt time.Time
	if tif == model.TIFGTD {
		if req.ExpiresAt.IsZero() {
			return nil, invalid("expires_at", "required for GTD")
		}
		expiresAt = req.ExpiresAt
	}

	return &model.Order{
		ID:              v.newID(),
		ClientOrderID:   clientID,
		UserID:          req.UserID,
		MarketID:        req.MarketID,
		Side:            side,
		Type:            typ,
		TimeInForce:     tif,
		ExpiresAt:       expiresAt,
		SelfTradePolicy: stp,
		Price:           price,
		Quantity:        req.Quantity,
		Status:          model.StatusOpen,
	}, nil
}
