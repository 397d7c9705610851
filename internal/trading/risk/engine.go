// Package risk runs pre-trade admission checks. Checks are independent and
// run concurrently; the first failure in check order wins.
package risk

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aidin1998/predex/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CheckType names a single pre-trade check.
type CheckType string

const (
	CheckBalance   CheckType = "balance"
	CheckPosition  CheckType = "position_limit"
	CheckRateLimit CheckType = "rate_limit"
	CheckSelfTrade CheckType = "self_trade"
)

// ErrRejected is matched by every *Rejection.
var ErrRejected = errors.New("risk check failed")

// Rejection is the result of a failed check.
type Rejection struct {
	Check              CheckType
	Reason             string
	Retryable          bool
	ConflictingOrderID string
}

func (r *Rejection) Error() string { return fmt.Sprintf("%s: %s", r.Check, r.Reason) }

func (r *Rejection) Is(target error) bool { return target == ErrRejected }

// Context is the caller's account state at admission time.
type Context struct {
	UserID           string
	Tier             Tier
	AvailableBalance fixedpoint.Amount
	// TotalExposure is the user's open notional across all markets,
	// MarketExposure only in the order's market.
	TotalExposure  fixedpoint.Amount
	MarketExposure fixedpoint.Amount
	// PortfolioVolatility is scaled like any Amount (0.2 = 200_000).
	PortfolioVolatility fixedpoint.Amount
}

// RateChecker is satisfied by *ratelimit.Limiter.
type RateChecker interface {
	Check(ctx context.Context, userID string, class ratelimit.ActionClass) bool
}

// Engine evaluates orders against RiskConfig.
type Engine struct {
	config  *RiskConfig
	limiter RateChecker
	logger  *zap.Logger
}

// NewEngine creates a risk engine. limiter may be nil to skip rate limiting.
func NewEngine(config *RiskConfig, limiter RateChecker, logger *zap.Logger) *Engine {
	if config == nil {
		config = NewRiskConfig()
	}
	return &Engine{config: config, limiter: limiter, logger: logger.Named("risk")}
}

// Config returns the live configuration.
func (e *Engine) Config() *RiskConfig { return e.config }

// ValidateOrderRisk runs every check for order and returns the first
// *Rejection in check order, or nil. opposite must hold the user's resting
// orders on the opposite side of the order's market.
func (e *Engine) ValidateOrderRisk(ctx context.Context, order *model.Order, rc Context, opposite []*model.Order) error {
	results := make([]*Rejection, 4)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results[0] = e.checkBalance(order, rc)
		return nil
	})
	g.Go(func() error {
		results[1] = e.checkPosition(order, rc)
		return nil
	})
	g.Go(func() error {
		results[2] = e.checkRateLimit(gctx, order)
		return nil
	})
	g.Go(func() error {
		results[3] = checkSelfTrade(order, opposite)
		return nil
	})
	_ = g.Wait()

	for _, r := range results {
		if r != nil {
			e.logger.Debug("order rejected",
				zap.String("order", order.ID),
				zap.String("user", order.UserID),
				zap.String("check", string(r.Check)),
				zap.String("reason", r.Reason))
			return r
		}
	}
	return nil
}

func (e *Engine) checkBalance(order *model.Order, rc Context) *Rejection {
	// Sell-side collateral is settled outside the book.
	if order.Side != model.SideBid {
		return nil
	}
	notional := fixedpoint.Notional(order.Price, order.Remaining())
	if notional > rc.AvailableBalance {
		return &Rejection{
			Check:  CheckBalance,
			Reason: fmt.Sprintf("insufficient balance: need %s, available %s", notional, rc.AvailableBalance),
		}
	}
	return nil
}

func (e *Engine) checkPosition(order *model.Order, rc Context) *Rejection {
	if e.config.IsExempt(order.UserID) {
		return nil
	}
	notional := fixedpoint.Notional(order.Price, order.Remaining())
	total := rc.TotalExposure + notional
	inMarket := rc.MarketExposure + notional

	tierCap := e.config.TierCap(rc.Tier)
	if total > tierCap {
		return &Rejection{
			Check:  CheckPosition,
			Reason: fmt.Sprintf("tier %s cap %s exceeded: exposure would be %s", rc.Tier, tierCap, total),
		}
	}
	if mc := e.config.marketCap(); inMarket > mc {
		return &Rejection{
			Check:  CheckPosition,
			Reason: fmt.Sprintf("market cap %s exceeded: exposure would be %s", mc, inMarket),
		}
	}
	if rc.PortfolioVolatility > 0 {
		stressCap, ok := fixedpoint.MulDiv(tierCap.Int64(), fixedpoint.Scale.Int64(), e.config.stressDivisor()*rc.PortfolioVolatility.Int64())
		if ok && total > fixedpoint.Amount(stressCap) {
			return &Rejection{
				Check: CheckPosition,
				Reason: fmt.Sprintf("stress cap %s at volatility %s exceeded: exposure would be %s",
					fixedpoint.Amount(stressCap), rc.PortfolioVolatility, total),
			}
		}
	}
	return nil
}

func (e *Engine) checkRateLimit(ctx context.Context, order *model.Order) *Rejection {
	if e.limiter == nil || e.limiter.Check(ctx, order.UserID, ratelimit.ActionPlace) {
		return nil
	}
	return &Rejection{Check: CheckRateLimit, Reason: "order placement rate exceeded", Retryable: true}
}

func checkSelfTrade(order *model.Order, opposite []*model.Order) *Rejection {
	for _, o := range opposite {
		if o.UserID != order.UserID || o.Side == order.Side || o.Status.Terminal() {
			continue
		}
		crosses := order.Type == model.TypeMarket
		if !crosses {
			if order.Side == model.SideBid {
				crosses = o.Price <= order.Price
			} else {
				crosses = o.Price >= order.Price
			}
		}
		if crosses {
			return &Rejection{
				Check:              CheckSelfTrade,
				Reason:             fmt.Sprintf("would cross own resting order %s at %s", o.ID, o.Price),
				ConflictingOrderID: o.ID,
			}
		}
	}
	return nil
}
