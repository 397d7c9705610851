// Package service is the order entry pipeline: validation, risk, fund
// freeze, matching, then asynchronous persistence and event fan-out.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aidin1998/predex/internal/trading/commitreveal"
	"github.com/Aidin1998/predex/internal/trading/engine"
	"github.com/Aidin1998/predex/internal/trading/events"
	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/internal/trading/persistence"
	"github.com/Aidin1998/predex/internal/trading/risk"
	"github.com/Aidin1998/predex/internal/trading/validation"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/Aidin1998/predex/pkg/metrics"
	"go.uber.org/zap"
)

// ErrInsufficientFunds is wrapped in the balance *risk.Rejection returned
// when the freeze fails.
var ErrInsufficientFunds = persistence.ErrInsufficientFunds

// Persister is the asynchronous write path; *persistence.Writer satisfies it.
type Persister interface {
	SaveOrders(orders ...*model.Order)
	AppendTrades(trades ...*model.Trade)
	Unfreeze(userID string, amount fixedpoint.Amount)
	RecordMakerVolume(userID string, notional, rebate fixedpoint.Amount)
}

// VolatilityFunc reports a user's portfolio volatility for the stress cap.
type VolatilityFunc func(ctx context.Context, userID string) fixedpoint.Amount

// Deps are the collaborators of a Service.
type Deps struct {
	Registry   *engine.Registry
	Validator  *validation.Validator
	Risk       *risk.Engine
	Accounts   persistence.Accounting
	Persister  Persister
	Bus        events.EventBus
	Commits    *commitreveal.Manager
	Volatility VolatilityFunc
}

// Service implements order entry across all markets.
type Service struct {
	registry   *engine.Registry
	validator  *validation.Validator
	risk       *risk.Engine
	accounts   persistence.Accounting
	persister  Persister
	bus        events.EventBus
	commits    *commitreveal.Manager
	volatility VolatilityFunc
	logger     *zap.Logger

	mu     sync.RWMutex
	active map[string]bool
}

// New creates a Service.
func New(deps Deps, logger *zap.Logger) (*Service, error) {
	if deps.Registry == nil || deps.Accounts == nil || deps.Persister == nil {
		return nil, errors.New("service: registry, accounts and persister are required")
	}
	s := &Service{
		registry:   deps.Registry,
		validator:  deps.Validator,
		risk:       deps.Risk,
		accounts:   deps.Accounts,
		persister:  deps.Persister,
		bus:        deps.Bus,
		commits:    deps.Commits,
		volatility: deps.Volatility,
		logger:     logger.Named("service"),
		active:     make(map[string]bool),
	}
	if s.validator == nil {
		s.validator = validation.New()
	}
	if s.risk == nil {
		s.risk = risk.NewEngine(nil, nil, logger)
	}
	return s, nil
}

// CreateMarket registers a market. Inactive markets reject new orders but
// still accept cancels.
func (s *Service) CreateMarket(cfg engine.Config, active bool) (*engine.Engine, error) {
	e, err := s.registry.Create(cfg, engine.WithMaintenanceHook(s.handleMaintenance))
	if err != nil {
		return nil, err
	}
	s.SetActive(cfg.MarketID, active)
	return e, nil
}

// SetActive toggles order entry for a market.
func (s *Service) SetActive(marketID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[marketID] = active
}

func (s *Service) isActive(marketID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active[marketID]
}

// Market returns the engine of marketID.
func (s *Service) Market(marketID string) (*engine.Engine, error) {
	return s.registry.Get(marketID)
}

// Hydrate rests persisted open orders in every market and seeds fee tiers.
func (s *Service) Hydrate(ctx context.Context, repo persistence.Repository, volumes *engine.VolumeTracker) error {
	if volumes != nil {
		vols, err := s.accounts.TrailingVolumes(ctx)
		if err != nil {
			return fmt.Errorf("hydrate volumes: %w", err)
		}
		for user, v := range vols {
			volumes.Seed(user, v)
		}
	}
	for _, id := range s.registry.Markets() {
		e, err := s.registry.Get(id)
		if err != nil {
			return err
		}
		orders, err := repo.LoadOpenOrders(ctx, id)
		if err != nil {
			return fmt.Errorf("hydrate %s: %w", id, err)
		}
		res, err := e.Load(orders)
		if err != nil {
			return fmt.Errorf("hydrate %s: %w", id, err)
		}
		s.apply(ctx, res, nil, 0)
		s.logger.Info("market hydrated", zap.String("market", id), zap.Int("orders", len(orders)))
	}
	return nil
}

// PlaceOrder runs req through the full pipeline. A circuit-breaker halt
// during matching returns both the partial result and the halt error.
func (s *Service) PlaceOrder(ctx context.Context, req validation.Request) (*engine.Result, error) {
	eng, err := s.registry.Get(req.MarketID)
	market := validation.Market{}
	if err == nil {
		market = validation.Market{Active: s.isActive(req.MarketID), TickSize: eng.TickSize()}
	}
	order, verr := s.validator.Validate(req, market)
	if verr != nil {
		s.reject("validation", verr)
		return nil, verr
	}

	rc, err := s.riskContext(ctx, order.UserID, order.MarketID, eng)
	if err != nil {
		return nil, err
	}
	if err := s.risk.ValidateOrderRisk(ctx, order, rc, eng.UserOrders(order.UserID, order.Side.Opposite())); err != nil {
		s.reject("risk", err)
		return nil, err
	}

	freezePrice, frozen := freezeFor(order)
	if frozen > 0 {
		ok, err := s.accounts.FreezeFunds(ctx, order.UserID, frozen)
		if err != nil {
			return nil, fmt.Errorf("freeze funds: %w", err)
		}
		if !ok {
			rej := &risk.Rejection{Check: risk.CheckBalance, Reason: fmt.Sprintf("%v: cannot reserve %s", ErrInsufficientFunds, frozen)}
			s.reject("freeze", rej)
			return nil, rej
		}
	}

	res, err := eng.PlaceOrder(ctx, order)
	if res == nil {
		// nothing reached the book
		if frozen > 0 {
			s.persister.Unfreeze(order.UserID, frozen)
		}
		if err != nil {
			s.reject("engine", err)
		}
		return nil, err
	}
	s.apply(ctx, res, order, freezePrice)
	return res, err
}

// CancelOrder cancels a resting order owned by userID.
func (s *Service) CancelOrder(ctx context.Context, marketID, orderID string, side model.Side, userID string) (*engine.Result, error) {
	eng, err := s.registry.Get(marketID)
	if err != nil {
		return nil, err
	}
	res, err := eng.CancelOrder(ctx, orderID, side, userID)
	if err != nil {
		return nil, err
	}
	s.apply(ctx, res, nil, 0)
	return res, nil
}

// Commit stores an order commitment for a later Reveal.
func (s *Service) Commit(ctx context.Context, marketID, userID, hash string) (*commitreveal.Commitment, error) {
	if s.commits == nil {
		return nil, errors.New("service: commit-reveal is not configured")
	}
	if _, err := s.registry.Get(marketID); err != nil {
		return nil, err
	}
	return s.commits.Commit(ctx, hash, marketID, userID)
}

// Reveal consumes the commitment matching req and nonce, then places req.
func (s *Service) Reveal(ctx context.Context, req validation.Request, nonce string) (*engine.Result, error) {
	if s.commits == nil {
		return nil, errors.New("service: commit-reveal is not configured")
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		return nil, &validation.Error{Field: "side", Reason: err.Error()}
	}
	_, err = s.commits.Open(ctx, req.MarketID, commitreveal.Reveal{
		UserID: req.UserID, Nonce: nonce, Side: side, Price: req.Price, Size: req.Quantity,
	})
	if err != nil {
		return nil, err
	}
	return s.PlaceOrder(ctx, req)
}

// UpdateTickSize re-ticks a market and persists repriced orders.
func (s *Service) UpdateTickSize(ctx context.Context, marketID string, tick fixedpoint.Amount) (*engine.Result, error) {
	eng, err := s.registry.Get(marketID)
	if err != nil {
		return nil, err
	}
	res, err := eng.UpdateTickSize(tick)
	if err != nil {
		return nil, err
	}
	s.apply(ctx, res, nil, 0)
	return res, nil
}

func (s *Service) riskContext(ctx context.Context, userID, marketID string, eng *engine.Engine) (risk.Context, error) {
	rc := risk.Context{UserID: userID}
	acct, err := s.accounts.GetAccount(ctx, userID)
	switch {
	case err == nil:
		rc.Tier = risk.Tier(acct.Tier)
		rc.AvailableBalance = acct.Available()
	case errors.Is(err, persistence.ErrNotFound):
	default:
		return rc, fmt.Errorf("load account: %w", err)
	}
	for _, id := range s.registry.Markets() {
		other, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		exp := other.UserExposure(userID)
		rc.TotalExposure += exp
		if id == marketID {
			rc.MarketExposure = exp
		}
	}
	if s.volatility != nil {
		rc.PortfolioVolatility = s.volatility(ctx, userID)
	}
	return rc, nil
}

// freezeFor returns the per-unit reservation price and the total to freeze.
// Only bids reserve funds; market bids reserve at the maximum price of 1.
func freezeFor(o *model.Order) (fixedpoint.Amount, fixedpoint.Amount) {
	if o.Side != model.SideBid {
		return 0, 0
	}
	price := o.Price
	if o.Type == model.TypeMarket {
		price = fixedpoint.Scale
	}
	return price, fixedpoint.Notional(price, o.Quantity)
}

func (s *Service) reject(stage string, err error) {
	reason := "other"
	var verr *validation.Error
	var rej *risk.Rejection
	switch {
	case errors.As(err, &verr):
		reason = verr.Field
	case errors.As(err, &rej):
		reason = string(rej.Check)
	case errors.Is(err, engine.ErrMarketHalted):
		reason = "halted"
	}
	metrics.OrderRejections.WithLabelValues(stage, reason).Inc()
}

// apply turns an engine result into queued writes, fund releases and events.
// taker and freezePrice describe the placed order, if any.
func (s *Service) apply(ctx context.Context, res *engine.Result, taker *model.Order, freezePrice fixedpoint.Amount) {
	if res == nil {
		return
	}
	var orders []*model.Order
	if res.Order != nil {
		orders = append(orders, res.Order)
	}
	orders = append(orders, res.Makers...)
	if len(orders) > 0 {
		s.persister.SaveOrders(orders...)
	}

	if len(res.Trades) > 0 {
		s.persister.AppendTrades(res.Trades...)
	}
	for _, t := range res.Trades {
		s.persister.RecordMakerVolume(t.MakerUserID, t.Notional(), t.MakerRebate)
		// a bid taker reserved at its own price and paid the maker's
		if taker != nil && taker.Side == model.SideBid && t.Price < freezePrice {
			s.persister.Unfreeze(taker.UserID, fixedpoint.Notional(freezePrice-t.Price, t.Size))
		}
	}

	for _, r := range res.Released {
		if r.Side != model.SideBid {
			continue
		}
		price := r.Price
		if taker != nil && r.OrderID == taker.ID {
			price = freezePrice
		}
		s.persister.Unfreeze(r.UserID, fixedpoint.Notional(price, r.Quantity))
	}

	s.publish(ctx, res)
}

func (s *Service) publish(ctx context.Context, res *engine.Result) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	for _, t := range res.Trades {
		s.bus.Publish(ctx, events.Event{Topic: events.TopicTrade, Type: events.TypeTradeExecuted, Key: res.MarketID, Timestamp: now, Payload: events.TradeEvent{Trade: t}})
	}
	reasons := make(map[string]string, len(res.Released))
	for _, r := range res.Released {
		reasons[r.OrderID] = r.Reason
	}
	emit := func(o *model.Order) {
		s.bus.Publish(ctx, events.Event{Topic: events.TopicOrder, Type: events.TypeOrderUpdated, Key: res.MarketID, Timestamp: now, Payload: events.OrderEvent{Order: o, Reason: reasons[o.ID]}})
	}
	if res.Order != nil {
		emit(res.Order)
	}
	for _, m := range res.Makers {
		emit(m)
	}
	if res.Inversion != nil || res.HaltReason != "" {
		s.publishMarket(ctx, res)
	}
}

func (s *Service) publishMarket(ctx context.Context, res *engine.Result) {
	ev := events.MarketEvent{
		MarketID:  res.MarketID,
		Halted:    res.HaltReason != "",
		Reason:    res.HaltReason,
		Inversion: res.Inversion,
		Timestamp: time.Now(),
	}
	typ := events.TypeMarketInversion
	if ev.Halted {
		typ = events.TypeMarketHalted
		s.logger.Warn("market halted", zap.String("market", res.MarketID), zap.String("reason", res.HaltReason))
	}
	s.bus.Publish(ctx, events.Event{Topic: events.TopicMarket, Type: typ, Key: res.MarketID, Timestamp: ev.Timestamp, Payload: ev})
}

// handleMaintenance persists book changes made by the inversion monitor.
// It runs under the engine lock and must not call back into the engine.
func (s *Service) handleMaintenance(res *engine.Result) {
	s.apply(context.Background(), res, nil, 0)
}
