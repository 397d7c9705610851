// =============================
// Order book engine
// =============================
// One Engine owns the book of one market. Every mutation (place, cancel,
// hydration, tick change, inversion maintenance) runs under the engine mutex,
// so price-time priority and the circuit breaker window see a single ordered
// stream of events. Reads used by market data take the same mutex only for a
// bounded copy.

package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Aidin1998/predex/internal/trading/depth"
	"github.com/Aidin1998/predex/internal/trading/inversion"
	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/internal/trading/orderbook"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/Aidin1998/predex/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultInversionHaltAfter is how long a crossed book may persist before
// the market halts.
const DefaultInversionHaltAfter = 30 * time.Second

// Release reasons.
const (
	ReleaseCancelled = "cancelled"
	ReleaseExpired   = "expired"
	ReleaseSelfTrade = "self_trade"
	ReleaseSelfHeal  = "self_heal"
	ReleaseUnfilled  = "unfilled"
	ReleaseRetick    = "retick"
)

// Config describes one market.
type Config struct {
	MarketID                   string
	TickSize                   fixedpoint.Amount
	CircuitBreakerWindow       time.Duration
	CircuitBreakerThresholdPct int64
	InversionHaltAfter         time.Duration
	DisableSelfHeal            bool
	Granularities              []int
}

// CancelGuard decides whether a resting order may be cancelled now.
// *ratelimit.Limiter satisfies it.
type CancelGuard interface {
	AllowCancel(ctx context.Context, userID string, createdAt time.Time) error
}

// Release is quantity that left the book without trading. Accounting uses it
// to unfreeze buy-side funds.
type Release struct {
	OrderID  string            `json:"order_id"`
	UserID   string            `json:"user_id"`
	Side     model.Side        `json:"side"`
	Price    fixedpoint.Amount `json:"price"`
	Quantity fixedpoint.Amount `json:"quantity"`
	Reason   string            `json:"reason"`
}

// Result is everything one engine call changed. Orders are copies.
type Result struct {
	MarketID  string                        `json:"market_id"`
	Order     *model.Order                  `json:"order,omitempty"`
	Trades    []*model.Trade                `json:"trades,omitempty"`
	Makers    []*model.Order                `json:"makers,omitempty"`
	Released  []Release                     `json:"released,omitempty"`
	Inversion *inversion.CrossedMarketState `json:"inversion,omitempty"`
	// HaltReason is set when this call halted the market.
	HaltReason string `json:"halt_reason,omitempty"`
}

// Filled returns the quantity traded by the taker in this call.
func (r *Result) Filled() fixedpoint.Amount {
	var sum fixedpoint.Amount
	for _, t := range r.Trades {
		sum += t.Size
	}
	return sum
}

func (r *Result) release(o *model.Order, qty fixedpoint.Amount, reason string) {
	if qty <= 0 {
		return
	}
	r.Released = append(r.Released, Release{
		OrderID: o.ID, UserID: o.UserID, Side: o.Side, Price: o.Price, Quantity: qty, Reason: reason,
	})
}

// Empty reports whether the call changed nothing.
func (r *Result) Empty() bool {
	return r.Order == nil && len(r.Trades) == 0 && len(r.Makers) == 0 && len(r.Released) == 0 &&
		r.Inversion == nil && r.HaltReason == ""
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithCancelGuard enforces cancel rate limits and minimum resting time.
func WithCancelGuard(g CancelGuard) Option { return func(e *Engine) { e.guard = g } }

// WithFeeSchedule overrides DefaultFeeTiers.
func WithFeeSchedule(fs *FeeSchedule) Option { return func(e *Engine) { e.fees = fs } }

// WithVolumeTracker shares a volume tracker across markets.
func WithVolumeTracker(vt *VolumeTracker) Option { return func(e *Engine) { e.volumes = vt } }

// WithIDGenerator overrides the trade id generator.
func WithIDGenerator(gen func() string) Option { return func(e *Engine) { e.newID = gen } }

// WithMaintenanceHook receives results of book changes not initiated by a
// caller (inversion self-heal from the monitor). It runs under the engine
// lock and must not block.
func WithMaintenanceHook(fn func(*Result)) Option { return func(e *Engine) { e.onMaintenance = fn } }

// Engine is the matching engine of one market.
type Engine struct {
	mu sync.Mutex

	marketID       string
	tickSize       fixedpoint.Amount
	haltAfter      time.Duration
	selfHeal       bool
	bids, asks     *orderbook.Side
	byUser         map[string]map[string]*model.Order
	depth          *depth.Manager
	detector       *inversion.Detector
	breaker        *CircuitBreaker
	fees           *FeeSchedule
	volumes        *VolumeTracker
	guard          CancelGuard
	onMaintenance  func(*Result)
	halted         bool
	haltReason     string
	inversionSince time.Time
	lastInversion  *inversion.CrossedMarketState
	lastTrade      fixedpoint.Amount
	seq            uint64

	now    func() time.Time
	newID  func() string
	logger *zap.Logger
}

// New creates the engine for cfg.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg.MarketID == "" {
		return nil, fmt.Errorf("engine: empty market id")
	}
	if err := checkTickSize(cfg.TickSize); err != nil {
		return nil, err
	}
	e := &Engine{
		marketID:  cfg.MarketID,
		tickSize:  cfg.TickSize,
		haltAfter: cfg.InversionHaltAfter,
		selfHeal:  !cfg.DisableSelfHeal,
		bids:      orderbook.NewSide(model.SideBid),
		asks:      orderbook.NewSide(model.SideAsk),
		byUser:    make(map[string]map[string]*model.Order),
		depth:     depth.NewManager(depth.DefaultMaxPrice, cfg.Granularities...),
		breaker:   NewCircuitBreaker(cfg.CircuitBreakerWindow, cfg.CircuitBreakerThresholdPct),
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger.Named("engine").With(zap.String("market", cfg.MarketID)),
	}
	if e.haltAfter <= 0 {
		e.haltAfter = DefaultInversionHaltAfter
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.fees == nil {
		e.fees = NewFeeSchedule(nil)
	}
	if e.volumes == nil {
		e.volumes = NewVolumeTracker()
	}
	e.detector = inversion.NewDetector(e.now)
	return e, nil
}

func checkTickSize(tick fixedpoint.Amount) error {
	if tick <= 0 || fixedpoint.Scale%tick != 0 || tick%depth.TickScale != 0 {
		return fmt.Errorf("%w: tick %s must divide 1 and be a multiple of %s", ErrInvalidTick, tick, fixedpoint.Amount(depth.TickScale))
	}
	return nil
}

// MarketID returns the market this engine owns.
func (e *Engine) MarketID() string { return e.marketID }

func (e *Engine) book(side model.Side) *orderbook.Side {
	if side == model.SideBid {
		return e.bids
	}
	return e.asks
}

// =============================
// Placement
// =============================

// PlaceOrder admits order into the book, matching it first. The engine takes
// ownership of order; the caller receives copies in the Result.
//
// When the circuit breaker trips mid-match both a Result and a *HaltError are
// returned: trades executed before the trip stand and the taker remainder is
// cancelled.
func (e *Engine) PlaceOrder(ctx context.Context, order *model.Order) (*Result, error) {
	start := time.Now()
	defer func() { metrics.MatchLatency.Observe(time.Since(start).Seconds()) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted {
		return nil, &HaltError{MarketID: e.marketID, Reason: e.haltReason}
	}
	if order.MarketID != e.marketID {
		return nil, fmt.Errorf("%w: %s", ErrMarketMismatch, order.MarketID)
	}
	if order.Price <= 0 || order.Price%e.tickSize != 0 {
		return nil, fmt.Errorf("%w: price %s tick %s", ErrInvalidTick, order.Price, e.tickSize)
	}
	if order.Quantity <= 0 || order.Remaining() <= 0 {
		return nil, ErrInvalidQuantity
	}
	if _, ok := e.lookup(order.ID); ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ID)
	}

	now := e.now()
	e.seq++
	order.Seq = e.seq
	order.CreatedAt = now
	order.UpdatedAt = now
	order.Status = model.StatusOpen
	if order.FilledQuantity > 0 {
		order.Status = model.StatusPartial
	}

	res := &Result{MarketID: e.marketID}

	if order.TimeInForce == model.TIFFOK {
		ok, trip := e.canFill(order, now)
		if trip {
			e.halt(fmt.Sprintf("circuit breaker: fill-or-kill %s would move price more than %d%%", order.ID, e.breaker.thresholdPct), "circuit_breaker")
			res.HaltReason = e.haltReason
			order.Cancel(now)
			res.release(order, order.Remaining(), ReleaseUnfilled)
			e.finish(res, order)
			return res, &HaltError{MarketID: e.marketID, Reason: e.haltReason}
		}
		if !ok {
			order.Cancel(now)
			res.release(order, order.Remaining(), ReleaseUnfilled)
			e.finish(res, order)
			return res, nil
		}
	}

	if err := e.match(order, res, now); err != nil {
		res.HaltReason = e.haltReason
		order.Cancel(now)
		res.release(order, order.Remaining(), ReleaseUnfilled)
		e.afterMutation(res, now)
		e.finish(res, order)
		return res, err
	}

	switch {
	case order.Remaining() == 0:
	case order.Status == model.StatusCancelled:
		res.release(order, order.Remaining(), ReleaseSelfTrade)
	case order.TimeInForce.Immediate(), order.Type == model.TypeMarket:
		order.Cancel(now)
		res.release(order, order.Remaining(), ReleaseUnfilled)
	case order.Expired(now):
		order.Cancel(now)
		res.release(order, order.Remaining(), ReleaseExpired)
	default:
		if err := e.rest(order); err != nil {
			// unreachable after the duplicate check above
			e.logger.Error("failed to rest order", zap.String("order", order.ID), zap.Error(err))
			order.Cancel(now)
			res.release(order, order.Remaining(), ReleaseUnfilled)
		}
	}

	e.afterMutation(res, now)
	e.finish(res, order)
	return res, nil
}

func (e *Engine) finish(res *Result, order *model.Order) {
	res.Order = order.Clone()
	metrics.OrdersProcessed.WithLabelValues(e.marketID, string(order.Side), string(order.Status)).Inc()
	if n := len(res.Trades); n > 0 {
		metrics.TradesExecuted.WithLabelValues(e.marketID).Add(float64(n))
	}
}

// canFill walks the opposite side without mutating it and reports whether a
// fill-or-kill order can be completely filled, and whether doing so would
// trip the circuit breaker.
func (e *Engine) canFill(order *model.Order, now time.Time) (ok, trip bool) {
	opp := e.book(order.Side.Opposite())
	need := order.Remaining()
	ref, haveRef := e.breaker.Reference(now)
	blocked := false
	opp.Walk(func(l *orderbook.PriceLevel) bool {
		if order.Type != model.TypeMarket && !opp.Marketable(l.Price, order.Price) {
			return false
		}
		l.Each(func(m *model.Order) bool {
			if m.Expired(now) {
				return true
			}
			if m.UserID == order.UserID {
				// cancel-older removes the maker and moves on; the other
				// policies would stop or shrink the taker before it fills.
				if order.SelfTradePolicy != model.STPCancelOlder {
					blocked = true
					return false
				}
				return true
			}
			if !haveRef {
				ref, haveRef = l.Price, true
			}
			if e.breaker.Deviates(l.Price, ref) {
				trip = true
				return false
			}
			need -= m.Remaining()
			return need > 0
		})
		return need > 0 && !blocked && !trip
	})
	if blocked {
		return false, false
	}
	return need <= 0 && !trip, trip
}

// match runs the matching loop. It returns a *HaltError when the breaker trips.
func (e *Engine) match(order *model.Order, res *Result, now time.Time) error {
	opp := e.book(order.Side.Opposite())
	for order.Remaining() > 0 && order.Status != model.StatusCancelled {
		level, ok := opp.Best()
		if !ok {
			return nil
		}
		if order.Type != model.TypeMarket && !opp.Marketable(level.Price, order.Price) {
			return nil
		}
		maker := level.Front()

		if maker.Expired(now) {
			e.removeResting(maker, now, res, ReleaseExpired)
			continue
		}

		if e.breaker.Trips(level.Price, now) {
			ref, _ := e.breaker.Reference(now)
			e.halt(fmt.Sprintf("circuit breaker: %s deviates more than %d%% from %s", level.Price, e.breaker.thresholdPct, ref), "circuit_breaker")
			return &HaltError{MarketID: e.marketID, Reason: e.haltReason}
		}

		if maker.UserID == order.UserID {
			switch order.SelfTradePolicy {
			case model.STPCancelBoth:
				e.removeResting(maker, now, res, ReleaseSelfTrade)
				order.Cancel(now)
				return nil
			case model.STPDecrement:
				overlap := fixedpoint.Min(order.Remaining(), maker.Remaining())
				removed := opp.Decrement(maker, overlap, now)
				e.depthUpdate(maker.Side, maker.Price, -overlap)
				if removed {
					e.untrack(maker)
				}
				res.Makers = append(res.Makers, maker.Clone())
				res.release(maker, overlap, ReleaseSelfTrade)
				order.Quantity -= overlap
				order.UpdatedAt = now
				res.release(order, overlap, ReleaseSelfTrade)
				if order.Remaining() == 0 {
					order.Cancel(now)
				}
			default:
				e.removeResting(maker, now, res, ReleaseSelfTrade)
			}
			continue
		}

		e.execute(order, maker, res, now)
	}
	return nil
}

// execute trades the overlap between taker and the resting maker at the
// maker's price.
func (e *Engine) execute(taker, maker *model.Order, res *Result, now time.Time) {
	size := fixedpoint.Min(taker.Remaining(), maker.Remaining())
	trade := &model.Trade{
		ID:           e.newID(),
		MarketID:     e.marketID,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		MakerUserID:  maker.UserID,
		TakerUserID:  taker.UserID,
		TakerSide:    taker.Side,
		Price:        maker.Price,
		Size:         size,
		CreatedAt:    now,
	}
	notional := trade.Notional()
	trade.MakerRebate = fixedpoint.ApplyRate(notional, e.fees.Tier(e.volumes.Volume(maker.UserID)).MakerRate)
	trade.Fee = fixedpoint.ApplyRate(notional, e.fees.Tier(e.volumes.Volume(taker.UserID)).TakerRate)

	taker.Fill(size, now)
	if e.book(maker.Side).Fill(maker, size, now) {
		e.untrack(maker)
	}
	e.depthUpdate(maker.Side, maker.Price, -size)

	e.breaker.Record(trade.Price, now)
	e.volumes.Add(maker.UserID, notional)
	e.volumes.Add(taker.UserID, notional)
	e.lastTrade = trade.Price

	res.Trades = append(res.Trades, trade)
	res.Makers = append(res.Makers, maker.Clone())
}

// rest inserts order into its side of the book.
func (e *Engine) rest(order *model.Order) error {
	if err := e.book(order.Side).Add(order); err != nil {
		return err
	}
	e.track(order)
	e.depthUpdate(order.Side, order.Price, order.Remaining())
	return nil
}

// removeResting cancels a resting maker as a side effect of matching or maintenance.
func (e *Engine) removeResting(o *model.Order, now time.Time, res *Result, reason string) {
	remaining := o.Remaining()
	e.book(o.Side).Remove(o.ID)
	e.untrack(o)
	e.depthUpdate(o.Side, o.Price, -remaining)
	o.Cancel(now)
	res.Makers = append(res.Makers, o.Clone())
	res.release(o, remaining, reason)
}

func (e *Engine) depthUpdate(side model.Side, price, delta fixedpoint.Amount) {
	if err := e.depth.Update(side, price, delta); err != nil {
		e.logger.Error("depth update failed", zap.Error(err))
	}
}

func (e *Engine) track(o *model.Order) {
	orders, ok := e.byUser[o.UserID]
	if !ok {
		orders = make(map[string]*model.Order)
		e.byUser[o.UserID] = orders
	}
	orders[o.ID] = o
}

func (e *Engine) untrack(o *model.Order) {
	if orders, ok := e.byUser[o.UserID]; ok {
		delete(orders, o.ID)
		if len(orders) == 0 {
			delete(e.byUser, o.UserID)
		}
	}
}

func (e *Engine) lookup(id string) (*model.Order, bool) {
	if o, ok := e.bids.Get(id); ok {
		return o, true
	}
	return e.asks.Get(id)
}

// =============================
// Inversion handling and halts
// =============================

// afterMutation checks for a crossed book. The first detection cancels the
// newest crossed order; a crossing that persists past haltAfter halts the market.
func (e *Engine) afterMutation(res *Result, now time.Time) {
	state, crossed := e.detector.Detect(e.bids, e.asks, e.tickSize)
	if !crossed {
		e.inversionSince = time.Time{}
		e.lastInversion = nil
		return
	}
	metrics.Inversions.WithLabelValues(e.marketID, string(state.Severity)).Inc()

	if e.inversionSince.IsZero() {
		if e.selfHeal {
			if victim := inversion.Newest(inversion.CrossedOrders(e.bids, e.asks)); victim != nil {
				e.logger.Warn("book inverted, cancelling newest crossed order",
					zap.String("order", victim.ID),
					zap.String("severity", string(state.Severity)),
					zap.Int64("ticks", state.Ticks))
				e.removeResting(victim, now, res, ReleaseSelfHeal)
			}
			state, crossed = e.detector.Detect(e.bids, e.asks, e.tickSize)
			if !crossed {
				e.lastInversion = nil
				return
			}
		}
		e.inversionSince = now
	}
	e.lastInversion = state
	res.Inversion = state

	if !e.halted && now.Sub(e.inversionSince) >= e.haltAfter {
		e.halt(fmt.Sprintf("book inverted for %s (%s, %d ticks)", now.Sub(e.inversionSince), state.Severity, state.Ticks), "inversion")
		res.HaltReason = e.haltReason
	}
}

func (e *Engine) halt(reason, cause string) {
	e.halted = true
	e.haltReason = reason
	metrics.MarketHalts.WithLabelValues(e.marketID, cause).Inc()
	e.logger.Warn("market halted", zap.String("cause", cause), zap.String("reason", reason))
}

// CheckInversion re-evaluates a crossed book without order flow so a
// persisting inversion still escalates to a halt.
func (e *Engine) CheckInversion() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := &Result{MarketID: e.marketID}
	e.afterMutation(res, e.now())
	if e.onMaintenance != nil && !res.Empty() {
		e.onMaintenance(res)
	}
	return res
}

// Halt stops matching until Resume.
func (e *Engine) Halt(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halt(reason, "manual")
}

// Resume re-opens a halted market and clears the breaker window and
// inversion timer.
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halted = false
	e.haltReason = ""
	e.breaker.Reset()
	e.inversionSince = time.Time{}
	e.logger.Info("market resumed")
}

// Halted reports the halt flag and reason.
func (e *Engine) Halted() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted, e.haltReason
}

// =============================
// Cancellation
// =============================

// CancelOrder removes a resting order. userID, when non-empty, must own the
// order. Cancels are allowed while the market is halted.
func (e *Engine) CancelOrder(ctx context.Context, orderID string, side model.Side, userID string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.book(side).Get(orderID)
	if !ok || (userID != "" && o.UserID != userID) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if e.guard != nil {
		if err := e.guard.AllowCancel(ctx, o.UserID, o.CreatedAt); err != nil {
			return nil, err
		}
	}
	now := e.now()
	res := &Result{MarketID: e.marketID}
	remaining := o.Remaining()
	e.book(side).Remove(o.ID)
	e.untrack(o)
	e.depthUpdate(side, o.Price, -remaining)
	o.Cancel(now)
	res.release(o, remaining, ReleaseCancelled)
	res.Order = o.Clone()
	metrics.OrdersProcessed.WithLabelValues(e.marketID, string(o.Side), string(o.Status)).Inc()
	return res, nil
}

// =============================
// Administration
// =============================

// Load rests persisted open orders without matching them, oldest first. A
// crossing produced by the load is handled like any other inversion.
func (e *Engine) Load(orders []*model.Order) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sorted := append([]*model.Order(nil), orders...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	for _, o := range sorted {
		if o.MarketID != e.marketID {
			return nil, fmt.Errorf("%w: order %s is for %s", ErrMarketMismatch, o.ID, o.MarketID)
		}
		if o.Status.Terminal() || o.Remaining() <= 0 {
			continue
		}
		if o.Price%e.tickSize != 0 {
			return nil, fmt.Errorf("%w: order %s at %s", ErrInvalidTick, o.ID, o.Price)
		}
		e.seq++
		o.Seq = e.seq
		if err := e.rest(o); err != nil {
			return nil, fmt.Errorf("load order %s: %w", o.ID, err)
		}
	}
	res := &Result{MarketID: e.marketID}
	e.afterMutation(res, e.now())
	e.logger.Info("book loaded", zap.Int("bids", e.bids.Len()), zap.Int("asks", e.asks.Len()))
	return res, nil
}

// UpdateTickSize changes the tick and rounds resting prices down onto it.
// Orders keep their relative time priority; orders rounded to zero are cancelled.
func (e *Engine) UpdateTickSize(tick fixedpoint.Amount) (*Result, error) {
	if err := checkTickSize(tick); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	res := &Result{MarketID: e.marketID}
	all := append(e.bids.Orders(), e.asks.Orders()...)
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })

	e.bids = orderbook.NewSide(model.SideBid)
	e.asks = orderbook.NewSide(model.SideAsk)
	e.byUser = make(map[string]map[string]*model.Order)
	e.depth.Reset()
	e.tickSize = tick

	for _, o := range all {
		repriced := fixedpoint.FloorToTick(o.Price, tick)
		if repriced <= 0 {
			o.Cancel(now)
			res.Makers = append(res.Makers, o.Clone())
			res.release(o, o.Remaining(), ReleaseRetick)
			continue
		}
		if repriced != o.Price {
			o.Price = repriced
			o.UpdatedAt = now
			res.Makers = append(res.Makers, o.Clone())
		}
		if err := e.rest(o); err != nil {
			return nil, err
		}
	}
	e.afterMutation(res, now)
	e.logger.Info("tick size updated", zap.String("tick", tick.String()))
	return res, nil
}

// =============================
// Read-only views
// =============================

// Snapshot is a point-in-time copy of market state.
type Snapshot struct {
	MarketID       string                        `json:"market_id"`
	TickSize       fixedpoint.Amount             `json:"tick_size"`
	Halted         bool                          `json:"halted"`
	HaltReason     string                        `json:"halt_reason,omitempty"`
	BestBid        fixedpoint.Amount             `json:"best_bid"`
	BestAsk        fixedpoint.Amount             `json:"best_ask"`
	LastTradePrice fixedpoint.Amount             `json:"last_trade_price"`
	Bids           []orderbook.LevelView         `json:"bids"`
	Asks           []orderbook.LevelView         `json:"asks"`
	Inversion      *inversion.CrossedMarketState `json:"inversion,omitempty"`
	Sequence       uint64                        `json:"sequence"`
	At             time.Time                     `json:"at"`
}

// Snapshot copies up to levels price levels per side; levels <= 0 copies all.
func (e *Engine) Snapshot(levels int) Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		MarketID:       e.marketID,
		TickSize:       e.tickSize,
		Halted:         e.halted,
		HaltReason:     e.haltReason,
		LastTradePrice: e.lastTrade,
		Bids:           e.bids.Levels(levels),
		Asks:           e.asks.Levels(levels),
		Sequence:       e.seq,
		At:             e.now(),
	}
	s.BestBid, _ = e.bids.BestPrice()
	s.BestAsk, _ = e.asks.BestPrice()
	if e.lastInversion != nil {
		inv := *e.lastInversion
		s.Inversion = &inv
	}
	return s
}

// Depth returns aggregated depth for side at granularity, best price first.
func (e *Engine) Depth(side model.Side, granularity, limit int) ([]depth.Level, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depth.Levels(side, granularity, limit)
}

// CumulativeVolume answers how much volume sits between the spread and price.
func (e *Engine) CumulativeVolume(side model.Side, price fixedpoint.Amount, granularity int) (fixedpoint.Amount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depth.CumulativeVolume(side, price, granularity)
}

// TickSize returns the current tick.
func (e *Engine) TickSize() fixedpoint.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tickSize
}

// Order returns a copy of the resting order with id.
func (e *Engine) Order(id string) (*model.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.lookup(id)
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// UserOrders returns copies of userID's resting orders on side.
func (e *Engine) UserOrders(userID string, side model.Side) []*model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*model.Order
	for _, o := range e.byUser[userID] {
		if o.Side == side {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// CrossedOrders returns copies of the resting orders that take part in a
// crossed book, empty when the book is not crossed.
func (e *Engine) CrossedOrders() []*model.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	crossed := inversion.CrossedOrders(e.bids, e.asks)
	out := make([]*model.Order, len(crossed))
	for i, o := range crossed {
		out[i] = o.Clone()
	}
	return out
}

// UserExposure is the notional of userID's resting orders.
func (e *Engine) UserExposure(userID string) fixedpoint.Amount {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum fixedpoint.Amount
	for _, o := range e.byUser[userID] {
		sum += fixedpoint.Notional(o.Price, o.Remaining())
	}
	return sum
}

// Verify checks book, depth and index consistency. Intended for tests and
// operator diagnostics.
func (e *Engine) Verify() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range []*orderbook.Side{e.bids, e.asks} {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.Side(), err)
		}
		if got := e.depth.Total(s.Side()); got != s.Total() {
			return fmt.Errorf("%s: depth total %s != book total %s", s.Side(), got, s.Total())
		}
	}
	n := 0
	for _, orders := range e.byUser {
		n += len(orders)
	}
	if n != e.bids.Len()+e.asks.Len() {
		return fmt.Errorf("user index holds %d orders, book holds %d", n, e.bids.Len()+e.asks.Len())
	}
	return nil
}
