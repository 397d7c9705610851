package service

import (
	"context"
	"testing"
	"time"

	"github.com/Aidin1998/predex/internal/trading/commitreveal"
	"github.com/Aidin1998/predex/internal/trading/engine"
	"github.com/Aidin1998/predex/internal/trading/events"
	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/internal/trading/persistence"
	"github.com/Aidin1998/predex/internal/trading/risk"
	"github.com/Aidin1998/predex/internal/trading/validation"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const marketID = "7f1c0e4a-3a5b-4c8e-9f2d-1b2c3d4e5f60"

// syncPersister applies writes immediately so tests can assert on the store.
type syncPersister struct{ store *persistence.MemoryStore }

func (p syncPersister) SaveOrders(orders ...*model.Order) {
	for _, o := range orders {
		_ = p.store.SaveOrder(context.Background(), o)
	}
}

func (p syncPersister) AppendTrades(trades ...*model.Trade) {
	_ = p.store.AppendTrades(context.Background(), trades)
}

func (p syncPersister) Unfreeze(userID string, amount fixedpoint.Amount) {
	_ = p.store.UnfreezeFunds(context.Background(), userID, amount)
}

func (p syncPersister) RecordMakerVolume(userID string, notional, rebate fixedpoint.Amount) {
	_ = p.store.RecordMakerVolume(context.Background(), userID, notional, rebate)
}

type fixture struct {
	svc    *Service
	store  *persistence.MemoryStore
	events []events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{store: persistence.NewMemoryStore()}
	bus := events.NewInMemoryEventBus(logger)
	for _, topic := range []string{events.TopicTrade, events.TopicOrder, events.TopicMarket} {
		bus.Subscribe(topic, func(e events.Event) { f.events = append(f.events, e) })
	}
	svc, err := New(Deps{
		Registry:  engine.NewRegistry(logger, time.Second),
		Risk:      risk.NewEngine(nil, nil, logger),
		Accounts:  f.store,
		Persister: syncPersister{f.store},
		Bus:       bus,
		Commits:   commitreveal.NewManager(commitreveal.NewMemoryStore(), time.Minute, logger),
	}, logger)
	require.NoError(t, err)
	_, err = svc.CreateMarket(engine.Config{MarketID: marketID, TickSize: 10_000}, true)
	require.NoError(t, err)
	f.svc = svc

	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, f.store.Deposit(ctx, u, fixedpoint.FromUnits(100)))
		require.NoError(t, f.store.SetTier(ctx, u, string(risk.Tier2)))
	}
	return f
}

func (f *fixture) account(t *testing.T, user string) *persistence.Account {
	t.Helper()
	a, err := f.store.GetAccount(context.Background(), user)
	require.NoError(t, err)
	return a
}

func request(user, side, price string, qty int64) validation.Request {
	return validation.Request{
		MarketID: marketID,
		UserID:   user,
		Side:     side,
		Type:     "limit",
		Price:    fixedpoint.MustParse(price),
		Quantity: fixedpoint.FromUnits(qty),
	}
}

func TestPlaceFreezesAndReleasesPriceImprovement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, request("bob", "ask", "0.40", 10))
	require.NoError(t, err)
	assert.Zero(t, f.account(t, "bob").Frozen, "asks reserve nothing")

	res, err := f.svc.PlaceOrder(ctx, request("alice", "bid", "0.50", 5))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, fixedpoint.MustParse("0.4"), res.Trades[0].Price)

	// froze 2.5 at the limit, paid 2.0 at the maker price
	assert.Equal(t, fixedpoint.FromUnits(2), f.account(t, "alice").Frozen)
	assert.Equal(t, fixedpoint.FromUnits(2), f.account(t, "bob").MakerVolume)
	assert.Len(t, f.store.Trades(marketID), 1)

	saved, ok := f.store.Order(res.Order.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusFilled, saved.Status)
}

func TestIOCRemainderIsUnfrozen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.PlaceOrder(ctx, request("bob", "ask", "0.40", 5))
	require.NoError(t, err)

	req := request("alice", "bid", "0.50", 10)
	req.TimeInForce = "IOC"
	res, err := f.svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, res.Order.Status)
	assert.Equal(t, fixedpoint.FromUnits(2), f.account(t, "alice").Frozen)
}

func TestCancelUnfreezes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.PlaceOrder(ctx, request("alice", "bid", "0.30", 10))
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.FromUnits(3), f.account(t, "alice").Frozen)

	_, err = f.svc.CancelOrder(ctx, marketID, res.Order.ID, model.SideBid, "bob")
	assert.ErrorIs(t, err, engine.ErrOrderNotFound)

	_, err = f.svc.CancelOrder(ctx, marketID, res.Order.ID, model.SideBid, "alice")
	require.NoError(t, err)
	assert.Zero(t, f.account(t, "alice").Frozen)

	saved, ok := f.store.Order(res.Order.ID)
	require.True(t, ok)
	assert.Equal(t, model.StatusCancelled, saved.Status)
}

func TestRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.PlaceOrder(ctx, request("alice", "bid", "1.5", 1))
	assert.ErrorIs(t, err, validation.ErrInvalidOrder)

	req := request("alice", "bid", "0.5", 1)
	req.MarketID = "9f1c0e4a-3a5b-4c8e-9f2d-1b2c3d4e5f60"
	_, err = f.svc.PlaceOrder(ctx, req)
	assert.ErrorIs(t, err, validation.ErrInvalidOrder)

	_, err = f.svc.PlaceOrder(ctx, request("alice", "bid", "0.5", 500))
	var rej *risk.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, risk.CheckBalance, rej.Check)

	_, err = f.svc.PlaceOrder(ctx, request("carol", "ask", "0.5", 1))
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, risk.CheckPosition, rej.Check, "no account means no tier")

	_, err = f.svc.PlaceOrder(ctx, request("alice", "ask", "0.6", 1))
	require.NoError(t, err)
	_, err = f.svc.PlaceOrder(ctx, request("alice", "bid", "0.6", 1))
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, risk.CheckSelfTrade, rej.Check)
	assert.Zero(t, f.account(t, "alice").Frozen)

	f.svc.SetActive(marketID, false)
	_, err = f.svc.PlaceOrder(ctx, request("bob", "bid", "0.5", 1))
	assert.ErrorIs(t, err, validation.ErrInvalidOrder)
}

func TestHaltedMarketReleasesFreeze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng, err := f.svc.Market(marketID)
	require.NoError(t, err)
	eng.Halt("maintenance")

	_, err = f.svc.PlaceOrder(ctx, request("alice", "bid", "0.5", 2))
	assert.ErrorIs(t, err, engine.ErrMarketHalted)
	assert.Zero(t, f.account(t, "alice").Frozen)
}

func TestCircuitBreakerEmitsHaltEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.PlaceOrder(ctx, request("bob", "ask", "0.10", 1))
	require.NoError(t, err)
	_, err = f.svc.PlaceOrder(ctx, request("bob", "ask", "0.20", 1))
	require.NoError(t, err)

	res, err := f.svc.PlaceOrder(ctx, request("alice", "bid", "0.20", 2))
	require.ErrorIs(t, err, engine.ErrMarketHalted)
	require.Len(t, res.Trades, 1)
	// 0.4 frozen: 0.1 paid, 0.1 improvement and 0.2 remainder released
	assert.Equal(t, fixedpoint.MustParse("0.1"), f.account(t, "alice").Frozen)

	var halted bool
	for _, e := range f.events {
		if e.Type == events.TypeMarketHalted {
			halted = true
		}
	}
	assert.True(t, halted)
}

func TestCommitReveal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := request("alice", "bid", "0.45", 2)
	hash := commitreveal.Hash("alice", "nonce-1", model.SideBid, req.Price, req.Quantity)

	_, err := f.svc.Commit(ctx, marketID, "alice", hash)
	require.NoError(t, err)

	_, err = f.svc.Reveal(ctx, req, "wrong")
	assert.ErrorIs(t, err, commitreveal.ErrCommitmentNotFound)

	res, err := f.svc.Reveal(ctx, req, "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, res.Order.Status)

	_, err = f.svc.Reveal(ctx, req, "nonce-1")
	assert.ErrorIs(t, err, commitreveal.ErrCommitmentNotFound)
}

func TestHydrateRestsPersistedOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, f.store.SaveOrder(ctx, &model.Order{
		ID: "persisted-1", UserID: "bob", MarketID: marketID, Side: model.SideAsk, Type: model.TypeLimit,
		TimeInForce: model.TIFGTC, Price: 600_000, Quantity: fixedpoint.FromUnits(3), Status: model.StatusOpen, CreatedAt: now,
	}))
	require.NoError(t, f.store.RecordMakerVolume(ctx, "bob", fixedpoint.FromUnits(20_000), 0))

	vt := engine.NewVolumeTracker()
	require.NoError(t, f.svc.Hydrate(ctx, f.store, vt))
	assert.Equal(t, fixedpoint.FromUnits(20_000), vt.Volume("bob"))

	eng, err := f.svc.Market(marketID)
	require.NoError(t, err)
	o, ok := eng.Order("persisted-1")
	require.True(t, ok)
	assert.Equal(t, fixedpoint.FromUnits(3), o.Remaining())
}
