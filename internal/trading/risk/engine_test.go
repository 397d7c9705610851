package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/Aidin1998/predex/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubLimiter struct{ allow bool }

func (s stubLimiter) Check(context.Context, string, ratelimit.ActionClass) bool { return s.allow }

func units(n int64) fixedpoint.Amount { return fixedpoint.FromUnits(n) }

func bid(price string, qty int64) *model.Order {
	return &model.Order{
		ID:       "o-1",
		UserID:   "alice",
		Side:     model.SideBid,
		Type:     model.TypeLimit,
		Price:    fixedpoint.MustParse(price),
		Quantity: units(qty),
		Status:   model.StatusOpen,
	}
}

func richContext() Context {
	return Context{UserID: "alice", Tier: Tier2, AvailableBalance: units(1_000_000)}
}

func rejection(t *testing.T, err error) *Rejection {
	t.Helper()
	require.Error(t, err)
	require.ErrorIs(t, err, ErrRejected)
	var r *Rejection
	require.True(t, errors.As(err, &r))
	return r
}

func TestValidateOrderRiskPasses(t *testing.T) {
	e := NewEngine(nil, stubLimiter{allow: true}, zaptest.NewLogger(t))
	assert.NoError(t, e.ValidateOrderRisk(context.Background(), bid("0.5", 100), richContext(), nil))
}

func TestBalanceCheck(t *testing.T) {
	e := NewEngine(nil, nil, zaptest.NewLogger(t))
	rc := richContext()
	rc.AvailableBalance = units(49)

	r := rejection(t, e.ValidateOrderRisk(context.Background(), bid("0.5", 100), rc, nil))
	assert.Equal(t, CheckBalance, r.Check)
	assert.False(t, r.Retryable)

	// sells are not balance checked
	ask := bid("0.5", 100)
	ask.Side = model.SideAsk
	assert.NoError(t, e.ValidateOrderRisk(context.Background(), ask, rc, nil))
}

func TestPositionCeilings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Context)
		qty    int64
		pass   bool
	}{
		{"tier1 under cap", func(c *Context) { c.Tier = Tier1 }, 1_000, true},
		{"tier1 over cap", func(c *Context) { c.Tier = Tier1 }, 2_001, false},
		{"existing exposure counts", func(c *Context) { c.Tier = Tier1; c.TotalExposure = units(600) }, 1_000, false},
		{"unknown tier blocked", func(c *Context) { c.Tier = "VIP" }, 1, false},
		{"market cap", func(c *Context) { c.Tier = Tier3; c.MarketExposure = units(99_990) }, 100, false},
		{"stress tightens", func(c *Context) { c.Tier = Tier2; c.PortfolioVolatility = fixedpoint.MustParse("0.5") }, 50_000, false},
		{"stress loose at low vol", func(c *Context) { c.Tier = Tier2; c.PortfolioVolatility = fixedpoint.MustParse("0.1") }, 50_000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(nil, nil, zaptest.NewLogger(t))
			rc := richContext()
			tt.mutate(&rc)
			err := e.ValidateOrderRisk(context.Background(), bid("0.5", tt.qty), rc, nil)
			if tt.pass {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, CheckPosition, rejection(t, err).Check)
		})
	}
}

func TestExemptAccountSkipsCeilings(t *testing.T) {
	cfg := NewRiskConfig()
	cfg.AddExemptAccount("alice")
	e := NewEngine(cfg, nil, zaptest.NewLogger(t))
	rc := richContext()
	rc.Tier = "none"
	assert.NoError(t, e.ValidateOrderRisk(context.Background(), bid("0.5", 100), rc, nil))

	cfg.RemoveExemptAccount("alice")
	r := rejection(t, e.ValidateOrderRisk(context.Background(), bid("0.5", 100), rc, nil))
	assert.Equal(t, CheckPosition, r.Check)
}

func TestRateLimitIsRetryable(t *testing.T) {
	e := NewEngine(nil, stubLimiter{allow: false}, zaptest.NewLogger(t))
	r := rejection(t, e.ValidateOrderRisk(context.Background(), bid("0.5", 1), richContext(), nil))
	assert.Equal(t, CheckRateLimit, r.Check)
	assert.True(t, r.Retryable)
}

func TestSelfTradeConflict(t *testing.T) {
	e := NewEngine(nil, nil, zaptest.NewLogger(t))
	ownAsk := &model.Order{ID: "ask-1", UserID: "alice", Side: model.SideAsk, Price: fixedpoint.MustParse("0.45"), Status: model.StatusOpen}
	otherAsk := &model.Order{ID: "ask-2", UserID: "bob", Side: model.SideAsk, Price: fixedpoint.MustParse("0.40"), Status: model.StatusOpen}

	r := rejection(t, e.ValidateOrderRisk(context.Background(), bid("0.5", 1), richContext(), []*model.Order{otherAsk, ownAsk}))
	assert.Equal(t, CheckSelfTrade, r.Check)
	assert.Equal(t, "ask-1", r.ConflictingOrderID)

	// equal price conflicts too
	r = rejection(t, e.ValidateOrderRisk(context.Background(), bid("0.45", 1), richContext(), []*model.Order{ownAsk}))
	assert.Equal(t, CheckSelfTrade, r.Check)

	// a bid below the own ask does not
	assert.NoError(t, e.ValidateOrderRisk(context.Background(), bid("0.44", 1), richContext(), []*model.Order{ownAsk}))
}

func TestFirstFailureInCheckOrder(t *testing.T) {
	e := NewEngine(nil, stubLimiter{allow: false}, zaptest.NewLogger(t))
	rc := richContext()
	rc.AvailableBalance = 0
	rc.Tier = "none"
	r := rejection(t, e.ValidateOrderRisk(context.Background(), bid("0.5", 1), rc, nil))
	assert.Equal(t, CheckBalance, r.Check)
}
