package engine

import (
	"context"
	"testing"
	"time"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t), 0)
	_, err := r.Create(Config{MarketID: "b", TickSize: 1_000})
	require.NoError(t, err)
	_, err = r.Create(Config{MarketID: "a", TickSize: 10_000})
	require.NoError(t, err)

	_, err = r.Create(Config{MarketID: "a", TickSize: 1_000})
	assert.ErrorIs(t, err, ErrMarketExists)
	_, err = r.Create(Config{MarketID: "c", TickSize: 7})
	assert.ErrorIs(t, err, ErrInvalidTick)

	e, err := r.Get("a")
	require.NoError(t, err)
	assert.EqualValues(t, 10_000, e.TickSize())
	_, err = r.Get("zzz")
	assert.ErrorIs(t, err, ErrUnknownMarket)
	assert.Equal(t, []string{"a", "b"}, r.Markets())
}

func TestRegistryMonitorHaltsInvertedMarket(t *testing.T) {
	clk := newClock()
	r := NewRegistry(zaptest.NewLogger(t), 5*time.Millisecond, WithClock(clk.now))
	e, err := r.Create(Config{MarketID: testMarket, TickSize: 1_000, DisableSelfHeal: true, InversionHaltAfter: time.Second})
	require.NoError(t, err)
	_, err = e.Load([]*model.Order{
		limit("a", "alice", model.SideBid, 600_000, 1),
		limit("b", "bob", model.SideAsk, 500_000, 1),
	})
	require.NoError(t, err)

	clk.advance(2 * time.Second)
	r.Start(context.Background())
	defer r.Stop()

	require.Eventually(t, func() bool {
		halted, _ := e.Halted()
		return halted
	}, time.Second, 5*time.Millisecond)
}
