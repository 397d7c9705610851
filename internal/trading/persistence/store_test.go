package persistence

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := Open(DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	s, err := NewGormStore(db, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func stores(t *testing.T) map[string]func(*testing.T) Store {
	return map[string]func(*testing.T) Store{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"gorm":   func(t *testing.T) Store { return newSQLiteStore(t) },
	}
}

func testOrder(id string, created time.Time) *model.Order {
	return &model.Order{
		ID:              id,
		UserID:          "alice",
		MarketID:        "m-1",
		Side:            model.SideBid,
		Type:            model.TypeLimit,
		TimeInForce:     model.TIFGTC,
		SelfTradePolicy: model.STPCancelOlder,
		Price:           550_000,
		Quantity:        fixedpoint.FromUnits(10),
		Status:          model.StatusOpen,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestOrderLifecycle(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()
			t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

			require.NoError(t, s.SaveOrder(ctx, testOrder("b", t0.Add(time.Second))))
			require.NoError(t, s.SaveOrder(ctx, testOrder("a", t0)))
			done := testOrder("c", t0)
			done.Status = model.StatusFilled
			require.NoError(t, s.SaveOrder(ctx, done))
			other := testOrder("d", t0)
			other.MarketID = "m-2"
			require.NoError(t, s.SaveOrder(ctx, other))

			require.NoError(t, s.UpdateOrderFill(ctx, "b", fixedpoint.FromUnits(4), model.StatusPartial, t0.Add(time.Minute)))
			err := s.UpdateOrderFill(ctx, "missing", 1, model.StatusPartial, t0)
			assert.ErrorIs(t, err, ErrNotFound)

			open, err := s.LoadOpenOrders(ctx, "m-1")
			require.NoError(t, err)
			require.Len(t, open, 2)
			assert.Equal(t, "a", open[0].ID)
			assert.Equal(t, "b", open[1].ID)
			assert.Equal(t, model.StatusPartial, open[1].Status)
			assert.Equal(t, fixedpoint.FromUnits(6), open[1].Remaining())
			assert.Equal(t, model.STPCancelOlder, open[0].SelfTradePolicy)

			// upsert replaces mutable state
			a := open[0]
			a.Status = model.StatusCancelled
			require.NoError(t, s.SaveOrder(ctx, a))
			open, err = s.LoadOpenOrders(ctx, "m-1")
			require.NoError(t, err)
			assert.Len(t, open, 1)
		})
	}
}

func TestAppendTradesIsIdempotent(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()
			tr := &model.Trade{ID: "t-1", MarketID: "m-1", MakerOrderID: "a", TakerOrderID: "b",
				Price: 500_000, Size: fixedpoint.FromUnits(1), CreatedAt: time.Now()}
			require.NoError(t, s.AppendTrades(ctx, []*model.Trade{tr}))
			require.NoError(t, s.AppendTrades(ctx, []*model.Trade{tr}))
			require.NoError(t, s.AppendTrades(ctx, nil))
		})
	}
}

func TestFreezeUnfreeze(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()

			ok, err := s.FreezeFunds(ctx, "ghost", 1)
			require.NoError(t, err)
			assert.False(t, ok, "no account")

			require.NoError(t, s.Deposit(ctx, "alice", fixedpoint.FromUnits(10)))
			ok, err = s.FreezeFunds(ctx, "alice", fixedpoint.FromUnits(6))
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.FreezeFunds(ctx, "alice", fixedpoint.FromUnits(5))
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = s.FreezeFunds(ctx, "alice", 0)
			assert.ErrorIs(t, err, ErrInvalidAmount)

			require.NoError(t, s.UnfreezeFunds(ctx, "alice", fixedpoint.FromUnits(2)))
			acct, err := s.GetAccount(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, fixedpoint.FromUnits(4), acct.Frozen)
			assert.Equal(t, fixedpoint.FromUnits(6), acct.Available())

			// over-release clamps at zero
			require.NoError(t, s.UnfreezeFunds(ctx, "alice", fixedpoint.FromUnits(50)))
			acct, err = s.GetAccount(ctx, "alice")
			require.NoError(t, err)
			assert.Zero(t, acct.Frozen)

			_, err = s.GetAccount(ctx, "ghost")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMakerVolumeAndTier(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()
			require.NoError(t, s.RecordMakerVolume(ctx, "bob", fixedpoint.FromUnits(5), -1_000))
			require.NoError(t, s.RecordMakerVolume(ctx, "bob", fixedpoint.FromUnits(3), -600))
			require.NoError(t, s.SetTier(ctx, "bob", "TIER_2"))

			acct, err := s.GetAccount(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, fixedpoint.FromUnits(8), acct.MakerVolume)
			assert.EqualValues(t, -1_600, acct.Rebates)
			assert.Equal(t, "TIER_2", acct.Tier)

			vols, err := s.TrailingVolumes(ctx)
			require.NoError(t, err)
			assert.Equal(t, map[string]fixedpoint.Amount{"bob": fixedpoint.FromUnits(8)}, vols)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "")
	assert.Error(t, err)
}
