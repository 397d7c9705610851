package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type brokenStore struct{}

func (brokenStore) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestTokenBucketRefillAndDebt(t *testing.T) {
	clk := newFakeClock()
	tb := NewTokenBucketWithClock(2, 10, clk.Now)

	assert.True(t, tb.Take())
	assert.True(t, tb.Take())
	assert.False(t, tb.Take())

	tb.Force()
	assert.Equal(t, -1, tb.Remaining())
	assert.False(t, tb.Allow())

	// 200ms at 10/s repays the debt and adds one token
	clk.Advance(200 * time.Millisecond)
	assert.True(t, tb.Take())

	clk.Advance(time.Hour)
	assert.Equal(t, 2, tb.Remaining())

	tb.Drain()
	assert.False(t, tb.Allow())
	tb.Reset()
	assert.True(t, tb.Allow())
}

func TestTokenBucketDebtIsCapped(t *testing.T) {
	clk := newFakeClock()
	tb := NewTokenBucketWithClock(3, 1, clk.Now)
	for i := 0; i < 100; i++ {
		tb.Force()
	}
	assert.Equal(t, -3, tb.Remaining())
}

func TestMemoryStoreWindow(t *testing.T) {
	clk := newFakeClock()
	s := NewMemoryStoreWithClock(clk.Now)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := s.Increment(ctx, "k", time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	clk.Advance(time.Second)
	n, err := s.Increment(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLimiterBurstPerClass(t *testing.T) {
	clk := newFakeClock()
	rules := map[ActionClass]Rule{
		ActionPlace:  {Burst: 3, RefillRate: 3},
		ActionCancel: {Burst: 1, RefillRate: 1},
	}
	l := New(NewMemoryStoreWithClock(clk.Now), rules, zaptest.NewLogger(t), WithClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Check(ctx, "alice", ActionPlace))
	}
	assert.False(t, l.Check(ctx, "alice", ActionPlace))
	// other users and classes have their own budgets
	assert.True(t, l.Check(ctx, "bob", ActionPlace))
	assert.True(t, l.Check(ctx, "alice", ActionCancel))
	assert.False(t, l.Check(ctx, "alice", ActionCancel))

	clk.Advance(time.Second)
	assert.True(t, l.Check(ctx, "alice", ActionPlace))
}

func TestLimiterFailsOpen(t *testing.T) {
	l := New(brokenStore{}, nil, zaptest.NewLogger(t))
	for i := 0; i < 100; i++ {
		require.True(t, l.Check(context.Background(), "alice", ActionPlace))
	}
}

func TestAllowCancelMinRestingTime(t *testing.T) {
	clk := newFakeClock()
	l := New(NewMemoryStoreWithClock(clk.Now), nil, zaptest.NewLogger(t), WithClock(clk.Now))
	created := clk.Now()

	clk.Advance(50 * time.Millisecond)
	err := l.AllowCancel(context.Background(), "alice", created)
	assert.ErrorIs(t, err, ErrMinRestingTime)

	clk.Advance(50 * time.Millisecond)
	assert.NoError(t, l.AllowCancel(context.Background(), "alice", created))
}

func TestAllowCancelRateLimited(t *testing.T) {
	clk := newFakeClock()
	rules := map[ActionClass]Rule{ActionCancel: {Burst: 1, RefillRate: 1}}
	l := New(NewMemoryStoreWithClock(clk.Now), rules, zaptest.NewLogger(t), WithClock(clk.Now))
	created := clk.Now().Add(-time.Second)

	require.NoError(t, l.AllowCancel(context.Background(), "alice", created))
	assert.ErrorIs(t, l.AllowCancel(context.Background(), "alice", created), ErrRateLimited)
}

func TestRuleWindow(t *testing.T) {
	assert.Equal(t, time.Second, Rule{Burst: 10, RefillRate: 10}.Window())
	assert.Equal(t, 2*time.Second, Rule{Burst: 20, RefillRate: 10}.Window())
	assert.Equal(t, time.Second, Rule{Burst: 5}.Window())
}

func TestRedisStoreUnreachableFailsOpen(t *testing.T) {
	client := NewRedisClient("127.0.0.1:1", "", 0)
	defer client.Close()
	store := NewRedisStore(client, "")

	_, err := store.Increment(context.Background(), "k", time.Second)
	require.Error(t, err)

	l := New(store, nil, zaptest.NewLogger(t))
	assert.True(t, l.Check(context.Background(), "alice", ActionPlace))
}

func TestRedisStoreLive(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := NewRedisClient(addr, "", 0)
	defer client.Close()
	store := NewRedisStore(client, "test:"+uuid.NewString()+":")
	ctx := context.Background()
	require.NoError(t, store.HealthCheck(ctx))

	for i := int64(1); i <= 3; i++ {
		n, err := store.Increment(ctx, "k", time.Second)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	ttl, err := client.PTTL(ctx, store.Prefix+"k").Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0 && ttl <= time.Second)
}
