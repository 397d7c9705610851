package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Aidin1998/predex/internal/marketdata/channel"
	"github.com/Aidin1998/predex/internal/trading/depth"
	"github.com/Aidin1998/predex/internal/trading/engine"
	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSource struct {
	mu   sync.Mutex
	bids []depth.Level
	asks []depth.Level
}

func (s *fakeSource) MarketID() string { return "m1" }

func (s *fakeSource) Depth(side model.Side, _ int, limit int) ([]depth.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	levels := s.asks
	if side == model.SideBid {
		levels = s.bids
	}
	if limit > 0 && len(levels) > limit {
		levels = levels[:limit]
	}
	return append([]depth.Level(nil), levels...), nil
}

func (s *fakeSource) set(bids, asks []depth.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bids, s.asks = bids, asks
}

func lvl(price, size, total string) depth.Level {
	return depth.Level{Price: fixedpoint.MustParse(price), Size: fixedpoint.MustParse(size), Total: fixedpoint.MustParse(total)}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchWindow = 0
	return cfg
}

func newTestPublisher(t *testing.T, cfg Config) (*Publisher, *fakeSource, *channel.MemoryChannel, *fakeClock) {
	t.Helper()
	src := &fakeSource{}
	src.set(
		[]depth.Level{lvl("0.55", "10", "10"), lvl("0.54", "20", "30")},
		[]depth.Level{lvl("0.56", "5", "5")},
	)
	ch := channel.NewMemoryChannel()
	clock := newFakeClock()
	p := New(src, ch, cfg, zaptest.NewLogger(t), WithClock(clock.Now))
	return p, src, ch, clock
}

func decodeAll(t *testing.T, sent []channel.Sent) []Message {
	t.Helper()
	var out []Message
	for _, s := range sent {
		m, err := Decode(s.Payload)
		require.NoError(t, err)
		if m.Batch != nil {
			out = append(out, m.Batch.Messages...)
		} else {
			out = append(out, m)
		}
	}
	return out
}

func TestSameSnapshotTwiceIsSuppressed(t *testing.T) {
	p, _, ch, _ := newTestPublisher(t, testConfig())
	ctx := context.Background()

	require.True(t, p.PublishL3(ctx))
	require.False(t, p.PublishL3(ctx))
	require.Len(t, ch.Sent(), 1)

	msgs := decodeAll(t, ch.Sent())
	require.Len(t, msgs, 1)
	u := msgs[0].Update
	require.NotNil(t, u)
	assert.True(t, u.IsSnapshot)
	assert.Equal(t, L3, u.Level)
	assert.Equal(t, "m1", u.MarketID)
	assert.Len(t, u.Bids, 2)
	assert.Len(t, u.Asks, 1)
}

func TestDeltaCarriesChangesAndRemovals(t *testing.T) {
	p, src, ch, _ := newTestPublisher(t, testConfig())
	ctx := context.Background()
	require.True(t, p.PublishL3(ctx))

	src.set(
		[]depth.Level{lvl("0.55", "4", "4")},
		[]depth.Level{lvl("0.56", "5", "5")},
	)
	require.True(t, p.PublishL3(ctx))

	msgs := decodeAll(t, ch.Sent())
	require.Len(t, msgs, 2)
	u := msgs[1].Update
	assert.False(t, u.IsSnapshot)
	assert.Equal(t, []PriceLevel{
		{Price: fixedpoint.MustParse("0.55"), Size: fixedpoint.MustParse("4"), Total: fixedpoint.MustParse("4")},
		{Price: fixedpoint.MustParse("0.54")},
	}, u.Bids)
	assert.Empty(t, u.Asks)
}

func TestLowTokensDropL3ButNotL1(t *testing.T) {
	p, _, ch, _ := newTestPublisher(t, testConfig())
	ctx := context.Background()
	p.bucket.Drain()

	assert.False(t, p.PublishL3(ctx))
	assert.Empty(t, ch.Sent())

	assert.True(t, p.PublishL1(ctx))
	msgs := decodeAll(t, ch.Sent())
	require.Len(t, msgs, 1)
	assert.Equal(t, L1, msgs[0].Update.Level)
	assert.Len(t, msgs[0].Update.Bids, 1)
}

func TestDroppedUpdateIsCarriedByNextTick(t *testing.T) {
	p, _, ch, clock := newTestPublisher(t, testConfig())
	ctx := context.Background()
	p.bucket.Drain()
	require.False(t, p.PublishL2(ctx))

	clock.Advance(time.Second)
	require.True(t, p.PublishL2(ctx))
	msgs := decodeAll(t, ch.Sent())
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Update.IsSnapshot)
}

func TestBatchingAndMonotonicSequence(t *testing.T) {
	cfg := testConfig()
	cfg.BatchWindow = time.Hour
	p, _, ch, _ := newTestPublisher(t, cfg)
	ctx := context.Background()

	require.True(t, p.PublishL1(ctx))
	require.True(t, p.PublishL2(ctx))
	require.True(t, p.PublishL3(ctx))
	assert.Empty(t, ch.Sent())

	p.Flush(ctx)
	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, EventUpdate, sent[0].Event)

	m, err := Decode(sent[0].Payload)
	require.NoError(t, err)
	require.NotNil(t, m.Batch)
	require.Len(t, m.Batch.Messages, 3)
	for i, sub := range m.Batch.Messages {
		assert.Equal(t, uint64(i+1), sub.Update.Sequence)
	}
	assert.Equal(t, uint64(3), p.Sequence())
}

func TestBatchWindowFlushesOnTimer(t *testing.T) {
	cfg := testConfig()
	cfg.BatchWindow = 5 * time.Millisecond
	p, _, ch, _ := newTestPublisher(t, cfg)

	require.True(t, p.PublishL1(context.Background()))
	assert.Eventually(t, func() bool { return len(ch.Sent()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAckStopsRetries(t *testing.T) {
	p, _, ch, clock := newTestPublisher(t, testConfig())
	ctx := context.Background()
	require.True(t, p.PublishL1(ctx))
	require.Equal(t, 1, p.Pending())

	clock.Advance(time.Second)
	p.CheckAcks(ctx)
	require.Len(t, ch.Sent(), 2)
	retried := decodeAll(t, ch.Sent()[1:])
	assert.Equal(t, uint64(1), retried[0].Update.Sequence)

	require.Equal(t, 1, ch.Deliver(EventAck, []byte(`{"sequence":1}`)))
	assert.Equal(t, 0, p.Pending())

	clock.Advance(time.Second)
	p.CheckAcks(ctx)
	assert.Len(t, ch.Sent(), 2)
}

func TestUnackedUpdateDroppedAfterRetries(t *testing.T) {
	p, _, ch, clock := newTestPublisher(t, testConfig())
	ctx := context.Background()
	require.True(t, p.PublishL1(ctx))

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		p.CheckAcks(ctx)
	}
	// Original send plus three retries.
	assert.Len(t, ch.Sent(), 4)
	assert.Equal(t, 0, p.Pending())
}

func TestHeartbeatWhenIdle(t *testing.T) {
	p, _, ch, clock := newTestPublisher(t, testConfig())
	ctx := context.Background()

	assert.False(t, p.CheckHeartbeat(ctx))
	clock.Advance(30 * time.Second)
	require.True(t, p.CheckHeartbeat(ctx))

	sent := ch.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, EventHeartbeat, sent[0].Event)
	m, err := Decode(sent[0].Payload)
	require.NoError(t, err)
	require.NotNil(t, m.Heartbeat)
	assert.Equal(t, uint64(1), m.Heartbeat.Sequence)

	assert.False(t, p.CheckHeartbeat(ctx))
}

func TestResyncRepublishesSnapshot(t *testing.T) {
	p, _, ch, _ := newTestPublisher(t, testConfig())
	ctx := context.Background()
	require.True(t, p.PublishL2(ctx))
	require.False(t, p.PublishL2(ctx))

	ch.Deliver(EventResync, nil)
	require.True(t, p.PublishL2(ctx))
	msgs := decodeAll(t, ch.Sent())
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].Update.IsSnapshot)
}

func TestSendFailureIsSwallowedAndRetried(t *testing.T) {
	p, _, ch, clock := newTestPublisher(t, testConfig())
	ctx := context.Background()
	ch.Err = assert.AnError
	require.True(t, p.PublishL1(ctx))
	assert.Empty(t, ch.Sent())
	assert.Equal(t, 1, p.Pending())

	ch.Err = nil
	clock.Advance(time.Second)
	p.CheckAcks(ctx)
	assert.Len(t, ch.Sent(), 1)
}

func TestPublishesFromEngine(t *testing.T) {
	log := zaptest.NewLogger(t)
	eng, err := engine.New(engine.Config{MarketID: "m1", TickSize: fixedpoint.MustParse("0.01")}, log)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = eng.PlaceOrder(ctx, &model.Order{
		ID: "b1", UserID: "alice", MarketID: "m1", Side: model.SideBid, Type: model.TypeLimit,
		TimeInForce: model.TIFGTC, SelfTradePolicy: model.STPCancelOlder, Price: fixedpoint.MustParse("0.40"), Quantity: fixedpoint.MustParse("3"),
	})
	require.NoError(t, err)

	ch := channel.NewMemoryChannel()
	p := New(eng, ch, testConfig(), log)
	require.True(t, p.PublishL1(ctx))
	msgs := decodeAll(t, ch.Sent())
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Update.Bids, 1)
	assert.Equal(t, fixedpoint.MustParse("0.40"), msgs[0].Update.Bids[0].Price)
	assert.Equal(t, fixedpoint.MustParse("3"), msgs[0].Update.Bids[0].Size)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.L1Interval = 2 * time.Millisecond
	cfg.L2Interval = 3 * time.Millisecond
	cfg.L3Interval = 4 * time.Millisecond
	src := &fakeSource{}
	src.set([]depth.Level{lvl("0.5", "1", "1")}, nil)
	ch := channel.NewMemoryChannel()
	p := New(src, ch, cfg, zaptest.NewLogger(t))

	p.Start(context.Background())
	assert.Eventually(t, func() bool { return p.Sequence() >= 3 }, time.Second, 2*time.Millisecond)
	p.Stop()

	seq := p.Sequence()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, seq, p.Sequence())
	assert.NotEmpty(t, ch.Sent())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`{"data":"!!!","c":1}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Unmarshal([]byte{0x12, 0x05, 0x01})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
