// =============================
// Market data publisher
// =============================
// A Publisher reads depth from one market on independent timers and
// broadcasts tiered deltas over a Channel:
//   L1: best level, L2: top levels, L3: the full book at granularity 1.
// Updates are delta-suppressed per tier, rate limited by a token bucket
// (L1 may borrow, L2/L3 are dropped when the bucket is empty), batched in a
// short window, sequenced, and retried until acknowledged.

package publisher

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/Aidin1998/predex/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/predex/internal/trading/depth"
	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/metrics"
	"go.uber.org/zap"
)

// Channel events.
const (
	EventUpdate    = "market:update"
	EventHeartbeat = "market:heartbeat"
	EventAck       = "market:ack"
	EventResync    = "market:resync"
)

// Channel is an opaque pub/sub transport.
type Channel interface {
	Send(ctx context.Context, event string, payload []byte) error
	On(event string, handler func(payload []byte))
}

// DepthSource is the read side of a market; *engine.Engine satisfies it.
type DepthSource interface {
	MarketID() string
	Depth(side model.Side, granularity, limit int) ([]depth.Level, error)
}

type Config struct {
	L1Interval        time.Duration
	L2Interval        time.Duration
	L3Interval        time.Duration
	HeartbeatInterval time.Duration
	// BatchWindow <= 0 sends every update immediately.
	BatchWindow    time.Duration
	L2Levels       int
	BucketCapacity int
	BucketRate     float64
	AckTimeout     time.Duration
	// AckRetries 0 disables acknowledgement tracking.
	AckRetries  int
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		L1Interval:        100 * time.Millisecond,
		L2Interval:        250 * time.Millisecond,
		L3Interval:        500 * time.Millisecond,
		HeartbeatInterval: 30 * time.Second,
		BatchWindow:       10 * time.Millisecond,
		L2Levels:          5,
		BucketCapacity:    100,
		BucketRate:        100,
		AckTimeout:        time.Second,
		AckRetries:        3,
		SendTimeout:       time.Second,
	}
}

type tier struct {
	level     Level
	limit     int
	published bool
	bids      levelMap
	asks      levelMap
}

type pendingUpdate struct {
	msg      Message
	sentAt   time.Time
	attempts int
}

type Option func(*Publisher)

// WithClock injects the time source used for timestamps, acks and the bucket.
func WithClock(now func() time.Time) Option { return func(p *Publisher) { p.now = now } }

// WithInitialSequence continues numbering after seq.
func WithInitialSequence(seq uint64) Option { return func(p *Publisher) { p.seq = seq } }

type Publisher struct {
	cfg    Config
	src    DepthSource
	ch     Channel
	logger *zap.Logger
	now    func() time.Time
	bucket *ratelimit.TokenBucket
	enc    *Encoder

	mu           sync.Mutex
	seq          uint64
	tiers        [3]*tier
	queue        []Message
	timer        *time.Timer
	pending      map[uint64]*pendingUpdate
	lastActivity time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(src DepthSource, ch Channel, cfg Config, logger *zap.Logger, opts ...Option) *Publisher {
	if cfg.L2Levels <= 0 {
		cfg.L2Levels = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = time.Second
	}
	p := &Publisher{
		cfg:     cfg,
		src:     src,
		ch:      ch,
		logger:  logger.Named("publisher").With(zap.String("market", src.MarketID())),
		now:     time.Now,
		enc:     NewEncoder(),
		pending: make(map[uint64]*pendingUpdate),
		tiers: [3]*tier{
			{level: L1, limit: 1},
			{level: L2, limit: cfg.L2Levels},
			{level: L3, limit: 0},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bucket = ratelimit.NewTokenBucketWithClock(cfg.BucketCapacity, cfg.BucketRate, p.now)
	p.lastActivity = p.now()
	ch.On(EventAck, p.handleAck)
	ch.On(EventResync, func([]byte) { p.Resync() })
	return p
}

// Start launches the tier, heartbeat and ack timers.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.every(ctx, p.cfg.L1Interval, func(ctx context.Context) { p.PublishL1(ctx) })
	p.every(ctx, p.cfg.L2Interval, func(ctx context.Context) { p.PublishL2(ctx) })
	p.every(ctx, p.cfg.L3Interval, func(ctx context.Context) { p.PublishL3(ctx) })
	p.every(ctx, p.cfg.HeartbeatInterval, func(ctx context.Context) { p.CheckHeartbeat(ctx) })
	if p.cfg.AckRetries > 0 {
		p.every(ctx, p.cfg.AckTimeout/4, func(ctx context.Context) { p.CheckAcks(ctx) })
	}
	p.logger.Info("publisher started")
}

func (p *Publisher) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Stop halts the timers and flushes any batched updates.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.Flush(context.Background())
	p.logger.Info("publisher stopped", zap.Uint64("sequence", p.Sequence()))
}

func (p *Publisher) PublishL1(ctx context.Context) bool { return p.publish(ctx, p.tiers[L1]) }
func (p *Publisher) PublishL2(ctx context.Context) bool { return p.publish(ctx, p.tiers[L2]) }
func (p *Publisher) PublishL3(ctx context.Context) bool { return p.publish(ctx, p.tiers[L3]) }

// publish reports whether an update was queued for t.
func (p *Publisher) publish(ctx context.Context, t *tier) bool {
	bids, err := p.src.Depth(model.SideBid, 1, t.limit)
	if err != nil {
		p.logger.Warn("depth read failed", zap.Stringer("level", t.level), zap.Error(err))
		return false
	}
	asks, err := p.src.Depth(model.SideAsk, 1, t.limit)
	if err != nil {
		p.logger.Warn("depth read failed", zap.Stringer("level", t.level), zap.Error(err))
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := !t.published
	var bidChanges, askChanges []PriceLevel
	if snapshot {
		bidChanges, askChanges = toPriceLevels(bids), toPriceLevels(asks)
	} else {
		bidChanges, askChanges = computeDelta(t.bids, bids), computeDelta(t.asks, asks)
		if len(bidChanges) == 0 && len(askChanges) == 0 {
			metrics.PublisherMessages.WithLabelValues(t.level.String(), "suppressed").Inc()
			return false
		}
	}
	if !p.admit(t.level) {
		// State is left untouched so the next tick carries these changes.
		metrics.PublisherMessages.WithLabelValues(t.level.String(), "dropped").Inc()
		return false
	}
	t.published = true
	t.bids, t.asks = toLevelMap(bids), toLevelMap(asks)

	p.seq++
	p.enqueueLocked(ctx, Message{Update: &Update{
		Sequence:     p.seq,
		Timestamp:    p.now().UnixMilli(),
		MarketID:     p.src.MarketID(),
		Level:        t.level,
		Bids:         bidChanges,
		Asks:         askChanges,
		IsSnapshot:   snapshot,
		AckRequested: p.cfg.AckRetries > 0,
	}})
	return true
}

// admit charges the bucket; L1 borrows when empty, deeper tiers are shed.
func (p *Publisher) admit(level Level) bool {
	if p.bucket.Take() {
		return true
	}
	if level == L1 {
		p.bucket.Force()
		return true
	}
	return false
}

func (p *Publisher) enqueueLocked(ctx context.Context, msg Message) {
	p.queue = append(p.queue, msg)
	if p.cfg.BatchWindow <= 0 {
		p.flushLocked(ctx)
		return
	}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.cfg.BatchWindow, func() { p.Flush(context.Background()) })
	}
}

// Flush sends the current batch immediately.
func (p *Publisher) Flush(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked(ctx)
}

func (p *Publisher) flushLocked(ctx context.Context) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if len(p.queue) == 0 {
		return
	}
	batch := p.queue
	p.queue = nil
	p.sendLocked(ctx, EventUpdate, Message{Batch: &Batch{Messages: batch}})

	now := p.now()
	for _, m := range batch {
		metrics.PublisherMessages.WithLabelValues(m.Update.Level.String(), "sent").Inc()
		if m.Update.AckRequested {
			p.pending[m.Update.Sequence] = &pendingUpdate{msg: m, sentAt: now}
			metrics.PublisherPending.Inc()
		}
	}
}

// sendLocked swallows transport failures; unacknowledged updates are retried.
func (p *Publisher) sendLocked(ctx context.Context, event string, msg Message) {
	payload, err := p.enc.Encode(msg)
	if err != nil {
		p.logger.Error("encode failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	defer cancel()
	if err := p.ch.Send(ctx, event, payload); err != nil {
		p.logger.Warn("broadcast failed", zap.String("event", event), zap.Error(err))
	}
	p.lastActivity = p.now()
}

// CheckHeartbeat sends a heartbeat when nothing was sent for a full
// heartbeat interval.
func (p *Publisher) CheckHeartbeat(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.lastActivity) < p.cfg.HeartbeatInterval {
		return false
	}
	p.seq++
	p.sendLocked(ctx, EventHeartbeat, Message{Heartbeat: &Heartbeat{Timestamp: now.UnixMilli(), Sequence: p.seq}})
	metrics.PublisherMessages.WithLabelValues("heartbeat", "sent").Inc()
	return true
}

// CheckAcks resends updates unacknowledged for AckTimeout and drops those
// that exhausted their retries.
func (p *Publisher) CheckAcks(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var due []Message
	for seq, pu := range p.pending {
		if now.Sub(pu.sentAt) < p.cfg.AckTimeout {
			continue
		}
		level := pu.msg.Update.Level.String()
		if pu.attempts >= p.cfg.AckRetries {
			delete(p.pending, seq)
			metrics.PublisherPending.Dec()
			metrics.PublisherMessages.WithLabelValues(level, "expired").Inc()
			p.logger.Debug("update unacknowledged, dropped", zap.Uint64("sequence", seq))
			continue
		}
		pu.attempts++
		pu.sentAt = now
		due = append(due, pu.msg)
		metrics.PublisherMessages.WithLabelValues(level, "retried").Inc()
	}
	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Update.Sequence < due[j].Update.Sequence })
	p.sendLocked(ctx, EventUpdate, Message{Batch: &Batch{Messages: due}})
}

type ack struct {
	Sequence uint64 `json:"sequence"`
}

func (p *Publisher) handleAck(payload []byte) {
	var a ack
	if err := json.Unmarshal(payload, &a); err != nil {
		p.logger.Debug("malformed ack", zap.Error(err))
		return
	}
	p.Ack(a.Sequence)
}

// Ack marks an update as delivered.
func (p *Publisher) Ack(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[seq]; ok {
		delete(p.pending, seq)
		metrics.PublisherPending.Dec()
	}
}

// Resync makes the next update of every tier a full snapshot.
func (p *Publisher) Resync() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tiers {
		t.published = false
		t.bids, t.asks = nil, nil
	}
}

func (p *Publisher) Sequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
