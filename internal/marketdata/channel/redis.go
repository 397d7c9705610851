package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// frame is the JSON shape exchanged on the Redis channels.
type frame struct {
	Event   string          `json:"event"`
	Market  string          `json:"market,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RedisChannel publishes a market's events on "<prefix>:<market>:out" and
// dispatches events received on "<prefix>:<market>:in" to handlers, so
// edge processes can fan the stream out and relay acknowledgements back.
type RedisChannel struct {
	handlers
	client redis.UniversalClient
	market string
	out    string
	in     string
	logger *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisChannel(client redis.UniversalClient, prefix, market string, logger *zap.Logger) *RedisChannel {
	if prefix == "" {
		prefix = "predex:md"
	}
	return &RedisChannel{
		client: client,
		market: market,
		out:    fmt.Sprintf("%s:%s:out", prefix, market),
		in:     fmt.Sprintf("%s:%s:in", prefix, market),
		logger: logger.Named("redis-channel").With(zap.String("market", market)),
	}
}

// OutChannel is the Redis channel outbound events are published to.
func (c *RedisChannel) OutChannel() string { return c.out }

// InChannel is the Redis channel inbound events are read from.
func (c *RedisChannel) InChannel() string { return c.in }

func (c *RedisChannel) Send(ctx context.Context, event string, payload []byte) error {
	data, err := json.Marshal(frame{Event: event, Market: c.market, Payload: payload})
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, c.out, data).Err()
}

func (c *RedisChannel) On(event string, handler func(payload []byte)) { c.on(event, handler) }

// Start subscribes to the inbound channel. It returns once the subscription
// is confirmed; messages are dispatched until ctx ends or Close is called.
func (c *RedisChannel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubsub != nil {
		return nil
	}
	ps := c.client.Subscribe(ctx, c.in)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", c.in, err)
	}
	c.pubsub = ps
	c.done = make(chan struct{})
	go c.run(ctx, ps.Channel(), c.done)
	return nil
}

func (c *RedisChannel) run(ctx context.Context, msgs <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				c.logger.Debug("malformed inbound frame", zap.Error(err))
				continue
			}
			if c.dispatch(f.Event, f.Payload) == 0 {
				c.logger.Debug("no handler for event", zap.String("event", f.Event))
			}
		}
	}
}

func (c *RedisChannel) Close() error {
	c.mu.Lock()
	ps, done := c.pubsub, c.done
	c.pubsub = nil
	c.mu.Unlock()
	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
