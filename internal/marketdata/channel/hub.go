package channel

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 4096
)

// Message is one outbound frame for a market, sequenced for replay.
type Message struct {
	Market string
	Seq    uint64
	Data   []byte
}

// ringBuffer holds the last N messages of a market.
type ringBuffer struct {
	buf   []Message
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer { return &ringBuffer{buf: make([]Message, size)} }

func (r *ringBuffer) add(msg Message) {
	idx := (r.start + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.start = (r.start + 1) % len(r.buf)
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

func (r *ringBuffer) since(seq uint64) []Message {
	var out []Message
	for i := 0; i < r.count; i++ {
		if msg := r.buf[(r.start+i)%len(r.buf)]; msg.Seq > seq {
			out = append(out, msg)
		}
	}
	return out
}

// clientRequest is what websocket clients send:
//
//	{"subscribe":["<market>"],"since":12}
//	{"unsubscribe":["<market>"]}
//	{"event":"market:ack","market":"<market>","payload":{"sequence":42}}
type clientRequest struct {
	Subscribe   []string        `json:"subscribe,omitempty"`
	Unsubscribe []string        `json:"unsubscribe,omitempty"`
	Since       uint64          `json:"since,omitempty"`
	Event       string          `json:"event,omitempty"`
	Market      string          `json:"market,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Client is a single websocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	hub  *Hub

	mu   sync.RWMutex
	subs map[string]struct{}
}

func (c *Client) subscribed(market string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[market]
	return ok
}

// Hub manages websocket clients, sharded for concurrent fan-out, and hands
// out one MarketChannel per market.
type Hub struct {
	shards     []*hubShard
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message
	replaySize int
	logger     *zap.Logger

	mu      sync.Mutex
	markets map[string]*MarketChannel
	buffers map[string]*ringBuffer
	seq     map[string]uint64

	upgrader websocket.Upgrader
	cancel   context.CancelFunc
	done     chan struct{}
}

type hubShard struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a Hub with shardCount shards and a replay buffer of
// replaySize frames per market.
func NewHub(shardCount, replaySize int, logger *zap.Logger) *Hub {
	if shardCount <= 0 {
		shardCount = 1
	}
	if replaySize <= 0 {
		replaySize = 1
	}
	h := &Hub{
		shards:     make([]*hubShard, shardCount),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, 1024),
		replaySize: replaySize,
		logger:     logger.Named("ws-hub"),
		markets:    make(map[string]*MarketChannel),
		buffers:    make(map[string]*ringBuffer),
		seq:        make(map[string]uint64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for i := range h.shards {
		h.shards[i] = &hubShard{clients: make(map[*Client]struct{})}
	}
	return h
}

// Start runs the registration and fan-out loop until Stop or ctx ends.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})
	go h.run(ctx)
}

func (h *Hub) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	for _, sh := range h.shards {
		sh.mu.Lock()
		for c := range sh.clients {
			delete(sh.clients, c)
			close(c.send)
		}
		sh.mu.Unlock()
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			sh := h.shardFor(c.id)
			sh.mu.Lock()
			sh.clients[c] = struct{}{}
			sh.mu.Unlock()
		case c := <-h.unregister:
			sh := h.shardFor(c.id)
			sh.mu.Lock()
			if _, ok := sh.clients[c]; ok {
				delete(sh.clients, c)
				close(c.send)
			}
			sh.mu.Unlock()
		case msg := <-h.broadcast:
			for _, sh := range h.shards {
				sh.mu.RLock()
				for c := range sh.clients {
					if !c.subscribed(msg.Market) {
						continue
					}
					select {
					case c.send <- msg:
					default:
						h.logger.Debug("slow client, frame dropped", zap.String("client", c.id))
					}
				}
				sh.mu.RUnlock()
			}
		}
	}
}

func (h *Hub) shardFor(key string) *hubShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return h.shards[hasher.Sum32()%uint32(len(h.shards))]
}

// Market returns the channel for market, creating it on first use.
func (h *Hub) Market(market string) *MarketChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	mc, ok := h.markets[market]
	if !ok {
		mc = &MarketChannel{hub: h, market: market}
		h.markets[market] = mc
	}
	return mc
}

// Subscribers counts clients subscribed to market.
func (h *Hub) Subscribers(market string) int {
	n := 0
	for _, sh := range h.shards {
		sh.mu.RLock()
		for c := range sh.clients {
			if c.subscribed(market) {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

func (h *Hub) publish(ctx context.Context, market string, data []byte) error {
	h.mu.Lock()
	h.seq[market]++
	msg := Message{Market: market, Seq: h.seq[market], Data: data}
	buf, ok := h.buffers[market]
	if !ok {
		buf = newRingBuffer(h.replaySize)
		h.buffers[market] = buf
	}
	buf.add(msg)
	h.mu.Unlock()
	select {
	case h.broadcast <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Replay returns buffered frames of market after seq.
func (h *Hub) Replay(market string, seq uint64) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if buf, ok := h.buffers[market]; ok {
		return buf.since(seq)
	}
	return nil
}

// ServeWS upgrades the request and registers the connection. The hub must
// have been started.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, 256),
		hub:  h,
		subs: make(map[string]struct{}),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req clientRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		c.handle(req)
	}
}

func (c *Client) handle(req clientRequest) {
	for _, market := range req.Subscribe {
		c.mu.Lock()
		c.subs[market] = struct{}{}
		c.mu.Unlock()
		for _, m := range c.hub.Replay(market, req.Since) {
			select {
			case c.send <- m:
			default:
			}
		}
		// A fresh subscriber needs full state on every tier.
		if req.Since == 0 {
			c.hub.Market(market).dispatch(resyncEvent, nil)
		}
	}
	for _, market := range req.Unsubscribe {
		c.mu.Lock()
		delete(c.subs, market)
		c.mu.Unlock()
	}
	if req.Event != "" && req.Market != "" {
		c.hub.Market(req.Market).dispatch(req.Event, req.Payload)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.Data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// resyncEvent matches the publisher's resync event name.
const resyncEvent = "market:resync"

// MarketChannel is the Hub's transport for one market.
type MarketChannel struct {
	handlers
	hub    *Hub
	market string
}

// Send broadcasts {"event","market","payload"} to the market's subscribers.
// payload must be valid JSON.
func (m *MarketChannel) Send(ctx context.Context, event string, payload []byte) error {
	data, err := json.Marshal(frame{Event: event, Market: m.market, Payload: payload})
	if err != nil {
		return err
	}
	return m.hub.publish(ctx, m.market, data)
}

func (m *MarketChannel) On(event string, handler func(payload []byte)) { m.on(event, handler) }
