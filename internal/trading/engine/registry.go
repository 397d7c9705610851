package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInversionCheckInterval is how often the monitor re-evaluates crossed books.
const DefaultInversionCheckInterval = time.Second

// Registry owns the engines of all markets and runs their background
// inversion monitor.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	opts    []Option
	logger  *zap.Logger

	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry. opts are applied to every engine it creates.
func NewRegistry(logger *zap.Logger, interval time.Duration, opts ...Option) *Registry {
	if interval <= 0 {
		interval = DefaultInversionCheckInterval
	}
	return &Registry{
		engines:  make(map[string]*Engine),
		opts:     opts,
		logger:   logger.Named("registry"),
		interval: interval,
	}
}

// Create registers a new market.
func (r *Registry) Create(cfg Config, extra ...Option) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[cfg.MarketID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketExists, cfg.MarketID)
	}
	opts := append(append([]Option(nil), r.opts...), extra...)
	e, err := New(cfg, r.logger, opts...)
	if err != nil {
		return nil, err
	}
	r.engines[cfg.MarketID] = e
	r.logger.Info("market registered", zap.String("market", cfg.MarketID), zap.String("tick", cfg.TickSize.String()))
	return e, nil
}

// Get returns the engine for marketID.
func (r *Registry) Get(marketID string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, marketID)
	}
	return e, nil
}

// Markets lists registered market ids in order.
func (r *Registry) Markets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) all() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}

// Start launches the inversion monitor.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		r.logger.Info("inversion monitor started", zap.Duration("interval", r.interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckAll()
			}
		}
	}()
}

// CheckAll runs one inversion check on every market.
func (r *Registry) CheckAll() {
	for _, e := range r.all() {
		if res := e.CheckInversion(); res.Inversion != nil {
			r.logger.Debug("market still inverted",
				zap.String("market", e.MarketID()),
				zap.String("severity", string(res.Inversion.Severity)))
		}
	}
}

// Stop halts the monitor and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("inversion monitor stopped")
}
