package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/Aidin1998/predex/pkg/metrics"
	"go.uber.org/zap"
)

// Limiter admits user actions against per-class budgets. Store errors fail
// open: the request is allowed and the failure is logged and counted.
type Limiter struct {
	store          Store
	rules          map[ActionClass]Rule
	minRestingTime time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source used for resting-time checks.
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// WithMinRestingTime overrides DefaultMinRestingTime.
func WithMinRestingTime(d time.Duration) Option { return func(l *Limiter) { l.minRestingTime = d } }

// New creates a Limiter. Classes missing from rules use DefaultRules.
func New(store Store, rules map[ActionClass]Rule, logger *zap.Logger, opts ...Option) *Limiter {
	merged := DefaultRules()
	for class, r := range rules {
		if r.Burst > 0 {
			merged[class] = r
		}
	}
	l := &Limiter{
		store:          store,
		rules:          merged,
		minRestingTime: DefaultMinRestingTime,
		now:            time.Now,
		logger:         logger.Named("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func key(userID string, class ActionClass) string {
	return string(class) + ":" + userID
}

// Check consumes one unit of userID's budget for class and reports whether
// the action is allowed.
func (l *Limiter) Check(ctx context.Context, userID string, class ActionClass) bool {
	rule, ok := l.rules[class]
	if !ok {
		rule = l.rules[ActionDefault]
	}
	n, err := l.store.Increment(ctx, key(userID, class), rule.Window())
	if err != nil {
		metrics.RateLimitStoreErrors.Inc()
		l.logger.Warn("rate limit store unavailable, allowing request",
			zap.String("user", userID), zap.String("action", string(class)), zap.Error(err))
		return true
	}
	allowed := n <= int64(rule.Burst)
	if allowed {
		metrics.RateLimitDecisions.WithLabelValues(string(class), "allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(string(class), "limited").Inc()
	}
	return allowed
}

// AllowCancel applies the cancel budget and the minimum resting time for an
// order created at createdAt.
func (l *Limiter) AllowCancel(ctx context.Context, userID string, createdAt time.Time) error {
	if !l.Check(ctx, userID, ActionCancel) {
		return ErrRateLimited
	}
	if rested := l.now().Sub(createdAt); rested < l.minRestingTime {
		return fmt.Errorf("%w: rested %s of %s", ErrMinRestingTime, rested, l.minRestingTime)
	}
	return nil
}
