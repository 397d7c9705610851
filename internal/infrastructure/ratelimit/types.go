// types.go: Core types and interfaces for order-flow rate limiting
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ActionClass groups user actions that share a budget.
type ActionClass string

const (
	ActionPlace   ActionClass = "place"
	ActionCancel  ActionClass = "cancel"
	ActionDefault ActionClass = "default"
)

var (
	// ErrRateLimited is returned when a user exhausted the budget of an action class.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrMinRestingTime is returned when an order is cancelled before it rested long enough.
	ErrMinRestingTime = errors.New("order has not rested for the minimum time")
)

// DefaultMinRestingTime is how long an order must rest before it can be cancelled.
const DefaultMinRestingTime = 100 * time.Millisecond

// Rule is a token bucket budget: Burst requests, refilled at RefillRate per second.
type Rule struct {
	Burst      int     `mapstructure:"burst" yaml:"burst" json:"burst"`
	RefillRate float64 `mapstructure:"refill_rate" yaml:"refill_rate" json:"refill_rate"`
}

// Window is the fixed expiry window sized to burst/rate.
func (r Rule) Window() time.Duration {
	if r.RefillRate <= 0 {
		return time.Second
	}
	w := time.Duration(float64(r.Burst) / r.RefillRate * float64(time.Second))
	if w < time.Millisecond {
		return time.Millisecond
	}
	return w
}

// DefaultRules returns the budgets used when none are configured.
func DefaultRules() map[ActionClass]Rule {
	return map[ActionClass]Rule{
		ActionPlace:   {Burst: 10, RefillRate: 10},
		ActionCancel:  {Burst: 20, RefillRate: 20},
		ActionDefault: {Burst: 30, RefillRate: 30},
	}
}

// Store counts hits per key inside a fixed window that starts on the first hit.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}
