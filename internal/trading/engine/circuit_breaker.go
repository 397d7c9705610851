package engine

import (
	"time"

	"github.com/Aidin1998/predex/pkg/fixedpoint"
)

// Circuit breaker defaults.
const (
	DefaultBreakerWindow       = time.Minute
	DefaultBreakerThresholdPct = 10
)

type pricePoint struct {
	price fixedpoint.Amount
	at    time.Time
}

// CircuitBreaker halts trading when an execution price moves more than
// thresholdPct away from the oldest trade price inside the rolling window.
type CircuitBreaker struct {
	window       time.Duration
	thresholdPct int64
	history      []pricePoint // oldest first
}

// NewCircuitBreaker creates a breaker; zero arguments select the defaults.
func NewCircuitBreaker(window time.Duration, thresholdPct int64) *CircuitBreaker {
	if window <= 0 {
		window = DefaultBreakerWindow
	}
	if thresholdPct <= 0 {
		thresholdPct = DefaultBreakerThresholdPct
	}
	return &CircuitBreaker{window: window, thresholdPct: thresholdPct}
}

func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.history) && cb.history[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.history = append(cb.history[:0], cb.history[i:]...)
	}
}

// Reference returns the oldest price still inside the window.
func (cb *CircuitBreaker) Reference(now time.Time) (fixedpoint.Amount, bool) {
	cb.prune(now)
	if len(cb.history) == 0 {
		return 0, false
	}
	return cb.history[0].price, true
}

// Deviates reports whether price is more than the threshold away from ref.
func (cb *CircuitBreaker) Deviates(price, ref fixedpoint.Amount) bool {
	if ref <= 0 {
		return false
	}
	diff := price - ref
	if diff < 0 {
		diff = -diff
	}
	return int64(diff)*100 > int64(ref)*cb.thresholdPct
}

// Trips reports whether executing at price now would breach the threshold.
func (cb *CircuitBreaker) Trips(price fixedpoint.Amount, now time.Time) bool {
	ref, ok := cb.Reference(now)
	return ok && cb.Deviates(price, ref)
}

// Record adds an executed price to the window.
func (cb *CircuitBreaker) Record(price fixedpoint.Amount, at time.Time) {
	cb.history = append(cb.history, pricePoint{price: price, at: at})
}

// Reset forgets the window.
func (cb *CircuitBreaker) Reset() { cb.history = cb.history[:0] }
