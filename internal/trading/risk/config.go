package risk

import (
	"sync"

	"github.com/Aidin1998/predex/pkg/fixedpoint"
)

// Tier is a user's risk classification.
type Tier string

const (
	Tier1 Tier = "TIER_1"
	Tier2 Tier = "TIER_2"
	Tier3 Tier = "TIER_3"
)

// DefaultStressDivisor is the 5 in tierCap / (5 × volatility).
const DefaultStressDivisor = 5

// RiskConfig holds position ceilings and exemptions. It is safe for
// concurrent use and may be updated while the engine runs.
type RiskConfig struct {
	TierCaps       map[Tier]fixedpoint.Amount
	MarketCap      fixedpoint.Amount
	StressDivisor  int64
	ExemptAccounts map[string]struct{} // userID set, skips position ceilings
	mu             sync.RWMutex
}

// NewRiskConfig returns the default ceilings (notional, scaled).
func NewRiskConfig() *RiskConfig {
	return &RiskConfig{
		TierCaps: map[Tier]fixedpoint.Amount{
			Tier1: fixedpoint.FromUnits(1_000),
			Tier2: fixedpoint.FromUnits(50_000),
			Tier3: fixedpoint.FromUnits(500_000),
		},
		MarketCap:      fixedpoint.FromUnits(100_000),
		StressDivisor:  DefaultStressDivisor,
		ExemptAccounts: make(map[string]struct{}),
	}
}

// SetTierCap overrides the ceiling for tier.
func (rc *RiskConfig) SetTierCap(tier Tier, cap fixedpoint.Amount) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.TierCaps[tier] = cap
}

// TierCap returns the ceiling for tier; unknown tiers get zero.
func (rc *RiskConfig) TierCap(tier Tier) fixedpoint.Amount {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.TierCaps[tier]
}

// SetMarketCap overrides the per-market ceiling.
func (rc *RiskConfig) SetMarketCap(cap fixedpoint.Amount) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.MarketCap = cap
}

func (rc *RiskConfig) marketCap() fixedpoint.Amount {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.MarketCap
}

func (rc *RiskConfig) stressDivisor() int64 {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.StressDivisor <= 0 {
		return DefaultStressDivisor
	}
	return rc.StressDivisor
}

func (rc *RiskConfig) AddExemptAccount(userID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.ExemptAccounts[userID] = struct{}{}
}

func (rc *RiskConfig) RemoveExemptAccount(userID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.ExemptAccounts, userID)
}

func (rc *RiskConfig) IsExempt(userID string) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	_, ok := rc.ExemptAccounts[userID]
	return ok
}
