package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
)

// MemoryStore is an in-process Store for tests and single-node demos.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]*model.Order
	trades   map[string]*model.Trade
	accounts map[string]*Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   make(map[string]*model.Order),
		trades:   make(map[string]*model.Trade),
		accounts: make(map[string]*Account),
	}
}

func (s *MemoryStore) LoadOpenOrders(_ context.Context, marketID string) ([]*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Order
	for _, o := range s.orders {
		if o.MarketID == marketID && !o.Status.Terminal() {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) SaveOrder(_ context.Context, order *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryStore) AppendTrades(_ context.Context, trades []*model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range trades {
		if _, ok := s.trades[t.ID]; !ok {
			c := *t
			s.trades[t.ID] = &c
		}
	}
	return nil
}

func (s *MemoryStore) UpdateOrderFill(_ context.Context, orderID string, filled fixedpoint.Amount, status model.OrderStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID)
	}
	o.FilledQuantity = filled
	o.Status = status
	o.UpdatedAt = at
	return nil
}

// Order returns a stored order.
func (s *MemoryStore) Order(id string) (*model.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Trades returns stored trades of marketID oldest first.
func (s *MemoryStore) Trades(marketID string) []*model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) account(userID string) *Account {
	a, ok := s.accounts[userID]
	if !ok {
		a = &Account{UserID: userID}
		s.accounts[userID] = a
	}
	return a
}

func (s *MemoryStore) FreezeFunds(_ context.Context, userID string, amount fixedpoint.Amount) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok || a.Available() < amount {
		return false, nil
	}
	a.Frozen += amount
	return true, nil
}

func (s *MemoryStore) UnfreezeFunds(_ context.Context, userID string, amount fixedpoint.Amount) error {
	if amount <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	a.Frozen -= amount
	if a.Frozen < 0 {
		a.Frozen = 0
	}
	return nil
}

func (s *MemoryStore) RecordMakerVolume(_ context.Context, userID string, notional, rebate fixedpoint.Amount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account(userID)
	a.MakerVolume += notional
	a.Rebates += rebate
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	c := *a
	return &c, nil
}

func (s *MemoryStore) TrailingVolumes(context.Context) (map[string]fixedpoint.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]fixedpoint.Amount)
	for id, a := range s.accounts {
		if a.MakerVolume > 0 {
			out[id] = a.MakerVolume
		}
	}
	return out, nil
}

func (s *MemoryStore) Deposit(_ context.Context, userID string, amount fixedpoint.Amount) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account(userID).Balance += amount
	return nil
}

func (s *MemoryStore) SetTier(_ context.Context, userID, tier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account(userID).Tier = tier
	return nil
}
