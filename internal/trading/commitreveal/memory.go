package commitreveal

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps commitments in process.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Commitment
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore { return NewMemoryStoreWithClock(time.Now) }

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{items: make(map[string]Commitment), now: now}
}

func memKey(marketID, hash string) string { return marketID + ":" + hash }

func (s *MemoryStore) Put(_ context.Context, c Commitment, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.items {
		if !now.Before(v.ExpiresAt) {
			delete(s.items, k)
		}
	}
	k := memKey(c.MarketID, c.Hash)
	if _, ok := s.items[k]; ok {
		return ErrCommitmentExists
	}
	c.ExpiresAt = now.Add(ttl)
	s.items[k] = c
	return nil
}

func (s *MemoryStore) Take(_ context.Context, marketID, hash string) (*Commitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(marketID, hash)
	c, ok := s.items[k]
	if !ok {
		return nil, ErrCommitmentNotFound
	}
	delete(s.items, k)
	if !s.now().Before(c.ExpiresAt) {
		return nil, ErrCommitmentNotFound
	}
	return &c, nil
}
