package commitreveal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps commitments as JSON values with a TTL. SET NX rejects
// duplicates and GETDEL consumes atomically.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "commit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(marketID, hash string) string { return s.prefix + marketID + ":" + hash }

func (s *RedisStore) Put(ctx context.Context, c Commitment, ttl time.Duration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commitment: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(c.MarketID, c.Hash), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("store commitment: %w", err)
	}
	if !ok {
		return ErrCommitmentExists
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, marketID, hash string) (*Commitment, error) {
	data, err := s.client.GetDel(ctx, s.key(marketID, hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCommitmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take commitment: %w", err)
	}
	var c Commitment
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode commitment: %w", err)
	}
	return &c, nil
}
