// Package commitreveal hides order intent until execution: a client first
// commits a hash of the order and later reveals the fields and nonce that
// reproduce it. A commitment is consumed by its reveal and cannot be replayed.
package commitreveal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/Aidin1998/predex/pkg/metrics"
	"go.uber.org/zap"
)

// DefaultTTL bounds how long a commitment waits for its reveal.
const DefaultTTL = 10 * time.Minute

var (
	ErrCommitmentNotFound = errors.New("commitment not found or already revealed")
	ErrCommitmentExists   = errors.New("commitment already stored")
	ErrMalformedHash      = errors.New("commitment hash must be 64 lowercase hex characters")
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Commitment is a stored, unrevealed order hash.
type Commitment struct {
	Hash      string    `json:"hash"`
	MarketID  string    `json:"market_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store keeps commitments until they are taken or expire.
type Store interface {
	// Put stores c unless a commitment with the same market and hash exists.
	Put(ctx context.Context, c Commitment, ttl time.Duration) error
	// Take removes and returns the commitment atomically.
	Take(ctx context.Context, marketID, hash string) (*Commitment, error)
}

// Hash is the hex SHA-256 of "userId:nonce:side:price:size", with price and
// size as scaled integers.
func Hash(userID, nonce string, side model.Side, price, size fixedpoint.Amount) string {
	msg := fmt.Sprintf("%s:%s:%s:%d:%d", userID, nonce, side, price.Int64(), size.Int64())
	sum := sha256.Sum256([]byte(msg))
	return hex.EncodeToString(sum[:])
}

// Reveal is the plaintext a client discloses.
type Reveal struct {
	UserID string
	Nonce  string
	Side   model.Side
	Price  fixedpoint.Amount
	Size   fixedpoint.Amount
}

// Manager validates commits and reveals against a Store.
type Manager struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewManager creates a manager; ttl <= 0 selects DefaultTTL.
func NewManager(store Store, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, ttl: ttl, now: time.Now, logger: logger.Named("commitreveal")}
}

// Commit stores hash for userID on marketID.
func (m *Manager) Commit(ctx context.Context, hash, marketID, userID string) (*Commitment, error) {
	hash = strings.ToLower(strings.TrimSpace(hash))
	if !hashPattern.MatchString(hash) {
		metrics.Commitments.WithLabelValues("malformed").Inc()
		return nil, ErrMalformedHash
	}
	now := m.now()
	c := Commitment{Hash: hash, MarketID: marketID, UserID: userID, CreatedAt: now, ExpiresAt: now.Add(m.ttl)}
	if err := m.store.Put(ctx, c, m.ttl); err != nil {
		metrics.Commitments.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.Commitments.WithLabelValues("committed").Inc()
	m.logger.Debug("commitment stored", zap.String("market", marketID), zap.String("user", userID))
	return &c, nil
}

// Open recomputes the hash of r and consumes the matching commitment.
func (m *Manager) Open(ctx context.Context, marketID string, r Reveal) (*Commitment, error) {
	hash := Hash(r.UserID, r.Nonce, r.Side, r.Price, r.Size)
	c, err := m.store.Take(ctx, marketID, hash)
	if err != nil {
		metrics.Commitments.WithLabelValues("unmatched").Inc()
		return nil, err
	}
	if c.UserID != r.UserID {
		metrics.Commitments.WithLabelValues("unmatched").Inc()
		return nil, ErrCommitmentNotFound
	}
	metrics.Commitments.WithLabelValues("revealed").Inc()
	return c, nil
}
