package custody

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemService is an in-memory custody implementation for tests and local runs.
type MemService struct {
	mu          sync.Mutex
	balances    map[balanceKey]int64
	delegations map[balanceKey]Delegation
}

type balanceKey struct {
	wallet uuid.UUID
	asset  string
}

func NewMemService() *MemService {
	return &MemService{
		balances:    make(map[balanceKey]int64),
		delegations: make(map[balanceKey]Delegation),
	}
}

// Fund credits a wallet directly, bypassing delegation checks (test setup).
func (s *MemService) Fund(wallet uuid.UUID, asset string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[balanceKey{wallet, asset}] += amount
}

// SetDelegation installs a delegation record for a wallet/asset.
func (s *MemService) SetDelegation(wallet uuid.UUID, asset string, d Delegation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegations[balanceKey{wallet, asset}] = d
}

// Balance reports the current wallet balance (test inspection).
func (s *MemService) Balance(wallet uuid.UUID, asset string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[balanceKey{wallet, asset}]
}

func (s *MemService) Delegation(_ context.Context, wallet uuid.UUID, asset string) (Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.delegations[balanceKey{wallet, asset}]
	if !ok {
		return Delegation{}, nil // Zero value: inactive.
	}
	return d, nil
}

func (s *MemService) Pull(_ context.Context, wallet uuid.UUID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("non-positive pull amount: %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := balanceKey{wallet, asset}
	if s.balances[key] < amount {
		return fmt.Errorf("%w: wallet %s has %d %s, need %d",
			ErrInsufficientFunds, wallet, s.balances[key], asset, amount)
	}
	s.balances[key] -= amount
	return nil
}

func (s *MemService) Credit(_ context.Context, wallet uuid.UUID, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("non-positive credit amount: %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[balanceKey{wallet, asset}] += amount
	return nil
}

// StandingDelegation returns a delegation that stays valid for the given
// duration, for test setup.
func StandingDelegation(maxAmount int64, ttl time.Duration) Delegation {
	return Delegation{
		Active:    true,
		MaxAmount: maxAmount,
		ExpiresAt: time.Now().Add(ttl),
	}
}
