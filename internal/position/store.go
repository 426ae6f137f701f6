package position

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("position not found")

// Store is the in-memory position index. Only the engine writes to it; the
// query surface reads through the engine, so copies returned here are safe
// to hand out.
type Store struct {
	mu            sync.RWMutex
	byID          map[uuid.UUID]*Position
	byParticipant map[uuid.UUID][]uuid.UUID
}

func NewStore() *Store {
	return &Store{
		byID:          make(map[uuid.UUID]*Position),
		byParticipant: make(map[uuid.UUID][]uuid.UUID),
	}
}

// Put inserts or replaces a position record.
func (s *Store) Put(p *Position) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[p.ID]; !exists {
		s.byParticipant[p.Participant] = append(s.byParticipant[p.Participant], p.ID)
	}
	cp := *p
	s.byID[p.ID] = &cp
	return nil
}

// Get returns a copy of the position with the given id.
func (s *Store) Get(id uuid.UUID) (*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// ByParticipant returns copies of all positions a participant has ever
// opened, in open order.
func (s *Store) ByParticipant(participant uuid.UUID) []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byParticipant[participant]
	out := make([]*Position, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.byID[id]; ok {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// OpenByTradePair returns copies of all open positions trading on the
// given pair, the keeper's scan set.
func (s *Store) OpenByTradePair(pairID string) []*Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Position
	for _, p := range s.byID {
		if p.Status == StatusOpen && p.TradePair.ID() == pairID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// OpenCount returns the number of open positions across all pairs.
func (s *Store) OpenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, p := range s.byID {
		if p.Status == StatusOpen {
			n++
		}
	}
	return n
}

// OutstandingByBorrowPair sums borrowed amounts of open positions per
// borrow pair, for reconciliation against the lending debt counters.
func (s *Store) OutstandingByBorrowPair() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64)
	for _, p := range s.byID {
		if p.Status == StatusOpen {
			out[p.BorrowPair.ID()] += p.BorrowedAmount
		}
	}
	return out
}
