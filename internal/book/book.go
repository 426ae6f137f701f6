package book

import (
	"fmt"
	"sync"
)

// Book tracks the engine's own custody of assets: collateral pulled from
// participants, liquidity withdrawn from the venue, and swap outputs. Every
// external transfer is mirrored here so that asset deltas from borrows and
// swaps reconcile: a positive delta is credited, a negative one must be
// covered by the current holding.
type Book struct {
	mu       sync.Mutex
	holdings map[string]int64
}

func New() *Book {
	return &Book{
		holdings: make(map[string]int64),
	}
}

// Credit records amount of asset entering engine custody.
func (b *Book) Credit(asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("non-positive credit of %s: %d", asset, amount)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdings[asset] += amount
	return nil
}

// Debit records amount of asset leaving engine custody. A holding can never
// go negative: that would mean the engine settled assets it does not hold.
func (b *Book) Debit(asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("non-positive debit of %s: %d", asset, amount)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.holdings[asset] < amount {
		return fmt.Errorf("engine holds %d %s, cannot settle %d", b.holdings[asset], asset, amount)
	}
	b.holdings[asset] -= amount
	return nil
}

// Holding returns the engine's current holding of asset.
func (b *Book) Holding(asset string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.holdings[asset]
}

// Snapshot returns a copy of all holdings.
func (b *Book) Snapshot() map[string]int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot := make(map[string]int64, len(b.holdings))
	for k, v := range b.holdings {
		snapshot[k] = v
	}
	return snapshot
}
