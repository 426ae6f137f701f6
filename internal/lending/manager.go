package lending

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"LevTrade/internal/observability"
	"LevTrade/internal/venue"

	"github.com/rs/zerolog"
)

// Errors surfaced by borrow/repay validation.
var (
	ErrPairInactive    = errors.New("lending disabled for pair")
	ErrUnknownPair     = errors.New("no lending config for pair")
	ErrCeilingExceeded = errors.New("lending ceiling exceeded")
)

const (
	// borrowCapDivisor bounds a single borrow to this fraction of the
	// pool's currently available liquidity.
	borrowCapDivisor = 20

	// borrowFloor keeps the cap from rounding to zero for near-empty
	// pools so that very small requests can still be served.
	borrowFloor = 1
)

// Manager owns per-pair lending state: configuration, the outstanding-debt
// counter, and the venue withdrawal/return calls. Each pair's state sits
// behind its own mutex so that concurrent borrows against different pairs
// never contend, while read-modify-write updates to one pair's debt counter
// stay linearizable.
type Manager struct {
	mu    sync.RWMutex
	pairs map[string]*pairState

	venue   venue.Venue
	log     zerolog.Logger
	metrics *observability.Metrics
}

type pairState struct {
	mu   sync.Mutex
	cfg  PairConfig
	debt int64
}

func NewManager(v venue.Venue, log zerolog.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		pairs:   make(map[string]*pairState),
		venue:   v,
		log:     log.With().Str("component", "lending").Logger(),
		metrics: metrics,
	}
}

// Configure installs or updates a pair's lending configuration (admin-only
// surface). Outstanding debt carries over across reconfiguration.
func (m *Manager) Configure(cfg PairConfig) error {
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid pair config for %s: %w", cfg.Pair.ID(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.pairs[cfg.Pair.ID()]
	if !ok {
		ps = &pairState{}
		m.pairs[cfg.Pair.ID()] = ps
	}

	ps.mu.Lock()
	ps.cfg = cfg
	ps.mu.Unlock()

	m.log.Info().
		Str("pair", cfg.Pair.ID()).
		Bool("active", cfg.Active).
		Int64("max_lend", cfg.MaxLend).
		Int64("max_leverage", cfg.MaxLeverage).
		Int64("fee_rate_bps", cfg.FeeRateBps).
		Msg("pair configured")

	return nil
}

// Config returns the current configuration for a pair.
func (m *Manager) Config(pairID string) (PairConfig, bool) {
	ps, ok := m.pair(pairID)
	if !ok {
		return PairConfig{}, false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.cfg, true
}

// Configs returns all pair configurations (query/persistence surface).
func (m *Manager) Configs() []PairConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PairConfig, 0, len(m.pairs))
	for _, ps := range m.pairs {
		ps.mu.Lock()
		out = append(out, ps.cfg)
		ps.mu.Unlock()
	}
	return out
}

// OutstandingDebt returns the pair's current debt counter.
func (m *Manager) OutstandingDebt(pairID string) int64 {
	ps, ok := m.pair(pairID)
	if !ok {
		return 0
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.debt
}

// RestoreDebt seeds a pair's debt counter from persisted state on startup.
func (m *Manager) RestoreDebt(pairID string, debt int64) error {
	if debt < 0 {
		return fmt.Errorf("negative restored debt for %s: %d", pairID, debt)
	}
	ps, ok := m.pair(pairID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, pairID)
	}
	ps.mu.Lock()
	ps.debt = debt
	ps.mu.Unlock()
	m.updateDebtGauge(pairID, debt)
	return nil
}

// Borrow withdraws a bounded amount of asset from the pair's pooled
// liquidity. The withdrawal is capped to a fraction of currently available
// liquidity and never exceeds requested. Returns the amount actually
// borrowed; the caller decides whether a short fill is acceptable.
func (m *Manager) Borrow(ctx context.Context, pair venue.PairKey, asset string, requested int64) (int64, error) {
	if requested <= 0 {
		return 0, fmt.Errorf("non-positive borrow request: %d", requested)
	}

	ps, ok := m.pair(pair.ID())
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPair, pair.ID())
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	// Config is read under the pair lock at validation time, never from a
	// snapshot taken earlier in the operation.
	if !ps.cfg.Active {
		return 0, fmt.Errorf("%w: %s", ErrPairInactive, pair.ID())
	}
	if ps.debt+requested > ps.cfg.MaxLend {
		return 0, fmt.Errorf("%w: pair %s debt %d + request %d > ceiling %d",
			ErrCeilingExceeded, pair.ID(), ps.debt, requested, ps.cfg.MaxLend)
	}

	available, err := m.venue.AvailableLiquidity(ctx, pair, asset)
	if err != nil {
		return 0, fmt.Errorf("read available liquidity: %w", err)
	}

	limit := available / borrowCapDivisor
	if limit < borrowFloor {
		limit = borrowFloor
	}
	amount := requested
	if amount > limit {
		amount = limit
	}

	if err := m.venue.BorrowLiquidity(ctx, pair, asset, amount); err != nil {
		return 0, fmt.Errorf("venue borrow %d %s from %s: %w", amount, asset, pair.ID(), err)
	}

	ps.debt += amount
	m.updateDebtGauge(pair.ID(), ps.debt)
	if m.metrics != nil {
		m.metrics.BorrowedTotal.WithLabelValues(pair.ID()).Add(float64(amount))
	}

	m.log.Debug().
		Str("pair", pair.ID()).
		Str("asset", asset).
		Int64("requested", requested).
		Int64("borrowed", amount).
		Int64("debt", ps.debt).
		Msg("borrowed")

	return amount, nil
}

// Repay returns repayment of asset to the venue and decrements the pair's
// outstanding-debt counter by the originally borrowed amount, clamped at
// zero to tolerate rounding. The position lifecycle guarantees at most one
// Repay per position close.
func (m *Manager) Repay(ctx context.Context, pair venue.PairKey, asset string, borrowed, repayment int64) error {
	if repayment <= 0 {
		return fmt.Errorf("non-positive repayment: %d", repayment)
	}
	if borrowed < 0 {
		return fmt.Errorf("negative borrowed amount: %d", borrowed)
	}

	ps, ok := m.pair(pair.ID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, pair.ID())
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if err := m.venue.RepayLiquidity(ctx, pair, asset, repayment); err != nil {
		return fmt.Errorf("venue repay %d %s to %s: %w", repayment, asset, pair.ID(), err)
	}

	ps.debt -= borrowed
	if ps.debt < 0 {
		// Clamp and flag: a negative counter means a double-decrement
		// slipped past the lifecycle guard.
		m.log.Error().
			Str("pair", pair.ID()).
			Int64("debt", ps.debt).
			Msg("debt counter went negative, clamping to zero")
		ps.debt = 0
	}
	m.updateDebtGauge(pair.ID(), ps.debt)
	if m.metrics != nil {
		m.metrics.RepaidTotal.WithLabelValues(pair.ID()).Add(float64(repayment))
	}

	m.log.Debug().
		Str("pair", pair.ID()).
		Str("asset", asset).
		Int64("borrowed", borrowed).
		Int64("repayment", repayment).
		Int64("debt", ps.debt).
		Msg("repaid")

	return nil
}

// Reborrow reinstates a pair's debt counter after a failed settlement,
// withdrawing the already-repaid amount back from the venue when there was
// one. Rollback path only: it skips the activity and ceiling checks so an
// unwind cannot fail for policy reasons.
func (m *Manager) Reborrow(ctx context.Context, pair venue.PairKey, asset string, borrowed, withdrawal int64) error {
	if borrowed <= 0 {
		return fmt.Errorf("non-positive reborrow: %d", borrowed)
	}
	if withdrawal < 0 {
		return fmt.Errorf("negative reborrow withdrawal: %d", withdrawal)
	}

	ps, ok := m.pair(pair.ID())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, pair.ID())
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if withdrawal > 0 {
		if err := m.venue.BorrowLiquidity(ctx, pair, asset, withdrawal); err != nil {
			return fmt.Errorf("venue reborrow %d %s from %s: %w", withdrawal, asset, pair.ID(), err)
		}
	}

	ps.debt += borrowed
	m.updateDebtGauge(pair.ID(), ps.debt)

	m.log.Warn().
		Str("pair", pair.ID()).
		Str("asset", asset).
		Int64("borrowed", borrowed).
		Int64("withdrawal", withdrawal).
		Int64("debt", ps.debt).
		Msg("debt reinstated after failed settlement")

	return nil
}

// ForgiveDebt decrements the debt counter without a venue transfer, used by
// liquidation when proceeds cannot cover the full borrowed amount. The
// venue's loss is bounded by the liquidation threshold.
func (m *Manager) ForgiveDebt(pairID string, borrowed int64) error {
	if borrowed <= 0 {
		return fmt.Errorf("non-positive forgiven amount: %d", borrowed)
	}

	ps, ok := m.pair(pairID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, pairID)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.debt -= borrowed
	if ps.debt < 0 {
		ps.debt = 0
	}
	m.updateDebtGauge(pairID, ps.debt)
	return nil
}

func (m *Manager) pair(pairID string) (*pairState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.pairs[pairID]
	return ps, ok
}

func (m *Manager) updateDebtGauge(pairID string, debt int64) {
	if m.metrics != nil {
		m.metrics.OutstandingDebt.WithLabelValues(pairID).Set(float64(debt))
	}
}
