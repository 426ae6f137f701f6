package position

import (
	"errors"
	"fmt"
	"time"

	fpmath "LevTrade/internal/math"
	"LevTrade/internal/venue"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Status tracks a position through its lifecycle.
// Pending → Open → Closed/Liquidated. Pending exists only inside an Open
// call while the borrow and entry swap are in flight; it is never persisted.
type Status int32

const (
	StatusPending Status = iota
	StatusOpen
	StatusClosed
	StatusLiquidated
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusOpen:
		return "Open"
	case StatusClosed:
		return "Closed"
	case StatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates lifecycle transitions. Closed and Liquidated
// are terminal; a position is settled at most once.
func (s Status) CanTransitionTo(next Status) bool {
	transitions := map[Status][]Status{
		StatusPending: {
			StatusOpen,
		},
		StatusOpen: {
			StatusClosed,
			StatusLiquidated,
		},
		StatusClosed:     {}, // Terminal
		StatusLiquidated: {}, // Terminal
	}

	allowed, ok := transitions[s]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == next {
			return true
		}
	}
	return false
}

// ParseStatus parses the string form produced by Status.String, for
// reloading persisted rows.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "Pending":
		return StatusPending, nil
	case "Open":
		return StatusOpen, nil
	case "Closed":
		return StatusClosed, nil
	case "Liquidated":
		return StatusLiquidated, nil
	}
	return 0, fmt.Errorf("unknown position status %q", s)
}

// Position is one leveraged trade: participant collateral plus borrowed
// liquidity swapped into the target asset, held by the engine until close
// or liquidation.
type Position struct {
	ID          uuid.UUID
	Participant uuid.UUID
	Wallet      uuid.UUID

	// BorrowPair is where liquidity is borrowed from; TradePair is where
	// the entry and exit swaps execute. They may be the same pool. When the
	// collateral and target assets are not directly paired, BridgeAsset is
	// the intermediate leg: collateral→bridge on BorrowPair, bridge→target
	// on TradePair.
	BorrowPair venue.PairKey
	TradePair  venue.PairKey

	CollateralAsset string
	BridgeAsset     string
	TargetAsset     string

	CollateralAmount int64
	BorrowedAmount   int64
	TargetHolding    int64
	Leverage         int64
	FeeRateBps       int64

	// EntryPrice is collateral-asset per target-asset at open, wad scaled.
	EntryPrice   *uint256.Int
	MinTargetOut int64

	OpenedAt time.Time
	ClosedAt *time.Time

	Status  Status
	Version int64 // Optimistic concurrency control
}

// Notional returns collateral times leverage, the position's total entry
// size in collateral units.
func (p *Position) Notional() (int64, error) {
	return fpmath.CheckedMul(p.CollateralAmount, p.Leverage)
}

// Owed returns borrowed principal plus the flat borrow fee, the amount the
// lender must receive at settlement.
func (p *Position) Owed() (int64, error) {
	fee := fpmath.FeeOnAmount(p.BorrowedAmount, p.FeeRateBps)
	owed := p.BorrowedAmount + fee
	if owed < p.BorrowedAmount {
		return 0, errors.New("owed amount overflow")
	}
	return owed, nil
}

// Validate checks structural invariants before the position enters the
// store.
func (p *Position) Validate() error {
	if p.ID == uuid.Nil {
		return errors.New("position missing id")
	}
	if p.Participant == uuid.Nil {
		return errors.New("position missing participant")
	}
	if p.CollateralAmount <= 0 {
		return fmt.Errorf("non-positive collateral: %d", p.CollateralAmount)
	}
	if p.BorrowedAmount < 0 {
		return fmt.Errorf("negative borrowed amount: %d", p.BorrowedAmount)
	}
	if p.TargetHolding < 0 {
		return fmt.Errorf("negative target holding: %d", p.TargetHolding)
	}
	if p.Leverage < 2 {
		return fmt.Errorf("leverage below minimum: %d", p.Leverage)
	}
	if p.BridgeAsset == "" {
		return errors.New("position missing bridge asset")
	}
	if !p.TradePair.Contains(p.BridgeAsset) {
		return fmt.Errorf("bridge asset %s not in trade pair %s", p.BridgeAsset, p.TradePair.ID())
	}
	if !p.TradePair.Contains(p.TargetAsset) {
		return fmt.Errorf("target asset %s not in trade pair %s", p.TargetAsset, p.TradePair.ID())
	}
	if p.BridgeAsset != p.CollateralAsset {
		if !p.BorrowPair.Contains(p.CollateralAsset) || !p.BorrowPair.Contains(p.BridgeAsset) {
			return fmt.Errorf("bridge leg %s→%s not in borrow pair %s", p.CollateralAsset, p.BridgeAsset, p.BorrowPair.ID())
		}
	}
	if p.CollateralAsset == p.TargetAsset {
		return errors.New("collateral and target asset are the same")
	}
	return nil
}

// Bridged reports whether the position trades through an intermediate
// asset.
func (p *Position) Bridged() bool {
	return p.BridgeAsset != p.CollateralAsset
}
