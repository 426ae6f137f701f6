package lending

import (
	"fmt"

	"LevTrade/internal/venue"
)

// DefaultFeeRateBps is the flat borrow fee charged on the borrowed notional
// at close, in basis points.
const DefaultFeeRateBps = 300

// PairConfig is the per-pair lending configuration. It is created and
// updated only through the administrative surface and read by every
// borrow/repay call at validation time.
type PairConfig struct {
	Pair        venue.PairKey
	Active      bool
	MaxLend     int64 // Total lending ceiling across open positions.
	MaxLeverage int64 // Per-pair leverage cap.
	FeeRateBps  int64 // Flat borrow fee on the borrowed amount.
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg PairConfig) error {
	if cfg.Pair.Asset0 == "" || cfg.Pair.Asset1 == "" {
		return fmt.Errorf("pair config missing assets")
	}
	if cfg.MaxLend <= 0 {
		return fmt.Errorf("max_lend must be > 0, got %d", cfg.MaxLend)
	}
	if cfg.MaxLeverage < 2 {
		return fmt.Errorf("max_leverage must be >= 2, got %d", cfg.MaxLeverage)
	}
	if cfg.FeeRateBps < 0 || cfg.FeeRateBps >= 10_000 {
		return fmt.Errorf("fee_rate_bps must be in [0, 10000), got %d", cfg.FeeRateBps)
	}
	return nil
}

// Utilization is debt / ceiling as a fraction scaled by 1e6, for the query
// and metrics surface.
func Utilization(debt, maxLend int64) int64 {
	if maxLend <= 0 {
		return 0
	}
	return debt * 1_000_000 / maxLend
}
