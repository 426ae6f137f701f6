package position

import (
	"fmt"

	fpmath "LevTrade/internal/math"

	"github.com/holiman/uint256"
)

// Health is the liquidation view of one open position at a given price.
// All amounts are in collateral-asset units.
type Health struct {
	CurrentValue         int64
	LiquidationThreshold int64
	IsHealthy            bool
	PnL                  int64
}

// EvaluateHealth prices the position's target holding at currentPrice
// (collateral per target, wad) and applies the 1/leverage rule: the
// position is liquidatable once its value falls to notional/leverage,
// meaning the participant's own contribution is fully consumed.
func EvaluateHealth(p *Position, currentPrice *uint256.Int) (Health, error) {
	if currentPrice == nil || currentPrice.IsZero() {
		return Health{}, fmt.Errorf("invalid current price")
	}

	currentValue, err := fpmath.ValueAtPrice(p.TargetHolding, currentPrice)
	if err != nil {
		return Health{}, fmt.Errorf("price target holding: %w", err)
	}

	notional, err := p.Notional()
	if err != nil {
		return Health{}, fmt.Errorf("compute notional: %w", err)
	}
	threshold := notional / p.Leverage

	return Health{
		CurrentValue:         currentValue,
		LiquidationThreshold: threshold,
		IsHealthy:            currentValue > threshold,
		PnL:                  currentValue - notional,
	}, nil
}
