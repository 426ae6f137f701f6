package oracle

import (
	"context"
	"errors"
	"fmt"

	fpmath "LevTrade/internal/math"
	"LevTrade/internal/venue"

	"github.com/holiman/uint256"
)

// ErrInvalidPrice is returned when the venue reports a zero or uninitialized
// price for a pair.
var ErrInvalidPrice = errors.New("invalid venue price")

// Adapter converts the venue's square-root price representation into a wad
// price (18 fractional decimal digits). It is pure and read-only: safe to
// call any number of times within an operation.
type Adapter struct {
	venue venue.Venue
}

func NewAdapter(v venue.Venue) *Adapter {
	return &Adapter{venue: v}
}

// Price returns the current wad price of pair.Asset1 per pair.Asset0.
// price = sqrtPrice² / 2^192 × 10^18, computed through a wide intermediate.
func (a *Adapter) Price(ctx context.Context, pair venue.PairKey) (*uint256.Int, error) {
	sqrt, err := a.venue.SqrtPriceX96(ctx, pair)
	if err != nil {
		return nil, fmt.Errorf("read sqrt price for %s: %w", pair.ID(), err)
	}
	if sqrt == nil || sqrt.IsZero() {
		return nil, fmt.Errorf("%w: pair %s reports zero sqrt price", ErrInvalidPrice, pair.ID())
	}

	price, err := fpmath.PriceFromSqrtX96(sqrt)
	if err != nil {
		return nil, fmt.Errorf("%w: pair %s: %v", ErrInvalidPrice, pair.ID(), err)
	}
	if price.IsZero() {
		return nil, fmt.Errorf("%w: pair %s converts to zero price", ErrInvalidPrice, pair.ID())
	}

	return price, nil
}

// PriceOf returns the wad price of the given asset in units of the pair's
// other asset. The venue quotes asset1-per-asset0; the inverse direction is
// derived as 10^36 / price.
func (a *Adapter) PriceOf(ctx context.Context, pair venue.PairKey, asset string) (*uint256.Int, error) {
	if !pair.Contains(asset) {
		return nil, fmt.Errorf("%w: %s not in %s", venue.ErrUnknownAsset, asset, pair.ID())
	}

	price, err := a.Price(ctx, pair)
	if err != nil {
		return nil, err
	}
	if asset == pair.Asset0 {
		return price, nil
	}

	// Inverse: wad² / price.
	inv := new(uint256.Int).Mul(uint256.MustFromBig(fpmath.Wad), uint256.MustFromBig(fpmath.Wad))
	inv.Div(inv, price)
	if inv.IsZero() {
		return nil, fmt.Errorf("%w: inverse of %s underflows", ErrInvalidPrice, price)
	}
	return inv, nil
}
