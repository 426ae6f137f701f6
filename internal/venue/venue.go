package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Sentinel errors surfaced by venue implementations. The engine maps these
// into its own error taxonomy but never swallows them.
var (
	ErrUnknownPair           = errors.New("unknown trading pair")
	ErrUnknownAsset          = errors.New("asset not in pair")
	ErrInsufficientLiquidity = errors.New("insufficient pooled liquidity")
	ErrZeroOutput            = errors.New("swap produced zero output")
	ErrSlippage              = errors.New("swap output below minimum")
	ErrUninitializedPrice    = errors.New("pool price not initialized")
)

// PairKey identifies a trading pair. Asset0 < Asset1 lexicographically,
// mirroring the venue's canonical ordering rule, so the same two assets
// always produce the same key regardless of input order.
type PairKey struct {
	Asset0 string
	Asset1 string
}

// NewPairKey builds a canonical pair key from two asset identifiers.
func NewPairKey(a, b string) (PairKey, error) {
	if a == "" || b == "" || a == b {
		return PairKey{}, fmt.Errorf("invalid pair assets %q/%q", a, b)
	}
	if a < b {
		return PairKey{Asset0: a, Asset1: b}, nil
	}
	return PairKey{Asset0: b, Asset1: a}, nil
}

// MustPair is NewPairKey that panics on invalid input; for tests and
// static pair tables.
func MustPair(a, b string) PairKey {
	k, err := NewPairKey(a, b)
	if err != nil {
		panic(err)
	}
	return k
}

// ID returns the canonical string form "asset0/asset1".
func (k PairKey) ID() string {
	return k.Asset0 + "/" + k.Asset1
}

// Contains reports whether asset is one of the pair's two assets.
func (k PairKey) Contains(asset string) bool {
	return asset == k.Asset0 || asset == k.Asset1
}

// Other returns the counter-asset of the given asset within the pair.
func (k PairKey) Other(asset string) (string, error) {
	switch asset {
	case k.Asset0:
		return k.Asset1, nil
	case k.Asset1:
		return k.Asset0, nil
	}
	return "", fmt.Errorf("%w: %s not in %s", ErrUnknownAsset, asset, k.ID())
}

// ParsePairID parses "asset0/asset1" back into a canonical PairKey.
func ParsePairID(id string) (PairKey, error) {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return NewPairKey(id[:i], id[i+1:])
		}
	}
	return PairKey{}, fmt.Errorf("%w: %q", ErrUnknownPair, id)
}

// Venue is the external automated-market-making collaborator. All amounts are
// int64 in the asset's smallest unit; prices use the Q64.96 square-root form
// the venue reports natively.
type Venue interface {
	// SqrtPriceX96 reports the current square-root price of the pair
	// (asset1 per asset0, Q64.96).
	SqrtPriceX96(ctx context.Context, pair PairKey) (*uint256.Int, error)

	// AvailableLiquidity reports how much of asset the pool currently holds.
	AvailableLiquidity(ctx context.Context, pair PairKey, asset string) (int64, error)

	// BorrowLiquidity withdraws amount of asset from the pool. The venue
	// fails with ErrInsufficientLiquidity rather than partially filling.
	BorrowLiquidity(ctx context.Context, pair PairKey, asset string, amount int64) error

	// RepayLiquidity returns amount of asset to the pool.
	RepayLiquidity(ctx context.Context, pair PairKey, asset string, amount int64) error

	// SwapExactIn trades amountIn of assetIn for the pair's other asset and
	// returns the output amount. The trade applies only if the output is at
	// least minOut; otherwise it fails with ErrSlippage and leaves the pool
	// untouched. Zero output is reported as ErrZeroOutput.
	SwapExactIn(ctx context.Context, pair PairKey, assetIn string, amountIn, minOut int64) (int64, error)
}
