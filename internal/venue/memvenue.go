package venue

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

// MemVenue is an in-memory constant-product venue used by tests, local runs
// and the simulation harness. Each pool holds two reserves; swaps follow
// x*y=k with no pool fee (the engine's borrow fee is charged separately by
// the lending manager).
type MemVenue struct {
	mu    sync.Mutex
	pools map[PairKey]*pool
}

type pool struct {
	reserve0 int64
	reserve1 int64
}

func NewMemVenue() *MemVenue {
	return &MemVenue{
		pools: make(map[PairKey]*pool),
	}
}

// AddPool seeds a pool with initial reserves. reserve0 corresponds to
// pair.Asset0, reserve1 to pair.Asset1.
func (v *MemVenue) AddPool(pair PairKey, reserve0, reserve1 int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pools[pair] = &pool{reserve0: reserve0, reserve1: reserve1}
}

// Reserves returns the current reserves for inspection in tests.
func (v *MemVenue) Reserves(pair PairKey) (int64, int64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.pools[pair]
	if !ok {
		return 0, 0, false
	}
	return p.reserve0, p.reserve1, true
}

func (v *MemVenue) SqrtPriceX96(_ context.Context, pair PairKey) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.pools[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, pair.ID())
	}
	if p.reserve0 <= 0 || p.reserve1 <= 0 {
		return uint256.NewInt(0), nil
	}

	// sqrtPriceX96 = sqrt(reserve1 / reserve0) * 2^96
	//             = sqrt(reserve1 * 2^192 / reserve0)
	n := new(big.Int).Lsh(big.NewInt(p.reserve1), 192)
	n.Div(n, big.NewInt(p.reserve0))
	n.Sqrt(n)

	sqrt, overflow := uint256.FromBig(n)
	if overflow {
		return nil, fmt.Errorf("sqrt price overflow for %s", pair.ID())
	}
	return sqrt, nil
}

func (v *MemVenue) AvailableLiquidity(_ context.Context, pair PairKey, asset string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.pools[pair]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPair, pair.ID())
	}

	switch asset {
	case pair.Asset0:
		return p.reserve0, nil
	case pair.Asset1:
		return p.reserve1, nil
	}
	return 0, fmt.Errorf("%w: %s not in %s", ErrUnknownAsset, asset, pair.ID())
}

func (v *MemVenue) BorrowLiquidity(_ context.Context, pair PairKey, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("non-positive borrow amount: %d", amount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.pools[pair]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, pair.ID())
	}

	switch asset {
	case pair.Asset0:
		if p.reserve0 < amount {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientLiquidity, p.reserve0, amount)
		}
		p.reserve0 -= amount
	case pair.Asset1:
		if p.reserve1 < amount {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientLiquidity, p.reserve1, amount)
		}
		p.reserve1 -= amount
	default:
		return fmt.Errorf("%w: %s not in %s", ErrUnknownAsset, asset, pair.ID())
	}

	return nil
}

func (v *MemVenue) RepayLiquidity(_ context.Context, pair PairKey, asset string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("non-positive repay amount: %d", amount)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.pools[pair]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPair, pair.ID())
	}

	switch asset {
	case pair.Asset0:
		p.reserve0 += amount
	case pair.Asset1:
		p.reserve1 += amount
	default:
		return fmt.Errorf("%w: %s not in %s", ErrUnknownAsset, asset, pair.ID())
	}

	return nil
}

func (v *MemVenue) SwapExactIn(_ context.Context, pair PairKey, assetIn string, amountIn, minOut int64) (int64, error) {
	if amountIn <= 0 {
		return 0, fmt.Errorf("non-positive swap input: %d", amountIn)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.pools[pair]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPair, pair.ID())
	}

	var reserveIn, reserveOut *int64
	switch assetIn {
	case pair.Asset0:
		reserveIn, reserveOut = &p.reserve0, &p.reserve1
	case pair.Asset1:
		reserveIn, reserveOut = &p.reserve1, &p.reserve0
	default:
		return 0, fmt.Errorf("%w: %s not in %s", ErrUnknownAsset, assetIn, pair.ID())
	}

	if *reserveIn <= 0 || *reserveOut <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrZeroOutput, pair.ID())
	}

	// out = reserveOut * in / (reserveIn + in), big.Int to avoid overflow
	num := new(big.Int).Mul(big.NewInt(*reserveOut), big.NewInt(amountIn))
	den := new(big.Int).Add(big.NewInt(*reserveIn), big.NewInt(amountIn))
	out := num.Div(num, den)

	if !out.IsInt64() {
		return 0, fmt.Errorf("swap output overflow for %s", pair.ID())
	}
	amountOut := out.Int64()
	if amountOut == 0 {
		return 0, fmt.Errorf("%w: %s", ErrZeroOutput, pair.ID())
	}
	if amountOut < minOut {
		return 0, fmt.Errorf("%w: got %d, want >= %d", ErrSlippage, amountOut, minOut)
	}

	*reserveIn += amountIn
	*reserveOut -= amountOut

	return amountOut, nil
}
