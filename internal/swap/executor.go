package swap

import (
	"context"
	"errors"
	"fmt"

	"LevTrade/internal/observability"
	"LevTrade/internal/venue"

	"github.com/rs/zerolog"
)

// Errors surfaced by swap validation. The slippage bound itself is enforced
// inside the venue so a rejected trade cannot move the pool.
var (
	ErrSlippageExceeded = venue.ErrSlippage
	ErrAssetNotInPair   = errors.New("asset not in pair")
	ErrSameAsset        = errors.New("input and output asset are the same")
)

// Result describes one executed swap.
type Result struct {
	Pair      venue.PairKey
	AssetIn   string
	AssetOut  string
	AmountIn  int64
	AmountOut int64
}

// Executor routes single-hop swaps to the venue and enforces the caller's
// minimum-output bound. It holds no state of its own; atomicity across
// borrow, swap, and repay belongs to the engine.
type Executor struct {
	venue   venue.Venue
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewExecutor(v venue.Venue, log zerolog.Logger, metrics *observability.Metrics) *Executor {
	return &Executor{
		venue:   v,
		log:     log.With().Str("component", "swap").Logger(),
		metrics: metrics,
	}
}

// Swap trades amountIn of assetIn for assetOut on the pair's pool and
// fails with ErrSlippageExceeded if the output is below minOut. A failed
// swap leaves the pool untouched.
func (e *Executor) Swap(ctx context.Context, pair venue.PairKey, assetIn, assetOut string, amountIn, minOut int64) (Result, error) {
	if amountIn <= 0 {
		return Result{}, fmt.Errorf("non-positive swap input: %d", amountIn)
	}
	if minOut < 0 {
		return Result{}, fmt.Errorf("negative min output: %d", minOut)
	}
	if assetIn == assetOut {
		return Result{}, fmt.Errorf("%w: %s", ErrSameAsset, assetIn)
	}
	if !pair.Contains(assetIn) {
		return Result{}, fmt.Errorf("%w: %s not in %s", ErrAssetNotInPair, assetIn, pair.ID())
	}
	if !pair.Contains(assetOut) {
		return Result{}, fmt.Errorf("%w: %s not in %s", ErrAssetNotInPair, assetOut, pair.ID())
	}

	out, err := e.venue.SwapExactIn(ctx, pair, assetIn, amountIn, minOut)
	if err != nil {
		return Result{}, fmt.Errorf("venue swap %d %s on %s: %w", amountIn, assetIn, pair.ID(), err)
	}

	if e.metrics != nil {
		e.metrics.SwapsExecuted.WithLabelValues(pair.ID()).Inc()
		e.metrics.SwapVolumeIn.WithLabelValues(pair.ID()).Add(float64(amountIn))
	}

	e.log.Debug().
		Str("pair", pair.ID()).
		Str("asset_in", assetIn).
		Str("asset_out", assetOut).
		Int64("amount_in", amountIn).
		Int64("amount_out", out).
		Msg("swap executed")

	return Result{
		Pair:      pair,
		AssetIn:   assetIn,
		AssetOut:  assetOut,
		AmountIn:  amountIn,
		AmountOut: out,
	}, nil
}
