package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"LevTrade/internal/auth"
	"LevTrade/internal/book"
	"LevTrade/internal/custody"
	"LevTrade/internal/event"
	"LevTrade/internal/lending"
	fpmath "LevTrade/internal/math"
	"LevTrade/internal/observability"
	"LevTrade/internal/oracle"
	"LevTrade/internal/position"
	"LevTrade/internal/swap"
	"LevTrade/internal/venue"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Output carries one applied lifecycle step out of the engine: the event
// for the durable log and the position row it produced.
type Output struct {
	Envelope *event.Envelope
	Position *position.Position
}

// Engine owns the position ledger and orchestrates custody, lending, and
// swaps into atomic open/close/liquidate operations. A single mutex
// serializes all three: no two operations ever observe the same position
// or the same debt counter mid-flight, and every multi-step external
// sequence either completes or is compensated in reverse before the error
// returns.
type Engine struct {
	mu sync.Mutex

	positions *position.Store
	holdings  *book.Book
	lending   *lending.Manager
	swapper   *swap.Executor
	oracle    *oracle.Adapter
	custody   custody.Service
	auth      *auth.Authorizer

	sequence int64

	// persistCh blocks when full: durability wins over throughput.
	// publishCh drops when full: downstream consumers are best-effort.
	persistCh chan<- Output
	publishCh chan<- Output

	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

type Config struct {
	Positions *position.Store
	Lending   *lending.Manager
	Swapper   *swap.Executor
	Oracle    *oracle.Adapter
	Custody   custody.Service
	Auth      *auth.Authorizer

	StartSequence int64
	PersistCh     chan<- Output
	PublishCh     chan<- Output

	Log     zerolog.Logger
	Metrics *observability.Metrics

	// Now overrides the clock in tests.
	Now func() time.Time
}

func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		positions: cfg.Positions,
		holdings:  book.New(),
		lending:   cfg.Lending,
		swapper:   cfg.Swapper,
		oracle:    cfg.Oracle,
		custody:   cfg.Custody,
		auth:      cfg.Auth,
		sequence:  cfg.StartSequence,
		persistCh: cfg.PersistCh,
		publishCh: cfg.PublishCh,
		log:       cfg.Log.With().Str("component", "engine").Logger(),
		metrics:   cfg.Metrics,
		now:       now,
	}
}

// OpenRequest is the caller's side of an Open operation. The capability
// token carries identity; everything else arrives here.
type OpenRequest struct {
	Wallet           uuid.UUID
	BorrowPair       venue.PairKey
	TradePair        venue.PairKey
	CollateralAsset  string
	BridgeAsset      string
	TargetAsset      string
	CollateralAmount int64
	Leverage         int64
	MinTargetOut     int64
}

func (r OpenRequest) validate() error {
	if r.Wallet == uuid.Nil {
		return fmt.Errorf("%w: missing custody wallet", ErrInvalidRequest)
	}
	if r.CollateralAmount <= 0 {
		return fmt.Errorf("%w: non-positive collateral %d", ErrInvalidRequest, r.CollateralAmount)
	}
	if r.MinTargetOut < 0 {
		return fmt.Errorf("%w: negative min target out %d", ErrInvalidRequest, r.MinTargetOut)
	}
	if r.BridgeAsset == "" {
		return fmt.Errorf("%w: missing bridge asset", ErrInvalidRequest)
	}
	return nil
}

// Open runs the atomic borrow→trade→persist sequence and returns the new
// position id. Any failure after the first external call unwinds every
// completed step before the error surfaces; no partial custody transfer,
// borrow, or swap survives a failed open.
func (e *Engine) Open(ctx context.Context, token auth.Capability, req OpenRequest) (id uuid.UUID, err error) {
	start := time.Now()
	defer func() { e.observeOp("open", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err = req.validate(); err != nil {
		return uuid.Nil, err
	}
	if token.Participant == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: capability missing participant", auth.ErrUnauthorizedCaller)
	}

	cfg, ok := e.lending.Config(req.BorrowPair.ID())
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s", lending.ErrUnknownPair, req.BorrowPair.ID())
	}
	if err = e.auth.ValidateLeverage(req.Leverage, cfg.MaxLeverage); err != nil {
		return uuid.Nil, err
	}

	borrowAmount, err := fpmath.CheckedMul(req.CollateralAmount, req.Leverage-1)
	if err != nil {
		return uuid.Nil, fmt.Errorf("compute borrow amount: %w", err)
	}

	delegation, err := e.custody.Delegation(ctx, req.Wallet, req.CollateralAsset)
	if err != nil {
		return uuid.Nil, fmt.Errorf("read delegation: %w", err)
	}
	if err = delegation.Validate(req.CollateralAmount, e.now()); err != nil {
		return uuid.Nil, err
	}

	// Compensations run in reverse on any later failure.
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	if err = e.custody.Pull(ctx, req.Wallet, req.CollateralAsset, req.CollateralAmount); err != nil {
		return uuid.Nil, fmt.Errorf("pull collateral: %w", err)
	}
	e.credit(req.CollateralAsset, req.CollateralAmount)
	undo = append(undo, func() {
		e.debit(req.CollateralAsset, req.CollateralAmount)
		if cerr := e.custody.Credit(ctx, req.Wallet, req.CollateralAsset, req.CollateralAmount); cerr != nil {
			e.log.Error().Err(cerr).Str("wallet", req.Wallet.String()).Msg("rollback: return collateral failed")
		}
	})

	borrowed, err := e.lending.Borrow(ctx, req.BorrowPair, req.CollateralAsset, borrowAmount)
	if err != nil {
		return uuid.Nil, err
	}
	undo = append(undo, func() {
		if rerr := e.lending.Repay(ctx, req.BorrowPair, req.CollateralAsset, borrowed, borrowed); rerr != nil {
			e.log.Error().Err(rerr).Str("pair", req.BorrowPair.ID()).Msg("rollback: return borrow failed")
		}
	})
	if borrowed < borrowAmount {
		// The promised multiplier is enforced, never silently shrunk: a
		// capped borrow fails the open rather than trading a smaller
		// notional than the participant asked for.
		return uuid.Nil, fmt.Errorf("%w: wanted %d, venue supplied %d", ErrLeverageUnavailable, borrowAmount, borrowed)
	}
	e.credit(req.CollateralAsset, borrowed)
	undo = append(undo, func() { e.debit(req.CollateralAsset, borrowed) })

	total := req.CollateralAmount + borrowed

	holding, err := e.enterSwaps(ctx, req, total, &undo)
	if err != nil {
		return uuid.Nil, err
	}

	entryPrice, err := e.entryPrice(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}

	p := &position.Position{
		ID:               uuid.New(),
		Participant:      token.Participant,
		Wallet:           req.Wallet,
		BorrowPair:       req.BorrowPair,
		TradePair:        req.TradePair,
		CollateralAsset:  req.CollateralAsset,
		BridgeAsset:      req.BridgeAsset,
		TargetAsset:      req.TargetAsset,
		CollateralAmount: req.CollateralAmount,
		BorrowedAmount:   borrowed,
		TargetHolding:    holding,
		Leverage:         req.Leverage,
		FeeRateBps:       cfg.FeeRateBps,
		EntryPrice:       entryPrice,
		MinTargetOut:     req.MinTargetOut,
		OpenedAt:         e.now(),
		Status:           position.StatusOpen,
		Version:          1,
	}
	if err = e.positions.Put(p); err != nil {
		return uuid.Nil, fmt.Errorf("persist position: %w", err)
	}

	if e.metrics != nil {
		e.metrics.PositionsOpened.WithLabelValues(p.TradePair.ID()).Inc()
		e.metrics.OpenPositions.Set(float64(e.positions.OpenCount()))
	}
	e.emit(&event.PositionOpened{
		PositionID:       p.ID,
		Participant:      p.Participant,
		TradePair:        p.TradePair.ID(),
		BorrowPair:       p.BorrowPair.ID(),
		CollateralAsset:  p.CollateralAsset,
		TargetAsset:      p.TargetAsset,
		CollateralAmount: p.CollateralAmount,
		BorrowedAmount:   p.BorrowedAmount,
		TargetHolding:    p.TargetHolding,
		Leverage:         p.Leverage,
		EntryPrice:       p.EntryPrice.Dec(),
		Timestamp:        p.OpenedAt,
	}, p)

	e.log.Info().
		Str("position", p.ID.String()).
		Str("participant", p.Participant.String()).
		Str("trade_pair", p.TradePair.ID()).
		Int64("collateral", p.CollateralAmount).
		Int64("borrowed", p.BorrowedAmount).
		Int64("holding", p.TargetHolding).
		Int64("leverage", p.Leverage).
		Msg("position opened")

	return p.ID, nil
}

// enterSwaps converts the combined collateral into the target asset,
// through the bridge leg when the assets are not directly paired. The
// min-output bound applies to the final target amount.
func (e *Engine) enterSwaps(ctx context.Context, req OpenRequest, total int64, undo *[]func()) (int64, error) {
	amountIn := total
	assetIn := req.CollateralAsset

	if req.BridgeAsset != req.CollateralAsset {
		res, err := e.swapper.Swap(ctx, req.BorrowPair, req.CollateralAsset, req.BridgeAsset, total, 0)
		if err != nil {
			return 0, err
		}
		e.debit(req.CollateralAsset, total)
		e.credit(req.BridgeAsset, res.AmountOut)
		*undo = append(*undo, func() {
			back, berr := e.swapper.Swap(ctx, req.BorrowPair, req.BridgeAsset, req.CollateralAsset, res.AmountOut, 0)
			if berr != nil {
				e.log.Error().Err(berr).Msg("rollback: reverse bridge swap failed")
				return
			}
			e.debit(req.BridgeAsset, res.AmountOut)
			e.credit(req.CollateralAsset, back.AmountOut)
		})
		amountIn = res.AmountOut
		assetIn = req.BridgeAsset
	}

	res, err := e.swapper.Swap(ctx, req.TradePair, assetIn, req.TargetAsset, amountIn, req.MinTargetOut)
	if err != nil {
		return 0, err
	}
	e.debit(assetIn, amountIn)
	e.credit(req.TargetAsset, res.AmountOut)
	*undo = append(*undo, func() {
		back, berr := e.swapper.Swap(ctx, req.TradePair, req.TargetAsset, assetIn, res.AmountOut, 0)
		if berr != nil {
			e.log.Error().Err(berr).Msg("rollback: reverse target swap failed")
			return
		}
		e.debit(req.TargetAsset, res.AmountOut)
		e.credit(assetIn, back.AmountOut)
	})

	return res.AmountOut, nil
}

// Close settles an open position voluntarily: swap the holding back,
// repay borrow plus fee, credit the remainder to the participant. The
// underwater check rides on the venue's min-output bound, so a close that
// cannot cover its debt leaves the pool untouched.
func (e *Engine) Close(ctx context.Context, token auth.Capability, positionID uuid.UUID) (remainder int64, err error) {
	start := time.Now()
	defer func() { e.observeOp("close", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.positions.Get(positionID)
	if err != nil {
		return 0, err
	}
	if p.Status != position.StatusOpen {
		return 0, fmt.Errorf("%w: %s is %s", ErrPositionNotOpen, p.ID, p.Status)
	}
	if token.Participant != p.Participant {
		return 0, fmt.Errorf("%w: position %s", ErrNotPositionOwner, p.ID)
	}

	owed, err := p.Owed()
	if err != nil {
		return 0, err
	}

	// Compensations run in reverse on any later failure, mirroring Open: a
	// settlement that cannot complete reinstates the debt counter and swaps
	// the proceeds back into the holding before the error surfaces, so a
	// retried close never repays twice.
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	proceeds, err := e.exitSwaps(ctx, p, owed)
	if err != nil {
		if errors.Is(err, venue.ErrSlippage) {
			return 0, fmt.Errorf("%w: owed %d", ErrUnderwaterClose, owed)
		}
		return 0, err
	}
	undo = append(undo, func() { e.reverseExit(ctx, p, proceeds) })

	if err = e.lending.Repay(ctx, p.BorrowPair, p.CollateralAsset, p.BorrowedAmount, owed); err != nil {
		return 0, fmt.Errorf("repay borrow: %w", err)
	}
	e.debit(p.CollateralAsset, owed)
	undo = append(undo, func() {
		if rerr := e.lending.Reborrow(ctx, p.BorrowPair, p.CollateralAsset, p.BorrowedAmount, owed); rerr != nil {
			e.log.Error().Err(rerr).Str("position", p.ID.String()).Msg("rollback: reinstate debt failed")
			return
		}
		e.credit(p.CollateralAsset, owed)
	})

	remainder = proceeds - owed
	if remainder > 0 {
		if err = e.custody.Credit(ctx, p.Wallet, p.CollateralAsset, remainder); err != nil {
			return 0, fmt.Errorf("credit participant: %w", err)
		}
		e.debit(p.CollateralAsset, remainder)
		returned := remainder
		undo = append(undo, func() {
			if perr := e.custody.Pull(ctx, p.Wallet, p.CollateralAsset, returned); perr != nil {
				e.log.Error().Err(perr).Str("position", p.ID.String()).Msg("rollback: reclaim participant credit failed")
				return
			}
			e.credit(p.CollateralAsset, returned)
		})
	}

	now := e.now()
	p.Status = position.StatusClosed
	p.ClosedAt = &now
	p.Version++
	if err = e.positions.Put(p); err != nil {
		p.Status = position.StatusOpen
		p.ClosedAt = nil
		p.Version--
		return 0, fmt.Errorf("persist close: %w", err)
	}

	if e.metrics != nil {
		e.metrics.PositionsClosed.WithLabelValues(p.TradePair.ID()).Inc()
		e.metrics.OpenPositions.Set(float64(e.positions.OpenCount()))
	}
	e.emit(&event.PositionClosed{
		PositionID:     p.ID,
		Participant:    p.Participant,
		TradePair:      p.TradePair.ID(),
		Proceeds:       proceeds,
		Repayment:      owed,
		Fee:            fpmath.FeeOnAmount(p.BorrowedAmount, p.FeeRateBps),
		ReturnedAmount: remainder,
		Timestamp:      now,
	}, p)

	e.log.Info().
		Str("position", p.ID.String()).
		Int64("proceeds", proceeds).
		Int64("repayment", owed).
		Int64("returned", remainder).
		Msg("position closed")

	return remainder, nil
}

// exitSwaps converts the target holding back to the collateral asset.
// minProceeds bounds the final collateral output; the venue enforces it
// atomically on the last leg.
func (e *Engine) exitSwaps(ctx context.Context, p *position.Position, minProceeds int64) (int64, error) {
	amountIn := p.TargetHolding
	if amountIn <= 0 {
		return 0, fmt.Errorf("%w: empty holding", venue.ErrZeroOutput)
	}

	if !p.Bridged() {
		res, err := e.swapper.Swap(ctx, p.TradePair, p.TargetAsset, p.CollateralAsset, amountIn, minProceeds)
		if err != nil {
			return 0, err
		}
		e.debit(p.TargetAsset, amountIn)
		e.credit(p.CollateralAsset, res.AmountOut)
		return res.AmountOut, nil
	}

	leg1, err := e.swapper.Swap(ctx, p.TradePair, p.TargetAsset, p.BridgeAsset, amountIn, 0)
	if err != nil {
		return 0, err
	}
	e.debit(p.TargetAsset, amountIn)
	e.credit(p.BridgeAsset, leg1.AmountOut)

	leg2, err := e.swapper.Swap(ctx, p.BorrowPair, p.BridgeAsset, p.CollateralAsset, leg1.AmountOut, minProceeds)
	if err != nil {
		// Reverse the bridge leg so a failed close leaves the holding in
		// target form, merely re-priced by the round trip.
		back, berr := e.swapper.Swap(ctx, p.TradePair, p.BridgeAsset, p.TargetAsset, leg1.AmountOut, 0)
		if berr != nil {
			e.log.Error().Err(berr).Str("position", p.ID.String()).Msg("rollback: reverse exit bridge failed")
			return 0, err
		}
		e.debit(p.BridgeAsset, leg1.AmountOut)
		e.credit(p.TargetAsset, back.AmountOut)
		p.TargetHolding = back.AmountOut
		p.Version++
		if perr := e.positions.Put(p); perr != nil {
			e.log.Error().Err(perr).Str("position", p.ID.String()).Msg("persist re-priced holding failed")
		}
		return 0, err
	}
	e.debit(p.BridgeAsset, leg1.AmountOut)
	e.credit(p.CollateralAsset, leg2.AmountOut)
	return leg2.AmountOut, nil
}

// reverseExit swaps settlement proceeds back into the target asset after a
// later settlement step failed, leaving the position open with a holding
// re-priced by the round trip. Rollback path: swap failures are logged, not
// returned.
func (e *Engine) reverseExit(ctx context.Context, p *position.Position, proceeds int64) {
	amountIn := proceeds
	assetIn := p.CollateralAsset

	if p.Bridged() {
		leg, err := e.swapper.Swap(ctx, p.BorrowPair, p.CollateralAsset, p.BridgeAsset, proceeds, 0)
		if err != nil {
			e.log.Error().Err(err).Str("position", p.ID.String()).Msg("rollback: reverse exit bridge failed")
			return
		}
		e.debit(p.CollateralAsset, proceeds)
		e.credit(p.BridgeAsset, leg.AmountOut)
		amountIn = leg.AmountOut
		assetIn = p.BridgeAsset
	}

	back, err := e.swapper.Swap(ctx, p.TradePair, assetIn, p.TargetAsset, amountIn, 0)
	if err != nil {
		e.log.Error().Err(err).Str("position", p.ID.String()).Msg("rollback: reverse exit swap failed")
		return
	}
	e.debit(assetIn, amountIn)
	e.credit(p.TargetAsset, back.AmountOut)

	p.TargetHolding = back.AmountOut
	p.Version++
	if perr := e.positions.Put(p); perr != nil {
		e.log.Error().Err(perr).Str("position", p.ID.String()).Msg("persist re-priced holding failed")
	}
}

// Liquidate force-closes an underwater position. It is deliberately
// permissionless: any keeper may call it, since timely liquidation is what
// protects the lending pool. Proceeds go to the lender up to the amount
// owed; shortfalls are forgiven; the participant receives nothing.
func (e *Engine) Liquidate(ctx context.Context, positionID uuid.UUID) (liquidated bool, err error) {
	start := time.Now()
	defer func() { e.observeOp("liquidate", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.positions.Get(positionID)
	if err != nil {
		return false, err
	}
	if p.Status != position.StatusOpen {
		return false, fmt.Errorf("%w: %s is %s", ErrPositionNotOpen, p.ID, p.Status)
	}

	price, err := e.collateralPrice(ctx, p)
	if err != nil {
		return false, err
	}
	health, err := position.EvaluateHealth(p, price)
	if err != nil {
		return false, err
	}
	if health.IsHealthy {
		return false, nil
	}

	// Same compensation discipline as Close: a failure after the debt was
	// cleared reinstates the counter and the holding, so the keeper's next
	// scan retries the whole settlement rather than part of it.
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	proceeds, err := e.exitSwaps(ctx, p, 0)
	if err != nil {
		if !errors.Is(err, venue.ErrZeroOutput) {
			return false, err
		}
		// Dust holding produced nothing; the position still settles with
		// the whole debt written off.
		proceeds, err = 0, nil
	} else {
		undo = append(undo, func() { e.reverseExit(ctx, p, proceeds) })
	}

	owed, err := p.Owed()
	if err != nil {
		return false, err
	}

	var shortfall int64
	if proceeds > 0 {
		// All proceeds go back to the pool: the lender's claim is senior,
		// and on liquidation any surplus stays with the venue as well.
		if err = e.lending.Repay(ctx, p.BorrowPair, p.CollateralAsset, p.BorrowedAmount, proceeds); err != nil {
			return false, fmt.Errorf("repay liquidation proceeds: %w", err)
		}
		e.debit(p.CollateralAsset, proceeds)
		undo = append(undo, func() {
			if rerr := e.lending.Reborrow(ctx, p.BorrowPair, p.CollateralAsset, p.BorrowedAmount, proceeds); rerr != nil {
				e.log.Error().Err(rerr).Str("position", p.ID.String()).Msg("rollback: reinstate debt failed")
				return
			}
			e.credit(p.CollateralAsset, proceeds)
		})
	} else {
		if err = e.lending.ForgiveDebt(p.BorrowPair.ID(), p.BorrowedAmount); err != nil {
			return false, fmt.Errorf("forgive debt: %w", err)
		}
		undo = append(undo, func() {
			if rerr := e.lending.Reborrow(ctx, p.BorrowPair, p.CollateralAsset, p.BorrowedAmount, 0); rerr != nil {
				e.log.Error().Err(rerr).Str("position", p.ID.String()).Msg("rollback: reinstate forgiven debt failed")
			}
		})
	}
	if proceeds < owed {
		shortfall = owed - proceeds
	}

	now := e.now()
	p.Status = position.StatusLiquidated
	p.ClosedAt = &now
	p.Version++
	if err = e.positions.Put(p); err != nil {
		p.Status = position.StatusOpen
		p.ClosedAt = nil
		p.Version--
		return false, fmt.Errorf("persist liquidation: %w", err)
	}

	if e.metrics != nil {
		e.metrics.PositionsLiquidated.WithLabelValues(p.TradePair.ID()).Inc()
		e.metrics.OpenPositions.Set(float64(e.positions.OpenCount()))
		if shortfall > 0 {
			e.metrics.DebtForgiven.WithLabelValues(p.BorrowPair.ID()).Add(float64(shortfall))
		}
	}
	e.emit(&event.PositionLiquidated{
		PositionID:  p.ID,
		Participant: p.Participant,
		TradePair:   p.TradePair.ID(),
		Proceeds:    proceeds,
		Owed:        owed,
		Shortfall:   shortfall,
		Price:       price.Dec(),
		Timestamp:   now,
	}, p)

	e.log.Warn().
		Str("position", p.ID.String()).
		Int64("proceeds", proceeds).
		Int64("owed", owed).
		Int64("shortfall", shortfall).
		Msg("position liquidated")

	return true, nil
}

// Health evaluates a position against a price. When price is nil the
// current venue price is used.
func (e *Engine) Health(ctx context.Context, positionID uuid.UUID, price *uint256.Int) (position.Health, error) {
	p, err := e.positions.Get(positionID)
	if err != nil {
		return position.Health{}, err
	}
	if price == nil {
		price, err = e.collateralPrice(ctx, p)
		if err != nil {
			return position.Health{}, err
		}
	}
	return position.EvaluateHealth(p, price)
}

// Position returns a copy of the position record.
func (e *Engine) Position(id uuid.UUID) (*position.Position, error) {
	return e.positions.Get(id)
}

// Positions lists a participant's positions in open order.
func (e *Engine) Positions(participant uuid.UUID) []*position.Position {
	return e.positions.ByParticipant(participant)
}

// OpenByTradePair is the keeper's scan set.
func (e *Engine) OpenByTradePair(pairID string) []*position.Position {
	return e.positions.OpenByTradePair(pairID)
}

// CollateralPrice reports the position's current collateral-per-target
// price, composed through the bridge leg when one exists.
func (e *Engine) CollateralPrice(ctx context.Context, positionID uuid.UUID) (*uint256.Int, error) {
	p, err := e.positions.Get(positionID)
	if err != nil {
		return nil, err
	}
	return e.collateralPrice(ctx, p)
}

func (e *Engine) collateralPrice(ctx context.Context, p *position.Position) (*uint256.Int, error) {
	target, err := e.oracle.PriceOf(ctx, p.TradePair, p.TargetAsset)
	if err != nil {
		return nil, err
	}
	if !p.Bridged() {
		return target, nil
	}

	bridge, err := e.oracle.PriceOf(ctx, p.BorrowPair, p.BridgeAsset)
	if err != nil {
		return nil, err
	}
	composed, overflow := new(uint256.Int).MulOverflow(target, bridge)
	if overflow {
		return nil, fmt.Errorf("%w: composed price overflows", oracle.ErrInvalidPrice)
	}
	return composed.Div(composed, uint256.MustFromBig(fpmath.Wad)), nil
}

func (e *Engine) entryPrice(ctx context.Context, req OpenRequest) (*uint256.Int, error) {
	probe := &position.Position{
		BorrowPair:      req.BorrowPair,
		TradePair:       req.TradePair,
		CollateralAsset: req.CollateralAsset,
		BridgeAsset:     req.BridgeAsset,
		TargetAsset:     req.TargetAsset,
	}
	return e.collateralPrice(ctx, probe)
}

// emit assigns a sequence, wraps the payload, and pushes it downstream.
// The persist channel blocks; the publish channel drops.
func (e *Engine) emit(ev event.Event, p *position.Position) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.log.Error().Err(err).Str("type", ev.Type().String()).Msg("encode event payload")
		return
	}

	e.sequence++
	out := Output{
		Envelope: &event.Envelope{
			Sequence:       e.sequence,
			IdempotencyKey: ev.IdempotencyKey(),
			Type:           ev.Type(),
			PairID:         ev.PairID(),
			Timestamp:      e.now(),
			Payload:        payload,
		},
		Position: p,
	}

	if e.persistCh != nil {
		if e.metrics != nil && len(e.persistCh) == cap(e.persistCh) {
			e.metrics.PersistBackpressure.Inc()
		}
		e.persistCh <- out
	}
	if e.publishCh != nil {
		select {
		case e.publishCh <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
			e.log.Warn().Int64("sequence", out.Envelope.Sequence).Msg("publish channel full, dropping event")
		}
	}
}

// Sequence reports the last assigned event sequence.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// Holdings reports the engine's custody book, for reconciliation.
func (e *Engine) Holdings() map[string]int64 {
	return e.holdings.Snapshot()
}

// Restore reloads one persisted open position into the in-memory index on
// startup. Debt counters are restored separately through the lending
// manager.
func (e *Engine) Restore(p *position.Position) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.positions.Put(p); err != nil {
		return err
	}
	if p.Status == position.StatusOpen {
		e.credit(p.TargetAsset, p.TargetHolding)
	}
	if e.metrics != nil {
		e.metrics.OpenPositions.Set(float64(e.positions.OpenCount()))
	}
	return nil
}

// credit/debit mirror external transfers in the engine's custody book. A
// debit failure means the engine settled assets it does not hold; it is
// logged loudly but the operation itself has already moved real balances.
func (e *Engine) credit(asset string, amount int64) {
	if err := e.holdings.Credit(asset, amount); err != nil {
		e.log.Error().Err(err).Str("asset", asset).Msg("custody book credit failed")
	}
}

func (e *Engine) debit(asset string, amount int64) {
	if err := e.holdings.Debit(asset, amount); err != nil {
		e.log.Error().Err(err).Str("asset", asset).Msg("custody book debit failed")
	}
}

func (e *Engine) observeOp(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.OperationsRejected.WithLabelValues(op, Classify(err).String()).Inc()
	}
}
