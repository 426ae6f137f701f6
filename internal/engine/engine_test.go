package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"LevTrade/internal/auth"
	"LevTrade/internal/custody"
	"LevTrade/internal/engine"
	"LevTrade/internal/event"
	"LevTrade/internal/lending"
	fpmath "LevTrade/internal/math"
	"LevTrade/internal/oracle"
	"LevTrade/internal/position"
	"LevTrade/internal/swap"
	"LevTrade/internal/venue"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type harness struct {
	engine    *engine.Engine
	venue     *venue.MemVenue
	custody   *custody.MemService
	lending   *lending.Manager
	auth      *auth.Authorizer
	persistCh chan engine.Output

	faultVenue   *faultyVenue
	faultCustody *faultyCustody

	pair        venue.PairKey
	token       auth.Capability
	wallet      uuid.UUID
	participant uuid.UUID
}

// faultyVenue injects a repayment failure into an otherwise working venue.
type faultyVenue struct {
	*venue.MemVenue
	repayErr error
}

func (v *faultyVenue) RepayLiquidity(ctx context.Context, pair venue.PairKey, asset string, amount int64) error {
	if v.repayErr != nil {
		return v.repayErr
	}
	return v.MemVenue.RepayLiquidity(ctx, pair, asset, amount)
}

// faultyCustody injects a credit failure into an otherwise working custody
// service.
type faultyCustody struct {
	*custody.MemService
	creditErr error
}

func (c *faultyCustody) Credit(ctx context.Context, wallet uuid.UUID, asset string, amount int64) error {
	if c.creditErr != nil {
		return c.creditErr
	}
	return c.MemService.Credit(ctx, wallet, asset, amount)
}

// newHarness wires a full engine against an ETH/USDT pool at price 1.0
// with a funded, delegated participant wallet.
func newHarness(t *testing.T) *harness {
	t.Helper()

	mv := venue.NewMemVenue()
	pair := venue.MustPair("ETH", "USDT")
	mv.AddPool(pair, 1_000_000, 1_000_000)
	fv := &faultyVenue{MemVenue: mv}

	log := zerolog.Nop()
	lm := lending.NewManager(fv, log, nil)
	if err := lm.Configure(lending.PairConfig{
		Pair:        pair,
		Active:      true,
		MaxLend:     100_000,
		MaxLeverage: 5,
		FeeRateBps:  300,
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	cs := custody.NewMemService()
	fc := &faultyCustody{MemService: cs}
	wallet := uuid.New()
	participant := uuid.New()
	cs.Fund(wallet, "USDT", 1_000)
	cs.SetDelegation(wallet, "USDT", custody.StandingDelegation(10_000, time.Hour))

	az := auth.NewAuthorizer(log)
	az.AuthorizeCaller("platform-a", true)
	token, err := az.Grant("platform-a", participant)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}

	persistCh := make(chan engine.Output, 64)
	eng := engine.New(engine.Config{
		Positions: position.NewStore(),
		Lending:   lm,
		Swapper:   swap.NewExecutor(fv, log, nil),
		Oracle:    oracle.NewAdapter(mv),
		Custody:   fc,
		Auth:      az,
		PersistCh: persistCh,
		Log:       log,
	})

	return &harness{
		engine:       eng,
		venue:        mv,
		custody:      cs,
		lending:      lm,
		auth:         az,
		persistCh:    persistCh,
		faultVenue:   fv,
		faultCustody: fc,
		pair:         pair,
		token:        token,
		wallet:       wallet,
		participant:  participant,
	}
}

func (h *harness) openRequest() engine.OpenRequest {
	return engine.OpenRequest{
		Wallet:           h.wallet,
		BorrowPair:       h.pair,
		TradePair:        h.pair,
		CollateralAsset:  "USDT",
		BridgeAsset:      "USDT",
		TargetAsset:      "ETH",
		CollateralAmount: 100,
		Leverage:         5,
		MinTargetOut:     490,
	}
}

// checkDebtInvariant asserts the lending counter equals the sum of
// borrowed amounts over open positions.
func (h *harness) checkDebtInvariant(t *testing.T) {
	t.Helper()
	outstanding := h.lending.OutstandingDebt(h.pair.ID())
	var open int64
	for _, p := range h.engine.OpenByTradePair(h.pair.ID()) {
		open += p.BorrowedAmount
	}
	if outstanding != open {
		t.Errorf("debt counter %d != sum of open borrows %d", outstanding, open)
	}
}

func TestOpenFiveTimesLeverage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.engine.Open(ctx, h.token, h.openRequest())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	p, err := h.engine.Position(id)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}

	// Collateral 100 at 5x borrows exactly 400 and trades 500.
	if p.CollateralAmount != 100 {
		t.Errorf("collateral = %d, want 100", p.CollateralAmount)
	}
	if p.BorrowedAmount != 400 {
		t.Errorf("borrowed = %d, want 400", p.BorrowedAmount)
	}
	// 500 USDT into the pool after the 400 borrow: 1_000_000*500/1_000_100.
	if p.TargetHolding != 499 {
		t.Errorf("target holding = %d, want 499", p.TargetHolding)
	}
	if p.Status != position.StatusOpen {
		t.Errorf("status = %s, want Open", p.Status)
	}

	if bal := h.custody.Balance(h.wallet, "USDT"); bal != 900 {
		t.Errorf("wallet balance = %d, want 900", bal)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 400 {
		t.Errorf("outstanding debt = %d, want 400", debt)
	}
	h.checkDebtInvariant(t)

	select {
	case out := <-h.persistCh:
		if out.Envelope.Type != event.EventTypePositionOpened {
			t.Errorf("event type = %s, want PositionOpened", out.Envelope.Type)
		}
		if out.Envelope.Sequence != 1 {
			t.Errorf("sequence = %d, want 1", out.Envelope.Sequence)
		}
	default:
		t.Error("no event emitted on open")
	}
}

func TestRoundTripReturnsCollateralMinusFees(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.engine.Open(ctx, h.token, h.openRequest())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	remainder, err := h.engine.Close(ctx, h.token, id)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Owed = 400 + 3% fee = 412; exit swap of 499 ETH yields 499 USDT at
	// the near-unchanged price, so the participant gets back 87 of the
	// original 100 (12 fee plus swap rounding).
	if remainder != 87 {
		t.Errorf("remainder = %d, want 87", remainder)
	}
	if bal := h.custody.Balance(h.wallet, "USDT"); bal != 987 {
		t.Errorf("wallet balance = %d, want 987", bal)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 0 {
		t.Errorf("outstanding debt = %d, want 0", debt)
	}
	h.checkDebtInvariant(t)

	p, _ := h.engine.Position(id)
	if p.Status != position.StatusClosed {
		t.Errorf("status = %s, want Closed", p.Status)
	}
	if p.ClosedAt == nil {
		t.Error("ClosedAt not set")
	}
}

func TestDoubleCloseRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.engine.Open(ctx, h.token, h.openRequest())
	if _, err := h.engine.Close(ctx, h.token, id); err != nil {
		t.Fatalf("first Close: %v", err)
	}

	balBefore := h.custody.Balance(h.wallet, "USDT")
	debtBefore := h.lending.OutstandingDebt(h.pair.ID())

	_, err := h.engine.Close(ctx, h.token, id)
	if !errors.Is(err, engine.ErrPositionNotOpen) {
		t.Fatalf("second Close: err = %v, want ErrPositionNotOpen", err)
	}
	if engine.Classify(err) != engine.ClassInvariant {
		t.Errorf("class = %s, want invariant", engine.Classify(err))
	}

	if bal := h.custody.Balance(h.wallet, "USDT"); bal != balBefore {
		t.Error("second close moved custody funds")
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != debtBefore {
		t.Error("second close moved the debt counter")
	}
}

func TestCloseRequiresOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.engine.Open(ctx, h.token, h.openRequest())

	other, _ := h.auth.Grant("platform-a", uuid.New())
	_, err := h.engine.Close(ctx, other, id)
	if !errors.Is(err, engine.ErrNotPositionOwner) {
		t.Fatalf("err = %v, want ErrNotPositionOwner", err)
	}
	if engine.Classify(err) != engine.ClassAuthorization {
		t.Errorf("class = %s, want authorization", engine.Classify(err))
	}

	p, _ := h.engine.Position(id)
	if p.Status != position.StatusOpen {
		t.Error("foreign close mutated the position")
	}
}

func TestLeverageAbovePairMaxRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := h.openRequest()
	req.Leverage = 10 // pair max is 5

	_, err := h.engine.Open(ctx, h.token, req)
	if !errors.Is(err, auth.ErrLeverageBounds) {
		t.Fatalf("err = %v, want ErrLeverageBounds", err)
	}
	if engine.Classify(err) != engine.ClassValidation {
		t.Errorf("class = %s, want validation", engine.Classify(err))
	}

	// Nothing moved.
	if bal := h.custody.Balance(h.wallet, "USDT"); bal != 1_000 {
		t.Errorf("wallet balance = %d, want 1000", bal)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 0 {
		t.Errorf("outstanding debt = %d, want 0", debt)
	}
	r0, r1, _ := h.venue.Reserves(h.pair)
	if r0 != 1_000_000 || r1 != 1_000_000 {
		t.Error("rejected open moved pool reserves")
	}
}

func TestOpenRollsBackWhenFullBorrowUnavailable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Shrink the pool so the 1/20 cap (350) is below the 400 needed.
	h.venue.AddPool(h.pair, 7_000, 7_000)

	_, err := h.engine.Open(ctx, h.token, h.openRequest())
	if !errors.Is(err, engine.ErrLeverageUnavailable) {
		t.Fatalf("err = %v, want ErrLeverageUnavailable", err)
	}
	if engine.Classify(err) != engine.ClassVenue {
		t.Errorf("class = %s, want venue", engine.Classify(err))
	}

	// Full rollback: collateral returned, partial borrow repaid.
	if bal := h.custody.Balance(h.wallet, "USDT"); bal != 1_000 {
		t.Errorf("wallet balance = %d, want 1000", bal)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 0 {
		t.Errorf("outstanding debt = %d, want 0", debt)
	}
	r0, r1, _ := h.venue.Reserves(h.pair)
	if r0 != 7_000 || r1 != 7_000 {
		t.Errorf("reserves = %d/%d, want 7000/7000", r0, r1)
	}
	for asset, amount := range h.engine.Holdings() {
		if amount != 0 {
			t.Errorf("engine still holds %d %s after rollback", amount, asset)
		}
	}
}

func TestOpenRollsBackOnSlippage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := h.openRequest()
	req.MinTargetOut = 600 // unreachable for a 500 input

	_, err := h.engine.Open(ctx, h.token, req)
	if !errors.Is(err, venue.ErrSlippage) {
		t.Fatalf("err = %v, want ErrSlippage", err)
	}

	if bal := h.custody.Balance(h.wallet, "USDT"); bal != 1_000 {
		t.Errorf("wallet balance = %d, want 1000", bal)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 0 {
		t.Errorf("outstanding debt = %d, want 0", debt)
	}
	r0, r1, _ := h.venue.Reserves(h.pair)
	if r0 != 1_000_000 || r1 != 1_000_000 {
		t.Errorf("reserves = %d/%d, want untouched pool", r0, r1)
	}
}

func TestHealthyPositionNotLiquidated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.engine.Open(ctx, h.token, h.openRequest())

	liquidated, err := h.engine.Liquidate(ctx, id)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if liquidated {
		t.Error("healthy position was liquidated")
	}

	p, _ := h.engine.Position(id)
	if p.Status != position.StatusOpen {
		t.Errorf("status = %s, want Open", p.Status)
	}
}

func TestPriceCrashTriggersLiquidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.engine.Open(ctx, h.token, h.openRequest())

	// Price drops to a sixth of entry: holding worth ~83 against a
	// threshold of 100 (notional 500 at 5x).
	h.venue.AddPool(h.pair, 6_000_000, 1_000_000)

	hlt, err := h.engine.Health(ctx, id, nil)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if hlt.IsHealthy {
		t.Fatalf("position still healthy at a sixth of entry: %+v", hlt)
	}
	if hlt.LiquidationThreshold != 100 {
		t.Errorf("threshold = %d, want 100", hlt.LiquidationThreshold)
	}

	liquidated, err := h.engine.Liquidate(ctx, id)
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if !liquidated {
		t.Fatal("underwater position not liquidated")
	}

	p, _ := h.engine.Position(id)
	if p.Status != position.StatusLiquidated {
		t.Errorf("status = %s, want Liquidated", p.Status)
	}

	// Participant receives nothing; the debt counter is fully cleared
	// even though proceeds fell short of the amount owed.
	if bal := h.custody.Balance(h.wallet, "USDT"); bal != 900 {
		t.Errorf("wallet balance = %d, want 900", bal)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 0 {
		t.Errorf("outstanding debt = %d, want 0", debt)
	}
	h.checkDebtInvariant(t)

	// Liquidation is terminal: a second attempt fails the status guard.
	if _, err := h.engine.Liquidate(ctx, id); !errors.Is(err, engine.ErrPositionNotOpen) {
		t.Errorf("second liquidate: err = %v, want ErrPositionNotOpen", err)
	}
}

func TestUnderwaterCloseRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.engine.Open(ctx, h.token, h.openRequest())
	h.venue.AddPool(h.pair, 6_000_000, 1_000_000)

	_, err := h.engine.Close(ctx, h.token, id)
	if !errors.Is(err, engine.ErrUnderwaterClose) {
		t.Fatalf("err = %v, want ErrUnderwaterClose", err)
	}
	if engine.Classify(err) != engine.ClassInvariant {
		t.Errorf("class = %s, want invariant", engine.Classify(err))
	}

	// The rejected exit never touched the pool or the position.
	p, _ := h.engine.Position(id)
	if p.Status != position.StatusOpen {
		t.Errorf("status = %s, want Open", p.Status)
	}
	r0, r1, _ := h.venue.Reserves(h.pair)
	if r0 != 6_000_000 || r1 != 1_000_000 {
		t.Errorf("reserves = %d/%d, want untouched crash pool", r0, r1)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 400 {
		t.Errorf("outstanding debt = %d, want 400", debt)
	}
}

func TestCloseRollsBackWhenParticipantCreditFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.engine.Open(ctx, h.token, h.openRequest())

	h.faultCustody.creditErr = errors.New("custody unavailable")
	if _, err := h.engine.Close(ctx, h.token, id); err == nil {
		t.Fatal("Close succeeded with custody down")
	}

	// The failed settlement reinstated the debt and swapped the proceeds
	// back into the holding; nothing reached the wallet.
	p, _ := h.engine.Position(id)
	if p.Status != position.StatusOpen {
		t.Fatalf("status = %s, want Open", p.Status)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 400 {
		t.Errorf("outstanding debt = %d, want 400", debt)
	}
	h.checkDebtInvariant(t)
	if p.TargetHolding != 498 {
		t.Errorf("holding = %d, want 498 (re-priced by the round trip)", p.TargetHolding)
	}
	if bal := h.custody.Balance(h.wallet, "USDT"); bal != 900 {
		t.Errorf("wallet balance = %d, want 900", bal)
	}

	// With custody back, the retry settles exactly once: one exit swap,
	// one repayment.
	h.faultCustody.creditErr = nil
	remainder, err := h.engine.Close(ctx, h.token, id)
	if err != nil {
		t.Fatalf("retry Close: %v", err)
	}
	if remainder != 86 {
		t.Errorf("remainder = %d, want 86", remainder)
	}
	if bal := h.custody.Balance(h.wallet, "USDT"); bal != 986 {
		t.Errorf("wallet balance = %d, want 986", bal)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 0 {
		t.Errorf("outstanding debt = %d, want 0", debt)
	}
	h.checkDebtInvariant(t)
}

func TestCloseRollsBackWhenRepayFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.engine.Open(ctx, h.token, h.openRequest())

	h.faultVenue.repayErr = errors.New("venue rejected repayment")
	if _, err := h.engine.Close(ctx, h.token, id); err == nil {
		t.Fatal("Close succeeded with the venue rejecting repayments")
	}

	p, _ := h.engine.Position(id)
	if p.Status != position.StatusOpen {
		t.Fatalf("status = %s, want Open", p.Status)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 400 {
		t.Errorf("outstanding debt = %d, want 400", debt)
	}
	h.checkDebtInvariant(t)
	if p.TargetHolding != 498 {
		t.Errorf("holding = %d, want 498 (re-priced by the round trip)", p.TargetHolding)
	}
	if bal := h.custody.Balance(h.wallet, "USDT"); bal != 900 {
		t.Errorf("wallet balance = %d, want 900", bal)
	}

	h.faultVenue.repayErr = nil
	remainder, err := h.engine.Close(ctx, h.token, id)
	if err != nil {
		t.Fatalf("retry Close: %v", err)
	}
	if remainder != 86 {
		t.Errorf("remainder = %d, want 86", remainder)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 0 {
		t.Errorf("outstanding debt = %d, want 0", debt)
	}
	h.checkDebtInvariant(t)
}

func TestLiquidateRollsBackWhenRepayFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.engine.Open(ctx, h.token, h.openRequest())
	h.venue.AddPool(h.pair, 6_000_000, 1_000_000)

	h.faultVenue.repayErr = errors.New("venue rejected repayment")
	liquidated, err := h.engine.Liquidate(ctx, id)
	if err == nil {
		t.Fatal("Liquidate succeeded with the venue rejecting repayments")
	}
	if liquidated {
		t.Fatal("failed liquidation reported success")
	}

	// Debt reinstated, holding restored, position still open for the
	// keeper's next scan.
	p, _ := h.engine.Position(id)
	if p.Status != position.StatusOpen {
		t.Fatalf("status = %s, want Open", p.Status)
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 400 {
		t.Errorf("outstanding debt = %d, want 400", debt)
	}
	h.checkDebtInvariant(t)
	if p.TargetHolding <= 0 {
		t.Errorf("holding = %d, want re-priced holding", p.TargetHolding)
	}

	h.faultVenue.repayErr = nil
	liquidated, err = h.engine.Liquidate(ctx, id)
	if err != nil {
		t.Fatalf("retry Liquidate: %v", err)
	}
	if !liquidated {
		t.Fatal("retry did not liquidate the underwater position")
	}
	if debt := h.lending.OutstandingDebt(h.pair.ID()); debt != 0 {
		t.Errorf("outstanding debt = %d, want 0", debt)
	}
	h.checkDebtInvariant(t)

	// The participant still receives nothing from a liquidation.
	if bal := h.custody.Balance(h.wallet, "USDT"); bal != 900 {
		t.Errorf("wallet balance = %d, want 900", bal)
	}
}

func TestExpiredDelegationRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.custody.SetDelegation(h.wallet, "USDT", custody.Delegation{
		Active:    true,
		MaxAmount: 10_000,
		ExpiresAt: time.Now().Add(-time.Minute),
	})

	_, err := h.engine.Open(ctx, h.token, h.openRequest())
	if !errors.Is(err, custody.ErrDelegationExpired) {
		t.Fatalf("err = %v, want ErrDelegationExpired", err)
	}
	if bal := h.custody.Balance(h.wallet, "USDT"); bal != 1_000 {
		t.Errorf("wallet balance = %d, want 1000", bal)
	}
}

func TestBridgedOpenAndClose(t *testing.T) {
	mv := venue.NewMemVenue()
	borrowPair := venue.MustPair("USDC", "USDT")
	tradePair := venue.MustPair("ETH", "USDT")
	mv.AddPool(borrowPair, 2_000_000, 2_000_000)
	mv.AddPool(tradePair, 1_000_000, 1_000_000)

	log := zerolog.Nop()
	lm := lending.NewManager(mv, log, nil)
	if err := lm.Configure(lending.PairConfig{
		Pair:        borrowPair,
		Active:      true,
		MaxLend:     100_000,
		MaxLeverage: 5,
		FeeRateBps:  300,
	}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	cs := custody.NewMemService()
	wallet := uuid.New()
	cs.Fund(wallet, "USDC", 10_000)
	cs.SetDelegation(wallet, "USDC", custody.StandingDelegation(100_000, time.Hour))

	az := auth.NewAuthorizer(log)
	az.AuthorizeCaller("platform-a", true)
	token, _ := az.Grant("platform-a", uuid.New())

	eng := engine.New(engine.Config{
		Positions: position.NewStore(),
		Lending:   lm,
		Swapper:   swap.NewExecutor(mv, log, nil),
		Oracle:    oracle.NewAdapter(mv),
		Custody:   cs,
		Auth:      az,
		Log:       log,
	})
	ctx := context.Background()

	// Collateral USDC bridges through USDT into ETH.
	id, err := eng.Open(ctx, token, engine.OpenRequest{
		Wallet:           wallet,
		BorrowPair:       borrowPair,
		TradePair:        tradePair,
		CollateralAsset:  "USDC",
		BridgeAsset:      "USDT",
		TargetAsset:      "ETH",
		CollateralAmount: 1_000,
		Leverage:         3,
		MinTargetOut:     2_900,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	p, _ := eng.Position(id)
	if !p.Bridged() {
		t.Fatal("position should be bridged")
	}
	if p.BorrowedAmount != 2_000 {
		t.Errorf("borrowed = %d, want 2000", p.BorrowedAmount)
	}
	if p.TargetHolding < 2_900 {
		t.Errorf("holding = %d, below min target out", p.TargetHolding)
	}

	remainder, err := eng.Close(ctx, token, id)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Borrow fee 60 plus four swap legs of rounding: most collateral
	// comes back.
	if remainder < 900 || remainder > 1_000 {
		t.Errorf("remainder = %d, want near 940", remainder)
	}
	if debt := lm.OutstandingDebt(borrowPair.ID()); debt != 0 {
		t.Errorf("outstanding debt = %d, want 0", debt)
	}
}

func TestHealthQueryWithPriceOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.engine.Open(ctx, h.token, h.openRequest())

	// Entry price 1.0: the 499 holding appraises at 499 against a 100
	// threshold.
	hlt, err := h.engine.Health(ctx, id, fpmath.WadFromUnits(1, 1))
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if hlt.CurrentValue != 499 {
		t.Errorf("CurrentValue = %d, want 499", hlt.CurrentValue)
	}
	if !hlt.IsHealthy {
		t.Error("position at entry price should be healthy")
	}
	if hlt.PnL != -1 {
		t.Errorf("PnL = %d, want -1 (swap rounding)", hlt.PnL)
	}
}

func TestRestoreRebuildsOpenState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, _ := h.engine.Open(ctx, h.token, h.openRequest())
	orig, _ := h.engine.Position(id)

	// A fresh engine simulating restart: restore the position and debt.
	eng2 := engine.New(engine.Config{
		Positions: position.NewStore(),
		Lending:   h.lending,
		Swapper:   swap.NewExecutor(h.venue, zerolog.Nop(), nil),
		Oracle:    oracle.NewAdapter(h.venue),
		Custody:   h.custody,
		Auth:      h.auth,
		Log:       zerolog.Nop(),
	})
	if err := eng2.Restore(orig); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	p, err := eng2.Position(id)
	if err != nil {
		t.Fatalf("Position after restore: %v", err)
	}
	if p.BorrowedAmount != orig.BorrowedAmount || p.Status != position.StatusOpen {
		t.Errorf("restored position mismatch: %+v", p)
	}

	// The restored engine can settle the position normally.
	remainder, err := eng2.Close(ctx, h.token, id)
	if err != nil {
		t.Fatalf("Close after restore: %v", err)
	}
	if remainder != 87 {
		t.Errorf("remainder = %d, want 87", remainder)
	}
}
