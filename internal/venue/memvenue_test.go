package venue_test

import (
	"context"
	"errors"
	"testing"

	"LevTrade/internal/venue"
)

func TestNewPairKey_CanonicalOrdering(t *testing.T) {
	a, err := venue.NewPairKey("USDT", "ETH")
	if err != nil {
		t.Fatalf("NewPairKey failed: %v", err)
	}
	b, err := venue.NewPairKey("ETH", "USDT")
	if err != nil {
		t.Fatalf("NewPairKey failed: %v", err)
	}

	if a != b {
		t.Errorf("pair keys differ by input order: %v vs %v", a, b)
	}
	if a.Asset0 != "ETH" || a.Asset1 != "USDT" {
		t.Errorf("unexpected ordering: %v", a)
	}
	if a.ID() != "ETH/USDT" {
		t.Errorf("got ID %q, want ETH/USDT", a.ID())
	}
}

func TestNewPairKey_Invalid(t *testing.T) {
	if _, err := venue.NewPairKey("ETH", "ETH"); err == nil {
		t.Error("same-asset pair should fail")
	}
	if _, err := venue.NewPairKey("", "ETH"); err == nil {
		t.Error("empty asset should fail")
	}
}

func TestParsePairID_RoundTrip(t *testing.T) {
	pair := venue.MustPair("ETH", "USDT")
	parsed, err := venue.ParsePairID(pair.ID())
	if err != nil {
		t.Fatalf("ParsePairID failed: %v", err)
	}
	if parsed != pair {
		t.Errorf("got %v, want %v", parsed, pair)
	}
}

func TestMemVenue_SqrtPrice(t *testing.T) {
	v := venue.NewMemVenue()
	pair := venue.MustPair("ETH", "USDT")

	// reserve1/reserve0 = 4 -> sqrtPrice = 2 * 2^96
	v.AddPool(pair, 1_000_000, 4_000_000)

	sqrt, err := v.SqrtPriceX96(context.Background(), pair)
	if err != nil {
		t.Fatalf("SqrtPriceX96 failed: %v", err)
	}

	// sqrt / 2^96 should equal 2
	got := sqrt.Rsh(sqrt, 96).Uint64()
	if got != 2 {
		t.Errorf("got sqrt ratio %d, want 2", got)
	}
}

func TestMemVenue_SqrtPrice_UnknownPair(t *testing.T) {
	v := venue.NewMemVenue()
	_, err := v.SqrtPriceX96(context.Background(), venue.MustPair("ETH", "USDT"))
	if !errors.Is(err, venue.ErrUnknownPair) {
		t.Errorf("got %v, want ErrUnknownPair", err)
	}
}

func TestMemVenue_BorrowAndRepay(t *testing.T) {
	v := venue.NewMemVenue()
	pair := venue.MustPair("ETH", "USDT")
	v.AddPool(pair, 1_000, 50_000)

	ctx := context.Background()

	if err := v.BorrowLiquidity(ctx, pair, "USDT", 10_000); err != nil {
		t.Fatalf("borrow failed: %v", err)
	}

	avail, err := v.AvailableLiquidity(ctx, pair, "USDT")
	if err != nil {
		t.Fatalf("AvailableLiquidity failed: %v", err)
	}
	if avail != 40_000 {
		t.Errorf("got %d available, want 40_000", avail)
	}

	if err := v.RepayLiquidity(ctx, pair, "USDT", 10_000); err != nil {
		t.Fatalf("repay failed: %v", err)
	}

	avail, _ = v.AvailableLiquidity(ctx, pair, "USDT")
	if avail != 50_000 {
		t.Errorf("got %d available after repay, want 50_000", avail)
	}
}

func TestMemVenue_Borrow_Insufficient(t *testing.T) {
	v := venue.NewMemVenue()
	pair := venue.MustPair("ETH", "USDT")
	v.AddPool(pair, 1_000, 5_000)

	err := v.BorrowLiquidity(context.Background(), pair, "USDT", 10_000)
	if !errors.Is(err, venue.ErrInsufficientLiquidity) {
		t.Errorf("got %v, want ErrInsufficientLiquidity", err)
	}
}

func TestMemVenue_SwapExactIn(t *testing.T) {
	v := venue.NewMemVenue()
	pair := venue.MustPair("ETH", "USDT")
	v.AddPool(pair, 1_000_000, 1_000_000)

	out, err := v.SwapExactIn(context.Background(), pair, "USDT", 100_000, 0)
	if err != nil {
		t.Fatalf("swap failed: %v", err)
	}

	// Constant product: out = 1_000_000 * 100_000 / 1_100_000 = 90_909
	if out != 90_909 {
		t.Errorf("got %d out, want 90_909", out)
	}

	r0, r1, _ := v.Reserves(pair)
	if r0 != 1_000_000-90_909 {
		t.Errorf("reserve0: got %d, want %d", r0, 1_000_000-90_909)
	}
	if r1 != 1_100_000 {
		t.Errorf("reserve1: got %d, want 1_100_000", r1)
	}
}

func TestMemVenue_Swap_ZeroOutput(t *testing.T) {
	v := venue.NewMemVenue()
	pair := venue.MustPair("ETH", "USDT")
	v.AddPool(pair, 1, 1_000_000_000)

	// Tiny input against a huge in-side reserve rounds the output to zero.
	_, err := v.SwapExactIn(context.Background(), pair, "USDT", 1, 0)
	if !errors.Is(err, venue.ErrZeroOutput) {
		t.Errorf("got %v, want ErrZeroOutput", err)
	}
}

func TestMemVenue_Swap_SlippageLeavesPoolUntouched(t *testing.T) {
	v := venue.NewMemVenue()
	pair := venue.MustPair("ETH", "USDT")
	v.AddPool(pair, 1_000_000, 1_000_000)

	_, err := v.SwapExactIn(context.Background(), pair, "USDT", 100_000, 95_000)
	if !errors.Is(err, venue.ErrSlippage) {
		t.Fatalf("got %v, want ErrSlippage", err)
	}

	r0, r1, _ := v.Reserves(pair)
	if r0 != 1_000_000 || r1 != 1_000_000 {
		t.Errorf("reserves changed on rejected swap: %d/%d", r0, r1)
	}
}
