package oracle_test

import (
	"context"
	"errors"
	"testing"

	fpmath "LevTrade/internal/math"
	"LevTrade/internal/oracle"
	"LevTrade/internal/venue"
)

func TestAdapter_Price(t *testing.T) {
	v := venue.NewMemVenue()
	pair := venue.MustPair("ETH", "USDT")
	// USDT per ETH = 4
	v.AddPool(pair, 1_000_000, 4_000_000)

	adapter := oracle.NewAdapter(v)
	price, err := adapter.Price(context.Background(), pair)
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}

	want := fpmath.WadFromUnits(4, 1)
	if price.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", price, want)
	}
}

func TestAdapter_Price_EmptyPool(t *testing.T) {
	v := venue.NewMemVenue()
	pair := venue.MustPair("ETH", "USDT")
	v.AddPool(pair, 0, 0)

	adapter := oracle.NewAdapter(v)
	_, err := adapter.Price(context.Background(), pair)
	if !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Errorf("got %v, want ErrInvalidPrice", err)
	}
}

func TestAdapter_Price_UnknownPair(t *testing.T) {
	adapter := oracle.NewAdapter(venue.NewMemVenue())
	_, err := adapter.Price(context.Background(), venue.MustPair("ETH", "USDT"))
	if !errors.Is(err, venue.ErrUnknownPair) {
		t.Errorf("got %v, want ErrUnknownPair", err)
	}
}

func TestAdapter_PriceOf_Inverse(t *testing.T) {
	v := venue.NewMemVenue()
	pair := venue.MustPair("ETH", "USDT")
	v.AddPool(pair, 1_000_000, 4_000_000)

	adapter := oracle.NewAdapter(v)
	ctx := context.Background()

	ethPrice, err := adapter.PriceOf(ctx, pair, "ETH")
	if err != nil {
		t.Fatalf("PriceOf ETH failed: %v", err)
	}
	if ethPrice.Cmp(fpmath.WadFromUnits(4, 1)) != 0 {
		t.Errorf("ETH price: got %s, want 4e18", ethPrice)
	}

	usdtPrice, err := adapter.PriceOf(ctx, pair, "USDT")
	if err != nil {
		t.Fatalf("PriceOf USDT failed: %v", err)
	}
	if usdtPrice.Cmp(fpmath.WadFromUnits(1, 4)) != 0 {
		t.Errorf("USDT price: got %s, want 0.25e18", usdtPrice)
	}
}

func TestAdapter_PriceOf_UnknownAsset(t *testing.T) {
	v := venue.NewMemVenue()
	pair := venue.MustPair("ETH", "USDT")
	v.AddPool(pair, 1, 1)

	adapter := oracle.NewAdapter(v)
	_, err := adapter.PriceOf(context.Background(), pair, "BTC")
	if !errors.Is(err, venue.ErrUnknownAsset) {
		t.Errorf("got %v, want ErrUnknownAsset", err)
	}
}
