package ingestion

import (
	"encoding/json"
	"fmt"

	"LevTrade/internal/event"
	fpmath "LevTrade/internal/math"

	"github.com/holiman/uint256"
)

// priceUpdateJSON is the wire format of a price tick. Producers send
// either the pool's raw Q64.96 square-root price or an already converted
// wad price as a decimal string; sqrt_price_x96 wins when both are set.
type priceUpdateJSON struct {
	Pair         string `json:"pair"`
	SqrtPriceX96 string `json:"sqrt_price_x96,omitempty"`
	Price        string `json:"price,omitempty"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

// ParsePriceUpdate validates and converts a raw price tick into the typed
// event consumed by the keeper.
func ParsePriceUpdate(data []byte) (event.PriceUpdated, error) {
	var j priceUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.PriceUpdated{}, fmt.Errorf("parse price tick: %w", err)
	}

	if j.Pair == "" {
		return event.PriceUpdated{}, fmt.Errorf("price tick missing pair")
	}
	if j.Sequence <= 0 {
		return event.PriceUpdated{}, fmt.Errorf("price tick for %s has sequence %d", j.Pair, j.Sequence)
	}

	var price *uint256.Int
	switch {
	case j.SqrtPriceX96 != "":
		sqrt, err := uint256.FromDecimal(j.SqrtPriceX96)
		if err != nil {
			return event.PriceUpdated{}, fmt.Errorf("parse sqrt_price_x96 %q: %w", j.SqrtPriceX96, err)
		}
		price, err = fpmath.PriceFromSqrtX96(sqrt)
		if err != nil {
			return event.PriceUpdated{}, fmt.Errorf("convert sqrt_price_x96 for %s: %w", j.Pair, err)
		}
	case j.Price != "":
		var err error
		price, err = uint256.FromDecimal(j.Price)
		if err != nil {
			return event.PriceUpdated{}, fmt.Errorf("parse price %q: %w", j.Price, err)
		}
	default:
		return event.PriceUpdated{}, fmt.Errorf("price tick for %s carries no price", j.Pair)
	}

	if price.IsZero() {
		return event.PriceUpdated{}, fmt.Errorf("price tick for %s is zero", j.Pair)
	}

	return event.PriceUpdated{
		Pair:          j.Pair,
		Price:         price.Dec(),
		PriceSequence: j.Sequence,
		PriceTime:     j.TimestampUs,
	}, nil
}
