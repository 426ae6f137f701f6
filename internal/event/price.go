package event

import "fmt"

// PriceUpdated is a venue price tick consumed by the liquidation keeper.
type PriceUpdated struct {
	Pair          string `json:"pair"`
	Price         string `json:"price"` // wad, decimal string
	PriceSequence int64  `json:"price_sequence"`
	PriceTime     int64  `json:"price_time"` // epoch microseconds
}

func (e *PriceUpdated) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", e.Pair, e.PriceSequence)
}

func (e *PriceUpdated) Type() EventType { return EventTypePriceUpdated }
func (e *PriceUpdated) PairID() string  { return e.Pair }

// PairConfigured records an administrative change to a pair's lending
// parameters.
type PairConfigured struct {
	Pair        string `json:"pair"`
	Active      bool   `json:"active"`
	MaxLend     int64  `json:"max_lend"`
	MaxLeverage int64  `json:"max_leverage"`
	FeeRateBps  int64  `json:"fee_rate_bps"`
}

func (e *PairConfigured) IdempotencyKey() string {
	return fmt.Sprintf("%s:configured:%d:%d:%d:%t", e.Pair, e.MaxLend, e.MaxLeverage, e.FeeRateBps, e.Active)
}

func (e *PairConfigured) Type() EventType { return EventTypePairConfigured }
func (e *PairConfigured) PairID() string  { return e.Pair }
