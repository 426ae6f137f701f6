package event

import (
	"time"

	"github.com/google/uuid"
)

// PositionOpened records a successfully opened leveraged position.
// Idempotency key: position id + ":opened".
type PositionOpened struct {
	PositionID       uuid.UUID `json:"position_id"`
	Participant      uuid.UUID `json:"participant"`
	TradePair        string    `json:"trade_pair"`
	BorrowPair       string    `json:"borrow_pair"`
	CollateralAsset  string    `json:"collateral_asset"`
	TargetAsset      string    `json:"target_asset"`
	CollateralAmount int64     `json:"collateral_amount"`
	BorrowedAmount   int64     `json:"borrowed_amount"`
	TargetHolding    int64     `json:"target_holding"`
	Leverage         int64     `json:"leverage"`
	EntryPrice       string    `json:"entry_price"` // wad, decimal string
	Timestamp        time.Time `json:"timestamp"`
}

func (e *PositionOpened) IdempotencyKey() string { return e.PositionID.String() + ":opened" }
func (e *PositionOpened) Type() EventType        { return EventTypePositionOpened }
func (e *PositionOpened) PairID() string         { return e.TradePair }

// PositionClosed records a voluntary close: swap back, debt plus fee
// repaid, remainder returned to the participant.
type PositionClosed struct {
	PositionID     uuid.UUID `json:"position_id"`
	Participant    uuid.UUID `json:"participant"`
	TradePair      string    `json:"trade_pair"`
	Proceeds       int64     `json:"proceeds"`
	Repayment      int64     `json:"repayment"`
	Fee            int64     `json:"fee"`
	ReturnedAmount int64     `json:"returned_amount"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e *PositionClosed) IdempotencyKey() string { return e.PositionID.String() + ":closed" }
func (e *PositionClosed) Type() EventType        { return EventTypePositionClosed }
func (e *PositionClosed) PairID() string         { return e.TradePair }

// PositionLiquidated records a forced close. Proceeds go to the lender up
// to the amount owed; any shortfall is forgiven and the participant
// receives nothing.
type PositionLiquidated struct {
	PositionID  uuid.UUID `json:"position_id"`
	Participant uuid.UUID `json:"participant"`
	TradePair   string    `json:"trade_pair"`
	Proceeds    int64     `json:"proceeds"`
	Owed        int64     `json:"owed"`
	Shortfall   int64     `json:"shortfall"`
	Price       string    `json:"price"` // wad, decimal string
	Timestamp   time.Time `json:"timestamp"`
}

func (e *PositionLiquidated) IdempotencyKey() string { return e.PositionID.String() + ":liquidated" }
func (e *PositionLiquidated) Type() EventType        { return EventTypePositionLiquidated }
func (e *PositionLiquidated) PairID() string         { return e.TradePair }
