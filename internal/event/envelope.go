package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypePositionLiquidated
	EventTypePriceUpdated
	EventTypePairConfigured
)

// Envelope wraps every event in the engine's log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key (position id + lifecycle step)
	IdempotencyKey string

	// Event type discriminator
	Type EventType

	// Trade pair context (empty for global events)
	PairID string

	// Time the engine applied the event
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// Type returns the discriminator
	Type() EventType

	// PairID returns the trade pair context (empty for global events)
	PairID() string
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypePositionLiquidated:
		return "PositionLiquidated"
	case EventTypePriceUpdated:
		return "PriceUpdated"
	case EventTypePairConfigured:
		return "PairConfigured"
	default:
		return "Unknown"
	}
}
