package engine

import (
	"errors"

	"LevTrade/internal/auth"
	"LevTrade/internal/custody"
	"LevTrade/internal/lending"
	"LevTrade/internal/oracle"
	"LevTrade/internal/position"
	"LevTrade/internal/venue"
)

// Errors raised by the engine itself. Collaborator errors pass through
// wrapped and are sorted into classes by Classify.
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrPositionNotOpen     = errors.New("position is not open")
	ErrNotPositionOwner    = errors.New("caller is not the position participant")
	ErrUnderwaterClose     = errors.New("proceeds cannot cover repayment")
	ErrLeverageUnavailable = errors.New("full borrow amount unavailable")
)

// Class buckets every operation failure for logging and metrics. The same
// class decides what the caller may do next: validation and authorization
// failures are retryable with corrected input, venue failures mean the
// whole operation rolled back, invariant violations flag a sequencing bug.
type Class int

const (
	ClassInternal Class = iota
	ClassValidation
	ClassVenue
	ClassInvariant
	ClassAuthorization
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassVenue:
		return "venue"
	case ClassInvariant:
		return "invariant"
	case ClassAuthorization:
		return "authorization"
	default:
		return "internal"
	}
}

// Classify maps an operation error onto the taxonomy.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassInternal

	case errors.Is(err, auth.ErrUnauthorizedCaller),
		errors.Is(err, auth.ErrPaused),
		errors.Is(err, ErrNotPositionOwner):
		return ClassAuthorization

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, auth.ErrLeverageBounds),
		errors.Is(err, custody.ErrDelegationInactive),
		errors.Is(err, custody.ErrDelegationExpired),
		errors.Is(err, custody.ErrDelegationExceeded),
		errors.Is(err, custody.ErrInsufficientFunds),
		errors.Is(err, lending.ErrUnknownPair),
		errors.Is(err, lending.ErrPairInactive),
		errors.Is(err, lending.ErrCeilingExceeded),
		errors.Is(err, position.ErrNotFound),
		errors.Is(err, venue.ErrUnknownPair),
		errors.Is(err, venue.ErrUnknownAsset):
		return ClassValidation

	case errors.Is(err, venue.ErrInsufficientLiquidity),
		errors.Is(err, venue.ErrSlippage),
		errors.Is(err, venue.ErrZeroOutput),
		errors.Is(err, venue.ErrUninitializedPrice),
		errors.Is(err, oracle.ErrInvalidPrice),
		errors.Is(err, ErrLeverageUnavailable):
		return ClassVenue

	case errors.Is(err, ErrUnderwaterClose),
		errors.Is(err, ErrPositionNotOpen):
		return ClassInvariant
	}
	return ClassInternal
}
