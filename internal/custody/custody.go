package custody

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors returned by delegation validation and transfers.
var (
	ErrDelegationInactive = errors.New("trade delegation inactive")
	ErrDelegationExpired  = errors.New("trade delegation expired")
	ErrDelegationExceeded = errors.New("amount exceeds delegated capacity")
	ErrInsufficientFunds  = errors.New("insufficient custody balance")
)

// Delegation is an owner-signed, expiring, amount-capped authorization that
// lets the engine trade a participant's funds. All three fields are
// re-validated at request time, never cached.
type Delegation struct {
	Active    bool
	MaxAmount int64
	ExpiresAt time.Time
}

// Validate checks the delegation against a requested amount at a point in
// time.
func (d Delegation) Validate(amount int64, now time.Time) error {
	if !d.Active {
		return ErrDelegationInactive
	}
	if !now.Before(d.ExpiresAt) {
		return ErrDelegationExpired
	}
	if amount > d.MaxAmount {
		return ErrDelegationExceeded
	}
	return nil
}

// Service is the custody collaborator: it owns participant funds and moves
// them to and from the engine. Wallet identity is the participant's custody
// wallet reference recorded on the position.
type Service interface {
	// Delegation returns the participant's current trade delegation for an
	// asset.
	Delegation(ctx context.Context, wallet uuid.UUID, asset string) (Delegation, error)

	// Pull moves amount of asset from the participant's wallet into the
	// engine. Fails without partial transfer.
	Pull(ctx context.Context, wallet uuid.UUID, asset string, amount int64) error

	// Credit moves amount of asset from the engine back to the
	// participant's wallet.
	Credit(ctx context.Context, wallet uuid.UUID, asset string, amount int64) error
}
