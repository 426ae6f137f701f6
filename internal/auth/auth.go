package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rs/zerolog"
)

var (
	ErrUnauthorizedCaller = errors.New("caller not authorized for leveraged trades")
	ErrPaused             = errors.New("engine is paused")
	ErrLeverageBounds     = errors.New("leverage outside allowed bounds")
)

// MinLeverage is the lowest multiplier that still borrows anything.
const MinLeverage = 2

// DefaultGlobalMaxLeverage bounds every pair until an administrator raises
// or lowers it.
const DefaultGlobalMaxLeverage = 10

// Capability is proof that a request passed caller authorization. It is an
// explicit token handed to engine operations rather than ambient identity:
// whoever holds it acts for Participant.
type Capability struct {
	Caller      string
	Participant uuid.UUID
	IssuedAt    time.Time
}

// Authorizer owns the caller allow-list, the pause flag, and the global
// leverage cap. All three are administrator-writable and read at request
// validation time, never from an earlier snapshot.
type Authorizer struct {
	mu          sync.RWMutex
	callers     map[string]bool
	paused      bool
	maxLeverage int64

	log zerolog.Logger
}

func NewAuthorizer(log zerolog.Logger) *Authorizer {
	return &Authorizer{
		callers:     make(map[string]bool),
		maxLeverage: DefaultGlobalMaxLeverage,
		log:         log.With().Str("component", "auth").Logger(),
	}
}

// Grant validates the caller and issues a capability for the participant.
// Fails closed: unknown callers and a paused engine both reject.
func (a *Authorizer) Grant(caller string, participant uuid.UUID) (Capability, error) {
	if caller == "" {
		return Capability{}, fmt.Errorf("%w: empty caller identity", ErrUnauthorizedCaller)
	}
	if participant == uuid.Nil {
		return Capability{}, errors.New("missing participant identity")
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.paused {
		return Capability{}, ErrPaused
	}
	if !a.callers[caller] {
		return Capability{}, fmt.Errorf("%w: %s", ErrUnauthorizedCaller, caller)
	}

	return Capability{
		Caller:      caller,
		Participant: participant,
		IssuedAt:    time.Now(),
	}, nil
}

// AuthorizeCaller flips a caller's allow-list entry (admin-only surface).
func (a *Authorizer) AuthorizeCaller(caller string, allowed bool) error {
	if caller == "" {
		return errors.New("empty caller identity")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.callers[caller] = allowed
	a.log.Info().Str("caller", caller).Bool("allowed", allowed).Msg("caller authorization updated")
	return nil
}

// IsAuthorized reports the caller's current allow-list entry.
func (a *Authorizer) IsAuthorized(caller string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.callers[caller]
}

// SetPaused toggles the global pause flag (admin-only surface).
func (a *Authorizer) SetPaused(paused bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.paused = paused
	a.log.Warn().Bool("paused", paused).Msg("pause state changed")
}

// IsPaused reports the current pause flag.
func (a *Authorizer) IsPaused() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.paused
}

// SetGlobalMaxLeverage updates the engine-wide leverage cap (admin-only
// surface).
func (a *Authorizer) SetGlobalMaxLeverage(max int64) error {
	if max < MinLeverage {
		return fmt.Errorf("global max leverage must be >= %d, got %d", MinLeverage, max)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.maxLeverage = max
	a.log.Info().Int64("max_leverage", max).Msg("global max leverage updated")
	return nil
}

// GlobalMaxLeverage reports the current engine-wide cap.
func (a *Authorizer) GlobalMaxLeverage() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.maxLeverage
}

// ValidateLeverage checks a requested multiplier against the global cap and
// the pair's own cap.
func (a *Authorizer) ValidateLeverage(leverage, pairMax int64) error {
	a.mu.RLock()
	globalMax := a.maxLeverage
	a.mu.RUnlock()

	max := globalMax
	if pairMax > 0 && pairMax < max {
		max = pairMax
	}
	if leverage < MinLeverage || leverage > max {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrLeverageBounds, leverage, MinLeverage, max)
	}
	return nil
}

// Snapshot returns the current allow-list for persistence.
func (a *Authorizer) Snapshot() map[string]bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]bool, len(a.callers))
	for k, v := range a.callers {
		out[k] = v
	}
	return out
}

// Restore seeds the allow-list from persisted state on startup.
func (a *Authorizer) Restore(callers map[string]bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for k, v := range callers {
		a.callers[k] = v
	}
}
