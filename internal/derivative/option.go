// Package derivative owns the outstanding derivative instances and their
// lifecycle state machines. Options move ACTIVE -> EXERCISED or ACTIVE ->
// EXPIRED exactly once; leveraged positions exist only while open and leave
// the registry on close or liquidation. Both transitions are idempotent
// guarded: a second attempt on a settled instance fails instead of paying
// twice.
//
// Variant tags (kind, settlement mode, side) are typed strings matched
// exhaustively in settlement code; an unknown tag is an error, not a silent
// default.
package derivative

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OptionKind tags an option as a call or a put.
type OptionKind string

// SettlementMode selects cash settlement against the oracle price or
// physical exchange of the underlying.
type SettlementMode string

// OptionState is the lifecycle state of an option instance.
type OptionState string

// ExerciseWindow bounds when an option may be exercised relative to expiry.
type ExerciseWindow string

const (
	Call OptionKind = "CALL"
	Put  OptionKind = "PUT"

	Cash     SettlementMode = "CASH"
	Physical SettlementMode = "PHYSICAL"

	StateActive    OptionState = "ACTIVE"
	StateExercised OptionState = "EXERCISED"
	StateExpired   OptionState = "EXPIRED"

	// UpToExpiry allows exercise any time before or at expiry (American
	// style); the option becomes expirable immediately after expiry.
	UpToExpiry ExerciseWindow = "UP_TO_EXPIRY"

	// AtOrAfterExpiry allows exercise only once expiry is reached, for a
	// bounded settlement window (European style); the option becomes
	// expirable after the window closes.
	AtOrAfterExpiry ExerciseWindow = "AT_OR_AFTER_EXPIRY"
)

var (
	// ErrInvalidKind is returned for an unrecognized option kind tag.
	ErrInvalidKind = errors.New("derivative: invalid option kind")

	// ErrInvalidSettlement is returned for an unrecognized settlement
	// mode tag.
	ErrInvalidSettlement = errors.New("derivative: invalid settlement mode")

	// ErrInvalidWindow is returned for an unrecognized exercise window
	// tag.
	ErrInvalidWindow = errors.New("derivative: invalid exercise window")

	// ErrNotActive is returned for a terminal transition attempted on an
	// instance that is no longer active.
	ErrNotActive = errors.New("derivative: option is not active")

	// ErrWindowNotOpen is returned when exercise is attempted before the
	// instance's exercise window has opened.
	ErrWindowNotOpen = errors.New("derivative: exercise window not open yet")

	// ErrWindowClosed is returned when exercise is attempted after the
	// instance's exercise window has closed.
	ErrWindowClosed = errors.New("derivative: exercise window closed")

	// ErrNotYetExpirable is returned when expiry is attempted while the
	// exercise window is still open.
	ErrNotYetExpirable = errors.New("derivative: exercise window still open")
)

// ParseKind validates an option kind tag.
func ParseKind(s string) (OptionKind, error) {
	switch OptionKind(s) {
	case Call, Put:
		return OptionKind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// ParseSettlement validates a settlement mode tag.
func ParseSettlement(s string) (SettlementMode, error) {
	switch SettlementMode(s) {
	case Cash, Physical:
		return SettlementMode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSettlement, s)
	}
}

// WindowFor returns the exercise window used for a settlement mode: cash
// options settle European (at or after expiry, within the settlement
// window), physical options American (any time up to expiry). One policy per
// mode, never mixed.
func WindowFor(mode SettlementMode) ExerciseWindow {
	if mode == Physical {
		return UpToExpiry
	}
	return AtOrAfterExpiry
}

// Option is one instance in the append-only option log. Strike, quantity,
// premium and collateral are engine-scale decimals; Pool names the unit the
// collateral is locked in.
type Option struct {
	ID               int64           `json:"id"`
	Owner            string          `json:"owner"`
	Kind             OptionKind      `json:"kind"`
	Settlement       SettlementMode  `json:"settlement"`
	Window           ExerciseWindow  `json:"exercise_window"`
	Pool             string          `json:"pool"`
	Strike           decimal.Decimal `json:"strike"`
	Quantity         decimal.Decimal `json:"quantity"`
	Expiry           time.Time       `json:"expiry"`
	PremiumPaid      decimal.Decimal `json:"premium_paid"`
	CollateralLocked decimal.Decimal `json:"collateral_locked"`
	State            OptionState     `json:"state"`
	// Payoff is the value paid out of the writing pool at settlement, in
	// pool units. Zero until settled and for expiries.
	Payoff    decimal.Decimal `json:"payoff"`
	CreatedAt time.Time       `json:"created_at"`
	SettledAt *time.Time      `json:"settled_at,omitempty"`
}

// ExercisableAt checks the instance's exercise window against now.
// settlementWindow bounds the European post-expiry exercise period; it is
// ignored for American instances.
func (o *Option) ExercisableAt(now time.Time, settlementWindow time.Duration) error {
	switch o.Window {
	case UpToExpiry:
		if now.After(o.Expiry) {
			return fmt.Errorf("%w: expired %s", ErrWindowClosed, o.Expiry.UTC().Format(time.RFC3339))
		}
		return nil
	case AtOrAfterExpiry:
		if now.Before(o.Expiry) {
			return fmt.Errorf("%w: opens at expiry %s", ErrWindowNotOpen, o.Expiry.UTC().Format(time.RFC3339))
		}
		if now.After(o.Expiry.Add(settlementWindow)) {
			return fmt.Errorf("%w: settlement window ended %s", ErrWindowClosed, o.Expiry.Add(settlementWindow).UTC().Format(time.RFC3339))
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidWindow, o.Window)
	}
}

// ExpirableAt reports whether the exercise window has closed so that anyone
// may expire the instance and release its collateral.
func (o *Option) ExpirableAt(now time.Time, settlementWindow time.Duration) error {
	deadline := o.Expiry
	if o.Window == AtOrAfterExpiry {
		deadline = deadline.Add(settlementWindow)
	}
	if !now.After(deadline) {
		return fmt.Errorf("%w: expirable after %s", ErrNotYetExpirable, deadline.UTC().Format(time.RFC3339))
	}
	return nil
}

// MarkExercised transitions ACTIVE -> EXERCISED, recording the settlement
// time and the value paid from the pool.
func (o *Option) MarkExercised(now time.Time, payoff decimal.Decimal) error {
	if o.State != StateActive {
		return fmt.Errorf("%w: option %d is %s", ErrNotActive, o.ID, o.State)
	}
	o.State = StateExercised
	o.Payoff = payoff
	t := now.UTC()
	o.SettledAt = &t
	return nil
}

// MarkExpired transitions ACTIVE -> EXPIRED with zero payoff.
func (o *Option) MarkExpired(now time.Time) error {
	if o.State != StateActive {
		return fmt.Errorf("%w: option %d is %s", ErrNotActive, o.ID, o.State)
	}
	o.State = StateExpired
	o.Payoff = decimal.Zero
	t := now.UTC()
	o.SettledAt = &t
	return nil
}

// Clone returns a deep copy, used when handing instances across the
// persistence boundary so stored records cannot alias live registry state.
func (o *Option) Clone() *Option {
	cp := *o
	if o.SettledAt != nil {
		t := *o.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}
