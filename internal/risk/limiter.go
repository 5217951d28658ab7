// Package risk implements exposure limits applied before a derivative opens.
//
// A writer pool concentrated into a handful of huge instances is fragile: one
// settlement can wipe the free liquidity every provider relies on. This
// package bounds how many options a single owner may hold active at once and
// how large a slice of pool value any one instance may lock as collateral.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/fpmath"
)

var (
	// ErrTooManyActiveOptions is returned when an owner at the per-owner
	// active-option cap tries to buy another.
	ErrTooManyActiveOptions = errors.New("risk: per-owner active option limit exceeded")

	// ErrCollateralShareExceeded is returned when a single instance would
	// lock more than the allowed fraction of pool value.
	ErrCollateralShareExceeded = errors.New("risk: collateral share limit exceeded")
)

// ExposureLimiter enforces pre-open exposure limits. A zero value for either
// limit disables that check.
type ExposureLimiter struct {
	// MaxActiveOptions is the maximum number of simultaneously active
	// options per owner. Zero disables the cap.
	MaxActiveOptions int

	// MaxCollateralShareBps bounds one instance's collateral as a fraction
	// of the writing pool's total value, in basis points. Zero disables
	// the cap.
	MaxCollateralShareBps int64
}

// NewExposureLimiter creates a limiter with the given caps.
func NewExposureLimiter(maxActiveOptions int, maxCollateralShareBps int64) *ExposureLimiter {
	return &ExposureLimiter{
		MaxActiveOptions:      maxActiveOptions,
		MaxCollateralShareBps: maxCollateralShareBps,
	}
}

// CheckOptionOpen validates a prospective option against the limits:
// activeCount is the owner's current number of active options, collateral the
// amount the new instance would lock, and poolValue the writing pool's total
// value before the open.
func (l *ExposureLimiter) CheckOptionOpen(activeCount int, collateral, poolValue decimal.Decimal) error {
	if l.MaxActiveOptions > 0 && activeCount >= l.MaxActiveOptions {
		return ErrTooManyActiveOptions
	}
	if l.MaxCollateralShareBps > 0 {
		allowed := fpmath.ApplyBps(poolValue, l.MaxCollateralShareBps)
		if collateral.GreaterThan(allowed) {
			return ErrCollateralShareExceeded
		}
	}
	return nil
}
