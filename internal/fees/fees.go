// Package fees implements the fee ledger for futures trading fees. Option
// premiums never pass through here: they are credited straight to the writing
// pool and raise share value. Position open fees and liquidation fees accrue
// in this ledger until the admin distributes or skims them.
//
// Distribution pays a fixed admin share and returns the remainder for the
// engine to credit back to the pool, so liquidity providers earn the bulk of
// trading fees.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/fpmath"
)

// AdminShareBps is the admin's fixed cut of each distribution: 2000 bps = 20%.
const AdminShareBps = 2000

var (
	// ErrInvalidAmount is returned for zero or negative fee amounts.
	ErrInvalidAmount = errors.New("fees: amount must be positive")

	// ErrInsufficientAccrued is returned when a withdrawal exceeds the
	// accrued balance.
	ErrInsufficientAccrued = errors.New("fees: insufficient accrued fees")

	// ErrNothingAccrued is returned when a distribution finds nothing to
	// distribute.
	ErrNothingAccrued = errors.New("fees: nothing accrued")
)

// Ledger is the owned fee aggregate. It is not safe for concurrent use; the
// engine serializes every mutation behind its own lock.
type Ledger struct {
	accrued     decimal.Decimal
	distributed decimal.Decimal
}

// Snapshot is the persistable projection of the ledger.
type Snapshot struct {
	Accrued     decimal.Decimal `json:"accrued"`
	Distributed decimal.Decimal `json:"distributed"`
}

// NewLedger creates an empty fee ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// FromSnapshot rebuilds a ledger from persisted state.
func FromSnapshot(s Snapshot) *Ledger {
	return &Ledger{accrued: s.Accrued, distributed: s.Distributed}
}

// Accrue records a collected fee.
func (l *Ledger) Accrue(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: accrual of %s", ErrInvalidAmount, amount)
	}
	l.accrued = l.accrued.Add(amount)
	return nil
}

// Distribute splits the full accrued balance into the admin's fixed share and
// the pool remainder, zeroing the accrual. The caller pays the admin share
// out and credits the remainder to the pool.
func (l *Ledger) Distribute() (adminShare, poolShare decimal.Decimal, err error) {
	if l.accrued.IsZero() {
		return decimal.Zero, decimal.Zero, ErrNothingAccrued
	}
	adminShare = fpmath.ApplyBps(l.accrued, AdminShareBps)
	poolShare = l.accrued.Sub(adminShare)
	l.distributed = l.distributed.Add(l.accrued)
	l.accrued = decimal.Zero
	return adminShare, poolShare, nil
}

// Withdraw skims amount directly from the accrued balance.
func (l *Ledger) Withdraw(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: withdrawal of %s", ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(l.accrued) {
		return fmt.Errorf("%w: accrued %s, requested %s", ErrInsufficientAccrued, l.accrued, amount)
	}
	l.accrued = l.accrued.Sub(amount)
	return nil
}

// Accrued returns the undistributed fee balance.
func (l *Ledger) Accrued() decimal.Decimal { return l.accrued }

// Distributed returns the lifetime total pushed through Distribute.
func (l *Ledger) Distributed() decimal.Decimal { return l.distributed }

// Snapshot returns the persistable state.
func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{Accrued: l.accrued, Distributed: l.distributed}
}

// Restore rewinds the ledger to a previously captured snapshot.
func (l *Ledger) Restore(s Snapshot) {
	l.accrued = s.Accrued
	l.distributed = s.Distributed
}
