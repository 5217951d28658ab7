// Package pool implements the share-based liquidity ledger that collateral
// is locked against. A pool tracks three scalars and one map: total value in
// custody, the slice of it locked under open derivatives, total shares
// outstanding, and each provider's share balance. Providers own value
// pro-rata; derivatives lock value without owning shares.
//
// Share math follows the classic vault formulas: the first depositor mints
// shares one-to-one, later depositors mint amount*totalShares/totalValue with
// floor division. Truncation dust always favors existing holders and is
// accepted, not corrected.
//
// Pool is not safe for concurrent use. The engine serializes every mutation
// behind its own lock.
package pool

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/fpmath"
)

var (
	// ErrInvalidAmount is returned for zero or negative amounts where a
	// positive amount is required.
	ErrInvalidAmount = errors.New("pool: amount must be positive")

	// ErrInsufficientShares is returned when a withdrawal names more
	// shares than the owner holds.
	ErrInsufficientShares = errors.New("pool: insufficient shares")

	// ErrInsufficientFreeLiquidity is returned when a withdrawal or
	// reservation exceeds the unlocked slice of pool value.
	ErrInsufficientFreeLiquidity = errors.New("pool: insufficient free liquidity")

	// ErrValueExhausted is returned when a deposit arrives while shares
	// are outstanding but pool value is zero; shares cannot be priced.
	ErrValueExhausted = errors.New("pool: value exhausted, shares cannot be priced")

	// ErrExcessRelease is returned when a release exceeds the locked
	// value. Locked accounting is engine-internal, so this indicates a
	// bookkeeping bug rather than caller error.
	ErrExcessRelease = errors.New("pool: release exceeds locked value")

	// ErrPayoffExceedsCollateral is returned when a settlement tries to
	// pay out more than the collateral locked for the instance.
	ErrPayoffExceedsCollateral = errors.New("pool: payoff exceeds locked collateral")
)

// Pool is the owned aggregate for one asset's pooled liquidity. All mutation
// funnels through its methods so the invariants (lockedValue <= totalValue,
// sum of shares == totalShares) are checkable in one place.
type Pool struct {
	id          string
	totalValue  decimal.Decimal
	lockedValue decimal.Decimal
	totalShares decimal.Decimal
	shares      map[string]decimal.Decimal
}

// Snapshot is the persistable projection of a Pool, also used to restore
// state when a failed operation must be unwound.
type Snapshot struct {
	ID          string                     `json:"id"`
	TotalValue  decimal.Decimal            `json:"total_value"`
	LockedValue decimal.Decimal            `json:"locked_value"`
	TotalShares decimal.Decimal            `json:"total_shares"`
	Shares      map[string]decimal.Decimal `json:"shares"`
}

// New creates an empty pool for the given asset unit.
func New(id string) *Pool {
	return &Pool{
		id:     id,
		shares: make(map[string]decimal.Decimal),
	}
}

// FromSnapshot rebuilds a pool from a persisted snapshot.
func FromSnapshot(s Snapshot) *Pool {
	p := New(s.ID)
	p.totalValue = s.TotalValue
	p.lockedValue = s.LockedValue
	p.totalShares = s.TotalShares
	for owner, sh := range s.Shares {
		p.shares[owner] = sh
	}
	return p
}

// Deposit adds amount to pool value and mints shares for the owner. The
// first depositor bootstraps the unit with shares equal to the amount; later
// depositors mint amount*totalShares/totalValue, floored.
func (p *Pool) Deposit(owner string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: deposit of %s", ErrInvalidAmount, amount)
	}

	var minted decimal.Decimal
	switch {
	case p.totalShares.IsZero():
		minted = amount
	case p.totalValue.IsZero():
		return decimal.Zero, ErrValueExhausted
	default:
		minted = fpmath.MulDiv(amount, p.totalShares, p.totalValue)
	}

	p.totalValue = p.totalValue.Add(amount)
	p.totalShares = p.totalShares.Add(minted)
	if minted.IsPositive() {
		p.shares[owner] = p.shares[owner].Add(minted)
	}
	return minted, nil
}

// Withdraw burns shares and pays out the owner's pro-rata portion of pool
// value, floored. The portion must fit in free liquidity: value locked under
// open derivatives cannot leave the pool.
func (p *Pool) Withdraw(owner string, shares decimal.Decimal) (decimal.Decimal, error) {
	if !shares.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: withdrawal of %s shares", ErrInvalidAmount, shares)
	}
	held := p.shares[owner]
	if shares.GreaterThan(held) {
		return decimal.Zero, fmt.Errorf("%w: owner %s holds %s, requested %s", ErrInsufficientShares, owner, held, shares)
	}

	portion := fpmath.MulDiv(shares, p.totalValue, p.totalShares)
	if free := p.FreeLiquidity(); portion.GreaterThan(free) {
		return decimal.Zero, fmt.Errorf("%w: portion %s exceeds free %s", ErrInsufficientFreeLiquidity, portion, free)
	}

	remaining := held.Sub(shares)
	if remaining.IsZero() {
		delete(p.shares, owner)
	} else {
		p.shares[owner] = remaining
	}
	p.totalShares = p.totalShares.Sub(shares)
	p.totalValue = p.totalValue.Sub(portion)
	return portion, nil
}

// Reserve locks amount of free liquidity as collateral. It adjusts
// lockedValue only, never totalValue.
func (p *Pool) Reserve(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: reservation of %s", ErrInvalidAmount, amount)
	}
	if free := p.FreeLiquidity(); amount.GreaterThan(free) {
		return fmt.Errorf("%w: need %s, free %s", ErrInsufficientFreeLiquidity, amount, free)
	}
	p.lockedValue = p.lockedValue.Add(amount)
	return nil
}

// Release unlocks previously reserved collateral without paying anything
// out.
func (p *Pool) Release(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: release of %s", ErrInvalidAmount, amount)
	}
	if amount.GreaterThan(p.lockedValue) {
		return fmt.Errorf("%w: release %s, locked %s", ErrExcessRelease, amount, p.lockedValue)
	}
	p.lockedValue = p.lockedValue.Sub(amount)
	return nil
}

// Settle releases the full collateral reservation of a settling instance and
// deducts the paid amount from pool value in one step. The unpaid remainder
// of the collateral becomes free liquidity again. payoff may be zero and
// never exceeds collateral.
func (p *Pool) Settle(collateral, payoff decimal.Decimal) error {
	if payoff.IsNegative() {
		return fmt.Errorf("%w: payoff of %s", ErrInvalidAmount, payoff)
	}
	if payoff.GreaterThan(collateral) {
		return fmt.Errorf("%w: payoff %s, collateral %s", ErrPayoffExceedsCollateral, payoff, collateral)
	}
	if err := p.Release(collateral); err != nil {
		return err
	}
	p.totalValue = p.totalValue.Sub(payoff)
	return nil
}

// Credit adds amount to pool value without minting shares. Premiums,
// exchange proceeds and distributed fees enter here, raising the value of
// every outstanding share.
func (p *Pool) Credit(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: credit of %s", ErrInvalidAmount, amount)
	}
	p.totalValue = p.totalValue.Add(amount)
	return nil
}

// ID returns the pool's asset unit.
func (p *Pool) ID() string { return p.id }

// TotalValue returns the total value in custody.
func (p *Pool) TotalValue() decimal.Decimal { return p.totalValue }

// LockedValue returns the slice of value locked under open derivatives.
func (p *Pool) LockedValue() decimal.Decimal { return p.lockedValue }

// TotalShares returns the shares outstanding.
func (p *Pool) TotalShares() decimal.Decimal { return p.totalShares }

// FreeLiquidity returns totalValue minus lockedValue, the slice available
// for withdrawals and new reservations.
func (p *Pool) FreeLiquidity() decimal.Decimal {
	return p.totalValue.Sub(p.lockedValue)
}

// SharesOf returns the owner's share balance, zero when unknown.
func (p *Pool) SharesOf(owner string) decimal.Decimal {
	return p.shares[owner]
}

// Holders returns the number of accounts with a non-zero share balance.
func (p *Pool) Holders() int { return len(p.shares) }

// Snapshot returns a deep copy of the pool state.
func (p *Pool) Snapshot() Snapshot {
	shares := make(map[string]decimal.Decimal, len(p.shares))
	for owner, sh := range p.shares {
		shares[owner] = sh
	}
	return Snapshot{
		ID:          p.id,
		TotalValue:  p.totalValue,
		LockedValue: p.lockedValue,
		TotalShares: p.totalShares,
		Shares:      shares,
	}
}

// Restore rewinds the pool to a previously captured snapshot. The engine
// uses it to unwind the in-memory ledger when a later step of an operation
// fails.
func (p *Pool) Restore(s Snapshot) {
	p.id = s.ID
	p.totalValue = s.TotalValue
	p.lockedValue = s.LockedValue
	p.totalShares = s.TotalShares
	p.shares = make(map[string]decimal.Decimal, len(s.Shares))
	for owner, sh := range s.Shares {
		p.shares[owner] = sh
	}
}
