// Package fpmath centralizes the scaled fixed-point arithmetic used by every
// ledger in the engine. Pool value, shares, strikes, quantities, margins and
// fees are all decimals carrying at most Scale fractional digits, and every
// division in the accounting paths truncates rather than rounds. Keeping the
// truncation policy in one package makes it auditable in isolation: if a
// balance can drift, it drifts here.
//
// All monetary values use shopspring/decimal, never float64 for money.
package fpmath

import (
	"github.com/shopspring/decimal"
)

const (
	// Scale is the number of fractional digits carried by every ledger
	// amount. Quotients are truncated at this scale.
	Scale int32 = 18

	// BpsDenom is the denominator for basis-point rates: 10000 bps = 100%.
	BpsDenom = 10000
)

var one = decimal.NewFromInt(1)

// Rescale truncates d to Scale fractional digits, toward zero. External
// inputs pass through this before entering any ledger so that two amounts
// that compare equal also persist identically.
func Rescale(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(Scale)
}

// FloorDiv returns num/den truncated to Scale fractional digits.
// Truncation is toward zero; for the non-negative operands used throughout
// pool accounting this is floor division. Panics if den is zero, matching
// decimal.Div; callers guard the denominator.
func FloorDiv(num, den decimal.Decimal) decimal.Decimal {
	q, _ := num.QuoRem(den, Scale)
	return q
}

// MulDiv returns a*b/den with the quotient truncated to Scale fractional
// digits. The multiplication is exact; only the final division truncates.
func MulDiv(a, b, den decimal.Decimal) decimal.Decimal {
	return FloorDiv(a.Mul(b), den)
}

// ApplyBps returns amount*bps/10000, truncated. Fee and premium rates are
// expressed in basis points so that rate math stays in integers.
func ApplyBps(amount decimal.Decimal, bps int64) decimal.Decimal {
	return MulDiv(amount, decimal.NewFromInt(bps), decimal.NewFromInt(BpsDenom))
}

// WholeUnits normalizes a fixed-point quantity to an integer count of whole
// units with a minimum of one: callers passing sub-unit quantities are
// charged for a full unit. The truncated fraction is never refunded.
func WholeUnits(quantity decimal.Decimal) decimal.Decimal {
	units := quantity.Floor()
	if units.LessThan(one) {
		return one
	}
	return units
}

// PositivePart clamps d at zero from below: max(d, 0). Payoff intrinsic
// values use it so an out-of-the-money settlement pays nothing rather than
// charging the holder.
func PositivePart(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Cap bounds d at limit from above: min(d, limit). Settlement payoffs are
// capped at the collateral actually locked for the instance.
func Cap(d, limit decimal.Decimal) decimal.Decimal {
	if d.GreaterThan(limit) {
		return limit
	}
	return d
}
