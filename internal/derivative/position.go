package derivative

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/fpmath"
)

// Side tags a leveraged position as long or short.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

var (
	// ErrInvalidSide is returned for an unrecognized side tag.
	ErrInvalidSide = errors.New("derivative: invalid position side")

	// ErrInvalidLeverage is returned when leverage falls outside the
	// allowed range.
	ErrInvalidLeverage = errors.New("derivative: leverage out of range")

	// ErrNotLiquidatable is returned when liquidation is attempted on a
	// position whose equity still meets the maintenance threshold.
	ErrNotLiquidatable = errors.New("derivative: position is not liquidatable")
)

// ParseSide validates a position side tag.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case Long, Short:
		return Side(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// ValidateLeverage checks 1 <= leverage <= max.
func ValidateLeverage(leverage, max int64) error {
	if leverage < 1 || leverage > max {
		return fmt.Errorf("%w: %d outside [1, %d]", ErrInvalidLeverage, leverage, max)
	}
	return nil
}

// Position is one open leveraged position. Margin is net of the opening fee;
// a position exists in the registry only while open (terminal transitions
// remove it, no history is kept).
type Position struct {
	Owner      string          `json:"owner"`
	Side       Side            `json:"side"`
	Margin     decimal.Decimal `json:"margin"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   int64           `json:"leverage"`
	OpenedAt   time.Time       `json:"opened_at"`
}

// Exposure is the position's collateral claim on the pool: margin*leverage.
func (p *Position) Exposure() decimal.Decimal {
	return p.Margin.Mul(decimal.NewFromInt(p.Leverage))
}

// PnL computes the signed profit or loss at the given price:
//
//	pnl = (price - entry) * margin * leverage / entry
//
// sign-flipped for shorts. The division truncates toward zero at the engine
// scale.
func (p *Position) PnL(price decimal.Decimal) decimal.Decimal {
	delta := price.Sub(p.EntryPrice)
	if p.Side == Short {
		delta = delta.Neg()
	}
	return fpmath.MulDiv(delta, p.Exposure(), p.EntryPrice)
}

// Equity is margin plus signed PnL at the given price. Negative equity means
// the position is under water.
func (p *Position) Equity(price decimal.Decimal) decimal.Decimal {
	return p.Margin.Add(p.PnL(price))
}

// MaintenanceThreshold returns margin*maintenancePct/100, the equity floor
// below which the position becomes liquidatable.
func (p *Position) MaintenanceThreshold(maintenancePct int64) decimal.Decimal {
	return fpmath.MulDiv(p.Margin, decimal.NewFromInt(maintenancePct), decimal.NewFromInt(100))
}

// LiquidatableAt reports whether equity has fallen strictly below the
// maintenance threshold. Equality does not liquidate.
func (p *Position) LiquidatableAt(price decimal.Decimal, maintenancePct int64) bool {
	return p.Equity(price).LessThan(p.MaintenanceThreshold(maintenancePct))
}

// Clone returns a copy for the persistence boundary.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}
