// Package settle implements the premium, collateral, and payoff formulas for
// option settlement. It is pure math over engine-scale decimals: no ledger is
// touched here, the engine applies the results atomically.
//
// Two quantity policies coexist, one per settlement mode, never merged:
//
//   - CASH options normalize quantity to a whole-unit count with a minimum of
//     one unit. The normalized count drives both the premium notional and the
//     payoff multiplier, so a sub-unit buyer pays for a full unit and settles
//     as one.
//   - PHYSICAL options use the raw fixed-point quantity. Their notional is
//     exactly the collateral locked in the writing pool.
//
// All monetary values use shopspring/decimal, never float64 for money.
package settle

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/derivative"
	"github.com/hedgepool/settlement-engine/internal/fpmath"
)

var (
	// ErrUnknownKind is returned when a payoff is requested for an
	// unrecognized option kind. Variant tags are matched exhaustively; an
	// unknown tag is a bug, not a default.
	ErrUnknownKind = errors.New("settle: unknown option kind")

	// ErrUnknownSettlement is returned for an unrecognized settlement
	// mode.
	ErrUnknownSettlement = errors.New("settle: unknown settlement mode")

	// ErrCashOnly is returned when a cash payoff is requested for a
	// physical instance. Physical exercise never consults a price.
	ErrCashOnly = errors.New("settle: payoff is defined for cash settlement only")
)

// Collateral returns the value the writing pool must lock for an option:
//
//	CASH:          strike * quantity   (stable units)
//	PHYSICAL CALL: quantity            (asset units)
//	PHYSICAL PUT:  strike * quantity   (stable units)
//
// The collateral fully covers the worst-case settlement obligation.
func Collateral(kind derivative.OptionKind, mode derivative.SettlementMode, strike, quantity decimal.Decimal) (decimal.Decimal, error) {
	switch mode {
	case derivative.Cash:
		return fpmath.Rescale(strike.Mul(quantity)), nil
	case derivative.Physical:
		switch kind {
		case derivative.Call:
			return quantity, nil
		case derivative.Put:
			return fpmath.Rescale(strike.Mul(quantity)), nil
		default:
			return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
		}
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownSettlement, mode)
	}
}

// Premium returns the flat-rate premium for an option:
//
//	premium = notional * premiumBps / 10000
//
// For cash settlement the notional is strike times the whole-unit quantity
// count (minimum one unit). For physical settlement the notional equals the
// collateral, so the premium is denominated in the writing pool's unit.
func Premium(kind derivative.OptionKind, mode derivative.SettlementMode, strike, quantity decimal.Decimal, premiumBps int64) (decimal.Decimal, error) {
	var notional decimal.Decimal
	switch mode {
	case derivative.Cash:
		notional = strike.Mul(fpmath.WholeUnits(quantity))
	case derivative.Physical:
		var err error
		notional, err = Collateral(kind, mode, strike, quantity)
		if err != nil {
			return decimal.Zero, err
		}
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownSettlement, mode)
	}
	return fpmath.ApplyBps(notional, premiumBps), nil
}

// CashPayoff returns the settlement value of a cash option at the given
// price:
//
//	CALL: max(price - strike, 0) * wholeUnits(quantity)
//	PUT:  max(strike - price, 0) * wholeUnits(quantity)
//
// capped at the collateral locked for the instance. The cap means a deep
// in-the-money settlement pays exactly the collateral and never more; any
// surplus intrinsic value is the holder's loss, not the pool's.
func CashPayoff(o *derivative.Option, price decimal.Decimal) (decimal.Decimal, error) {
	if o.Settlement != derivative.Cash {
		return decimal.Zero, fmt.Errorf("%w: option %d is %s", ErrCashOnly, o.ID, o.Settlement)
	}

	var intrinsic decimal.Decimal
	switch o.Kind {
	case derivative.Call:
		intrinsic = fpmath.PositivePart(price.Sub(o.Strike))
	case derivative.Put:
		intrinsic = fpmath.PositivePart(o.Strike.Sub(price))
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownKind, o.Kind)
	}

	payoff := fpmath.Rescale(intrinsic.Mul(fpmath.WholeUnits(o.Quantity)))
	return fpmath.Cap(payoff, o.CollateralLocked), nil
}

// PhysicalExchange describes the unconditional swap performed when a physical
// option is exercised: the holder delivers Pay into engine custody and
// receives Receive from the writing pool's collateral. No price is consulted;
// exercising out-of-the-money is the holder's risk.
type PhysicalExchange struct {
	// PayAsset/Pay is what the exercising holder delivers.
	PayAsset string
	Pay      decimal.Decimal

	// ReceiveAsset/Receive is what the holder collects, equal to the
	// option's locked collateral.
	ReceiveAsset string
	Receive      decimal.Decimal
}

// Physical returns the exchange legs for exercising a physical option. A call
// holder pays strike*quantity stable and receives quantity of the asset; a
// put holder delivers quantity of the asset and receives strike*quantity
// stable.
func Physical(o *derivative.Option, assetPool, stablePool string) (PhysicalExchange, error) {
	if o.Settlement != derivative.Physical {
		return PhysicalExchange{}, fmt.Errorf("%w: option %d is %s", ErrUnknownSettlement, o.ID, o.Settlement)
	}
	strikeValue := fpmath.Rescale(o.Strike.Mul(o.Quantity))
	switch o.Kind {
	case derivative.Call:
		return PhysicalExchange{
			PayAsset:     stablePool,
			Pay:          strikeValue,
			ReceiveAsset: assetPool,
			Receive:      o.Quantity,
		}, nil
	case derivative.Put:
		return PhysicalExchange{
			PayAsset:     assetPool,
			Pay:          o.Quantity,
			ReceiveAsset: stablePool,
			Receive:      strikeValue,
		}, nil
	default:
		return PhysicalExchange{}, fmt.Errorf("%w: %q", ErrUnknownKind, o.Kind)
	}
}
