package settle

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/derivative"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func cashCall(strike, qty, collateral float64) *derivative.Option {
	return &derivative.Option{
		ID:               1,
		Kind:             derivative.Call,
		Settlement:       derivative.Cash,
		Strike:           d(strike),
		Quantity:         d(qty),
		CollateralLocked: d(collateral),
		State:            derivative.StateActive,
	}
}

func TestCollateral(t *testing.T) {
	cases := []struct {
		name   string
		kind   derivative.OptionKind
		mode   derivative.SettlementMode
		strike float64
		qty    float64
		want   float64
	}{
		{"cash call", derivative.Call, derivative.Cash, 100, 2, 200},
		{"cash put", derivative.Put, derivative.Cash, 100, 0.5, 50},
		{"physical call locks the asset", derivative.Call, derivative.Physical, 100, 3, 3},
		{"physical put locks strike value", derivative.Put, derivative.Physical, 100, 3, 300},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Collateral(tc.kind, tc.mode, d(tc.strike), d(tc.qty))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(d(tc.want)) {
				t.Errorf("expected %v, got %s", tc.want, got)
			}
		})
	}

	if _, err := Collateral(derivative.Call, "BARTER", d(1), d(1)); !errors.Is(err, ErrUnknownSettlement) {
		t.Errorf("expected ErrUnknownSettlement, got %v", err)
	}
	if _, err := Collateral("STRADDLE", derivative.Physical, d(1), d(1)); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}

func TestPremium_CashNormalizesToWholeUnits(t *testing.T) {
	// strike=100, qty=1, 200 bps -> notional 100, premium 2.
	got, err := Premium(derivative.Call, derivative.Cash, d(100), d(1), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(2)) {
		t.Errorf("expected premium 2, got %s", got)
	}

	// Sub-unit quantity is charged for a full unit.
	subUnit, err := Premium(derivative.Call, derivative.Cash, d(100), d(0.25), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !subUnit.Equal(d(2)) {
		t.Errorf("expected sub-unit premium 2, got %s", subUnit)
	}

	// 2.9 units floors to 2.
	floored, err := Premium(derivative.Call, derivative.Cash, d(100), d(2.9), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !floored.Equal(d(4)) {
		t.Errorf("expected premium 4 for 2.9 units, got %s", floored)
	}
}

func TestPremium_PhysicalUsesRawQuantity(t *testing.T) {
	// Physical call: notional = quantity in asset units. 0.25 units at 200
	// bps -> 0.005, no whole-unit cliff.
	got, err := Premium(derivative.Call, derivative.Physical, d(100), d(0.25), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(0.005)) {
		t.Errorf("expected premium 0.005, got %s", got)
	}

	// Physical put: notional = strike*quantity in stable units.
	put, err := Premium(derivative.Put, derivative.Physical, d(100), d(0.25), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !put.Equal(d(0.5)) {
		t.Errorf("expected premium 0.5, got %s", put)
	}
}

func TestCashPayoff_CallInTheMoney(t *testing.T) {
	o := cashCall(100, 1, 100)
	payoff, err := CashPayoff(o, d(140))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payoff.Equal(d(40)) {
		t.Errorf("expected payoff 40, got %s", payoff)
	}
}

func TestCashPayoff_OutOfTheMoneyPaysZero(t *testing.T) {
	o := cashCall(100, 1, 100)
	payoff, err := CashPayoff(o, d(90))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payoff.IsZero() {
		t.Errorf("expected payoff 0, got %s", payoff)
	}

	put := cashCall(100, 1, 100)
	put.Kind = derivative.Put
	payoff, err = CashPayoff(put, d(60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payoff.Equal(d(40)) {
		t.Errorf("expected put payoff 40, got %s", payoff)
	}
}

func TestCashPayoff_CappedAtCollateral(t *testing.T) {
	o := cashCall(100, 1, 100)
	payoff, err := CashPayoff(o, d(500))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payoff.Equal(d(100)) {
		t.Errorf("expected payoff capped at 100, got %s", payoff)
	}
}

func TestCashPayoff_UsesWholeUnitMultiplier(t *testing.T) {
	// qty 0.5 settles as one full unit, bounded by the half-unit collateral.
	o := cashCall(100, 0.5, 50)
	payoff, err := CashPayoff(o, d(130))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !payoff.Equal(d(30)) {
		t.Errorf("expected payoff 30, got %s", payoff)
	}

	// Deep in the money the full-unit multiplier hits the collateral cap.
	deep, err := CashPayoff(o, d(200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deep.Equal(d(50)) {
		t.Errorf("expected payoff capped at 50, got %s", deep)
	}
}

func TestCashPayoff_RejectsPhysical(t *testing.T) {
	o := cashCall(100, 1, 100)
	o.Settlement = derivative.Physical
	if _, err := CashPayoff(o, d(120)); !errors.Is(err, ErrCashOnly) {
		t.Errorf("expected ErrCashOnly, got %v", err)
	}
}

func TestPhysical_ExchangeLegs(t *testing.T) {
	call := &derivative.Option{
		ID:         7,
		Kind:       derivative.Call,
		Settlement: derivative.Physical,
		Strike:     d(2000),
		Quantity:   d(1.5),
	}
	ex, err := Physical(call, "ETH", "USDC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.PayAsset != "USDC" || !ex.Pay.Equal(d(3000)) {
		t.Errorf("call holder should pay 3000 USDC, got %s %s", ex.Pay, ex.PayAsset)
	}
	if ex.ReceiveAsset != "ETH" || !ex.Receive.Equal(d(1.5)) {
		t.Errorf("call holder should receive 1.5 ETH, got %s %s", ex.Receive, ex.ReceiveAsset)
	}

	put := &derivative.Option{
		ID:         8,
		Kind:       derivative.Put,
		Settlement: derivative.Physical,
		Strike:     d(2000),
		Quantity:   d(1.5),
	}
	ex, err = Physical(put, "ETH", "USDC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ex.PayAsset != "ETH" || !ex.Pay.Equal(d(1.5)) {
		t.Errorf("put holder should pay 1.5 ETH, got %s %s", ex.Pay, ex.PayAsset)
	}
	if ex.ReceiveAsset != "USDC" || !ex.Receive.Equal(d(3000)) {
		t.Errorf("put holder should receive 3000 USDC, got %s %s", ex.Receive, ex.ReceiveAsset)
	}
}

func TestPhysical_RejectsCash(t *testing.T) {
	o := cashCall(100, 1, 100)
	if _, err := Physical(o, "ETH", "USDC"); !errors.Is(err, ErrUnknownSettlement) {
		t.Errorf("expected ErrUnknownSettlement, got %v", err)
	}
}
