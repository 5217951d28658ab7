package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/bank"
	"github.com/hedgepool/settlement-engine/internal/derivative"
	"github.com/hedgepool/settlement-engine/internal/oracle"
	"github.com/hedgepool/settlement-engine/internal/pool"
	"github.com/hedgepool/settlement-engine/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// env bundles an engine with its collaborators and a controllable clock.
type env struct {
	engine *Engine
	bank   *bank.InMemoryLedger
	oracle *oracle.StaticSource
	store  *store.MemoryStore
	clock  time.Time
}

func testParams() Params {
	return Params{
		Admin:                "admin",
		AssetPool:            "ETH",
		StablePool:           "USDC",
		PremiumBps:           200,
		MarginFeeBps:         50,
		LiquidationFeeBps:    500,
		MaxLeverage:          5,
		MaintenanceMarginPct: 20,
		SettlementWindow:     time.Hour,
	}
}

func newTestEnv(t *testing.T) *env {
	t.Helper()

	v := &env{
		bank:   bank.NewInMemoryLedger(),
		oracle: oracle.NewStaticSource(0),
		store:  store.NewMemoryStore(),
		clock:  time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC),
	}
	e, err := New(testParams(), Deps{
		Oracle: v.oracle,
		Bank:   v.bank,
		Store:  v.store,
	})
	if err != nil {
		t.Fatalf("engine setup failed: %v", err)
	}
	e.now = func() time.Time { return v.clock }
	v.engine = e
	return v
}

func (v *env) advance(dur time.Duration) {
	v.clock = v.clock.Add(dur)
}

// seedStablePool credits the provider and deposits into the stable pool.
func (v *env) seedStablePool(t *testing.T, owner string, amount float64) {
	t.Helper()
	v.bank.Credit("USDC", owner, d(amount))
	if _, err := v.engine.ProvideLiquidity(context.Background(), "USDC", owner, d(amount)); err != nil {
		t.Fatalf("seed stable pool: %v", err)
	}
}

func (v *env) seedAssetPool(t *testing.T, owner string, amount float64) {
	t.Helper()
	v.bank.Credit("ETH", owner, d(amount))
	if _, err := v.engine.ProvideLiquidity(context.Background(), "ETH", owner, d(amount)); err != nil {
		t.Fatalf("seed asset pool: %v", err)
	}
}

func (v *env) stable(t *testing.T) pool.Snapshot {
	t.Helper()
	snap, err := v.engine.PoolSnapshot("USDC")
	if err != nil {
		t.Fatalf("pool snapshot: %v", err)
	}
	return snap
}

func TestProvideLiquidity_MintsSharesAndPullsFunds(t *testing.T) {
	v := newTestEnv(t)
	v.bank.Credit("USDC", "alice", d(1500))

	shares, err := v.engine.ProvideLiquidity(context.Background(), "USDC", "alice", d(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !shares.Equal(d(1000)) {
		t.Errorf("expected 1000 shares, got %s", shares)
	}
	if bal := v.bank.Balance("USDC", "alice"); !bal.Equal(d(500)) {
		t.Errorf("expected alice balance 500, got %s", bal)
	}
	if held := v.bank.CustodyBalance("USDC"); !held.Equal(d(1000)) {
		t.Errorf("expected custody 1000, got %s", held)
	}
}

func TestProvideLiquidity_TransferFailureRollsBack(t *testing.T) {
	v := newTestEnv(t)
	// No bank credit: the pull must fail and leave the pool untouched.
	_, err := v.engine.ProvideLiquidity(context.Background(), "USDC", "alice", d(1000))
	if !errors.Is(err, bank.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	snap := v.stable(t)
	if !snap.TotalValue.IsZero() || !snap.TotalShares.IsZero() {
		t.Errorf("expected empty pool after rollback, got value=%s shares=%s", snap.TotalValue, snap.TotalShares)
	}
}

func TestProvideLiquidity_UnknownPool(t *testing.T) {
	v := newTestEnv(t)
	if _, err := v.engine.ProvideLiquidity(context.Background(), "DOGE", "alice", d(1)); !errors.Is(err, ErrUnknownPool) {
		t.Errorf("expected ErrUnknownPool, got %v", err)
	}
}

func TestWithdrawLiquidity_PaysOut(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 1000)

	portion, err := v.engine.WithdrawLiquidity(context.Background(), "USDC", "alice", d(400))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !portion.Equal(d(400)) {
		t.Errorf("expected portion 400, got %s", portion)
	}
	if bal := v.bank.Balance("USDC", "alice"); !bal.Equal(d(400)) {
		t.Errorf("expected alice balance 400, got %s", bal)
	}
}

// Scenario: pool holds 1000 free, a cash call with strike 100 and quantity 1
// at a 2% premium locks 100 and credits 2 of premium, leaving 902 free.
func TestBuyOption_PremiumAndCollateral(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 1000)
	v.bank.Credit("USDC", "bob", d(10))

	o, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner:      "bob",
		Kind:       derivative.Call,
		Settlement: derivative.Cash,
		Strike:     d(100),
		Quantity:   d(1),
		Expiry:     v.clock.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !o.PremiumPaid.Equal(d(2)) {
		t.Errorf("expected premium 2, got %s", o.PremiumPaid)
	}
	if !o.CollateralLocked.Equal(d(100)) {
		t.Errorf("expected collateral 100, got %s", o.CollateralLocked)
	}
	if o.Window != derivative.AtOrAfterExpiry {
		t.Errorf("expected cash option to settle European, got %s", o.Window)
	}

	snap := v.stable(t)
	if !snap.TotalValue.Equal(d(1002)) {
		t.Errorf("expected pool value 1002, got %s", snap.TotalValue)
	}
	if !snap.LockedValue.Equal(d(100)) {
		t.Errorf("expected locked 100, got %s", snap.LockedValue)
	}
	if free := snap.TotalValue.Sub(snap.LockedValue); !free.Equal(d(902)) {
		t.Errorf("expected free 902, got %s", free)
	}
}

func TestBuyOption_RejectsBadArguments(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 1000)

	base := BuyOptionRequest{
		Owner:      "bob",
		Kind:       derivative.Call,
		Settlement: derivative.Cash,
		Strike:     d(100),
		Quantity:   d(1),
		Expiry:     v.clock.Add(time.Hour),
	}

	bad := base
	bad.Strike = decimal.Zero
	if _, err := v.engine.BuyOption(context.Background(), bad); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero strike: expected ErrInvalidArgument, got %v", err)
	}

	bad = base
	bad.Quantity = d(-1)
	if _, err := v.engine.BuyOption(context.Background(), bad); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative quantity: expected ErrInvalidArgument, got %v", err)
	}

	bad = base
	bad.Expiry = v.clock.Add(-time.Minute)
	if _, err := v.engine.BuyOption(context.Background(), bad); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("past expiry: expected ErrInvalidArgument, got %v", err)
	}
}

func TestBuyOption_InsufficientFreeLiquidity(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 50)
	v.bank.Credit("USDC", "bob", d(10))

	_, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner:      "bob",
		Kind:       derivative.Call,
		Settlement: derivative.Cash,
		Strike:     d(100),
		Quantity:   d(1),
		Expiry:     v.clock.Add(time.Hour),
	})
	if !errors.Is(err, pool.ErrInsufficientFreeLiquidity) {
		t.Errorf("expected ErrInsufficientFreeLiquidity, got %v", err)
	}
}

func TestBuyOption_PremiumTransferFailureRollsBack(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 1000)
	// bob has no funds for the premium.

	_, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner:      "bob",
		Kind:       derivative.Call,
		Settlement: derivative.Cash,
		Strike:     d(100),
		Quantity:   d(1),
		Expiry:     v.clock.Add(time.Hour),
	})
	if !errors.Is(err, bank.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	snap := v.stable(t)
	if !snap.TotalValue.Equal(d(1000)) || !snap.LockedValue.IsZero() {
		t.Errorf("expected pool restored to 1000/0, got value=%s locked=%s", snap.TotalValue, snap.LockedValue)
	}
	if n := v.engine.PlatformStats().OptionsTotal; n != 0 {
		t.Errorf("expected no logged options after rollback, got %d", n)
	}
	// The rolled-back ID is reissued to the next buyer.
	v.bank.Credit("USDC", "bob", d(10))
	o, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner:      "bob",
		Kind:       derivative.Call,
		Settlement: derivative.Cash,
		Strike:     d(100),
		Quantity:   d(1),
		Expiry:     v.clock.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.ID != 1 {
		t.Errorf("expected reissued id 1, got %d", o.ID)
	}
}

// Scenario: price moves 100 -> 140, exercising the call pays 40, the full 100
// of collateral leaves the locked state, and pool value drops by the payoff.
func TestExerciseOption_CashCall(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 1000)
	v.bank.Credit("USDC", "bob", d(10))

	o, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner:      "bob",
		Kind:       derivative.Call,
		Settlement: derivative.Cash,
		Strike:     d(100),
		Quantity:   d(1),
		Expiry:     v.clock.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := v.oracle.SetPrice(d(140)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	v.advance(24 * time.Hour) // at expiry, inside the settlement window

	res, err := v.engine.ExerciseOption(context.Background(), o.ID, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Payoff.Equal(d(40)) {
		t.Errorf("expected payoff 40, got %s", res.Payoff)
	}
	if !res.Released.Equal(d(100)) {
		t.Errorf("expected released 100, got %s", res.Released)
	}

	snap := v.stable(t)
	if !snap.LockedValue.IsZero() {
		t.Errorf("expected locked 0, got %s", snap.LockedValue)
	}
	if !snap.TotalValue.Equal(d(962)) {
		t.Errorf("expected pool value 962, got %s", snap.TotalValue)
	}
	// bob paid 2 premium from 10 and received 40.
	if bal := v.bank.Balance("USDC", "bob"); !bal.Equal(d(48)) {
		t.Errorf("expected bob balance 48, got %s", bal)
	}
}

func TestExerciseOption_WindowAndOwnerChecks(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 1000)
	v.bank.Credit("USDC", "bob", d(10))

	o, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner:      "bob",
		Kind:       derivative.Call,
		Settlement: derivative.Cash,
		Strike:     d(100),
		Quantity:   d(1),
		Expiry:     v.clock.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := v.oracle.SetPrice(d(140)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	// European: not exercisable before expiry.
	if _, err := v.engine.ExerciseOption(context.Background(), o.ID, "bob"); !errors.Is(err, derivative.ErrWindowNotOpen) {
		t.Errorf("expected ErrWindowNotOpen before expiry, got %v", err)
	}

	v.advance(24 * time.Hour)
	if _, err := v.engine.ExerciseOption(context.Background(), o.ID, "mallory"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for non-owner, got %v", err)
	}

	// Past the settlement window the exercise right lapses.
	v.advance(2 * time.Hour)
	if _, err := v.engine.ExerciseOption(context.Background(), o.ID, "bob"); !errors.Is(err, derivative.ErrWindowClosed) {
		t.Errorf("expected ErrWindowClosed after window, got %v", err)
	}
}

// Scenario: out-of-the-money expiry releases the full collateral with zero
// payoff and is callable by anyone.
func TestExpireOption_ReleasesCollateral(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 1000)
	v.bank.Credit("USDC", "bob", d(10))

	o, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner:      "bob",
		Kind:       derivative.Call,
		Settlement: derivative.Cash,
		Strike:     d(100),
		Quantity:   d(1),
		Expiry:     v.clock.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Still inside the settlement window: not yet expirable.
	v.advance(24*time.Hour + 30*time.Minute)
	if _, err := v.engine.ExpireOption(context.Background(), o.ID); !errors.Is(err, derivative.ErrNotYetExpirable) {
		t.Errorf("expected ErrNotYetExpirable, got %v", err)
	}

	v.advance(time.Hour)
	res, err := v.engine.ExpireOption(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Released.Equal(d(100)) {
		t.Errorf("expected released 100, got %s", res.Released)
	}

	snap := v.stable(t)
	if !snap.LockedValue.IsZero() {
		t.Errorf("expected locked 0, got %s", snap.LockedValue)
	}
	// The premium stays with the pool: 1000 + 2.
	if !snap.TotalValue.Equal(d(1002)) {
		t.Errorf("expected pool value 1002, got %s", snap.TotalValue)
	}
}

func TestOption_NoDoubleSettlement(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 1000)
	v.bank.Credit("USDC", "bob", d(10))

	o, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner:      "bob",
		Kind:       derivative.Call,
		Settlement: derivative.Cash,
		Strike:     d(100),
		Quantity:   d(1),
		Expiry:     v.clock.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := v.oracle.SetPrice(d(120)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	v.advance(time.Hour)

	if _, err := v.engine.ExerciseOption(context.Background(), o.ID, "bob"); err != nil {
		t.Fatalf("first exercise failed: %v", err)
	}
	if _, err := v.engine.ExerciseOption(context.Background(), o.ID, "bob"); !errors.Is(err, derivative.ErrNotActive) {
		t.Errorf("second exercise: expected ErrNotActive, got %v", err)
	}
	v.advance(3 * time.Hour)
	if _, err := v.engine.ExpireOption(context.Background(), o.ID); !errors.Is(err, derivative.ErrNotActive) {
		t.Errorf("expire after exercise: expected ErrNotActive, got %v", err)
	}
}

// Physical exercise swaps unconditionally: no price is consulted, the asset
// pool delivers the underlying, and the strike value lands in the stable
// pool.
func TestExercisePhysicalCall_ExchangesAssets(t *testing.T) {
	v := newTestEnv(t)
	v.seedAssetPool(t, "alice", 10)
	v.bank.Credit("ETH", "bob", d(1))
	v.bank.Credit("USDC", "bob", d(5000))

	o, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner:      "bob",
		Kind:       derivative.Call,
		Settlement: derivative.Physical,
		Strike:     d(2000),
		Quantity:   d(2),
		Expiry:     v.clock.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Pool != "ETH" {
		t.Fatalf("expected physical call written on the asset pool, got %s", o.Pool)
	}
	if o.Window != derivative.UpToExpiry {
		t.Errorf("expected physical option to settle American, got %s", o.Window)
	}
	// Premium: 2% of 2 ETH = 0.04 ETH.
	if !o.PremiumPaid.Equal(d(0.04)) {
		t.Errorf("expected premium 0.04 ETH, got %s", o.PremiumPaid)
	}

	// American: exercisable immediately, no oracle price posted at all.
	res, err := v.engine.ExerciseOption(context.Background(), o.ID, "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Payoff.Equal(d(2)) {
		t.Errorf("expected 2 ETH delivered, got %s", res.Payoff)
	}

	// bob: paid 0.04 ETH premium and 4000 USDC strike, received 2 ETH.
	if bal := v.bank.Balance("ETH", "bob"); !bal.Equal(d(2.96)) {
		t.Errorf("expected bob ETH balance 2.96, got %s", bal)
	}
	if bal := v.bank.Balance("USDC", "bob"); !bal.Equal(d(1000)) {
		t.Errorf("expected bob USDC balance 1000, got %s", bal)
	}

	ethSnap, err := v.engine.PoolSnapshot("ETH")
	if err != nil {
		t.Fatalf("pool snapshot: %v", err)
	}
	// 10 + 0.04 premium - 2 delivered.
	if !ethSnap.TotalValue.Equal(d(8.04)) {
		t.Errorf("expected ETH pool value 8.04, got %s", ethSnap.TotalValue)
	}
	if !ethSnap.LockedValue.IsZero() {
		t.Errorf("expected ETH pool locked 0, got %s", ethSnap.LockedValue)
	}
	// Strike proceeds credit the stable pool.
	if snap := v.stable(t); !snap.TotalValue.Equal(d(4000)) {
		t.Errorf("expected USDC pool value 4000, got %s", snap.TotalValue)
	}
}

// Scenario: leverage above the configured maximum is rejected outright.
func TestOpenPosition_LeverageOutOfRange(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 100000)
	v.bank.Credit("USDC", "bob", d(1000))
	if err := v.oracle.SetPrice(d(100)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	_, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Long, d(1000), 10)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for leverage 10, got %v", err)
	}
	if _, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Long, d(1000), 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for leverage 0, got %v", err)
	}
}

func TestOpenPosition_OnePerOwner(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 100000)
	v.bank.Credit("USDC", "bob", d(2000))
	if err := v.oracle.SetPrice(d(100)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	if _, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Long, d(1000), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Short, d(500), 2); !errors.Is(err, derivative.ErrPositionExists) {
		t.Errorf("expected ErrPositionExists, got %v", err)
	}
}

func TestOpenClosePosition_ProfitableLong(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 10000)
	v.bank.Credit("USDC", "bob", d(1000))
	if err := v.oracle.SetPrice(d(100)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	pos, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Long, d(1000), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 50 bps fee on 1000 -> net margin 995, exposure 1990.
	if !pos.Margin.Equal(d(995)) {
		t.Errorf("expected net margin 995, got %s", pos.Margin)
	}

	snap := v.stable(t)
	if !snap.TotalValue.Equal(d(10995)) {
		t.Errorf("expected pool value 10995, got %s", snap.TotalValue)
	}
	if !snap.LockedValue.Equal(d(1990)) {
		t.Errorf("expected locked 1990, got %s", snap.LockedValue)
	}

	// Price +10%: pnl = 10% * 1990 = 199, equity 1194.
	if err := v.oracle.SetPrice(d(110)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	res, err := v.engine.ClosePosition(context.Background(), "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.PnL.Equal(d(199)) {
		t.Errorf("expected pnl 199, got %s", res.PnL)
	}
	if !res.Equity.Equal(d(1194)) {
		t.Errorf("expected equity 1194, got %s", res.Equity)
	}

	snap = v.stable(t)
	if !snap.LockedValue.IsZero() {
		t.Errorf("expected locked 0, got %s", snap.LockedValue)
	}
	if !snap.TotalValue.Equal(d(9801)) {
		t.Errorf("expected pool value 9801, got %s", snap.TotalValue)
	}
	if bal := v.bank.Balance("USDC", "bob"); !bal.Equal(d(1194)) {
		t.Errorf("expected bob balance 1194, got %s", bal)
	}
	if _, err := v.engine.GetPosition("bob"); !errors.Is(err, derivative.ErrPositionNotFound) {
		t.Errorf("expected position removed, got %v", err)
	}
}

func TestClosePosition_NegativeEquityRejected(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 10000)
	v.bank.Credit("USDC", "bob", d(1000))
	if err := v.oracle.SetPrice(d(100)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	if _, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Long, d(1000), 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// -25% at 5x wipes the margin and then some.
	if err := v.oracle.SetPrice(d(75)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := v.engine.ClosePosition(context.Background(), "bob"); !errors.Is(err, ErrNegativeEquity) {
		t.Errorf("expected ErrNegativeEquity, got %v", err)
	}
	// The position survives for the liquidator.
	if _, err := v.engine.GetPosition("bob"); err != nil {
		t.Errorf("expected position retained, got %v", err)
	}
}

// Scenario: liquidation fires strictly below the maintenance threshold;
// equity exactly at the threshold stays safe.
func TestLiquidate_Boundary(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 10000)
	v.bank.Credit("USDC", "bob", d(1000))
	if err := v.oracle.SetPrice(d(100)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	if _, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Long, d(1000), 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// net margin 995, exposure 4975, maintenance threshold 199.
	// At price 84: equity = 995 + 4975*(84-100)/100 = 199 == threshold.
	if err := v.oracle.SetPrice(d(84)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	check, err := v.engine.CheckLiquidation(context.Background(), "bob")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !check.Equity.Equal(d(199)) || !check.Threshold.Equal(d(199)) {
		t.Fatalf("expected equity and threshold 199, got %s / %s", check.Equity, check.Threshold)
	}
	if check.Liquidatable {
		t.Error("equity at the threshold must not be liquidatable")
	}
	if _, err := v.engine.Liquidate(context.Background(), "bob", "keeper"); !errors.Is(err, derivative.ErrNotLiquidatable) {
		t.Errorf("expected ErrNotLiquidatable at boundary, got %v", err)
	}

	// One tick below the boundary flips it.
	if err := v.oracle.SetPrice(d(83.99)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	res, err := v.engine.Liquidate(context.Background(), "bob", "keeper")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 5% of net margin 995.
	if !res.Fee.Equal(d(49.75)) {
		t.Errorf("expected liquidation fee 49.75, got %s", res.Fee)
	}

	snap := v.stable(t)
	if !snap.LockedValue.IsZero() {
		t.Errorf("expected locked 0, got %s", snap.LockedValue)
	}
	// 10000 + 995 margin - 49.75 fee: forfeited margin stays with the pool.
	if !snap.TotalValue.Equal(d(10945.25)) {
		t.Errorf("expected pool value 10945.25, got %s", snap.TotalValue)
	}
	if _, err := v.engine.GetPosition("bob"); !errors.Is(err, derivative.ErrPositionNotFound) {
		t.Errorf("expected position removed, got %v", err)
	}
}

func TestDistributeFees_AdminOnlySplit(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 10000)
	v.bank.Credit("USDC", "bob", d(1000))
	if err := v.oracle.SetPrice(d(100)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	// Open fee: 50 bps of 1000 = 5 accrued.
	if _, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Long, d(1000), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := v.engine.DistributeFees(context.Background(), "mallory"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	valueBefore := v.stable(t).TotalValue
	res, err := v.engine.DistributeFees(context.Background(), "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.AdminShare.Equal(d(1)) {
		t.Errorf("expected admin share 1, got %s", res.AdminShare)
	}
	if !res.PoolShare.Equal(d(4)) {
		t.Errorf("expected pool share 4, got %s", res.PoolShare)
	}
	if bal := v.bank.Balance("USDC", "admin"); !bal.Equal(d(1)) {
		t.Errorf("expected admin balance 1, got %s", bal)
	}
	if got := v.stable(t).TotalValue; !got.Equal(valueBefore.Add(d(4))) {
		t.Errorf("expected pool value %s, got %s", valueBefore.Add(d(4)), got)
	}

	stats := v.engine.PlatformStats()
	if !stats.FeesAccrued.IsZero() {
		t.Errorf("expected accrual zeroed, got %s", stats.FeesAccrued)
	}
	if !stats.FeesDistributed.Equal(d(5)) {
		t.Errorf("expected lifetime distributed 5, got %s", stats.FeesDistributed)
	}
}

func TestWithdrawFees_Bounded(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 10000)
	v.bank.Credit("USDC", "bob", d(1000))
	if err := v.oracle.SetPrice(d(100)); err != nil {
		t.Fatalf("set price: %v", err)
	}
	if _, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Long, d(1000), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := v.engine.WithdrawFees(context.Background(), "bob", d(1)); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if err := v.engine.WithdrawFees(context.Background(), "admin", d(6)); err == nil {
		t.Error("expected over-withdrawal to fail")
	}
	if err := v.engine.WithdrawFees(context.Background(), "admin", d(5)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bal := v.bank.Balance("USDC", "admin"); !bal.Equal(d(5)) {
		t.Errorf("expected admin balance 5, got %s", bal)
	}
}

// The collateral bound must hold across a mixed workload: locked value per
// pool equals the sum of active option collateral plus open position
// exposure.
func TestCollateralBound_MixedWorkload(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 100000)
	v.seedAssetPool(t, "carol", 50)
	v.bank.Credit("USDC", "bob", d(10000))
	v.bank.Credit("ETH", "bob", d(5))
	if err := v.oracle.SetPrice(d(100)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	if _, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner: "bob", Kind: derivative.Call, Settlement: derivative.Cash,
		Strike: d(100), Quantity: d(3), Expiry: v.clock.Add(time.Hour),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner: "bob", Kind: derivative.Put, Settlement: derivative.Physical,
		Strike: d(90), Quantity: d(2), Expiry: v.clock.Add(time.Hour),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner: "bob", Kind: derivative.Call, Settlement: derivative.Physical,
		Strike: d(100), Quantity: d(1.5), Expiry: v.clock.Add(time.Hour),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Short, d(2000), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := v.engine.PlatformStats()
	for _, ps := range stats.Pools {
		if ps.LockedValue.GreaterThan(ps.TotalValue) {
			t.Errorf("pool %s: locked %s exceeds value %s", ps.ID, ps.LockedValue, ps.TotalValue)
		}
	}

	// USDC: cash call 300 + physical put 180 + short exposure 1990*3.
	usdcLocked := d(300).Add(d(180)).Add(d(1990).Mul(d(3)))
	if snap := v.stable(t); !snap.LockedValue.Equal(usdcLocked) {
		t.Errorf("expected USDC locked %s, got %s", usdcLocked, snap.LockedValue)
	}
	// ETH: physical call quantity.
	ethSnap, err := v.engine.PoolSnapshot("ETH")
	if err != nil {
		t.Fatalf("pool snapshot: %v", err)
	}
	if !ethSnap.LockedValue.Equal(d(1.5)) {
		t.Errorf("expected ETH locked 1.5, got %s", ethSnap.LockedValue)
	}
}

// A second engine hydrated from the same store picks up where the first left
// off, including the option ID counter.
func TestHydrate_ResumesFromStore(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 10000)
	v.bank.Credit("USDC", "bob", d(2000))
	if err := v.oracle.SetPrice(d(100)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	if _, err := v.engine.BuyOption(context.Background(), BuyOptionRequest{
		Owner: "bob", Kind: derivative.Call, Settlement: derivative.Cash,
		Strike: d(100), Quantity: d(1), Expiry: v.clock.Add(time.Hour),
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Long, d(1000), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e2, err := New(testParams(), Deps{Oracle: v.oracle, Bank: v.bank, Store: v.store})
	if err != nil {
		t.Fatalf("engine setup failed: %v", err)
	}
	e2.now = func() time.Time { return v.clock }
	if err := e2.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate failed: %v", err)
	}

	want := v.engine.PlatformStats()
	got := e2.PlatformStats()
	if got.OptionsTotal != want.OptionsTotal || got.OpenPositions != want.OpenPositions {
		t.Errorf("hydrated stats mismatch: got %+v want %+v", got, want)
	}
	snapA, _ := v.engine.PoolSnapshot("USDC")
	snapB, err := e2.PoolSnapshot("USDC")
	if err != nil {
		t.Fatalf("pool snapshot: %v", err)
	}
	if !snapA.TotalValue.Equal(snapB.TotalValue) || !snapA.LockedValue.Equal(snapB.LockedValue) {
		t.Errorf("hydrated pool mismatch: %+v vs %+v", snapA, snapB)
	}

	// New options continue the ID sequence.
	o, err := e2.BuyOption(context.Background(), BuyOptionRequest{
		Owner: "bob", Kind: derivative.Call, Settlement: derivative.Cash,
		Strike: d(50), Quantity: d(1), Expiry: v.clock.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.ID != 2 {
		t.Errorf("expected next id 2 after hydration, got %d", o.ID)
	}
}

func TestPlatformStats_Exposures(t *testing.T) {
	v := newTestEnv(t)
	v.seedStablePool(t, "alice", 100000)
	v.bank.Credit("USDC", "bob", d(1000))
	v.bank.Credit("USDC", "carol", d(2000))
	if err := v.oracle.SetPrice(d(100)); err != nil {
		t.Fatalf("set price: %v", err)
	}

	if _, err := v.engine.OpenPosition(context.Background(), "bob", derivative.Long, d(1000), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := v.engine.OpenPosition(context.Background(), "carol", derivative.Short, d(2000), 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := v.engine.PlatformStats()
	if stats.OpenPositions != 2 {
		t.Errorf("expected 2 open positions, got %d", stats.OpenPositions)
	}
	if !stats.LongExposure.Equal(d(1990)) {
		t.Errorf("expected long exposure 1990, got %s", stats.LongExposure)
	}
	if !stats.ShortExposure.Equal(d(5970)) {
		t.Errorf("expected short exposure 5970, got %s", stats.ShortExposure)
	}
}
