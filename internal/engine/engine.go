// Package engine orchestrates the settlement engine: it owns the liquidity
// pools, the derivative registry, and the fee ledger, and funnels every
// state-mutating operation through one mutex so transitions are serialized
// and atomic.
//
// Operation ordering is fixed: validate, mutate the in-memory ledgers,
// invoke external value transfers, persist, publish events. Internal
// ledgers always change before any external transfer runs, so a transfer
// callback can never observe a half-applied operation. A failed transfer
// unwinds the in-memory mutation from snapshots taken at the start of the
// critical section; the in-memory ledgers are authoritative and persistence
// follows them.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/bank"
	"github.com/hedgepool/settlement-engine/internal/derivative"
	"github.com/hedgepool/settlement-engine/internal/fees"
	"github.com/hedgepool/settlement-engine/internal/fpmath"
	"github.com/hedgepool/settlement-engine/internal/metrics"
	"github.com/hedgepool/settlement-engine/internal/oracle"
	"github.com/hedgepool/settlement-engine/internal/pool"
	"github.com/hedgepool/settlement-engine/internal/risk"
	"github.com/hedgepool/settlement-engine/internal/store"
)

var (
	// ErrInvalidArgument is returned for malformed operation arguments:
	// empty owners, non-positive amounts, expiries in the past.
	ErrInvalidArgument = errors.New("engine: invalid argument")

	// ErrUnauthorized is returned when a caller is neither the instance
	// owner nor the admin the operation requires.
	ErrUnauthorized = errors.New("engine: unauthorized")

	// ErrUnknownPool is returned for an operation naming a pool the
	// engine does not manage.
	ErrUnknownPool = errors.New("engine: unknown pool")

	// ErrNegativeEquity is returned when a close would pay out an
	// underwater position. The position must go through liquidation
	// instead; closing cannot dodge the liquidation fee.
	ErrNegativeEquity = errors.New("engine: negative equity, position must be liquidated")
)

// Params carries the engine's economic parameters. Rates are in basis points
// and percentages so the math stays in integers.
type Params struct {
	Admin                string
	AssetPool            string
	StablePool           string
	PremiumBps           int64
	MarginFeeBps         int64
	LiquidationFeeBps    int64
	MaxLeverage          int64
	MaintenanceMarginPct int64
	SettlementWindow     time.Duration
}

// Event is one engine lifecycle event published to subscribers.
type Event struct {
	ID   string            `json:"id"`
	Type string            `json:"type"`
	At   time.Time         `json:"at"`
	Data map[string]string `json:"data"`
}

// EventSink receives engine events. Publish must not block: the engine calls
// it while holding its lock.
type EventSink interface {
	Publish(Event)
}

// Deps are the engine's external collaborators. Oracle, Bank, and Store are
// required; Limiter and Events are optional.
type Deps struct {
	Oracle  oracle.Source
	Bank    bank.Ledger
	Store   store.Store
	Limiter *risk.ExposureLimiter
	Events  EventSink
	Logger  *slog.Logger
}

// Engine is the settlement engine aggregate root.
type Engine struct {
	mu sync.Mutex

	params    Params
	pools     map[string]*pool.Pool
	registry  *derivative.Registry
	feeLedger *fees.Ledger

	prices  oracle.Source
	bank    bank.Ledger
	store   store.Store
	limiter *risk.ExposureLimiter
	events  EventSink

	log *slog.Logger
	now func() time.Time
}

// New creates an engine with empty ledgers for the configured pool pair.
func New(p Params, deps Deps) (*Engine, error) {
	if p.AssetPool == "" || p.StablePool == "" || p.AssetPool == p.StablePool {
		return nil, fmt.Errorf("%w: pools %q and %q must be distinct non-empty units", ErrInvalidArgument, p.AssetPool, p.StablePool)
	}
	if p.MaxLeverage < 1 {
		return nil, fmt.Errorf("%w: max leverage %d", ErrInvalidArgument, p.MaxLeverage)
	}
	if deps.Oracle == nil || deps.Bank == nil || deps.Store == nil {
		return nil, fmt.Errorf("%w: oracle, bank and store are required", ErrInvalidArgument)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		params: p,
		pools: map[string]*pool.Pool{
			p.AssetPool:  pool.New(p.AssetPool),
			p.StablePool: pool.New(p.StablePool),
		},
		registry:  derivative.NewRegistry(),
		feeLedger: fees.NewLedger(),
		prices:    deps.Oracle,
		bank:      deps.Bank,
		store:     deps.Store,
		limiter:   deps.Limiter,
		events:    deps.Events,
		log:       logger.With("component", "engine"),
		now:       time.Now,
	}, nil
}

// Hydrate loads persisted state into the in-memory ledgers. It is called
// once at boot, before the engine serves operations.
func (e *Engine) Hydrate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	snaps, err := e.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("hydrate pools: %w", err)
	}
	for _, snap := range snaps {
		p, ok := e.pools[snap.ID]
		if !ok {
			e.log.Warn("skipping persisted pool not in configuration", "pool", snap.ID)
			continue
		}
		p.Restore(snap)
	}

	options, err := e.store.ListOptions(ctx)
	if err != nil {
		return fmt.Errorf("hydrate options: %w", err)
	}
	for i := range options {
		e.registry.RestoreOption(options[i].Clone())
	}

	positions, err := e.store.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("hydrate positions: %w", err)
	}
	for i := range positions {
		e.registry.RestorePosition(positions[i].Clone())
	}

	feeSnap, err := e.store.GetFees(ctx)
	if err != nil {
		return fmt.Errorf("hydrate fees: %w", err)
	}
	e.feeLedger.Restore(feeSnap)

	e.log.Info("state hydrated",
		"pools", len(snaps),
		"options", len(options),
		"positions", len(positions),
		"fees_accrued", feeSnap.Accrued.String(),
	)
	return nil
}

// ProvideLiquidity deposits amount into the named pool and mints shares for
// the owner.
func (e *Engine) ProvideLiquidity(ctx context.Context, poolID, owner string, amount decimal.Decimal) (decimal.Decimal, error) {
	if owner == "" {
		return decimal.Zero, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	amount = fpmath.Rescale(amount)

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.poolByID(poolID)
	if err != nil {
		return decimal.Zero, err
	}

	snap := p.Snapshot()
	shares, err := p.Deposit(owner, amount)
	if err != nil {
		return decimal.Zero, err
	}
	if err := e.bank.TransferIn(ctx, poolID, owner, amount); err != nil {
		p.Restore(snap)
		return decimal.Zero, err
	}

	e.persistPool(ctx, p)
	e.log.Info("liquidity provided", "pool", poolID, "owner", owner, "amount", amount.String(), "shares", shares.String())
	e.emit("liquidity_provided", map[string]string{
		"pool":   poolID,
		"owner":  owner,
		"amount": amount.String(),
		"shares": shares.String(),
	})
	return shares, nil
}

// WithdrawLiquidity burns shares and pays the owner's pro-rata portion out of
// the named pool's free liquidity.
func (e *Engine) WithdrawLiquidity(ctx context.Context, poolID, owner string, shares decimal.Decimal) (decimal.Decimal, error) {
	if owner == "" {
		return decimal.Zero, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	shares = fpmath.Rescale(shares)

	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.poolByID(poolID)
	if err != nil {
		return decimal.Zero, err
	}

	snap := p.Snapshot()
	portion, err := p.Withdraw(owner, shares)
	if err != nil {
		return decimal.Zero, err
	}
	if err := e.bank.TransferOut(ctx, poolID, owner, portion); err != nil {
		p.Restore(snap)
		return decimal.Zero, err
	}

	e.persistPool(ctx, p)
	e.log.Info("liquidity withdrawn", "pool", poolID, "owner", owner, "shares", shares.String(), "portion", portion.String())
	e.emit("liquidity_withdrawn", map[string]string{
		"pool":    poolID,
		"owner":   owner,
		"shares":  shares.String(),
		"portion": portion.String(),
	})
	return portion, nil
}

// DistributionResult reports one fee distribution.
type DistributionResult struct {
	AdminShare decimal.Decimal `json:"admin_share"`
	PoolShare  decimal.Decimal `json:"pool_share"`
}

// DistributeFees splits the accrued fee balance: the admin's fixed share is
// paid out, the remainder is credited to the stable pool so share value
// rises for liquidity providers. Admin only.
func (e *Engine) DistributeFees(ctx context.Context, caller string) (DistributionResult, error) {
	if caller != e.params.Admin {
		return DistributionResult{}, fmt.Errorf("%w: caller %q is not the admin", ErrUnauthorized, caller)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pools[e.params.StablePool]
	poolSnap := p.Snapshot()
	feeSnap := e.feeLedger.Snapshot()

	adminShare, poolShare, err := e.feeLedger.Distribute()
	if err != nil {
		return DistributionResult{}, err
	}
	if err := p.Credit(poolShare); err != nil {
		e.feeLedger.Restore(feeSnap)
		return DistributionResult{}, err
	}
	if err := e.bank.TransferOut(ctx, e.params.StablePool, e.params.Admin, adminShare); err != nil {
		p.Restore(poolSnap)
		e.feeLedger.Restore(feeSnap)
		return DistributionResult{}, err
	}

	e.persistPool(ctx, p)
	e.persistFees(ctx)
	e.log.Info("fees distributed", "admin_share", adminShare.String(), "pool_share", poolShare.String())
	e.emit("fees_distributed", map[string]string{
		"admin_share": adminShare.String(),
		"pool_share":  poolShare.String(),
	})
	return DistributionResult{AdminShare: adminShare, PoolShare: poolShare}, nil
}

// WithdrawFees skims amount from the accrued fee balance straight to the
// admin, bypassing distribution. Admin only.
func (e *Engine) WithdrawFees(ctx context.Context, caller string, amount decimal.Decimal) error {
	if caller != e.params.Admin {
		return fmt.Errorf("%w: caller %q is not the admin", ErrUnauthorized, caller)
	}
	amount = fpmath.Rescale(amount)

	e.mu.Lock()
	defer e.mu.Unlock()

	feeSnap := e.feeLedger.Snapshot()
	if err := e.feeLedger.Withdraw(amount); err != nil {
		return err
	}
	if err := e.bank.TransferOut(ctx, e.params.StablePool, e.params.Admin, amount); err != nil {
		e.feeLedger.Restore(feeSnap)
		return err
	}

	e.persistFees(ctx)
	e.log.Info("fees withdrawn", "amount", amount.String())
	e.emit("fees_withdrawn", map[string]string{"amount": amount.String()})
	return nil
}

// PoolStats is one pool's totals in a stats snapshot.
type PoolStats struct {
	ID            string          `json:"id"`
	TotalValue    decimal.Decimal `json:"total_value"`
	LockedValue   decimal.Decimal `json:"locked_value"`
	FreeLiquidity decimal.Decimal `json:"free_liquidity"`
	TotalShares   decimal.Decimal `json:"total_shares"`
	Providers     int             `json:"providers"`
}

// Stats is the platform-wide state snapshot.
type Stats struct {
	Pools            []PoolStats     `json:"pools"`
	OptionsTotal     int             `json:"options_total"`
	OptionsActive    int             `json:"options_active"`
	OptionsExercised int             `json:"options_exercised"`
	OptionsExpired   int             `json:"options_expired"`
	OpenPositions    int             `json:"open_positions"`
	LongExposure     decimal.Decimal `json:"long_exposure"`
	ShortExposure    decimal.Decimal `json:"short_exposure"`
	FeesAccrued      decimal.Decimal `json:"fees_accrued"`
	FeesDistributed  decimal.Decimal `json:"fees_distributed"`
}

// PlatformStats reports pool totals, option lifecycle counts, open position
// exposure, and fee ledger state.
func (e *Engine) PlatformStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		LongExposure:    decimal.Zero,
		ShortExposure:   decimal.Zero,
		FeesAccrued:     e.feeLedger.Accrued(),
		FeesDistributed: e.feeLedger.Distributed(),
	}

	for _, id := range []string{e.params.AssetPool, e.params.StablePool} {
		p := e.pools[id]
		stats.Pools = append(stats.Pools, PoolStats{
			ID:            p.ID(),
			TotalValue:    p.TotalValue(),
			LockedValue:   p.LockedValue(),
			FreeLiquidity: p.FreeLiquidity(),
			TotalShares:   p.TotalShares(),
			Providers:     p.Holders(),
		})
	}

	counts := e.registry.OptionCounts()
	stats.OptionsTotal = e.registry.OptionCount()
	stats.OptionsActive = counts[derivative.StateActive]
	stats.OptionsExercised = counts[derivative.StateExercised]
	stats.OptionsExpired = counts[derivative.StateExpired]

	for _, pos := range e.registry.OpenPositions() {
		stats.OpenPositions++
		if pos.Side == derivative.Long {
			stats.LongExposure = stats.LongExposure.Add(pos.Exposure())
		} else {
			stats.ShortExposure = stats.ShortExposure.Add(pos.Exposure())
		}
	}
	return stats
}

// PoolSnapshot returns the named pool's persistable state.
func (e *Engine) PoolSnapshot(poolID string) (pool.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.poolByID(poolID)
	if err != nil {
		return pool.Snapshot{}, err
	}
	return p.Snapshot(), nil
}

// poolByID resolves a pool name; callers hold e.mu.
func (e *Engine) poolByID(id string) (*pool.Pool, error) {
	p, ok := e.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, id)
	}
	return p, nil
}

// persistPool writes a pool through to the store and refreshes its gauges.
// The in-memory ledger is authoritative; a store failure is logged, not
// propagated.
func (e *Engine) persistPool(ctx context.Context, p *pool.Pool) {
	if err := e.store.SavePool(ctx, p.Snapshot()); err != nil {
		e.log.Error("persist pool failed", "pool", p.ID(), "err", err)
	}
	metrics.SetPoolGauges(p.ID(),
		p.TotalValue().InexactFloat64(),
		p.LockedValue().InexactFloat64(),
		p.TotalShares().InexactFloat64(),
	)
}

func (e *Engine) persistOption(ctx context.Context, o *derivative.Option) {
	if err := e.store.SaveOption(ctx, o.Clone()); err != nil {
		e.log.Error("persist option failed", "id", o.ID, "err", err)
	}
}

func (e *Engine) persistPosition(ctx context.Context, p *derivative.Position) {
	if err := e.store.SavePosition(ctx, p.Clone()); err != nil {
		e.log.Error("persist position failed", "owner", p.Owner, "err", err)
	}
}

func (e *Engine) deletePosition(ctx context.Context, owner string) {
	if err := e.store.DeletePosition(ctx, owner); err != nil {
		e.log.Error("delete position failed", "owner", owner, "err", err)
	}
}

func (e *Engine) persistFees(ctx context.Context) {
	if err := e.store.SaveFees(ctx, e.feeLedger.Snapshot()); err != nil {
		e.log.Error("persist fees failed", "err", err)
	}
}

// emit publishes an engine event with a fresh identifier.
func (e *Engine) emit(eventType string, data map[string]string) {
	if e.events == nil {
		return
	}
	e.events.Publish(Event{
		ID:   uuid.New().String(),
		Type: eventType,
		At:   e.now().UTC(),
		Data: data,
	})
}
