package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/derivative"
	"github.com/hedgepool/settlement-engine/internal/fpmath"
	"github.com/hedgepool/settlement-engine/internal/metrics"
	"github.com/hedgepool/settlement-engine/internal/pool"
)

// OpenPosition opens a leveraged position against the stable pool. The
// trading fee comes off the margin before storage; the net margin is
// credited to the pool and net margin times leverage is reserved as the
// position's collateral claim. One open position per owner.
func (e *Engine) OpenPosition(ctx context.Context, owner string, side derivative.Side, margin decimal.Decimal, leverage int64) (*derivative.Position, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	if !margin.IsPositive() {
		return nil, fmt.Errorf("%w: margin %s must be positive", ErrInvalidArgument, margin)
	}
	if err := derivative.ValidateLeverage(leverage, e.params.MaxLeverage); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if _, err := derivative.ParseSide(string(side)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	margin = fpmath.Rescale(margin)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.registry.GetPosition(owner); err == nil {
		return nil, fmt.Errorf("%w: owner %s", derivative.ErrPositionExists, owner)
	}

	price, err := e.prices.CurrentPrice(ctx)
	if err != nil {
		return nil, err
	}

	p := e.pools[e.params.StablePool]
	if margin.GreaterThan(p.FreeLiquidity()) {
		return nil, fmt.Errorf("%w: margin %s exceeds free %s", pool.ErrInsufficientFreeLiquidity, margin, p.FreeLiquidity())
	}

	fee := fpmath.ApplyBps(margin, e.params.MarginFeeBps)
	net := margin.Sub(fee)
	if !net.IsPositive() {
		return nil, fmt.Errorf("%w: margin %s is consumed entirely by the %s fee", ErrInvalidArgument, margin, fee)
	}

	poolSnap := p.Snapshot()
	feeSnap := e.feeLedger.Snapshot()

	pos := &derivative.Position{
		Owner:      owner,
		Side:       side,
		Margin:     net,
		EntryPrice: price,
		Leverage:   leverage,
		OpenedAt:   e.now().UTC(),
	}

	// Net margin becomes pool value; the position's exposure is reserved
	// on top of it, so an over-levered pool rejects the open here.
	if err := p.Credit(net); err != nil {
		return nil, err
	}
	if err := p.Reserve(pos.Exposure()); err != nil {
		p.Restore(poolSnap)
		return nil, err
	}
	if fee.IsPositive() {
		if err := e.feeLedger.Accrue(fee); err != nil {
			p.Restore(poolSnap)
			return nil, err
		}
	}
	if err := e.registry.OpenPosition(pos); err != nil {
		p.Restore(poolSnap)
		e.feeLedger.Restore(feeSnap)
		return nil, err
	}

	if err := e.bank.TransferIn(ctx, e.params.StablePool, owner, margin); err != nil {
		if _, rmErr := e.registry.RemovePosition(owner); rmErr != nil {
			e.log.Error("rollback of position open failed", "owner", owner, "err", rmErr)
		}
		p.Restore(poolSnap)
		e.feeLedger.Restore(feeSnap)
		return nil, err
	}

	e.persistPosition(ctx, pos)
	e.persistPool(ctx, p)
	e.persistFees(ctx)
	metrics.PositionsOpened.WithLabelValues(string(side)).Inc()
	metrics.FeesAccrued.Add(fee.InexactFloat64())
	e.log.Info("position opened",
		"owner", owner,
		"side", side,
		"margin", net.String(),
		"entry", price.String(),
		"leverage", leverage,
		"fee", fee.String(),
	)
	e.emit("position_opened", map[string]string{
		"owner":    owner,
		"side":     string(side),
		"margin":   net.String(),
		"entry":    price.String(),
		"leverage": fmt.Sprint(leverage),
		"fee":      fee.String(),
	})
	return pos.Clone(), nil
}

// CloseResult reports one closed position.
type CloseResult struct {
	PnL    decimal.Decimal `json:"pnl"`
	Equity decimal.Decimal `json:"equity"`
}

// ClosePosition settles the owner's open position at the current oracle
// price and pays out the remaining equity, capped at the position's reserved
// exposure. Underwater positions are rejected: they must be liquidated, and
// a close cannot dodge the liquidation fee.
func (e *Engine) ClosePosition(ctx context.Context, owner string) (CloseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.registry.GetPosition(owner)
	if err != nil {
		return CloseResult{}, err
	}
	price, err := e.prices.CurrentPrice(ctx)
	if err != nil {
		return CloseResult{}, err
	}

	pnl := pos.PnL(price)
	equity := pos.Equity(price)
	if equity.IsNegative() {
		return CloseResult{}, fmt.Errorf("%w: equity %s at price %s", ErrNegativeEquity, equity, price)
	}
	payout := fpmath.Cap(equity, pos.Exposure())

	p := e.pools[e.params.StablePool]
	poolSnap := p.Snapshot()

	if err := p.Settle(pos.Exposure(), payout); err != nil {
		return CloseResult{}, err
	}
	if _, err := e.registry.RemovePosition(owner); err != nil {
		p.Restore(poolSnap)
		return CloseResult{}, err
	}
	if err := e.bank.TransferOut(ctx, e.params.StablePool, owner, payout); err != nil {
		e.registry.RestorePosition(pos)
		p.Restore(poolSnap)
		return CloseResult{}, err
	}

	e.deletePosition(ctx, owner)
	e.persistPool(ctx, p)
	metrics.PositionsClosed.WithLabelValues("closed").Inc()
	e.log.Info("position closed",
		"owner", owner,
		"price", price.String(),
		"pnl", pnl.String(),
		"equity", payout.String(),
	)
	e.emit("position_closed", map[string]string{
		"owner":  owner,
		"price":  price.String(),
		"pnl":    pnl.String(),
		"equity": payout.String(),
	})
	return CloseResult{PnL: pnl, Equity: payout}, nil
}

// LiquidationCheck is the read-only liquidation preview for a position.
type LiquidationCheck struct {
	Owner        string          `json:"owner"`
	Price        decimal.Decimal `json:"price"`
	Equity       decimal.Decimal `json:"equity"`
	Threshold    decimal.Decimal `json:"threshold"`
	Liquidatable bool            `json:"liquidatable"`
}

// CheckLiquidation reports the owner's equity against the maintenance
// threshold at the current oracle price, without mutating anything.
func (e *Engine) CheckLiquidation(ctx context.Context, owner string) (LiquidationCheck, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.registry.GetPosition(owner)
	if err != nil {
		return LiquidationCheck{}, err
	}
	price, err := e.prices.CurrentPrice(ctx)
	if err != nil {
		return LiquidationCheck{}, err
	}

	return LiquidationCheck{
		Owner:        owner,
		Price:        price,
		Equity:       pos.Equity(price),
		Threshold:    pos.MaintenanceThreshold(e.params.MaintenanceMarginPct),
		Liquidatable: pos.LiquidatableAt(price, e.params.MaintenanceMarginPct),
	}, nil
}

// LiquidationResult reports one liquidation.
type LiquidationResult struct {
	Fee decimal.Decimal `json:"fee"`
}

// Liquidate removes a position whose equity has fallen strictly below the
// maintenance threshold. Callable by anyone. The liquidation fee is seized
// from the forfeited margin into the fee ledger; the trader receives
// nothing, and the rest of the margin stays in the pool.
func (e *Engine) Liquidate(ctx context.Context, owner, caller string) (LiquidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.registry.GetPosition(owner)
	if err != nil {
		return LiquidationResult{}, err
	}
	price, err := e.prices.CurrentPrice(ctx)
	if err != nil {
		return LiquidationResult{}, err
	}
	if !pos.LiquidatableAt(price, e.params.MaintenanceMarginPct) {
		return LiquidationResult{}, fmt.Errorf("%w: equity %s, threshold %s",
			derivative.ErrNotLiquidatable, pos.Equity(price), pos.MaintenanceThreshold(e.params.MaintenanceMarginPct))
	}

	fee := fpmath.ApplyBps(pos.Margin, e.params.LiquidationFeeBps)

	p := e.pools[e.params.StablePool]
	poolSnap := p.Snapshot()
	feeSnap := e.feeLedger.Snapshot()

	// The exposure reservation is released in full; only the seized fee
	// leaves pool value, the forfeited margin stays behind for the
	// providers.
	if err := p.Settle(pos.Exposure(), fee); err != nil {
		return LiquidationResult{}, err
	}
	if fee.IsPositive() {
		if err := e.feeLedger.Accrue(fee); err != nil {
			p.Restore(poolSnap)
			return LiquidationResult{}, err
		}
	}
	if _, err := e.registry.RemovePosition(owner); err != nil {
		p.Restore(poolSnap)
		e.feeLedger.Restore(feeSnap)
		return LiquidationResult{}, err
	}

	e.deletePosition(ctx, owner)
	e.persistPool(ctx, p)
	e.persistFees(ctx)
	metrics.PositionsClosed.WithLabelValues("liquidated").Inc()
	metrics.FeesAccrued.Add(fee.InexactFloat64())
	e.log.Info("position liquidated",
		"owner", owner,
		"caller", caller,
		"price", price.String(),
		"fee", fee.String(),
	)
	e.emit("position_liquidated", map[string]string{
		"owner":  owner,
		"caller": caller,
		"price":  price.String(),
		"fee":    fee.String(),
	})
	return LiquidationResult{Fee: fee}, nil
}

// GetPosition returns a copy of the owner's open position.
func (e *Engine) GetPosition(owner string) (*derivative.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.registry.GetPosition(owner)
	if err != nil {
		return nil, err
	}
	return pos.Clone(), nil
}
