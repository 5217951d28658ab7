package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/derivative"
	"github.com/hedgepool/settlement-engine/internal/fpmath"
	"github.com/hedgepool/settlement-engine/internal/metrics"
	"github.com/hedgepool/settlement-engine/internal/settle"
)

// BuyOptionRequest carries the terms of a prospective option.
type BuyOptionRequest struct {
	Owner      string
	Kind       derivative.OptionKind
	Settlement derivative.SettlementMode
	Strike     decimal.Decimal
	Quantity   decimal.Decimal
	Expiry     time.Time
}

// BuyOption validates the terms, reserves collateral in the writing pool,
// collects the premium into that pool, and appends the instance to the
// option log.
func (e *Engine) BuyOption(ctx context.Context, req BuyOptionRequest) (*derivative.Option, error) {
	if req.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	if !req.Strike.IsPositive() {
		return nil, fmt.Errorf("%w: strike %s must be positive", ErrInvalidArgument, req.Strike)
	}
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity %s must be positive", ErrInvalidArgument, req.Quantity)
	}

	strike := fpmath.Rescale(req.Strike)
	quantity := fpmath.Rescale(req.Quantity)

	collateral, err := settle.Collateral(req.Kind, req.Settlement, strike, quantity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	premium, err := settle.Premium(req.Kind, req.Settlement, strike, quantity, e.params.PremiumBps)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	poolID := e.writingPool(req.Kind, req.Settlement)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if !req.Expiry.After(now) {
		return nil, fmt.Errorf("%w: expiry %s is not in the future", ErrInvalidArgument, req.Expiry.UTC().Format(time.RFC3339))
	}

	p := e.pools[poolID]
	if e.limiter != nil {
		active := 0
		for _, o := range e.registry.ActiveOptions() {
			if o.Owner == req.Owner {
				active++
			}
		}
		if err := e.limiter.CheckOptionOpen(active, collateral, p.TotalValue()); err != nil {
			return nil, err
		}
	}

	snap := p.Snapshot()
	if err := p.Reserve(collateral); err != nil {
		return nil, err
	}
	// The premium is pool income: it raises share value, it never mints
	// shares.
	if err := p.Credit(premium); err != nil {
		p.Restore(snap)
		return nil, err
	}

	o := e.registry.AppendOption(&derivative.Option{
		Owner:            req.Owner,
		Kind:             req.Kind,
		Settlement:       req.Settlement,
		Window:           derivative.WindowFor(req.Settlement),
		Pool:             poolID,
		Strike:           strike,
		Quantity:         quantity,
		Expiry:           req.Expiry.UTC(),
		PremiumPaid:      premium,
		CollateralLocked: collateral,
		State:            derivative.StateActive,
		Payoff:           decimal.Zero,
		CreatedAt:        now.UTC(),
	})

	if err := e.bank.TransferIn(ctx, poolID, req.Owner, premium); err != nil {
		e.registry.RemoveOption(o.ID)
		p.Restore(snap)
		return nil, err
	}

	e.persistOption(ctx, o)
	e.persistPool(ctx, p)
	metrics.OptionsOpened.WithLabelValues(string(o.Kind), string(o.Settlement)).Inc()
	e.log.Info("option bought",
		"id", o.ID,
		"owner", o.Owner,
		"kind", o.Kind,
		"settlement", o.Settlement,
		"strike", o.Strike.String(),
		"quantity", o.Quantity.String(),
		"premium", o.PremiumPaid.String(),
		"collateral", o.CollateralLocked.String(),
	)
	e.emit("option_opened", map[string]string{
		"id":         fmt.Sprint(o.ID),
		"owner":      o.Owner,
		"kind":       string(o.Kind),
		"settlement": string(o.Settlement),
		"strike":     o.Strike.String(),
		"quantity":   o.Quantity.String(),
		"premium":    o.PremiumPaid.String(),
		"collateral": o.CollateralLocked.String(),
	})
	return o.Clone(), nil
}

// ExerciseResult reports one settled exercise.
type ExerciseResult struct {
	Option *derivative.Option `json:"option"`
	// Payoff is the value delivered to the holder: the cash payoff for a
	// cash instance, the received leg for a physical exchange.
	Payoff decimal.Decimal `json:"payoff"`
	// Released is the collateral reservation freed in the writing pool.
	Released decimal.Decimal `json:"released"`
}

// ExerciseOption settles an active option for its owner. Cash instances
// settle against the oracle price with the payoff capped at locked
// collateral; physical instances exchange the underlying unconditionally,
// without consulting any price.
func (e *Engine) ExerciseOption(ctx context.Context, id int64, caller string) (ExerciseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.registry.GetOption(id)
	if err != nil {
		return ExerciseResult{}, err
	}
	if o.State != derivative.StateActive {
		return ExerciseResult{}, fmt.Errorf("%w: option %d is %s", derivative.ErrNotActive, o.ID, o.State)
	}
	if caller != o.Owner {
		return ExerciseResult{}, fmt.Errorf("%w: caller %q does not own option %d", ErrUnauthorized, caller, o.ID)
	}
	now := e.now()
	if err := o.ExercisableAt(now, e.params.SettlementWindow); err != nil {
		return ExerciseResult{}, err
	}

	switch o.Settlement {
	case derivative.Cash:
		return e.exerciseCash(ctx, o, now)
	case derivative.Physical:
		return e.exercisePhysical(ctx, o, now)
	default:
		return ExerciseResult{}, fmt.Errorf("%w: %v", ErrInvalidArgument, settle.ErrUnknownSettlement)
	}
}

// exerciseCash settles a cash option against the oracle price. Callers hold
// e.mu.
func (e *Engine) exerciseCash(ctx context.Context, o *derivative.Option, now time.Time) (ExerciseResult, error) {
	price, err := e.prices.CurrentPrice(ctx)
	if err != nil {
		return ExerciseResult{}, err
	}
	payoff, err := settle.CashPayoff(o, price)
	if err != nil {
		return ExerciseResult{}, err
	}

	p := e.pools[o.Pool]
	snap := p.Snapshot()
	prev := *o

	if err := p.Settle(o.CollateralLocked, payoff); err != nil {
		return ExerciseResult{}, err
	}
	if err := o.MarkExercised(now, payoff); err != nil {
		p.Restore(snap)
		return ExerciseResult{}, err
	}
	if err := e.bank.TransferOut(ctx, o.Pool, o.Owner, payoff); err != nil {
		p.Restore(snap)
		*o = prev
		return ExerciseResult{}, err
	}

	e.persistOption(ctx, o)
	e.persistPool(ctx, p)
	metrics.OptionsSettled.WithLabelValues("exercised").Inc()
	e.log.Info("option exercised",
		"id", o.ID,
		"settlement", o.Settlement,
		"price", price.String(),
		"payoff", payoff.String(),
		"released", o.CollateralLocked.String(),
	)
	e.emit("option_exercised", map[string]string{
		"id":       fmt.Sprint(o.ID),
		"owner":    o.Owner,
		"price":    price.String(),
		"payoff":   payoff.String(),
		"released": o.CollateralLocked.String(),
	})
	return ExerciseResult{Option: o.Clone(), Payoff: payoff, Released: o.CollateralLocked}, nil
}

// exercisePhysical performs the unconditional exchange of a physical option:
// the holder delivers the pay leg into custody, the writing pool's full
// collateral goes out as the receive leg, and the pay leg is credited to the
// counter-asset pool. Callers hold e.mu.
func (e *Engine) exercisePhysical(ctx context.Context, o *derivative.Option, now time.Time) (ExerciseResult, error) {
	ex, err := settle.Physical(o, e.params.AssetPool, e.params.StablePool)
	if err != nil {
		return ExerciseResult{}, err
	}

	writing := e.pools[o.Pool]
	counter := e.pools[ex.PayAsset]
	writingSnap := writing.Snapshot()
	counterSnap := counter.Snapshot()
	prev := *o

	restore := func() {
		writing.Restore(writingSnap)
		counter.Restore(counterSnap)
		*o = prev
	}

	// The entire collateral leaves the writing pool as the delivered leg.
	if err := writing.Settle(o.CollateralLocked, ex.Receive); err != nil {
		return ExerciseResult{}, err
	}
	if err := counter.Credit(ex.Pay); err != nil {
		restore()
		return ExerciseResult{}, err
	}
	if err := o.MarkExercised(now, ex.Receive); err != nil {
		restore()
		return ExerciseResult{}, err
	}

	if err := e.bank.TransferIn(ctx, ex.PayAsset, o.Owner, ex.Pay); err != nil {
		restore()
		return ExerciseResult{}, err
	}
	if err := e.bank.TransferOut(ctx, ex.ReceiveAsset, o.Owner, ex.Receive); err != nil {
		restore()
		// The pay leg already entered custody; send it back.
		if refundErr := e.bank.TransferOut(ctx, ex.PayAsset, o.Owner, ex.Pay); refundErr != nil {
			e.log.Error("refund of pay leg failed after aborted exercise",
				"id", o.ID, "asset", ex.PayAsset, "amount", ex.Pay.String(), "err", refundErr)
		}
		return ExerciseResult{}, err
	}

	e.persistOption(ctx, o)
	e.persistPool(ctx, writing)
	e.persistPool(ctx, counter)
	metrics.OptionsSettled.WithLabelValues("exercised").Inc()
	e.log.Info("option exercised",
		"id", o.ID,
		"settlement", o.Settlement,
		"paid", ex.Pay.String()+" "+ex.PayAsset,
		"received", ex.Receive.String()+" "+ex.ReceiveAsset,
	)
	e.emit("option_exercised", map[string]string{
		"id":            fmt.Sprint(o.ID),
		"owner":         o.Owner,
		"pay_asset":     ex.PayAsset,
		"paid":          ex.Pay.String(),
		"receive_asset": ex.ReceiveAsset,
		"received":      ex.Receive.String(),
	})
	return ExerciseResult{Option: o.Clone(), Payoff: ex.Receive, Released: o.CollateralLocked}, nil
}

// ExpireResult reports one expired option.
type ExpireResult struct {
	Option   *derivative.Option `json:"option"`
	Released decimal.Decimal    `json:"released"`
}

// ExpireOption releases an active option's full collateral with zero payoff
// once its exercise window has closed. Callable by anyone: expiry is
// housekeeping for the pool, not a right of the holder.
func (e *Engine) ExpireOption(ctx context.Context, id int64) (ExpireResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.registry.GetOption(id)
	if err != nil {
		return ExpireResult{}, err
	}
	if o.State != derivative.StateActive {
		return ExpireResult{}, fmt.Errorf("%w: option %d is %s", derivative.ErrNotActive, o.ID, o.State)
	}
	now := e.now()
	if err := o.ExpirableAt(now, e.params.SettlementWindow); err != nil {
		return ExpireResult{}, err
	}

	p := e.pools[o.Pool]
	if err := p.Release(o.CollateralLocked); err != nil {
		return ExpireResult{}, err
	}
	if err := o.MarkExpired(now); err != nil {
		// Unreachable after the state check above; restore to be safe.
		_ = p.Reserve(o.CollateralLocked)
		return ExpireResult{}, err
	}

	e.persistOption(ctx, o)
	e.persistPool(ctx, p)
	metrics.OptionsSettled.WithLabelValues("expired").Inc()
	e.log.Info("option expired", "id", o.ID, "released", o.CollateralLocked.String())
	e.emit("option_expired", map[string]string{
		"id":       fmt.Sprint(o.ID),
		"owner":    o.Owner,
		"released": o.CollateralLocked.String(),
	})
	return ExpireResult{Option: o.Clone(), Released: o.CollateralLocked}, nil
}

// GetOption returns a copy of the logged instance.
func (e *Engine) GetOption(id int64) (*derivative.Option, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.registry.GetOption(id)
	if err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

// ListOptions returns the option log in creation order, optionally filtered
// by owner and state. Empty filters match everything.
func (e *Engine) ListOptions(owner string, state derivative.OptionState) []*derivative.Option {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*derivative.Option
	for _, o := range e.registry.Options() {
		if owner != "" && o.Owner != owner {
			continue
		}
		if state != "" && o.State != state {
			continue
		}
		out = append(out, o.Clone())
	}
	return out
}

// writingPool selects the pool whose liquidity backs an option: cash options
// and physical puts lock stable value, physical calls lock the asset itself.
func (e *Engine) writingPool(kind derivative.OptionKind, mode derivative.SettlementMode) string {
	if mode == derivative.Physical && kind == derivative.Call {
		return e.params.AssetPool
	}
	return e.params.StablePool
}
