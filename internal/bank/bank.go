// Package bank implements the value-transfer ledger the engine settles
// against. The engine never holds raw balances itself: premiums, margins and
// payoffs move between caller accounts and the engine's custody through this
// interface, and a failed transfer aborts the whole operation.
//
// InMemoryLedger is the in-process implementation used by tests and dev
// deployments; production wires an adapter over the real custody system.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrTransferFailed is returned when a transfer cannot be applied, for
// example on insufficient balance. The engine treats it as a synchronous,
// non-retriable failure of the operation that requested the transfer.
var ErrTransferFailed = errors.New("bank: transfer failed")

// Ledger moves value between external accounts and the engine's custody.
// Amounts are engine-scale decimals; asset names the pool unit being moved.
type Ledger interface {
	// TransferIn pulls amount of asset from the given account into engine
	// custody.
	TransferIn(ctx context.Context, asset, from string, amount decimal.Decimal) error

	// TransferOut pushes amount of asset from engine custody to the given
	// account.
	TransferOut(ctx context.Context, asset, to string, amount decimal.Decimal) error
}

// InMemoryLedger is a process-local Ledger keeping per-asset account
// balances and a custody balance per asset. Accounts are seeded with Credit.
type InMemoryLedger struct {
	mu       sync.RWMutex
	balances map[string]map[string]decimal.Decimal
	custody  map[string]decimal.Decimal
}

// NewInMemoryLedger creates an empty ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		balances: make(map[string]map[string]decimal.Decimal),
		custody:  make(map[string]decimal.Decimal),
	}
}

// Credit seeds an account balance outside any transfer, for tests and dev
// bootstrapping.
func (l *InMemoryLedger) Credit(asset, account string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(asset)[account] = l.account(asset)[account].Add(amount)
}

// TransferIn implements Ledger.
func (l *InMemoryLedger) TransferIn(_ context.Context, asset, from string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", ErrTransferFailed, amount)
	}
	if amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.account(asset)[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: account %s holds %s %s, needs %s", ErrTransferFailed, from, bal, asset, amount)
	}
	l.account(asset)[from] = bal.Sub(amount)
	l.custody[asset] = l.custody[asset].Add(amount)
	return nil
}

// TransferOut implements Ledger.
func (l *InMemoryLedger) TransferOut(_ context.Context, asset, to string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", ErrTransferFailed, amount)
	}
	if amount.IsZero() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	held := l.custody[asset]
	if held.LessThan(amount) {
		return fmt.Errorf("%w: custody holds %s %s, needs %s", ErrTransferFailed, held, asset, amount)
	}
	l.custody[asset] = held.Sub(amount)
	l.account(asset)[to] = l.account(asset)[to].Add(amount)
	return nil
}

// Balance returns an account's balance for asset.
func (l *InMemoryLedger) Balance(asset, account string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.account(asset)[account]
}

// CustodyBalance returns the engine custody balance for asset.
func (l *InMemoryLedger) CustodyBalance(asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.custody[asset]
}

// account returns the balance map for asset, creating it when absent.
// Callers hold l.mu.
func (l *InMemoryLedger) account(asset string) map[string]decimal.Decimal {
	m, ok := l.balances[asset]
	if !ok {
		m = make(map[string]decimal.Decimal)
		l.balances[asset] = m
	}
	return m
}
