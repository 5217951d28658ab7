// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// The engine's in-memory ledgers are authoritative: the store is hydrated
// from at boot and written through after each committed operation, never
// consulted mid-operation.
package store

import (
	"context"
	"errors"

	"github.com/hedgepool/settlement-engine/internal/derivative"
	"github.com/hedgepool/settlement-engine/internal/fees"
	"github.com/hedgepool/settlement-engine/internal/pool"
)

// ErrNotFound is returned by Get* lookups with no matching record.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Pool state ---

	// SavePool upserts a pool snapshot, shares included.
	SavePool(ctx context.Context, snap pool.Snapshot) error

	// ListPools returns all persisted pool snapshots.
	ListPools(ctx context.Context) ([]pool.Snapshot, error)

	// --- Option log ---

	// SaveOption upserts one instance of the append-only option log.
	SaveOption(ctx context.Context, o *derivative.Option) error

	// GetOption retrieves an option by its sequential ID.
	GetOption(ctx context.Context, id int64) (*derivative.Option, error)

	// ListOptions returns the full option log in creation order.
	ListOptions(ctx context.Context) ([]derivative.Option, error)

	// --- Open positions ---

	// SavePosition upserts the owner's open position.
	SavePosition(ctx context.Context, p *derivative.Position) error

	// DeletePosition removes the owner's position on a terminal
	// transition.
	DeletePosition(ctx context.Context, owner string) error

	// GetPosition retrieves the owner's open position.
	GetPosition(ctx context.Context, owner string) (*derivative.Position, error)

	// ListPositions returns all open positions.
	ListPositions(ctx context.Context) ([]derivative.Position, error)

	// --- Fee ledger ---

	// SaveFees persists the fee ledger state.
	SaveFees(ctx context.Context, snap fees.Snapshot) error

	// GetFees retrieves the fee ledger state; a fresh deployment returns
	// a zero snapshot, not ErrNotFound.
	GetFees(ctx context.Context) (fees.Snapshot, error)
}
