package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/derivative"
	"github.com/hedgepool/settlement-engine/internal/fees"
	"github.com/hedgepool/settlement-engine/internal/pool"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	pools     map[string]pool.Snapshot
	options   map[int64]*derivative.Option
	positions map[string]*derivative.Position
	fees      fees.Snapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:     make(map[string]pool.Snapshot),
		options:   make(map[int64]*derivative.Option),
		positions: make(map[string]*derivative.Position),
		fees:      fees.Snapshot{Accrued: decimal.Zero, Distributed: decimal.Zero},
	}
}

func (s *MemoryStore) SavePool(_ context.Context, snap pool.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Snapshots arriving here are already deep copies, but re-copy the
	// share map so later saves cannot alias a stored snapshot.
	shares := make(map[string]decimal.Decimal, len(snap.Shares))
	for owner, sh := range snap.Shares {
		shares[owner] = sh
	}
	snap.Shares = shares
	s.pools[snap.ID] = snap
	return nil
}

func (s *MemoryStore) ListPools(_ context.Context) ([]pool.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]pool.Snapshot, 0, len(s.pools))
	for _, snap := range s.pools {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SaveOption(_ context.Context, o *derivative.Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.options[o.ID] = o.Clone()
	return nil
}

func (s *MemoryStore) GetOption(_ context.Context, id int64) (*derivative.Option, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.options[id]
	if !ok {
		return nil, fmt.Errorf("%w: option %d", ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) ListOptions(_ context.Context) ([]derivative.Option, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]derivative.Option, 0, len(s.options))
	for _, o := range s.options {
		out = append(out, *o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *derivative.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.positions[p.Owner] = p.Clone()
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, owner)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, owner string) (*derivative.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[owner]
	if !ok {
		return nil, fmt.Errorf("%w: position for %s", ErrNotFound, owner)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]derivative.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]derivative.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out, nil
}

func (s *MemoryStore) SaveFees(_ context.Context, snap fees.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fees = snap
	return nil
}

func (s *MemoryStore) GetFees(_ context.Context) (fees.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.fees, nil
}
