package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hedgepool/settlement-engine/internal/derivative"
	"github.com/hedgepool/settlement-engine/internal/fees"
	"github.com/hedgepool/settlement-engine/internal/pool"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for option and position lookups. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, refresh or invalidate cache) ---

func (s *CachedStore) SaveOption(ctx context.Context, o *derivative.Option) error {
	if err := s.primary.SaveOption(ctx, o); err != nil {
		return err
	}
	s.cacheOption(ctx, o)
	return nil
}

func (s *CachedStore) SavePosition(ctx context.Context, p *derivative.Position) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.cachePosition(ctx, p)
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, owner string) error {
	if err := s.primary.DeletePosition(ctx, owner); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(owner))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOption(ctx context.Context, id int64) (*derivative.Option, error) {
	data, err := s.rdb.Get(ctx, optionKey(id)).Bytes()
	if err == nil {
		var o derivative.Option
		if json.Unmarshal(data, &o) == nil {
			return &o, nil
		}
	}

	// Cache miss: read from primary.
	o, err := s.primary.GetOption(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheOption(ctx, o)
	return o, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, owner string) (*derivative.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(owner)).Bytes()
	if err == nil {
		var p derivative.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss.
	p, err := s.primary.GetPosition(ctx, owner)
	if err != nil {
		return nil, err
	}

	s.cachePosition(ctx, p)
	return p, nil
}

// --- Passthrough (not cached) ---

// Pool and fee state change on nearly every operation, so caching them buys
// nothing; hydration-time list scans always go to the primary.

func (s *CachedStore) SavePool(ctx context.Context, snap pool.Snapshot) error {
	return s.primary.SavePool(ctx, snap)
}

func (s *CachedStore) ListPools(ctx context.Context) ([]pool.Snapshot, error) {
	return s.primary.ListPools(ctx)
}

func (s *CachedStore) ListOptions(ctx context.Context) ([]derivative.Option, error) {
	return s.primary.ListOptions(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]derivative.Position, error) {
	return s.primary.ListPositions(ctx)
}

func (s *CachedStore) SaveFees(ctx context.Context, snap fees.Snapshot) error {
	return s.primary.SaveFees(ctx, snap)
}

func (s *CachedStore) GetFees(ctx context.Context) (fees.Snapshot, error) {
	return s.primary.GetFees(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheOption(ctx context.Context, o *derivative.Option) {
	if data, err := json.Marshal(o); err == nil {
		s.rdb.Set(ctx, optionKey(o.ID), data, s.ttl)
	}
}

func (s *CachedStore) cachePosition(ctx context.Context, p *derivative.Position) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.Owner), data, s.ttl)
	}
}

func optionKey(id int64) string       { return fmt.Sprintf("option:%d", id) }
func positionKey(owner string) string { return fmt.Sprintf("position:%s", owner) }
