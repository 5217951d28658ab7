// Package oracle defines the price source consumed by settlement. The engine
// asks for exactly one current price per settlement step and never caches it;
// a source that cannot produce a fresh positive quote must fail loudly so the
// operation aborts instead of settling against garbage.
//
// Scale normalization is the adapter's job: a source returns prices already
// truncated to the engine's fixed-point scale.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hedgepool/settlement-engine/internal/fpmath"
)

var (
	// ErrStalePrice is returned when the most recent quote is older than
	// the source's freshness window.
	ErrStalePrice = errors.New("oracle: price is stale")

	// ErrNonPositivePrice is returned when the feed reports a zero or
	// negative value.
	ErrNonPositivePrice = errors.New("oracle: price must be positive")

	// ErrNoPrice is returned when no quote has been posted yet.
	ErrNoPrice = errors.New("oracle: no price posted")
)

// Source produces the single current price used by a settlement step.
type Source interface {
	CurrentPrice(ctx context.Context) (decimal.Decimal, error)
}

// StaticSource is a posted-price source: an administrator (or a feed relay)
// posts quotes and the engine reads the latest one. Quotes expire after
// maxAge so a dead relay turns into OracleError instead of a frozen price.
type StaticSource struct {
	mu       sync.RWMutex
	price    decimal.Decimal
	postedAt time.Time
	maxAge   time.Duration

	now func() time.Time
}

// NewStaticSource creates a posted-price source with the given freshness
// window. A non-positive maxAge disables staleness checking.
func NewStaticSource(maxAge time.Duration) *StaticSource {
	return &StaticSource{
		maxAge: maxAge,
		now:    time.Now,
	}
}

// SetPrice posts a new quote, truncated to the engine scale. Non-positive
// quotes are rejected at the door rather than stored.
func (s *StaticSource) SetPrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrNonPositivePrice, price)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = fpmath.Rescale(price)
	s.postedAt = s.now()
	return nil
}

// CurrentPrice returns the latest posted quote, failing if none has been
// posted, the quote has gone stale, or the stored value is non-positive.
func (s *StaticSource) CurrentPrice(_ context.Context) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.postedAt.IsZero() {
		return decimal.Zero, ErrNoPrice
	}
	if s.maxAge > 0 {
		age := s.now().Sub(s.postedAt)
		if age > s.maxAge {
			return decimal.Zero, fmt.Errorf("%w: last quote %s old, freshness window %s", ErrStalePrice, age.Truncate(time.Millisecond), s.maxAge)
		}
	}
	if !s.price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: got %s", ErrNonPositivePrice, s.price)
	}
	return s.price, nil
}
