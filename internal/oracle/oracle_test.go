package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCurrentPrice_ReturnsPostedQuote(t *testing.T) {
	src := NewStaticSource(time.Minute)
	if err := src.SetPrice(d(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := src.CurrentPrice(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(100)) {
		t.Errorf("expected 100, got %s", got)
	}
}

func TestCurrentPrice_NoQuotePosted(t *testing.T) {
	src := NewStaticSource(time.Minute)
	_, err := src.CurrentPrice(context.Background())
	if !errors.Is(err, ErrNoPrice) {
		t.Errorf("expected ErrNoPrice, got %v", err)
	}
}

func TestCurrentPrice_StaleQuote(t *testing.T) {
	src := NewStaticSource(time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return base }
	if err := src.SetPrice(d(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	src.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err := src.CurrentPrice(context.Background())
	if !errors.Is(err, ErrStalePrice) {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}
}

func TestCurrentPrice_FreshAtWindowBoundary(t *testing.T) {
	src := NewStaticSource(time.Minute)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return base }
	if err := src.SetPrice(d(100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Exactly maxAge old is still fresh; only strictly older is stale.
	src.now = func() time.Time { return base.Add(time.Minute) }
	if _, err := src.CurrentPrice(context.Background()); err != nil {
		t.Errorf("expected fresh quote at boundary, got %v", err)
	}
}

func TestSetPrice_RejectsNonPositive(t *testing.T) {
	src := NewStaticSource(time.Minute)
	for _, p := range []decimal.Decimal{decimal.Zero, d(-1)} {
		if err := src.SetPrice(p); !errors.Is(err, ErrNonPositivePrice) {
			t.Errorf("SetPrice(%s): expected ErrNonPositivePrice, got %v", p, err)
		}
	}
}

func TestCurrentPrice_ZeroMaxAgeDisablesStaleness(t *testing.T) {
	src := NewStaticSource(0)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return base }
	if err := src.SetPrice(d(42)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	src.now = func() time.Time { return base.Add(240 * time.Hour) }
	if _, err := src.CurrentPrice(context.Background()); err != nil {
		t.Errorf("expected no staleness check, got %v", err)
	}
}
