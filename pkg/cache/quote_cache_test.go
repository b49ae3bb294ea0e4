package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

type countingSource struct {
	calls int
	price decimal.Decimal
	err   error
}

func (s *countingSource) GetPrice(context.Context, string) (common.Quote, error) {
	s.calls++
	if s.err != nil {
		return common.Quote{}, s.err
	}
	return common.Quote{Price: s.price}, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func TestQuoteCacheServesFreshQuotes(t *testing.T) {
	src := &countingSource{price: decimal.NewFromInt(50000)}
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	c := NewQuoteCache(src, 2*time.Second, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q, err := c.GetPrice(ctx, "BTC/USD")
		if err != nil {
			t.Fatalf("GetPrice: %v", err)
		}
		if !q.Price.Equal(src.price) {
			t.Fatalf("price = %s", q.Price)
		}
	}
	if src.calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", src.calls)
	}

	clock.t = clock.t.Add(2 * time.Second)
	src.price = decimal.NewFromInt(49000)
	q, err := c.GetPrice(ctx, "BTC/USD")
	if err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if src.calls != 2 || !q.Price.Equal(src.price) {
		t.Fatalf("expired quote served: calls=%d price=%s", src.calls, q.Price)
	}

	c.Invalidate("BTC/USD")
	if _, err := c.GetPrice(ctx, "BTC/USD"); err != nil || src.calls != 3 {
		t.Fatalf("invalidate ignored: calls=%d err=%v", src.calls, err)
	}
}

func TestQuoteCacheDoesNotStoreErrors(t *testing.T) {
	src := &countingSource{err: errors.New("venue down")}
	c := NewQuoteCache(src, time.Minute)

	if _, err := c.GetPrice(context.Background(), "ETH/USD"); err == nil {
		t.Fatalf("expected upstream error")
	}
	if c.Len() != 0 {
		t.Fatalf("failed lookups must not be cached")
	}
}

func TestQuoteCacheZeroTTLPassesThrough(t *testing.T) {
	src := &countingSource{price: decimal.NewFromInt(1)}
	c := NewQuoteCache(src, 0)
	for i := 0; i < 2; i++ {
		if _, err := c.GetPrice(context.Background(), "BTC/USD"); err != nil {
			t.Fatalf("GetPrice: %v", err)
		}
	}
	if src.calls != 2 {
		t.Fatalf("upstream calls = %d, want 2", src.calls)
	}
}

func TestQuoteCacheCleanup(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	c := NewQuoteCache(&countingSource{}, time.Minute, WithClock(clock.Now))
	for _, s := range []string{"A", "B", "C"} {
		c.Set(s, common.Quote{Price: decimal.NewFromInt(1)})
	}
	clock.t = clock.t.Add(10 * time.Minute)
	c.Set("D", common.Quote{Price: decimal.NewFromInt(1)})

	if removed := c.Cleanup(5 * time.Minute); removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}
