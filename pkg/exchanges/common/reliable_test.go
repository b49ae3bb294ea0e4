package common

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type flakyGateway struct {
	Gateway
	failures []error
	calls    int
}

func (f *flakyGateway) GetBalance(context.Context) (decimal.Decimal, error) {
	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return decimal.Zero, err
	}
	return decimal.NewFromInt(42), nil
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestReliableRetriesTransient(t *testing.T) {
	gw := &flakyGateway{failures: []error{
		Transient("get_balance", errors.New("429")),
		Transient("get_balance", errors.New("502")),
	}}
	r := NewReliable(gw, fastPolicy(3), rate.NewLimiter(rate.Inf, 1), nil)

	var observed int
	r.SetObserver(func(op string, _ time.Duration, _ error) {
		assert.Equal(t, "get_balance", op)
		observed++
	})

	cash, err := r.GetBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, cash.Equal(decimal.NewFromInt(42)))
	assert.Equal(t, 3, gw.calls)
	assert.Equal(t, 3, observed)
}

func TestReliableSurfacesAfterExhaustion(t *testing.T) {
	gw := &flakyGateway{failures: []error{
		Transient("get_balance", errors.New("timeout")),
		Transient("get_balance", errors.New("timeout")),
		Transient("get_balance", errors.New("timeout")),
	}}
	r := NewReliable(gw, fastPolicy(2), nil, nil)

	_, err := r.GetBalance(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 2, gw.calls)
}

func TestReliableDoesNotRetryFatal(t *testing.T) {
	gw := &flakyGateway{failures: []error{Fatal("get_balance", errors.New("401 unauthorized"))}}
	r := NewReliable(gw, fastPolicy(5), nil, nil)

	_, err := r.GetBalance(context.Background())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
	assert.Equal(t, 1, gw.calls)
}

func TestReliableStopsOnContextCancel(t *testing.T) {
	gw := &flakyGateway{failures: []error{Transient("get_balance", errors.New("timeout"))}}
	r := NewReliable(gw, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.GetBalance(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, gw.calls)
}

func TestQuoteSides(t *testing.T) {
	q := Quote{Price: decimal.NewFromInt(100), Spread: decimal.NewFromInt(2)}
	assert.True(t, q.Bid().Equal(decimal.NewFromInt(99)))
	assert.True(t, q.Ask().Equal(decimal.NewFromInt(101)))
	assert.True(t, q.SpreadFraction().Equal(decimal.RequireFromString("0.02")))
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusPartial.Terminal())
}
