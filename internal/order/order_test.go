package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/ledger"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scripted wraps a venue and overrides selected calls.
type scripted struct {
	*paper.Venue
	mu         sync.Mutex
	queries    int
	places     int
	failPlace  map[int]bool
	fillOnCall int
}

func (s *scripted) QueryOrder(ctx context.Context, id string) (common.OrderReport, error) {
	s.mu.Lock()
	s.queries++
	n := s.queries
	s.mu.Unlock()
	if s.fillOnCall > 0 {
		if n >= s.fillOnCall {
			return common.OrderReport{OrderID: id, Status: common.StatusFilled, FilledQty: d("1")}, nil
		}
		return common.OrderReport{OrderID: id, Status: common.StatusNew}, nil
	}
	return s.Venue.QueryOrder(ctx, id)
}

func (s *scripted) PlaceConditional(ctx context.Context, req common.ConditionalRequest) (string, error) {
	s.mu.Lock()
	s.places++
	fail := s.failPlace[s.places]
	s.mu.Unlock()
	if fail {
		return "", common.Fatal("place_conditional", errors.New("rejected"))
	}
	return s.Venue.PlaceConditional(ctx, req)
}

func submit(t *testing.T, v *paper.Venue) string {
	t.Helper()
	res, err := v.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: d("1"),
	})
	require.NoError(t, err)
	return res.ExchangeOrderID
}

func TestAwaitFillImmediate(t *testing.T) {
	v := paper.New()
	v.SetQuote("BTCUSDT", d("100"), decimal.Zero)
	c := NewConfirmer(v, time.Second, time.Millisecond, nil)

	rep, err := c.AwaitFill(context.Background(), submit(t, v))
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, rep.Status)
	assert.True(t, rep.FilledQty.Equal(d("1")))
}

func TestAwaitFillDeferred(t *testing.T) {
	v := paper.New(paper.WithDeferredFills())
	v.SetQuote("BTCUSDT", d("100"), decimal.Zero)
	id := submit(t, v)
	c := NewConfirmer(v, 2*time.Second, 5*time.Millisecond, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = v.Fill(id)
	}()
	rep, err := c.AwaitFill(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, rep.Status)
}

func TestAwaitFillTimesOut(t *testing.T) {
	v := paper.New(paper.WithDeferredFills())
	v.SetQuote("BTCUSDT", d("100"), decimal.Zero)
	c := NewConfirmer(v, 30*time.Millisecond, 5*time.Millisecond, nil)

	start := time.Now()
	rep, err := c.AwaitFill(context.Background(), submit(t, v))
	require.ErrorIs(t, err, ErrFillTimeout)
	assert.Equal(t, common.StatusNew, rep.Status)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond, "deadline cut short")
	assert.Less(t, elapsed, time.Second)
}

func TestAwaitFillFinalCheckCatchesLateFill(t *testing.T) {
	s := &scripted{Venue: paper.New(), fillOnCall: 3}
	c := NewConfirmer(s, 20*time.Millisecond, 50*time.Millisecond, nil)

	rep, err := c.AwaitFill(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, rep.Status)
	assert.Equal(t, 3, s.queries)
}

func TestAwaitFillFatalQuery(t *testing.T) {
	c := NewConfirmer(paper.New(), time.Second, time.Millisecond, nil)
	_, err := c.AwaitFill(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, common.IsFatal(err))
	assert.ErrorIs(t, err, common.ErrOrderNotFound)
}

func protectedPosition(qty string) ledger.Position {
	return ledger.Position{
		Tag:           "p1",
		Symbol:        "BTCUSDT",
		Quantity:      d(qty),
		AvgEntryPrice: d("100"),
		StopLoss:      decimal.NewNullDecimal(d("90")),
		TakeProfit:    decimal.NewNullDecimal(d("120")),
	}
}

func TestProtectPlacesBothLevels(t *testing.T) {
	v := paper.New()
	pr := NewProtector(v, d("0.001"), nil)

	orders, err := pr.Protect(context.Background(), protectedPosition("1"), time.Now())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, ledger.KindStopLoss, orders[0].Kind)
	assert.Equal(t, ledger.KindTakeProfit, orders[1].Kind)
	for _, o := range orders {
		assert.Equal(t, ledger.StatusActive, o.Status)
		assert.True(t, o.Quantity.Equal(d("1")))
	}

	open, err := v.ListOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestProtectSkipsDust(t *testing.T) {
	v := paper.New()
	pr := NewProtector(v, d("0.01"), nil)

	orders, err := pr.Protect(context.Background(), protectedPosition("0.001"), time.Now())
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.Empty(t, v.Orders())
}

func TestProtectUnwindsOnPartialFailure(t *testing.T) {
	s := &scripted{Venue: paper.New(), failPlace: map[int]bool{2: true}}
	pr := NewProtector(s, decimal.Zero, nil)

	_, err := pr.Protect(context.Background(), protectedPosition("1"), time.Now())
	require.Error(t, err)

	open, err := s.ListOpenOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open, "stop must not be left resting alone")
}

func TestReplaceResizesToNewQuantity(t *testing.T) {
	v := paper.New()
	pr := NewProtector(v, decimal.Zero, nil)
	ctx := context.Background()

	old, err := pr.Protect(ctx, protectedPosition("1"), time.Now())
	require.NoError(t, err)

	current, retired, err := pr.Replace(ctx, protectedPosition("2"), old, time.Now())
	require.NoError(t, err)
	assert.Len(t, retired, 2)
	require.Len(t, current, 2)
	for _, o := range current {
		assert.True(t, o.Quantity.Equal(d("2")))
	}
	open, err := v.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestReplaceRestoresOldParametersOnFailure(t *testing.T) {
	s := &scripted{Venue: paper.New(), failPlace: map[int]bool{3: true}}
	pr := NewProtector(s, decimal.Zero, nil)
	ctx := context.Background()

	old, err := pr.Protect(ctx, protectedPosition("1"), time.Now())
	require.NoError(t, err)

	current, _, err := pr.Replace(ctx, protectedPosition("2"), old, time.Now())
	require.Error(t, err)
	require.Len(t, current, 2)
	for _, o := range current {
		assert.True(t, o.Quantity.Equal(d("1")))
		assert.Equal(t, ledger.StatusActive, o.Status)
	}
}

func TestCancelReportsAlreadyFilled(t *testing.T) {
	v := paper.New()
	v.SetQuote("BTCUSDT", d("100"), decimal.Zero)
	pr := NewProtector(v, decimal.Zero, nil)
	ctx := context.Background()

	pos := protectedPosition("1")
	pos.TakeProfit = decimal.NullDecimal{}
	orders, err := pr.Protect(ctx, pos, time.Now())
	require.NoError(t, err)

	v.SetQuote("BTCUSDT", d("85"), decimal.Zero)
	gone, err := pr.Cancel(ctx, orders, time.Now())
	require.ErrorIs(t, err, ErrAlreadyFilled)
	assert.Empty(t, gone)
}
