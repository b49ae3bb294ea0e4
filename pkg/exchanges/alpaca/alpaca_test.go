package alpaca

import (
	"errors"
	"testing"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"execution-core/pkg/exchanges/common"
)

func TestStatusMapping(t *testing.T) {
	cases := map[string]common.OrderStatus{
		"new":              common.StatusNew,
		"partially_filled": common.StatusPartial,
		"filled":           common.StatusFilled,
		"canceled":         common.StatusCanceled,
		"expired":          common.StatusExpired,
		"rejected":         common.StatusRejected,
		"mystery":          common.StatusUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, status(in), in)
	}
}

func TestClassify(t *testing.T) {
	assert.True(t, common.IsTransient(classify("x", &alpaca.APIError{StatusCode: 429})))
	assert.True(t, common.IsTransient(classify("x", &alpaca.APIError{StatusCode: 503})))
	assert.True(t, common.IsFatal(classify("x", &alpaca.APIError{StatusCode: 403})))
	assert.True(t, common.IsFatal(classify("x", &alpaca.APIError{StatusCode: 422})))
	assert.ErrorIs(t, classify("x", &alpaca.APIError{StatusCode: 404}), common.ErrOrderNotFound)
	assert.True(t, common.IsTransient(classify("x", errors.New("connection reset"))))
}

func TestQuoteFrom(t *testing.T) {
	q := quoteFrom(decimal.NewFromInt(99), decimal.NewFromInt(101))
	assert.True(t, q.Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, q.Spread.Equal(decimal.NewFromInt(2)))

	q = quoteFrom(decimal.Zero, decimal.NewFromInt(101))
	assert.True(t, q.Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, q.Spread.IsZero())
	assert.True(t, isCrypto("BTC/USD"))
}
