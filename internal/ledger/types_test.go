package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAverageInAndPartialExit(t *testing.T) {
	opened := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	p := Position{
		Tag:           "btc-1",
		Symbol:        "BTCUSD",
		Quantity:      d("0.01"),
		AvgEntryPrice: d("50000"),
		EntryFee:      d("2"),
		Intent:        IntentSwing,
		OpenedAt:      opened,
	}

	p = p.AverageIn(d("0.01"), d("51000"), d("2.04"))
	assert.True(t, p.Quantity.Equal(d("0.02")))
	assert.True(t, p.AvgEntryPrice.Equal(d("50500")), p.AvgEntryPrice.String())
	assert.True(t, p.EntryFee.Equal(d("4.04")))

	exitFee := d("2.08")
	trade, rest := p.Exit(d("0.01"), d("52000"), exitFee, ReasonSignal, opened.Add(time.Hour))
	require.NotNil(t, rest)

	want := d("52000").Sub(d("50500")).Mul(d("0.01")).Sub(d("2.02")).Sub(exitFee)
	assert.True(t, trade.RealizedPnL.Equal(want), trade.RealizedPnL.String())
	assert.True(t, trade.EntryFee.Equal(d("2.02")))
	assert.True(t, rest.Quantity.Equal(d("0.01")))
	assert.True(t, rest.EntryFee.Equal(d("2.02")))
	assert.Equal(t, "btc-1", rest.Tag)

	trade, rest = rest.Exit(d("0.01"), d("49000"), d("0"), ReasonStopLoss, opened.Add(2*time.Hour))
	assert.Nil(t, rest)
	assert.True(t, trade.EntryFee.Equal(d("2.02")))
	assert.Equal(t, ReasonStopLoss, trade.CloseReason)
	assert.True(t, trade.MaxAdverseExcursion.Equal(d("-15")), trade.MaxAdverseExcursion.String())
}

func TestExitClampsOversizedQuantity(t *testing.T) {
	p := Position{Tag: "a", Symbol: "X", Quantity: d("2"), AvgEntryPrice: d("10"), EntryFee: d("1")}
	trade, rest := p.Exit(d("3"), d("12"), d("0"), ReasonSignal, time.Now())
	assert.Nil(t, rest)
	assert.True(t, trade.Quantity.Equal(d("2")))
	assert.True(t, trade.RealizedPnL.Equal(d("3")))
}

func TestMarkIsMonotonic(t *testing.T) {
	p := Position{Quantity: d("2"), AvgEntryPrice: d("100")}
	p.Mark(d("95"))
	assert.True(t, p.MaxAdverseExcursion.Equal(d("-10")))
	p.Mark(d("120"))
	assert.True(t, p.MaxAdverseExcursion.Equal(d("-10")))
	p.Mark(d("90"))
	assert.True(t, p.MaxAdverseExcursion.Equal(d("-20")))
}

func TestParseEnums(t *testing.T) {
	in, err := ParseIntent("")
	require.NoError(t, err)
	assert.Equal(t, IntentDay, in)

	in, err = ParseIntent("swing")
	require.NoError(t, err)
	assert.Equal(t, IntentSwing, in)

	in, err = ParseIntent("forever")
	assert.ErrorIs(t, err, ErrUnknownIntent)
	assert.Equal(t, IntentDay, in)

	r, err := ParseCloseReason("Take_Profit")
	require.NoError(t, err)
	assert.Equal(t, ReasonTakeProfit, r)
	_, err = ParseCloseReason("margin_call")
	assert.ErrorIs(t, err, ErrUnknownCloseReason)

	_, err = ParseConditionalKind("trailing")
	assert.ErrorIs(t, err, ErrUnknownKind)
	st, err := ParseConditionalStatus("EXPIRED")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, st)
	assert.Equal(t, ReasonTakeProfit, KindTakeProfit.CloseReason())
}
