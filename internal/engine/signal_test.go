package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/ledger"
	"execution-core/pkg/exchanges/common"
)

func f64(v float64) *float64 { return &v }

func TestParseBuy(t *testing.T) {
	sig, err := RawSignal{
		Action:     "buy",
		Symbol:     " btcusd ",
		SizePct:    f64(0.25),
		StopLoss:   f64(48000),
		Intent:     "swing",
		OrderType:  "limit",
		LimitPrice: f64(49500),
	}.Parse()
	require.NoError(t, err)

	b, ok := sig.(*Buy)
	require.True(t, ok)
	assert.Equal(t, "BTCUSD", b.Symbol)
	assert.Equal(t, ledger.IntentSwing, b.Intent)
	assert.Equal(t, common.OrderTypeLimit, b.OrderType)
	assert.True(t, b.SizePct.Valid)
	assert.False(t, b.TakeProfit.Valid)
	assert.False(t, b.Quantity.Valid)
}

func TestParseLeavesIntentUnsetWhenOmitted(t *testing.T) {
	sig, err := RawSignal{Action: "BUY", Symbol: "ETHUSD", Tag: "core"}.Parse()
	require.NoError(t, err)
	b := sig.(*Buy)
	assert.Equal(t, ledger.Intent(""), b.Intent)
	assert.Equal(t, common.OrderTypeMarket, b.OrderType)
	assert.Equal(t, "core", b.Tag)
}

func TestParseRejectsMalformedSignals(t *testing.T) {
	cases := map[string]struct {
		raw  RawSignal
		want error
	}{
		"missing symbol":   {RawSignal{Action: "BUY"}, ErrInvalidSignal},
		"unknown action":   {RawSignal{Action: "HOLD", Symbol: "BTCUSD"}, ErrUnknownAction},
		"negative stop":    {RawSignal{Action: "BUY", Symbol: "BTCUSD", StopLoss: f64(-1)}, ErrInvalidSignal},
		"zero size":        {RawSignal{Action: "SELL", Symbol: "BTCUSD", SizePct: f64(0)}, ErrInvalidSignal},
		"limit w/o price":  {RawSignal{Action: "BUY", Symbol: "BTCUSD", OrderType: "LIMIT"}, ErrInvalidSignal},
		"bad intent":       {RawSignal{Action: "BUY", Symbol: "BTCUSD", Intent: "forever"}, ErrInvalidSignal},
		"modify needs tag": {RawSignal{Action: "MODIFY", Symbol: "BTCUSD", StopLoss: f64(1)}, ErrTagRequired},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tc.raw.Parse()
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestParseAllKeepsValidEntries(t *testing.T) {
	sigs, errs := ParseAll([]RawSignal{
		{Action: "CLOSE", Symbol: "BTCUSD"},
		{Action: "NOPE", Symbol: "BTCUSD"},
		{Action: "MODIFY", Symbol: "BTCUSD", Tag: "auto_BTCUSD_1", TakeProfit: f64(60000)},
	})
	require.Len(t, sigs, 2)
	require.Len(t, errs, 1)
	assert.Equal(t, ActionClose, sigs[0].Action())
	assert.Equal(t, ActionModify, sigs[1].Action())
	assert.Contains(t, errs[0].Error(), "signal 1")
}
