package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
)

func TestCheckStop(t *testing.T) {
	p := ledger.Position{
		Tag:        "a",
		StopLoss:   decimal.NewNullDecimal(d("95")),
		TakeProfit: decimal.NewNullDecimal(d("110")),
	}
	tests := []struct {
		bid  string
		want ledger.CloseReason
		hit  bool
	}{
		{"100", "", false},
		{"95", ledger.ReasonStopLoss, true},
		{"80", ledger.ReasonStopLoss, true},
		{"110", ledger.ReasonTakeProfit, true},
		{"0", "", false},
	}
	for _, tt := range tests {
		dec, hit := CheckStop(p, d(tt.bid))
		if hit != tt.hit || dec.Reason != tt.want {
			t.Errorf("bid %s: hit=%v reason=%q, expected %v %q", tt.bid, hit, dec.Reason, tt.hit, tt.want)
		}
	}

	unprotected := ledger.Position{Tag: "b"}
	if _, hit := CheckStop(unprotected, d("1")); hit {
		t.Errorf("position without levels triggered")
	}
}
