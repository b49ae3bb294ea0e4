package risk

import (
	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
)

// StopDecision reports a stop or target hit for one position.
type StopDecision struct {
	Tag    string
	Reason ledger.CloseReason
	Price  decimal.Decimal
}

// CheckStop tests a long position against the executable bid. The stop wins
// when both levels are crossed.
func CheckStop(p ledger.Position, bid decimal.Decimal) (StopDecision, bool) {
	if !bid.IsPositive() {
		return StopDecision{}, false
	}
	if p.StopLoss.Valid && bid.LessThanOrEqual(p.StopLoss.Decimal) {
		return StopDecision{Tag: p.Tag, Reason: ledger.ReasonStopLoss, Price: bid}, true
	}
	if p.TakeProfit.Valid && bid.GreaterThanOrEqual(p.TakeProfit.Decimal) {
		return StopDecision{Tag: p.Tag, Reason: ledger.ReasonTakeProfit, Price: bid}, true
	}
	return StopDecision{}, false
}

// CheckStops evaluates every position of one symbol, oldest first.
func CheckStops(positions []ledger.Position, bid decimal.Decimal) []StopDecision {
	var out []StopDecision
	for _, p := range positions {
		if dec, ok := CheckStop(p, bid); ok {
			out = append(out, dec)
		}
	}
	return out
}
