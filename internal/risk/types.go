package risk

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownHaltReason = errors.New("unknown halt reason")
	ErrNotResumable      = errors.New("halt clears only at the local-day boundary")
)

// DefaultResetLossStreakDaily keeps the consecutive-loss counter across local days.
const DefaultResetLossStreakDaily = false

// HaltReason names the breach that stopped new entries.
type HaltReason string

const (
	HaltDailyLoss         HaltReason = "daily_loss"
	HaltDrawdown          HaltReason = "drawdown"
	HaltConsecutiveLosses HaltReason = "consecutive_losses"
)

// haltOrder is the precedence used when reporting a rejection.
var haltOrder = []HaltReason{HaltDailyLoss, HaltDrawdown, HaltConsecutiveLosses}

func ParseHaltReason(s string) (HaltReason, error) {
	r := HaltReason(strings.ToLower(strings.TrimSpace(s)))
	for _, h := range haltOrder {
		if r == h {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownHaltReason, s)
}

// OperatorResumable reports whether the halt needs an explicit resume.
func (h HaltReason) OperatorResumable() bool {
	return h == HaltDrawdown || h == HaltConsecutiveLosses
}

// Reason explains an admission rejection.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonMaxPositions     Reason = "max_positions"
	ReasonMaxDailyTrades   Reason = "max_daily_trades"
	ReasonDailyLoss        Reason = Reason(HaltDailyLoss)
	ReasonDrawdown         Reason = Reason(HaltDrawdown)
	ReasonConsecutiveLoss  Reason = Reason(HaltConsecutiveLosses)
	ReasonInsufficientCash Reason = "insufficient_cash"
	ReasonKillSwitch       Reason = "kill_switch"
	ReasonSpreadTooWide    Reason = "spread_too_wide"
)

// Config holds the hard limits. Percentages are fractions (0.05 = 5%).
type Config struct {
	MaxTradePct          decimal.Decimal
	MaxPositions         int
	MaxDailyTrades       int
	MaxDailyLossPct      decimal.Decimal
	MaxDrawdownPct       decimal.Decimal
	RollbackThreshold    int
	ResetLossStreakDaily bool
	Location             *time.Location
}

// DefaultConfig returns conservative limits in UTC.
func DefaultConfig() Config {
	return Config{
		MaxTradePct:          decimal.RequireFromString("0.1"),
		MaxPositions:         5,
		MaxDailyTrades:       20,
		MaxDailyLossPct:      decimal.RequireFromString("0.05"),
		MaxDrawdownPct:       decimal.RequireFromString("0.15"),
		RollbackThreshold:    3,
		ResetLossStreakDaily: DefaultResetLossStreakDaily,
		Location:             time.UTC,
	}
}

// Counters is the persisted risk state.
type Counters struct {
	Day                string          `json:"day"`
	DailyPnL           decimal.Decimal `json:"daily_pnl"`
	DailyTradeCount    int             `json:"daily_trade_count"`
	FeesToday          decimal.Decimal `json:"fees_today"`
	DailyStartValue    decimal.Decimal `json:"daily_start_value"`
	ConsecutiveLosses  int             `json:"consecutive_losses"`
	PeakPortfolioValue decimal.Decimal `json:"peak_portfolio_value"`
	Halts              []HaltReason    `json:"halts"`
}

// State is the observer view of the halt state machine.
type State struct {
	Status string `json:"status"`
	Counters
}

const (
	StatusActive = "ACTIVE"
	StatusHalted = "HALTED"
)

// Request describes a signal about to mutate the ledger.
type Request struct {
	Entry          bool
	Notional       decimal.Decimal
	PortfolioValue decimal.Decimal
	OpenPositions  int
}

// Decision is the admission answer. MaxNotional is the clamp ceiling.
type Decision struct {
	Allowed     bool
	Reason      Reason
	Notional    decimal.Decimal
	MaxNotional decimal.Decimal
	Clamped     bool
}

// DaySummary is emitted when a local day closes.
type DaySummary struct {
	Day         string
	StartValue  decimal.Decimal
	EndValue    decimal.Decimal
	RealizedPnL decimal.Decimal
	TradeCount  int
	Fees        decimal.Decimal
}

// FormatHalts joins halts for storage.
func FormatHalts(h []HaltReason) string {
	parts := make([]string, len(h))
	for i, r := range h {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

// ParseHalts reads a stored halt list.
func ParseHalts(s string) ([]HaltReason, error) {
	var out []HaltReason
	for _, p := range strings.Split(s, ",") {
		if strings.TrimSpace(p) == "" {
			continue
		}
		r, err := ParseHaltReason(p)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	sortHalts(out)
	return out, nil
}

func sortHalts(h []HaltReason) {
	rank := func(r HaltReason) int {
		for i, o := range haltOrder {
			if o == r {
				return i
			}
		}
		return len(haltOrder)
	}
	sort.Slice(h, func(i, j int) bool { return rank(h[i]) < rank(h[j]) })
}
