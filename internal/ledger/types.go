package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownIntent      = errors.New("unknown intent")
	ErrUnknownCloseReason = errors.New("unknown close reason")
	ErrUnknownKind        = errors.New("unknown conditional order kind")
	ErrUnknownStatus      = errors.New("unknown conditional order status")
	ErrInvalidPosition    = errors.New("invalid position")
)

// Intent is an informational holding-period label.
type Intent string

const (
	IntentDay      Intent = "DAY"
	IntentSwing    Intent = "SWING"
	IntentPosition Intent = "POSITION"
)

// ParseIntent maps stored or signaled text to an Intent. Empty input is DAY.
func ParseIntent(s string) (Intent, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(IntentDay):
		return IntentDay, nil
	case string(IntentSwing):
		return IntentSwing, nil
	case string(IntentPosition):
		return IntentPosition, nil
	}
	return IntentDay, fmt.Errorf("%w: %q", ErrUnknownIntent, s)
}

// CloseReason records why a Trade was produced.
type CloseReason string

const (
	ReasonSignal         CloseReason = "signal"
	ReasonStopLoss       CloseReason = "stop_loss"
	ReasonTakeProfit     CloseReason = "take_profit"
	ReasonEmergency      CloseReason = "emergency"
	ReasonReconciliation CloseReason = "reconciliation"
)

func ParseCloseReason(s string) (CloseReason, error) {
	r := CloseReason(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case ReasonSignal, ReasonStopLoss, ReasonTakeProfit, ReasonEmergency, ReasonReconciliation:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCloseReason, s)
}

// ConditionalKind is the protective order flavor.
type ConditionalKind string

const (
	KindStopLoss   ConditionalKind = "stop_loss"
	KindTakeProfit ConditionalKind = "take_profit"
)

func ParseConditionalKind(s string) (ConditionalKind, error) {
	k := ConditionalKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindStopLoss, KindTakeProfit:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// CloseReason maps a triggered conditional order to the exit reason it produces.
func (k ConditionalKind) CloseReason() CloseReason {
	if k == KindTakeProfit {
		return ReasonTakeProfit
	}
	return ReasonStopLoss
}

type ConditionalStatus string

const (
	StatusActive   ConditionalStatus = "active"
	StatusFilled   ConditionalStatus = "filled"
	StatusCanceled ConditionalStatus = "canceled"
	StatusExpired  ConditionalStatus = "expired"
)

func ParseConditionalStatus(s string) (ConditionalStatus, error) {
	st := ConditionalStatus(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusActive, StatusFilled, StatusCanceled, StatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Position is one open holding, keyed by Tag.
type Position struct {
	Tag                 string              `json:"tag"`
	Symbol              string              `json:"symbol"`
	Quantity            decimal.Decimal     `json:"quantity"`
	AvgEntryPrice       decimal.Decimal     `json:"avg_entry_price"`
	EntryFee            decimal.Decimal     `json:"entry_fee"`
	StopLoss            decimal.NullDecimal `json:"stop_loss"`
	TakeProfit          decimal.NullDecimal `json:"take_profit"`
	Intent              Intent              `json:"intent"`
	StrategyVersion     string              `json:"strategy_version"`
	OpenedAt            time.Time           `json:"opened_at"`
	MaxAdverseExcursion decimal.Decimal     `json:"max_adverse_excursion"`
	ConditionalOrderIDs []string            `json:"conditional_order_ids,omitempty"`
}

// Cost is quantity times average entry price.
func (p Position) Cost() decimal.Decimal {
	return p.Quantity.Mul(p.AvgEntryPrice)
}

// Unrealized is the mark-to-market gain before fees.
func (p Position) Unrealized(mark decimal.Decimal) decimal.Decimal {
	return mark.Sub(p.AvgEntryPrice).Mul(p.Quantity)
}

// Mark folds an observed price into the max adverse excursion.
func (p *Position) Mark(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	if u := p.Unrealized(price); u.LessThan(p.MaxAdverseExcursion) {
		p.MaxAdverseExcursion = u
	}
}

// Protected reports whether a stop or a target is set.
func (p Position) Protected() bool {
	return p.StopLoss.Valid || p.TakeProfit.Valid
}

func (p Position) Validate() error {
	switch {
	case p.Tag == "":
		return fmt.Errorf("%w: empty tag", ErrInvalidPosition)
	case p.Symbol == "":
		return fmt.Errorf("%w: %s has no symbol", ErrInvalidPosition, p.Tag)
	case !p.Quantity.IsPositive():
		return fmt.Errorf("%w: %s quantity %s", ErrInvalidPosition, p.Tag, p.Quantity)
	case !p.AvgEntryPrice.IsPositive():
		return fmt.Errorf("%w: %s avg price %s", ErrInvalidPosition, p.Tag, p.AvgEntryPrice)
	case p.EntryFee.IsNegative():
		return fmt.Errorf("%w: %s negative entry fee", ErrInvalidPosition, p.Tag)
	}
	return nil
}

// Clone returns a copy that shares no slices with p.
func (p Position) Clone() Position {
	if p.ConditionalOrderIDs != nil {
		p.ConditionalOrderIDs = append([]string(nil), p.ConditionalOrderIDs...)
	}
	return p
}

// AverageIn adds qty filled at price with the given fee and returns the combined position.
func (p Position) AverageIn(qty, price, fee decimal.Decimal) Position {
	out := p.Clone()
	total := p.Quantity.Add(qty)
	out.AvgEntryPrice = p.Cost().Add(qty.Mul(price)).Div(total)
	out.Quantity = total
	out.EntryFee = p.EntryFee.Add(fee)
	out.Mark(price)
	return out
}

// Exit closes qty of p at price. The entry fee is apportioned by the exited
// fraction; the remainder carries the rest. remainder is nil on a full exit.
func (p Position) Exit(qty, price, exitFee decimal.Decimal, reason CloseReason, at time.Time) (Trade, *Position) {
	if qty.GreaterThan(p.Quantity) {
		qty = p.Quantity
	}
	apportioned := p.EntryFee
	full := qty.Equal(p.Quantity)
	if !full {
		apportioned = p.EntryFee.Mul(qty).Div(p.Quantity)
	}

	marked := p
	marked.Mark(price)

	trade := Trade{
		Tag:                 p.Tag,
		Symbol:              p.Symbol,
		Quantity:            qty,
		EntryPrice:          p.AvgEntryPrice,
		ExitPrice:           price,
		EntryFee:            apportioned,
		ExitFee:             exitFee,
		RealizedPnL:         price.Sub(p.AvgEntryPrice).Mul(qty).Sub(apportioned).Sub(exitFee),
		CloseReason:         reason,
		StrategyVersion:     p.StrategyVersion,
		MaxAdverseExcursion: marked.MaxAdverseExcursion,
		OpenedAt:            p.OpenedAt,
		ClosedAt:            at,
	}
	if full {
		return trade, nil
	}

	rest := marked.Clone()
	rest.Quantity = p.Quantity.Sub(qty)
	rest.EntryFee = p.EntryFee.Sub(apportioned)
	return trade, &rest
}

// Trade is an immutable closed-trade record.
type Trade struct {
	ID                  int64           `json:"id"`
	Tag                 string          `json:"tag"`
	Symbol              string          `json:"symbol"`
	Quantity            decimal.Decimal `json:"quantity"`
	EntryPrice          decimal.Decimal `json:"entry_price"`
	ExitPrice           decimal.Decimal `json:"exit_price"`
	EntryFee            decimal.Decimal `json:"entry_fee"`
	ExitFee             decimal.Decimal `json:"exit_fee"`
	RealizedPnL         decimal.Decimal `json:"realized_pnl"`
	CloseReason         CloseReason     `json:"close_reason"`
	StrategyVersion     string          `json:"strategy_version"`
	MaxAdverseExcursion decimal.Decimal `json:"max_adverse_excursion"`
	OpenedAt            time.Time       `json:"opened_at"`
	ClosedAt            time.Time       `json:"closed_at"`
}

// Portfolio is the cash and daily-counter view handed to observers.
type Portfolio struct {
	Cash            decimal.Decimal `json:"cash"`
	PositionValue   decimal.Decimal `json:"position_value"`
	PortfolioValue  decimal.Decimal `json:"portfolio_value"`
	FeesToday       decimal.Decimal `json:"fees_today"`
	DailyPnL        decimal.Decimal `json:"daily_pnl"`
	DailyStartValue decimal.Decimal `json:"daily_start_value"`
	DailyTradeCount int             `json:"daily_trade_count"`
	OpenPositions   int             `json:"open_positions"`
}

// Capital sums external money flows.
type Capital struct {
	Starting    decimal.Decimal `json:"starting"`
	Deposits    decimal.Decimal `json:"deposits"`
	Withdrawals decimal.Decimal `json:"withdrawals"`
}

// Net is starting capital plus deposits minus withdrawals.
func (c Capital) Net() decimal.Decimal {
	return c.Starting.Add(c.Deposits).Sub(c.Withdrawals)
}

// FlowKind labels a capital flow row.
type FlowKind string

const (
	FlowInitial    FlowKind = "initial"
	FlowDeposit    FlowKind = "deposit"
	FlowWithdrawal FlowKind = "withdrawal"
)

// ConditionalOrder shadows an exchange-resident stop-loss or take-profit order.
type ConditionalOrder struct {
	ExchangeOrderID string            `json:"exchange_order_id"`
	PositionTag     string            `json:"position_tag"`
	Symbol          string            `json:"symbol"`
	Kind            ConditionalKind   `json:"kind"`
	TriggerPrice    decimal.Decimal   `json:"trigger_price"`
	Quantity        decimal.Decimal   `json:"quantity"`
	Status          ConditionalStatus `json:"status"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// PendingOrder is a live order submitted but not yet settled into the ledger.
// It carries what is needed to apply its fill after a restart.
type PendingOrder struct {
	OrderID         string              `json:"order_id"`
	ClientID        string              `json:"client_id"`
	Tag             string              `json:"tag"`
	Symbol          string              `json:"symbol"`
	Side            string              `json:"side"`
	Quantity        decimal.Decimal     `json:"quantity"`
	Reason          CloseReason         `json:"reason,omitempty"`
	StopLoss        decimal.NullDecimal `json:"stop_loss"`
	TakeProfit      decimal.NullDecimal `json:"take_profit"`
	Intent          Intent              `json:"intent"`
	StrategyVersion string              `json:"strategy_version"`
	SubmittedAt     time.Time           `json:"submitted_at"`
}
