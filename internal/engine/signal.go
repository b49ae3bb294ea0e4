package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
	"execution-core/pkg/exchanges/common"
)

var (
	ErrUnknownAction = errors.New("unknown signal action")
	ErrTagRequired   = errors.New("tag required")
	ErrInvalidSignal = errors.New("invalid signal")
)

// Action is the signal verb.
type Action string

const (
	ActionBuy    Action = "BUY"
	ActionSell   Action = "SELL"
	ActionClose  Action = "CLOSE"
	ActionModify Action = "MODIFY"
)

// Signal is one of *Buy, *Sell, *Close or *Modify.
type Signal interface {
	Action() Action
	target() Target
}

// Target addresses a symbol and optionally one tagged position.
type Target struct {
	Symbol          string
	Tag             string
	StrategyVersion string
}

func (t Target) target() Target { return t }

// Buy opens a position or averages into a tagged one. Quantity wins over
// SizePct; with neither the trade sizes to the risk cap.
type Buy struct {
	Target
	SizePct           decimal.NullDecimal
	Quantity          decimal.NullDecimal
	StopLoss          decimal.NullDecimal
	TakeProfit        decimal.NullDecimal
	Intent            ledger.Intent
	SlippageTolerance decimal.NullDecimal
	OrderType         common.OrderType
	LimitPrice        decimal.NullDecimal
}

// Sell exits SizePct (default all) of the tagged or oldest position.
type Sell struct {
	Target
	SizePct    decimal.NullDecimal
	OrderType  common.OrderType
	LimitPrice decimal.NullDecimal
}

// Close exits the tagged position, or every position of the symbol.
type Close struct {
	Target
}

// Modify adjusts protection levels and intent without trading.
type Modify struct {
	Target
	StopLoss   decimal.NullDecimal
	TakeProfit decimal.NullDecimal
	Intent     ledger.Intent
}

func (*Buy) Action() Action    { return ActionBuy }
func (*Sell) Action() Action   { return ActionSell }
func (*Close) Action() Action  { return ActionClose }
func (*Modify) Action() Action { return ActionModify }

// RawSignal is the wire form produced by strategies.
type RawSignal struct {
	Action            string   `json:"action" yaml:"action"`
	Symbol            string   `json:"symbol" yaml:"symbol"`
	Tag               string   `json:"tag,omitempty" yaml:"tag,omitempty"`
	SizePct           *float64 `json:"size_pct,omitempty" yaml:"size_pct,omitempty"`
	Quantity          *float64 `json:"quantity,omitempty" yaml:"quantity,omitempty"`
	StopLoss          *float64 `json:"stop_loss,omitempty" yaml:"stop_loss,omitempty"`
	TakeProfit        *float64 `json:"take_profit,omitempty" yaml:"take_profit,omitempty"`
	Intent            string   `json:"intent,omitempty" yaml:"intent,omitempty"`
	SlippageTolerance *float64 `json:"slippage_tolerance,omitempty" yaml:"slippage_tolerance,omitempty"`
	OrderType         string   `json:"order_type,omitempty" yaml:"order_type,omitempty"`
	LimitPrice        *float64 `json:"limit_price,omitempty" yaml:"limit_price,omitempty"`
	StrategyVersion   string   `json:"strategy_version,omitempty" yaml:"strategy_version,omitempty"`
}

func optional(v *float64) decimal.NullDecimal {
	if v == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*v))
}

// Parse validates the schema and returns the typed signal. It says nothing
// about whether the signal is financially sound.
func (r RawSignal) Parse() (Signal, error) {
	symbol := strings.ToUpper(strings.TrimSpace(r.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	}
	t := Target{Symbol: symbol, Tag: strings.TrimSpace(r.Tag), StrategyVersion: r.StrategyVersion}

	for name, v := range map[string]*float64{"stop_loss": r.StopLoss, "take_profit": r.TakeProfit, "quantity": r.Quantity, "limit_price": r.LimitPrice} {
		if v != nil && *v <= 0 {
			return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidSignal, name)
		}
	}
	if r.SizePct != nil && *r.SizePct <= 0 {
		return nil, fmt.Errorf("%w: size_pct must be positive", ErrInvalidSignal)
	}
	if r.SlippageTolerance != nil && *r.SlippageTolerance < 0 {
		return nil, fmt.Errorf("%w: slippage_tolerance must not be negative", ErrInvalidSignal)
	}

	var intent ledger.Intent
	if strings.TrimSpace(r.Intent) != "" {
		in, err := ledger.ParseIntent(r.Intent)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
		}
		intent = in
	}
	ot, err := parseOrderType(r.OrderType, r.LimitPrice)
	if err != nil {
		return nil, err
	}

	switch Action(strings.ToUpper(strings.TrimSpace(r.Action))) {
	case ActionBuy:
		return &Buy{
			Target:            t,
			SizePct:           optional(r.SizePct),
			Quantity:          optional(r.Quantity),
			StopLoss:          optional(r.StopLoss),
			TakeProfit:        optional(r.TakeProfit),
			Intent:            intent,
			SlippageTolerance: optional(r.SlippageTolerance),
			OrderType:         ot,
			LimitPrice:        optional(r.LimitPrice),
		}, nil
	case ActionSell:
		return &Sell{Target: t, SizePct: optional(r.SizePct), OrderType: ot, LimitPrice: optional(r.LimitPrice)}, nil
	case ActionClose:
		return &Close{Target: t}, nil
	case ActionModify:
		if t.Tag == "" {
			return nil, fmt.Errorf("modify %s: %w", symbol, ErrTagRequired)
		}
		return &Modify{Target: t, StopLoss: optional(r.StopLoss), TakeProfit: optional(r.TakeProfit), Intent: intent}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, r.Action)
}

func parseOrderType(s string, limit *float64) (common.OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(common.OrderTypeMarket):
		return common.OrderTypeMarket, nil
	case string(common.OrderTypeLimit):
		if limit == nil {
			return "", fmt.Errorf("%w: limit order without limit_price", ErrInvalidSignal)
		}
		return common.OrderTypeLimit, nil
	}
	return "", fmt.Errorf("%w: order_type %q", ErrInvalidSignal, s)
}

// ParseAll parses a batch, returning the valid signals and one error per
// rejected entry.
func ParseAll(raws []RawSignal) ([]Signal, []error) {
	var (
		out  []Signal
		errs []error
	)
	for i, r := range raws {
		sig, err := r.Parse()
		if err != nil {
			errs = append(errs, fmt.Errorf("signal %d: %w", i, err))
			continue
		}
		out = append(out, sig)
	}
	return out, errs
}
