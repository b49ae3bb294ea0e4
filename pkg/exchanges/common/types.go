package common

import "github.com/shopspring/decimal"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopLoss   OrderType = "STOP_LOSS"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether the order can no longer fill.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

var two = decimal.NewFromInt(2)

// Quote is a reference price with its bid/ask spread.
type Quote struct {
	Price  decimal.Decimal
	Spread decimal.Decimal
}

// Bid is the executable sell price.
func (q Quote) Bid() decimal.Decimal { return q.Price.Sub(q.Spread.Div(two)) }

// Ask is the executable buy price.
func (q Quote) Ask() decimal.Decimal { return q.Price.Add(q.Spread.Div(two)) }

// SpreadFraction is spread over price, zero when price is unknown.
func (q Quote) SpreadFraction() decimal.Decimal {
	if !q.Price.IsPositive() {
		return decimal.Zero
	}
	return q.Spread.Div(q.Price)
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Type     OrderType
	Qty      decimal.Decimal
	Price    decimal.Decimal // required for LIMIT
	ClientID string
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	Status          OrderStatus
	ClientID        string
}

// OrderReport is the fill state of one order as the venue reports it.
type OrderReport struct {
	OrderID   string
	Status    OrderStatus
	FilledQty decimal.Decimal
	FillPrice decimal.Decimal
	Fee       decimal.Decimal
}

// ConditionalRequest places a resting protective sell.
type ConditionalRequest struct {
	Symbol       string
	Type         OrderType // STOP_LOSS or TAKE_PROFIT
	TriggerPrice decimal.Decimal
	Qty          decimal.Decimal
	ClientID     string
}

// OpenOrder is a resting order as listed by the venue.
type OpenOrder struct {
	OrderID  string
	ClientID string
	Symbol   string
	Side     Side
	Type     OrderType
	Qty      decimal.Decimal
	Price    decimal.Decimal
}
