// Package alpaca adapts the Alpaca trading and market-data APIs to common.Gateway.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// Options carries credentials. Empty fields fall back to the SDK's APCA_* env lookup.
type Options struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// Gateway is a live venue backed by Alpaca.
type Gateway struct {
	md    *marketdata.Client
	trade *alpaca.Client
}

var _ common.Gateway = (*Gateway)(nil)

func New(opts Options) *Gateway {
	return &Gateway{
		md: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
		}),
		trade: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    opts.APIKey,
			APISecret: opts.APISecret,
			BaseURL:   opts.BaseURL,
		}),
	}
}

func isCrypto(symbol string) bool { return strings.Contains(symbol, "/") }

func (g *Gateway) GetPrice(ctx context.Context, symbol string) (common.Quote, error) {
	if err := ctx.Err(); err != nil {
		return common.Quote{}, err
	}
	var bid, ask float64
	if isCrypto(symbol) {
		q, err := g.md.GetLatestCryptoQuote(symbol, marketdata.GetLatestCryptoQuoteRequest{})
		if err != nil {
			return common.Quote{}, classify("get_price", err)
		}
		if q == nil {
			return common.Quote{}, common.Transient("get_price", fmt.Errorf("no quote for %s", symbol))
		}
		bid, ask = q.BidPrice, q.AskPrice
	} else {
		q, err := g.md.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
		if err != nil {
			return common.Quote{}, classify("get_price", err)
		}
		if q == nil {
			return common.Quote{}, common.Transient("get_price", fmt.Errorf("no quote for %s", symbol))
		}
		bid, ask = q.BidPrice, q.AskPrice
	}
	return quoteFrom(decimal.NewFromFloat(bid), decimal.NewFromFloat(ask)), nil
}

// quoteFrom derives a mid price and spread; a one-sided book quotes that side with no spread.
func quoteFrom(bid, ask decimal.Decimal) common.Quote {
	switch {
	case bid.IsPositive() && ask.IsPositive():
		return common.Quote{Price: bid.Add(ask).Div(decimal.NewFromInt(2)), Spread: ask.Sub(bid).Abs()}
	case ask.IsPositive():
		return common.Quote{Price: ask}
	default:
		return common.Quote{Price: bid}
	}
}

func timeInForce(symbol string) alpaca.TimeInForce {
	if isCrypto(symbol) {
		return alpaca.GTC
	}
	return alpaca.Day
}

func (g *Gateway) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderResult{}, err
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	qty := req.Qty
	place := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          side(req.Side),
		Type:          alpaca.Market,
		TimeInForce:   timeInForce(req.Symbol),
		ClientOrderID: clientID,
	}
	if req.Type == common.OrderTypeLimit {
		price := req.Price
		place.Type = alpaca.Limit
		place.LimitPrice = &price
	}
	o, err := g.trade.PlaceOrder(place)
	if err != nil {
		return common.OrderResult{}, classify("submit_order", err)
	}
	return common.OrderResult{ExchangeOrderID: o.ID, Status: status(o.Status), ClientID: o.ClientOrderID}, nil
}

// QueryOrder reports Alpaca's fill state. Alpaca does not report commissions
// on the order object, so Fee is zero.
func (g *Gateway) QueryOrder(ctx context.Context, orderID string) (common.OrderReport, error) {
	if err := ctx.Err(); err != nil {
		return common.OrderReport{}, err
	}
	o, err := g.trade.GetOrder(orderID)
	if err != nil {
		return common.OrderReport{}, classify("query_order", err)
	}
	rep := common.OrderReport{
		OrderID:   o.ID,
		Status:    status(o.Status),
		FilledQty: o.FilledQty,
	}
	if o.FilledAvgPrice != nil {
		rep.FillPrice = *o.FilledAvgPrice
	}
	return rep, nil
}

func (g *Gateway) PlaceConditional(ctx context.Context, req common.ConditionalRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	qty := req.Qty
	trigger := req.TriggerPrice
	place := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Sell,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientID,
	}
	switch req.Type {
	case common.OrderTypeStopLoss:
		place.Type = alpaca.Stop
		place.StopPrice = &trigger
	case common.OrderTypeTakeProfit:
		place.Type = alpaca.Limit
		place.LimitPrice = &trigger
	default:
		return "", common.Fatal("place_conditional", fmt.Errorf("unsupported conditional type %s", req.Type))
	}
	if place.ClientOrderID == "" {
		place.ClientOrderID = uuid.NewString()
	}
	o, err := g.trade.PlaceOrder(place)
	if err != nil {
		return "", classify("place_conditional", err)
	}
	return o.ID, nil
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.trade.CancelOrder(orderID); err != nil {
		return classify("cancel_order", err)
	}
	return nil
}

func (g *Gateway) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	acct, err := g.trade.GetAccount()
	if err != nil {
		return decimal.Zero, classify("get_balance", err)
	}
	return acct.Cash, nil
}

func (g *Gateway) ListOpenOrders(ctx context.Context) ([]common.OpenOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	orders, err := g.trade.GetOrders(alpaca.GetOrdersRequest{Status: "open", Limit: 500})
	if err != nil {
		return nil, classify("list_open_orders", err)
	}
	out := make([]common.OpenOrder, 0, len(orders))
	for _, o := range orders {
		oo := common.OpenOrder{
			OrderID:  o.ID,
			ClientID: o.ClientOrderID,
			Symbol:   o.Symbol,
			Side:     common.SideBuy,
			Type:     orderType(o.Type),
		}
		if o.Side == alpaca.Sell {
			oo.Side = common.SideSell
		}
		if o.Qty != nil {
			oo.Qty = *o.Qty
		}
		switch {
		case o.StopPrice != nil:
			oo.Price = *o.StopPrice
		case o.LimitPrice != nil:
			oo.Price = *o.LimitPrice
		}
		out = append(out, oo)
	}
	return out, nil
}

func (g *Gateway) GetPositions(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	positions, err := g.trade.GetPositions()
	if err != nil {
		return nil, classify("get_positions", err)
	}
	out := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		out[p.Symbol] = p.Qty
	}
	return out, nil
}

func side(s common.Side) alpaca.Side {
	if s == common.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func orderType(t alpaca.OrderType) common.OrderType {
	switch t {
	case alpaca.Limit:
		return common.OrderTypeLimit
	case alpaca.Stop:
		return common.OrderTypeStopLoss
	}
	return common.OrderTypeMarket
}

func status(s string) common.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "held", "calculated", "pending_replace", "replaced":
		return common.StatusNew
	case "partially_filled":
		return common.StatusPartial
	case "filled":
		return common.StatusFilled
	case "canceled", "pending_cancel", "stopped", "suspended":
		return common.StatusCanceled
	case "expired", "done_for_day":
		return common.StatusExpired
	case "rejected":
		return common.StatusRejected
	}
	return common.StatusUnknown
}

// classify maps SDK errors onto the transient/fatal taxonomy.
func classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return common.Fatal(op, fmt.Errorf("%w: %v", common.ErrOrderNotFound, err))
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return common.Transient(op, err)
		default:
			return common.Fatal(op, err)
		}
	}
	// Transport-level failures (timeouts, resets) carry no status code.
	return common.Transient(op, err)
}
