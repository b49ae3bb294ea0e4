// Package paper is an in-process venue that fills against settable quotes.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

var ErrNoQuote = errors.New("no quote for symbol")

type record struct {
	req         common.OrderRequest
	conditional bool
	cond        common.ConditionalRequest
	report      common.OrderReport
}

// Venue simulates an exchange. It is safe for concurrent use.
type Venue struct {
	mu       sync.Mutex
	quotes   map[string]common.Quote
	orders   map[string]*record
	order    []string
	feeRate  decimal.Decimal
	cash     decimal.Decimal
	holdings map[string]decimal.Decimal
	deferred bool
	partial  decimal.Decimal
	failures map[string][]error
	byClient map[string]string
}

type Option func(*Venue)

// WithFeeRate charges rate times notional on every fill.
func WithFeeRate(rate decimal.Decimal) Option { return func(v *Venue) { v.feeRate = rate } }

// WithCash seeds the venue account balance.
func WithCash(cash decimal.Decimal) Option { return func(v *Venue) { v.cash = cash } }

// WithDeferredFills leaves submitted orders NEW until Fill is called.
func WithDeferredFills() Option { return func(v *Venue) { v.deferred = true } }

// WithPartialFill fills only fraction of each submitted order.
func WithPartialFill(fraction decimal.Decimal) Option { return func(v *Venue) { v.partial = fraction } }

func New(opts ...Option) *Venue {
	v := &Venue{
		quotes:   make(map[string]common.Quote),
		orders:   make(map[string]*record),
		holdings: make(map[string]decimal.Decimal),
		failures: make(map[string][]error),
		byClient: make(map[string]string),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// FailNext queues err for the next call of op (e.g. "submit_order").
func (v *Venue) FailNext(op string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failures[op] = append(v.failures[op], err)
}

func (v *Venue) takeFailure(op string) error {
	q := v.failures[op]
	if len(q) == 0 {
		return nil
	}
	v.failures[op] = q[1:]
	return q[0]
}

// SetQuote updates a symbol's quote and triggers resting conditionals.
func (v *Venue) SetQuote(symbol string, price, spread decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	q := common.Quote{Price: price, Spread: spread}
	v.quotes[symbol] = q

	bid := q.Bid()
	for _, id := range v.order {
		r := v.orders[id]
		if !r.conditional || r.cond.Symbol != symbol || r.report.Status != common.StatusNew {
			continue
		}
		switch r.cond.Type {
		case common.OrderTypeStopLoss:
			if bid.LessThanOrEqual(r.cond.TriggerPrice) {
				v.fillLocked(r, common.SideSell, r.cond.Qty, bid)
			}
		case common.OrderTypeTakeProfit:
			if bid.GreaterThanOrEqual(r.cond.TriggerPrice) {
				v.fillLocked(r, common.SideSell, r.cond.Qty, r.cond.TriggerPrice)
			}
		}
	}
}

func (v *Venue) GetPrice(_ context.Context, symbol string) (common.Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure("get_price"); err != nil {
		return common.Quote{}, err
	}
	q, ok := v.quotes[symbol]
	if !ok {
		return common.Quote{}, common.Fatal("get_price", fmt.Errorf("%w: %s", ErrNoQuote, symbol))
	}
	return q, nil
}

func (v *Venue) SubmitOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure("submit_order"); err != nil {
		return common.OrderResult{}, err
	}
	if req.ClientID != "" {
		if id, ok := v.byClient[req.ClientID]; ok {
			return common.OrderResult{ExchangeOrderID: id, Status: v.orders[id].report.Status, ClientID: req.ClientID}, nil
		}
	}
	q, ok := v.quotes[req.Symbol]
	if !ok {
		return common.OrderResult{}, common.Fatal("submit_order", fmt.Errorf("%w: %s", ErrNoQuote, req.Symbol))
	}

	id := uuid.NewString()
	r := &record{req: req, report: common.OrderReport{OrderID: id, Status: common.StatusNew}}
	v.orders[id] = r
	v.order = append(v.order, id)
	if req.ClientID != "" {
		v.byClient[req.ClientID] = id
	}

	if price, ok := execPrice(req, q); ok && !v.deferred {
		qty := req.Qty
		if v.partial.IsPositive() {
			qty = req.Qty.Mul(v.partial)
		}
		v.fillLocked(r, req.Side, qty, price)
	}
	return common.OrderResult{ExchangeOrderID: id, Status: r.report.Status, ClientID: req.ClientID}, nil
}

// execPrice is the touch price for market orders. Limit orders fill at the
// touch when it is at or better than the limit and rest otherwise.
func execPrice(req common.OrderRequest, q common.Quote) (decimal.Decimal, bool) {
	touch := q.Bid()
	if req.Side == common.SideBuy {
		touch = q.Ask()
	}
	if req.Type != common.OrderTypeLimit || !req.Price.IsPositive() {
		return touch, true
	}
	if req.Side == common.SideBuy {
		return touch, touch.LessThanOrEqual(req.Price)
	}
	return touch, touch.GreaterThanOrEqual(req.Price)
}

// Fill completes a deferred order at the current quote. A limit order the
// quote has moved through stays resting.
func (v *Venue) Fill(orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.orders[orderID]
	if !ok {
		return common.ErrOrderNotFound
	}
	if price, ok := execPrice(r.req, v.quotes[r.req.Symbol]); ok {
		v.fillLocked(r, r.req.Side, r.req.Qty.Sub(r.report.FilledQty), price)
	}
	return nil
}

// Expire marks a resting order expired without a fill.
func (v *Venue) Expire(orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.orders[orderID]
	if !ok {
		return common.ErrOrderNotFound
	}
	r.report.Status = common.StatusExpired
	return nil
}

func (v *Venue) fillLocked(r *record, side common.Side, qty, price decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}
	symbol := r.req.Symbol
	total := r.req.Qty
	if r.conditional {
		symbol = r.cond.Symbol
		total = r.cond.Qty
	}
	notional := qty.Mul(price)
	fee := notional.Mul(v.feeRate)

	prevQty := r.report.FilledQty
	newQty := prevQty.Add(qty)
	if prevQty.IsZero() {
		r.report.FillPrice = price
	} else {
		r.report.FillPrice = r.report.FillPrice.Mul(prevQty).Add(notional).Div(newQty)
	}
	r.report.FilledQty = newQty
	r.report.Fee = r.report.Fee.Add(fee)
	r.report.Status = common.StatusPartial
	if newQty.GreaterThanOrEqual(total) {
		r.report.Status = common.StatusFilled
	}

	if side == common.SideBuy {
		v.cash = v.cash.Sub(notional).Sub(fee)
		v.holdings[symbol] = v.holdings[symbol].Add(qty)
	} else {
		v.cash = v.cash.Add(notional).Sub(fee)
		v.holdings[symbol] = v.holdings[symbol].Sub(qty)
	}
}

func (v *Venue) QueryOrder(_ context.Context, orderID string) (common.OrderReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure("query_order"); err != nil {
		return common.OrderReport{}, err
	}
	r, ok := v.orders[orderID]
	if !ok {
		return common.OrderReport{}, common.Fatal("query_order", common.ErrOrderNotFound)
	}
	return r.report, nil
}

func (v *Venue) PlaceConditional(_ context.Context, req common.ConditionalRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure("place_conditional"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	v.orders[id] = &record{
		conditional: true,
		cond:        req,
		req:         common.OrderRequest{Symbol: req.Symbol, Side: common.SideSell, Type: req.Type, Qty: req.Qty},
		report:      common.OrderReport{OrderID: id, Status: common.StatusNew},
	}
	v.order = append(v.order, id)
	return id, nil
}

func (v *Venue) CancelOrder(_ context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure("cancel_order"); err != nil {
		return err
	}
	r, ok := v.orders[orderID]
	if !ok {
		return common.Fatal("cancel_order", common.ErrOrderNotFound)
	}
	if !r.report.Status.Terminal() {
		r.report.Status = common.StatusCanceled
	}
	return nil
}

func (v *Venue) GetBalance(context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.takeFailure("get_balance"); err != nil {
		return decimal.Zero, err
	}
	return v.cash, nil
}

func (v *Venue) ListOpenOrders(context.Context) ([]common.OpenOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []common.OpenOrder
	for _, id := range v.order {
		r := v.orders[id]
		if r.report.Status.Terminal() {
			continue
		}
		oo := common.OpenOrder{OrderID: id, ClientID: r.req.ClientID, Symbol: r.req.Symbol, Side: r.req.Side, Type: r.req.Type, Qty: r.req.Qty, Price: r.req.Price}
		if r.conditional {
			oo.Price = r.cond.TriggerPrice
			oo.ClientID = r.cond.ClientID
		}
		out = append(out, oo)
	}
	return out, nil
}

func (v *Venue) GetPositions(context.Context) (map[string]decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(v.holdings))
	for s, q := range v.holdings {
		if !q.IsZero() {
			out[s] = q
		}
	}
	return out, nil
}

// Orders lists order ids in submission order.
func (v *Venue) Orders() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.order...)
}
