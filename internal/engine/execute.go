package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/risk"
	"execution-core/pkg/exchanges/common"
)

// Execute applies one signal. Admission rejections and resolution misses
// come back as results with a nil error; the error is set only when the
// engine or a collaborator failed.
func (e *Engine) Execute(ctx context.Context, sig Signal) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.executeLocked(ctx, sig)
	e.metrics.ObserveSignal(string(res.Action), string(res.Status))
	if res.Status == StatusRejected {
		e.bus.Publish(events.EventSignalRejected, events.Rejection{
			Action: string(res.Action), Symbol: res.Symbol, Tag: res.Tag, Reason: res.Reason,
		})
	}
	e.publishLocked()
	return res, err
}

// ExecuteBatch runs signals one at a time. Each execution re-reads
// portfolio value and position counts.
func (e *Engine) ExecuteBatch(ctx context.Context, sigs []Signal) []Result {
	out := make([]Result, 0, len(sigs))
	for _, sig := range sigs {
		res, err := e.Execute(ctx, sig)
		if err != nil {
			e.log.Warn("signal failed",
				zap.String("action", string(res.Action)),
				zap.String("symbol", res.Symbol),
				zap.String("tag", res.Tag),
				zap.Error(err))
		}
		out = append(out, res)
	}
	return out
}

func (e *Engine) executeLocked(ctx context.Context, sig Signal) (Result, error) {
	t := sig.target()
	res := Result{Action: sig.Action(), Symbol: t.Symbol, Tag: t.Tag}
	if err := e.writableLocked(); err != nil {
		return failed(res, err)
	}
	if _, err := e.rollDayLocked(ctx); err != nil {
		return failed(res, err)
	}

	switch s := sig.(type) {
	case *Buy:
		return e.buyLocked(ctx, s, res)
	case *Sell:
		return e.sellLocked(ctx, s, res)
	case *Close:
		return e.closeLocked(ctx, s, res)
	case *Modify:
		return e.modifyLocked(ctx, s, res)
	}
	return failed(res, fmt.Errorf("%w: %T", ErrUnknownAction, sig))
}

func failed(res Result, err error) (Result, error) {
	res.Status = StatusFailed
	res.Error = err.Error()
	return res, err
}

func rejected(res Result, reason risk.Reason) (Result, error) {
	res.Status = StatusRejected
	res.Reason = string(reason)
	return res, nil
}

func (e *Engine) ignored(res Result, reason string) (Result, error) {
	e.log.Warn("signal ignored",
		zap.String("action", string(res.Action)),
		zap.String("symbol", res.Symbol),
		zap.String("tag", res.Tag),
		zap.String("reason", reason))
	res.Status = StatusIgnored
	res.Reason = reason
	return res, nil
}

// entryPrice is the expected buy fill. Paper market buys pay the ask plus
// slippage; limit orders fill at their price.
func (e *Engine) entryPrice(ot common.OrderType, limit decimal.NullDecimal, q common.Quote) decimal.Decimal {
	if ot == common.OrderTypeLimit && limit.Valid {
		return limit.Decimal
	}
	return q.Ask().Mul(one.Add(e.cfg.SlippagePct))
}

func (e *Engine) exitPrice(ot common.OrderType, limit decimal.NullDecimal, q common.Quote) decimal.Decimal {
	if ot == common.OrderTypeLimit && limit.Valid {
		return limit.Decimal
	}
	return q.Bid().Mul(one.Sub(e.cfg.SlippagePct))
}

func orderTypeOr(ot common.OrderType) common.OrderType {
	if ot == "" {
		return common.OrderTypeMarket
	}
	return ot
}

func (e *Engine) buyLocked(ctx context.Context, s *Buy, res Result) (Result, error) {
	var (
		existing  ledger.Position
		averaging bool
	)
	if s.Tag != "" {
		if p, ok := e.book.Get(s.Tag); ok {
			if p.Symbol != s.Symbol {
				return e.ignored(res, ReasonTagMismatch)
			}
			existing, averaging = p, true
		}
	}
	if !averaging && e.killed {
		return rejected(res, risk.ReasonKillSwitch)
	}

	q, err := e.quoteLocked(ctx, s.Symbol)
	if err != nil {
		return failed(res, err)
	}
	if !averaging && s.SlippageTolerance.Valid && q.SpreadFraction().GreaterThan(s.SlippageTolerance.Decimal) {
		return rejected(res, risk.ReasonSpreadTooWide)
	}

	ot := orderTypeOr(s.OrderType)
	price := e.entryPrice(ot, s.LimitPrice, q)
	pv := e.portfolioValueLocked()

	var notional decimal.Decimal
	switch {
	case s.Quantity.Valid:
		notional = s.Quantity.Decimal.Mul(price)
	case s.SizePct.Valid:
		notional = decimal.Min(s.SizePct.Decimal, one).Mul(pv)
	default:
		notional = e.risk.Config().MaxTradePct.Mul(pv)
	}

	dec := e.risk.Admit(risk.Request{
		Entry:          !averaging,
		Notional:       notional,
		PortfolioValue: pv,
		OpenPositions:  e.book.Len(),
	})
	if !dec.Allowed {
		return rejected(res, dec.Reason)
	}
	res.Clamped = dec.Clamped

	qty := dec.Notional.Div(price)
	if s.Quantity.Valid && !dec.Clamped {
		qty = s.Quantity.Decimal
	}
	affordable := e.cash.Div(price.Mul(one.Add(e.cfg.FeeRate)))
	if qty.GreaterThan(affordable) {
		qty = affordable
		res.Clamped = true
	}
	qty = qty.Truncate(e.cfg.QtyPrecision)
	if !qty.IsPositive() {
		return rejected(res, risk.ReasonInsufficientCash)
	}

	tag, seq := existing.Tag, int64(0)
	if !averaging {
		tag, seq = e.book.NextTag(s.Symbol)
	}
	res.Tag = tag

	intent := s.Intent
	if intent == "" {
		intent = ledger.IntentDay
	}
	var f fill
	var pendingID string
	if e.live() {
		// The venue may fill a market order above the sizing price; a limit
		// at that price keeps the fill within the cash reserved above.
		limit := s.LimitPrice
		if ot == common.OrderTypeMarket {
			ot, limit = common.OrderTypeLimit, decimal.NewNullDecimal(price)
		}
		f, pendingID, err = e.submitLocked(ctx, ledger.PendingOrder{
			Tag:             tag,
			Symbol:          s.Symbol,
			Side:            string(common.SideBuy),
			Quantity:        qty,
			StopLoss:        s.StopLoss,
			TakeProfit:      s.TakeProfit,
			Intent:          intent,
			StrategyVersion: s.StrategyVersion,
		}, ot, limit, seq)
		if err != nil {
			return e.submitFailed(res, err)
		}
	} else {
		f = fill{qty: qty, price: price, fee: qty.Mul(price).Mul(e.cfg.FeeRate)}
	}

	var pos ledger.Position
	if averaging {
		pos = e.averagedPosition(existing, f, s.StopLoss, s.TakeProfit, s.Intent)
	} else {
		pos = ledger.Position{
			Tag:             tag,
			Symbol:          s.Symbol,
			Quantity:        f.qty,
			AvgEntryPrice:   f.price,
			EntryFee:        f.fee,
			StopLoss:        s.StopLoss,
			TakeProfit:      s.TakeProfit,
			Intent:          intent,
			StrategyVersion: s.StrategyVersion,
			OpenedAt:        e.now().UTC(),
		}
	}
	sctx, cancel := e.detached(ctx)
	defer cancel()
	if err := e.settleBuyLocked(sctx, pos, !averaging, f, seq, pendingID); err != nil {
		return failed(res, err)
	}
	e.protectAfterFillLocked(sctx, tag)

	res.Status = StatusExecuted
	cur, _ := e.book.Get(tag)
	res.Position = &cur
	return res, nil
}

// averagedPosition folds a fill into p. Omitted levels keep their values and
// intent changes only when a non-default intent is given.
func (e *Engine) averagedPosition(p ledger.Position, f fill, sl, tp decimal.NullDecimal, intent ledger.Intent) ledger.Position {
	pos := p.AverageIn(f.qty, f.price, f.fee)
	if sl.Valid {
		pos.StopLoss = sl
	}
	if tp.Valid {
		pos.TakeProfit = tp
	}
	if intent != "" && intent != ledger.IntentDay {
		pos.Intent = intent
	}
	return pos
}

// resolveExit finds the tagged position or the symbol's oldest one.
func (e *Engine) resolveExit(t Target) (ledger.Position, string) {
	if t.Tag != "" {
		p, ok := e.book.Get(t.Tag)
		if !ok {
			return ledger.Position{}, ReasonNoPosition
		}
		if p.Symbol != t.Symbol {
			return ledger.Position{}, ReasonTagMismatch
		}
		return p, ""
	}
	p, ok := e.book.Oldest(t.Symbol)
	if !ok {
		return ledger.Position{}, ReasonNoPosition
	}
	return p, ""
}

func (e *Engine) sellLocked(ctx context.Context, s *Sell, res Result) (Result, error) {
	p, miss := e.resolveExit(s.Target)
	if miss != "" {
		return e.ignored(res, miss)
	}
	res.Tag = p.Tag

	qty := p.Quantity
	if s.SizePct.Valid && s.SizePct.Decimal.LessThan(one) {
		qty = p.Quantity.Mul(s.SizePct.Decimal).Truncate(e.cfg.QtyPrecision)
	}
	if !qty.IsPositive() {
		return e.ignored(res, ReasonBelowPrecision)
	}

	trade, rest, err := e.exitLocked(ctx, p, qty, ledger.ReasonSignal, orderTypeOr(s.OrderType), s.LimitPrice, nil)
	if err != nil {
		return e.submitFailed(res, err)
	}
	res.Status = StatusExecuted
	res.Trades = []ledger.Trade{trade}
	res.Position = rest
	return res, nil
}

func (e *Engine) closeLocked(ctx context.Context, s *Close, res Result) (Result, error) {
	var targets []ledger.Position
	if s.Tag != "" {
		p, miss := e.resolveExit(s.Target)
		if miss != "" {
			return e.ignored(res, miss)
		}
		targets = []ledger.Position{p}
	} else {
		targets = e.book.BySymbol(s.Symbol)
	}
	if len(targets) == 0 {
		return e.ignored(res, ReasonNoPosition)
	}

	var firstErr error
	for _, p := range targets {
		trade, _, err := e.exitLocked(ctx, p, p.Quantity, ledger.ReasonSignal, common.OrderTypeMarket, decimal.NullDecimal{}, nil)
		if err != nil {
			e.log.Error("close failed", zap.String("tag", p.Tag), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		res.Trades = append(res.Trades, trade)
	}
	if firstErr != nil {
		return failed(res, firstErr)
	}
	res.Status = StatusExecuted
	return res, nil
}

func (e *Engine) modifyLocked(ctx context.Context, s *Modify, res Result) (Result, error) {
	if s.Tag == "" {
		return failed(res, fmt.Errorf("modify %s: %w", s.Symbol, ErrTagRequired))
	}
	p, miss := e.resolveExit(s.Target)
	if miss != "" {
		return e.ignored(res, miss)
	}

	next := p.Clone()
	if s.StopLoss.Valid {
		next.StopLoss = s.StopLoss
	}
	if s.TakeProfit.Valid {
		next.TakeProfit = s.TakeProfit
	}
	if s.Intent != "" {
		next.Intent = s.Intent
	}

	if err := e.commitPositionLocked(ctx, next); err != nil {
		return failed(res, err)
	}
	if !sameLevel(next.StopLoss, p.StopLoss) || !sameLevel(next.TakeProfit, p.TakeProfit) {
		e.protectAfterFillLocked(ctx, next.Tag)
	}
	e.bus.Publish(events.EventPositionChanged, next)

	res.Status = StatusExecuted
	cur, _ := e.book.Get(p.Tag)
	res.Position = &cur
	return res, nil
}

func sameLevel(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}
