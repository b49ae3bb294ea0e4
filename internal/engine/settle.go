package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/order"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// fill is an executed quantity at an average price with its total fee.
type fill struct {
	qty   decimal.Decimal
	price decimal.Decimal
	fee   decimal.Decimal
}

func (e *Engine) submitFailed(res Result, err error) (Result, error) {
	switch {
	case errors.Is(err, ErrNoFill):
		res.Reason = "no_fill"
	case errors.Is(err, ErrUnresolved):
		res.Reason = "fill_unconfirmed"
		e.alert("engine", fmt.Sprintf("order for %s unresolved, left for reconciliation: %v", res.Tag, err))
	case common.IsFatal(err):
		res.Reason = "exchange_rejected"
		e.alert("engine", fmt.Sprintf("%s %s rejected by exchange: %v", res.Action, res.Symbol, err))
	case common.IsTransient(err):
		res.Reason = "exchange_unavailable"
	}
	return failed(res, err)
}

// submitLocked records po as pending, sends it, and waits for the fill. On
// ErrUnresolved the pending row stays for reconciliation and its id is
// still returned.
func (e *Engine) submitLocked(ctx context.Context, po ledger.PendingOrder, ot common.OrderType, limit decimal.NullDecimal, seq int64) (fill, string, error) {
	po.ClientID = uuid.NewString()
	po.OrderID = po.ClientID
	po.SubmittedAt = e.now().UTC()
	err := e.store.InTx(ctx, func(tx *db.Tx) error {
		if seq > 0 {
			if err := tx.SaveTagSequence(ctx, po.Symbol, seq); err != nil {
				return err
			}
		}
		return tx.SavePendingOrder(ctx, po)
	})
	if err != nil {
		return fill{}, "", fmt.Errorf("record pending order: %w", err)
	}
	e.pending[po.OrderID] = po

	req := common.OrderRequest{
		Symbol:   po.Symbol,
		Side:     common.Side(po.Side),
		Type:     ot,
		Qty:      po.Quantity,
		ClientID: po.ClientID,
	}
	if ot == common.OrderTypeLimit && limit.Valid {
		req.Price = limit.Decimal
	}
	ack, err := e.gw.SubmitOrder(ctx, req)
	if err != nil {
		if common.IsFatal(err) {
			e.dropPendingLocked(ctx, po.OrderID)
			return fill{}, "", err
		}
		return fill{}, po.OrderID, fmt.Errorf("%w: submit %s: %w", ErrUnresolved, po.ClientID, err)
	}
	if ack.ExchangeOrderID != "" && ack.ExchangeOrderID != po.OrderID {
		if err := e.rekeyPendingLocked(ctx, po.OrderID, ack.ExchangeOrderID); err != nil {
			return fill{}, po.OrderID, fmt.Errorf("%w: %w", ErrUnresolved, err)
		}
		po.OrderID = ack.ExchangeOrderID
	}

	rep, err := e.confirm.AwaitFill(ctx, po.OrderID)
	if errors.Is(err, order.ErrFillTimeout) {
		if cerr := e.gw.CancelOrder(ctx, po.OrderID); cerr == nil {
			if final, qerr := e.gw.QueryOrder(ctx, po.OrderID); qerr == nil && final.Status.Terminal() {
				rep, err = final, nil
			}
		}
	}
	if err != nil {
		return fill{}, po.OrderID, fmt.Errorf("%w: %s: %w", ErrUnresolved, po.OrderID, err)
	}
	if !rep.FilledQty.IsPositive() {
		e.dropPendingLocked(ctx, po.OrderID)
		return fill{}, "", fmt.Errorf("%w: %s %s", ErrNoFill, po.OrderID, rep.Status)
	}
	return fill{qty: decimal.Min(rep.FilledQty, po.Quantity), price: rep.FillPrice, fee: rep.Fee}, po.OrderID, nil
}

func (e *Engine) rekeyPendingLocked(ctx context.Context, oldID, newID string) error {
	po, ok := e.pending[oldID]
	if !ok {
		return fmt.Errorf("pending order %s not tracked", oldID)
	}
	po.OrderID = newID
	err := e.store.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.DeletePendingOrder(ctx, oldID); err != nil {
			return err
		}
		return tx.SavePendingOrder(ctx, po)
	})
	if err != nil {
		return err
	}
	delete(e.pending, oldID)
	e.pending[newID] = po
	return nil
}

func (e *Engine) dropPendingLocked(ctx context.Context, orderID string) {
	err := e.store.InTx(ctx, func(tx *db.Tx) error { return tx.DeletePendingOrder(ctx, orderID) })
	if err != nil {
		e.log.Error("drop pending order failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	delete(e.pending, orderID)
}

// settleBuyLocked commits an entry or averaging fill. Memory changes only
// after the transaction commits.
func (e *Engine) settleBuyLocked(ctx context.Context, pos ledger.Position, isNew bool, f fill, seq int64, pendingID string) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	prev := e.risk.Snapshot()
	e.risk.RecordEntry(f.fee)
	cash := e.cash.Sub(f.qty.Mul(f.price)).Sub(f.fee)
	if cash.IsNegative() {
		// The fill already happened on the venue; record it and tell the operator.
		e.log.Error("buy fill overdraws cash",
			zap.String("tag", pos.Tag),
			zap.Stringer("price", f.price),
			zap.Stringer("fee", f.fee),
			zap.Stringer("cash_after", cash))
		e.alert("engine", fmt.Sprintf("buy fill for %s overdraws cash to %s", pos.Tag, cash))
	}
	pv := e.valueWith(cash, &pos, "")
	raised := e.risk.Evaluate(pv)
	counters := e.risk.Snapshot()

	err := e.store.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		if isNew && seq > 0 {
			if err := tx.SaveTagSequence(ctx, pos.Symbol, seq); err != nil {
				return err
			}
		}
		if pendingID != "" {
			if err := tx.DeletePendingOrder(ctx, pendingID); err != nil {
				return err
			}
		}
		return tx.SaveRiskCounters(ctx, counters)
	})
	if err != nil {
		e.risk.Restore(prev)
		if pendingID != "" {
			e.alert("engine", fmt.Sprintf("buy fill %s not persisted, left for reconciliation: %v", pendingID, err))
		}
		return fmt.Errorf("persist buy %s: %w", pos.Tag, err)
	}

	if isNew {
		err = e.book.Insert(pos)
	} else {
		err = e.book.Update(pos)
	}
	if err != nil {
		e.enterReadOnlyLocked(fmt.Sprintf("book rejected committed position %s: %v", pos.Tag, err))
		return err
	}
	e.cash = cash
	delete(e.pending, pendingID)

	e.log.Info("buy settled",
		zap.String("tag", pos.Tag),
		zap.String("symbol", pos.Symbol),
		zap.Bool("new", isNew),
		zap.Stringer("qty", f.qty),
		zap.Stringer("price", f.price),
		zap.Stringer("fee", f.fee),
		zap.Stringer("position_qty", pos.Quantity),
		zap.Stringer("avg_entry", pos.AvgEntryPrice),
		zap.Stringer("cash", e.cash))
	if isNew {
		e.bus.Publish(events.EventPositionOpened, pos)
	} else {
		e.bus.Publish(events.EventPositionChanged, pos)
	}
	e.publishHalts(raised, nil, pv)
	e.verifyLocked()
	return nil
}

// exitLocked sells qty of p. In live mode its conditional orders are
// canceled first and re-placed if the sell fails.
func (e *Engine) exitLocked(ctx context.Context, p ledger.Position, qty decimal.Decimal, reason ledger.CloseReason, ot common.OrderType, limit decimal.NullDecimal, q *common.Quote) (ledger.Trade, *ledger.Position, error) {
	now := e.now().UTC()
	var (
		f         fill
		retired   []ledger.ConditionalOrder
		pendingID string
	)

	if e.live() {
		if active := e.conds[p.Tag]; len(active) > 0 {
			gone, err := e.protect.Cancel(ctx, active, now)
			if err != nil {
				rctx, cancel := e.detached(ctx)
				restored, rerr := e.protect.Reinstate(rctx, gone, now)
				e.replaceCondsLocked(rctx, p.Tag, append(remainingConds(active, gone), restored...), gone)
				cancel()
				if rerr != nil {
					e.alert("protection", fmt.Sprintf("%s may be unprotected: %v", p.Tag, rerr))
				}
				return ledger.Trade{}, nil, fmt.Errorf("cancel protection for %s: %w", p.Tag, err)
			}
			retired = gone
		}

		var err error
		f, pendingID, err = e.submitLocked(ctx, ledger.PendingOrder{
			Tag:             p.Tag,
			Symbol:          p.Symbol,
			Side:            string(common.SideSell),
			Quantity:        qty,
			Reason:          reason,
			Intent:          p.Intent,
			StrategyVersion: p.StrategyVersion,
		}, ot, limit, 0)
		if err != nil {
			if len(retired) > 0 && !errors.Is(err, ErrUnresolved) {
				rctx, cancel := e.detached(ctx)
				restored, rerr := e.protect.Reinstate(rctx, retired, now)
				e.replaceCondsLocked(rctx, p.Tag, restored, retired)
				cancel()
				if rerr != nil {
					e.alert("protection", fmt.Sprintf("%s left unprotected after failed exit: %v", p.Tag, rerr))
				}
			} else if len(retired) > 0 {
				// The sell may still fill, so protection stays off until
				// reconciliation settles the pending order.
				rctx, cancel := e.detached(ctx)
				e.replaceCondsLocked(rctx, p.Tag, nil, retired)
				cancel()
				e.log.Error("exit unresolved, position unprotected",
					zap.String("tag", p.Tag),
					zap.String("pending_order", pendingID),
					zap.Error(err))
				e.alert("protection", fmt.Sprintf("%s unprotected while exit order %s is unresolved", p.Tag, pendingID))
			}
			return ledger.Trade{}, nil, err
		}
	} else {
		if q == nil {
			qq, err := e.quoteLocked(ctx, p.Symbol)
			if err != nil {
				return ledger.Trade{}, nil, err
			}
			q = &qq
		}
		price := e.exitPrice(ot, limit, *q)
		f = fill{qty: qty, price: price, fee: qty.Mul(price).Mul(e.cfg.FeeRate)}
	}

	// Once filled, recording the exit must not depend on the caller.
	sctx, cancel := e.detached(ctx)
	defer cancel()
	trade, rest := p.Exit(f.qty, f.price, f.fee, reason, now)
	trade, err := e.settleExitLocked(sctx, p, trade, rest, retired, pendingID)
	if err != nil {
		return ledger.Trade{}, nil, err
	}
	if rest != nil && e.live() {
		e.protectAfterFillLocked(sctx, rest.Tag)
	}
	return trade, rest, nil
}

// settleExitLocked commits a trade and the position's remainder.
func (e *Engine) settleExitLocked(ctx context.Context, p ledger.Position, trade ledger.Trade, rest *ledger.Position, retired []ledger.ConditionalOrder, pendingID string) (ledger.Trade, error) {
	prev := e.risk.Snapshot()
	e.risk.RecordExitFee(trade.ExitFee)
	e.risk.RecordTrade(trade.RealizedPnL)
	cash := e.cash.Add(trade.Quantity.Mul(trade.ExitPrice)).Sub(trade.ExitFee)
	var pv decimal.Decimal
	if rest != nil {
		pv = e.valueWith(cash, rest, "")
	} else {
		pv = e.valueWith(cash, nil, p.Tag)
	}
	raised := e.risk.Evaluate(pv)
	counters := e.risk.Snapshot()

	var id int64
	err := e.store.InTx(ctx, func(tx *db.Tx) error {
		var err error
		if id, err = tx.AppendTrade(ctx, trade); err != nil {
			return err
		}
		if rest != nil {
			err = tx.UpsertPosition(ctx, *rest)
		} else {
			err = tx.DeletePosition(ctx, p.Tag)
		}
		if err != nil {
			return err
		}
		for _, co := range retired {
			if err := tx.UpsertConditional(ctx, co); err != nil {
				return err
			}
		}
		if pendingID != "" {
			if err := tx.DeletePendingOrder(ctx, pendingID); err != nil {
				return err
			}
		}
		return tx.SaveRiskCounters(ctx, counters)
	})
	if err != nil {
		e.risk.Restore(prev)
		if e.live() {
			e.alert("engine", fmt.Sprintf("exit of %s not persisted, left for reconciliation: %v", p.Tag, err))
		}
		return ledger.Trade{}, fmt.Errorf("persist exit %s: %w", p.Tag, err)
	}

	trade.ID = id
	e.cash = cash
	e.realized = e.realized.Add(trade.RealizedPnL)
	if rest != nil {
		if err := e.book.Update(*rest); err != nil {
			e.enterReadOnlyLocked(fmt.Sprintf("book rejected committed remainder %s: %v", p.Tag, err))
		}
	} else {
		e.book.Remove(p.Tag)
	}
	if len(retired) > 0 {
		e.setCondsLocked(p.Tag, remainingConds(e.conds[p.Tag], retired))
	}
	delete(e.pending, pendingID)

	e.log.Info("trade closed",
		zap.String("tag", trade.Tag),
		zap.String("symbol", trade.Symbol),
		zap.String("reason", string(trade.CloseReason)),
		zap.Stringer("qty", trade.Quantity),
		zap.Stringer("entry", trade.EntryPrice),
		zap.Stringer("exit", trade.ExitPrice),
		zap.Stringer("pnl", trade.RealizedPnL),
		zap.Stringer("cash", e.cash))
	e.metrics.ObserveTrade(string(trade.CloseReason))
	e.bus.Publish(events.EventTradeClosed, trade)
	if rest != nil {
		e.bus.Publish(events.EventPositionChanged, *rest)
	}
	e.publishHalts(raised, nil, pv)
	e.verifyLocked()
	return trade, nil
}

// commitPositionLocked persists a fee-free position change.
func (e *Engine) commitPositionLocked(ctx context.Context, p ledger.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := e.store.InTx(ctx, func(tx *db.Tx) error { return tx.UpsertPosition(ctx, p) }); err != nil {
		return fmt.Errorf("persist position %s: %w", p.Tag, err)
	}
	return e.book.Update(p)
}

// protectAfterFillLocked re-sizes or places the exchange-side orders of tag
// after its quantity or levels changed.
func (e *Engine) protectAfterFillLocked(ctx context.Context, tag string) {
	if !e.live() || e.protect == nil {
		return
	}
	p, ok := e.book.Get(tag)
	if !ok {
		return
	}
	now := e.now().UTC()
	var (
		current, retired []ledger.ConditionalOrder
		err              error
	)
	switch active := e.conds[tag]; {
	case len(active) > 0:
		current, retired, err = e.protect.Replace(ctx, p, active, now)
	case p.Protected():
		current, err = e.protect.Protect(ctx, p, now)
	default:
		return
	}
	e.replaceCondsLocked(ctx, tag, current, retired)
	if err != nil {
		e.log.Error("protection incomplete", zap.String("tag", tag), zap.Error(err))
		e.alert("protection", fmt.Sprintf("%s protection incomplete: %v", tag, err))
	}
}

// replaceCondsLocked records retired orders and makes current the tag's
// active set. Memory follows the exchange even when the write fails.
func (e *Engine) replaceCondsLocked(ctx context.Context, tag string, current, retired []ledger.ConditionalOrder) {
	err := e.store.InTx(ctx, func(tx *db.Tx) error {
		for _, co := range retired {
			if err := tx.UpsertConditional(ctx, co); err != nil {
				return err
			}
		}
		for _, co := range current {
			if err := tx.UpsertConditional(ctx, co); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.log.Error("persist conditional orders failed", zap.String("tag", tag), zap.Error(err))
		e.alert("protection", fmt.Sprintf("conditional orders of %s not persisted: %v", tag, err))
	}
	e.setCondsLocked(tag, current)
}

// detached derives a context that survives cancellation of ctx, bounded
// by ExitTimeout.
func (e *Engine) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ExitTimeout)
}

func (e *Engine) setCondsLocked(tag string, list []ledger.ConditionalOrder) {
	if len(list) == 0 {
		delete(e.conds, tag)
		return
	}
	e.conds[tag] = list
}

func remainingConds(all, gone []ledger.ConditionalOrder) []ledger.ConditionalOrder {
	skip := make(map[string]bool, len(gone))
	for _, g := range gone {
		skip[g.ExchangeOrderID] = true
	}
	var out []ledger.ConditionalOrder
	for _, co := range all {
		if !skip[co.ExchangeOrderID] {
			out = append(out, co)
		}
	}
	return out
}

func (e *Engine) findCondLocked(orderID string) (ledger.ConditionalOrder, bool) {
	for _, list := range e.conds {
		for _, co := range list {
			if co.ExchangeOrderID == orderID {
				return co, true
			}
		}
	}
	return ledger.ConditionalOrder{}, false
}
