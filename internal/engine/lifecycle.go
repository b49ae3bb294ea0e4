package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// RollDay closes the local trading day if it changed since the last call.
func (e *Engine) RollDay(ctx context.Context) (*risk.DaySummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ready {
		return nil, ErrNotInitialized
	}
	summary, err := e.rollDayLocked(ctx)
	e.publishLocked()
	return summary, err
}

func (e *Engine) rollDayLocked(ctx context.Context) (*risk.DaySummary, error) {
	before := e.risk.Snapshot()
	pv := e.portfolioValueLocked()
	summary, rolled := e.risk.RollDay(e.now(), pv)
	if !rolled {
		return nil, nil
	}
	after := e.risk.Snapshot()
	err := e.store.InTx(ctx, func(tx *db.Tx) error {
		if summary != nil {
			if err := tx.SaveDailySnapshot(ctx, *summary); err != nil {
				return err
			}
		}
		return tx.SaveRiskCounters(ctx, after)
	})
	if err != nil {
		e.risk.Restore(before)
		return nil, fmt.Errorf("persist day roll: %w", err)
	}
	if summary != nil {
		e.log.Info("day closed",
			zap.String("day", summary.Day),
			zap.Stringer("start_value", summary.StartValue),
			zap.Stringer("end_value", summary.EndValue),
			zap.Stringer("pnl", summary.RealizedPnL),
			zap.Int("trades", summary.TradeCount))
	}
	e.publishHalts(nil, clearedHalts(before.Halts, after.Halts), pv)
	return summary, nil
}

func clearedHalts(before, after []risk.HaltReason) []risk.HaltReason {
	still := make(map[risk.HaltReason]bool, len(after))
	for _, h := range after {
		still[h] = true
	}
	var out []risk.HaltReason
	for _, h := range before {
		if !still[h] {
			out = append(out, h)
		}
	}
	return out
}

// CheckStops marks every open symbol and exits positions whose stop or
// target the bid has crossed. In live mode positions with resting
// conditional orders are left to the exchange.
func (e *Engine) CheckStops(ctx context.Context) ([]Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writableLocked(); err != nil {
		return nil, err
	}
	if _, err := e.rollDayLocked(ctx); err != nil {
		return nil, err
	}

	var results []Result
	for _, symbol := range e.book.Symbols() {
		q, err := e.quoteLocked(ctx, symbol)
		if err != nil {
			e.log.Warn("stop check skipped", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		bid := q.Bid()
		e.markSymbolLocked(ctx, symbol, bid)

		var watch []ledger.Position
		for _, p := range e.book.BySymbol(symbol) {
			if !p.Protected() || (e.live() && len(e.conds[p.Tag]) > 0) {
				continue
			}
			watch = append(watch, p)
		}
		for _, hit := range risk.CheckStops(watch, bid) {
			p, ok := e.book.Get(hit.Tag)
			if !ok {
				continue
			}
			res := Result{Action: ActionClose, Symbol: symbol, Tag: p.Tag}
			trade, _, err := e.exitLocked(ctx, p, p.Quantity, hit.Reason, common.OrderTypeMarket, decimal.NullDecimal{}, &q)
			if err != nil {
				res, _ = e.submitFailed(res, err)
			} else {
				res.Status = StatusExecuted
				res.Reason = string(hit.Reason)
				res.Trades = []ledger.Trade{trade}
			}
			e.metrics.ObserveSignal(string(res.Action), string(res.Status))
			results = append(results, res)
		}
	}
	e.publishLocked()
	return results, nil
}

// markSymbolLocked folds price into the adverse excursion of the symbol's
// positions and persists the ones that moved.
func (e *Engine) markSymbolLocked(ctx context.Context, symbol string, price decimal.Decimal) {
	var changed []ledger.Position
	for _, p := range e.book.BySymbol(symbol) {
		next := p.Clone()
		next.Mark(price)
		if !next.MaxAdverseExcursion.Equal(p.MaxAdverseExcursion) {
			changed = append(changed, next)
		}
	}
	if len(changed) == 0 {
		return
	}
	err := e.store.InTx(ctx, func(tx *db.Tx) error {
		for _, p := range changed {
			if err := tx.UpsertPosition(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.log.Warn("persist adverse excursion failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	for _, p := range changed {
		_ = e.book.Update(p)
	}
}

// EmergencyStop pauses the loops, blocks new entries and liquidates every
// position at market. The kill stays requested until a run closes them all.
func (e *Engine) EmergencyStop(ctx context.Context) (events.KillReport, error) {
	e.mu.Lock()
	pauser := e.pauser
	e.mu.Unlock()
	if pauser != nil {
		pauser.Pause()
		defer pauser.Resume()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publishLocked()
	if err := e.writableLocked(); err != nil {
		return events.KillReport{}, err
	}
	e.killReq, e.killed = true, true
	e.log.Warn("emergency stop engaged", zap.Int("positions", e.book.Len()))

	report := events.KillReport{Failed: map[string]string{}, At: e.now().UTC()}
	for _, p := range e.book.All() {
		// A gone caller must not leave a position half unwound.
		pctx, cancel := e.detached(ctx)
		_, rest, err := e.exitLocked(pctx, p, p.Quantity, ledger.ReasonEmergency, common.OrderTypeMarket, decimal.NullDecimal{}, nil)
		cancel()
		switch {
		case err != nil:
			report.Failed[p.Tag] = err.Error()
		case rest != nil:
			report.Failed[p.Tag] = fmt.Sprintf("partially closed, %s remaining", rest.Quantity)
		default:
			report.Closed = append(report.Closed, p.Tag)
		}
	}

	if len(report.Failed) > 0 {
		e.log.Error("emergency stop incomplete", zap.Strings("closed", report.Closed), zap.Any("failed", report.Failed))
		e.bus.Publish(events.EventKillIncomplete, report)
		return report, fmt.Errorf("%w: %d positions open", ErrKillIncomplete, len(report.Failed))
	}
	report.Complete = true
	e.killReq = false
	e.log.Warn("emergency stop complete", zap.Strings("closed", report.Closed))
	e.bus.Publish(events.EventKillCompleted, report)
	return report, nil
}

// Resume clears the named halts, or every operator-resumable halt when
// none are named, and lifts a completed kill switch.
func (e *Engine) Resume(ctx context.Context, reasons ...risk.HaltReason) ([]risk.HaltReason, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writableLocked(); err != nil {
		return nil, err
	}
	if e.killReq {
		return nil, fmt.Errorf("%w: rerun the emergency stop first", ErrKillIncomplete)
	}

	pv := e.portfolioValueLocked()
	prev := e.risk.Snapshot()
	cleared, err := e.risk.Resume(pv, reasons...)
	if err != nil {
		return nil, err
	}
	if err := e.saveCountersLocked(ctx); err != nil {
		e.risk.Restore(prev)
		return nil, fmt.Errorf("persist resume: %w", err)
	}
	e.killed = false
	e.log.Info("trading resumed", zap.Strings("cleared", haltStrings(cleared)), zap.Stringer("portfolio_value", pv))
	e.publishHalts(nil, cleared, pv)
	e.publishLocked()
	return cleared, nil
}

// Deposit adds external cash.
func (e *Engine) Deposit(ctx context.Context, amount decimal.Decimal, note string) error {
	return e.capitalFlow(ctx, ledger.FlowDeposit, amount, note)
}

// Withdraw removes external cash; it cannot exceed free cash.
func (e *Engine) Withdraw(ctx context.Context, amount decimal.Decimal, note string) error {
	return e.capitalFlow(ctx, ledger.FlowWithdrawal, amount, note)
}

func (e *Engine) capitalFlow(ctx context.Context, kind ledger.FlowKind, amount decimal.Decimal, note string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writableLocked(); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	delta := amount
	if kind == ledger.FlowWithdrawal {
		if amount.GreaterThan(e.cash) {
			return fmt.Errorf("%w: withdraw %s with %s cash", ErrInsufficient, amount, e.cash)
		}
		delta = amount.Neg()
	}

	prev := e.risk.Snapshot()
	e.risk.AdjustCapital(delta)
	counters := e.risk.Snapshot()
	err := e.store.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.RecordCapitalFlow(ctx, kind, amount, note, e.now()); err != nil {
			return err
		}
		return tx.SaveRiskCounters(ctx, counters)
	})
	if err != nil {
		e.risk.Restore(prev)
		return fmt.Errorf("persist %s: %w", kind, err)
	}

	e.cash = e.cash.Add(delta)
	if kind == ledger.FlowWithdrawal {
		e.capital.Withdrawals = e.capital.Withdrawals.Add(amount)
	} else {
		e.capital.Deposits = e.capital.Deposits.Add(amount)
	}
	e.log.Info("capital flow recorded",
		zap.String("kind", string(kind)),
		zap.Stringer("amount", amount),
		zap.Stringer("cash", e.cash))
	e.verifyLocked()
	e.publishLocked()
	return nil
}

var errNoGateway = errors.New("engine has no gateway")

func (e *Engine) reconcilableLocked() error {
	if err := e.writableLocked(); err != nil {
		return err
	}
	if e.protect == nil {
		return errNoGateway
	}
	return nil
}

// ApplyConditionalFill settles an exchange-side stop or target that filled
// while the engine was not watching. Sibling orders are canceled and any
// remainder is protected again.
func (e *Engine) ApplyConditionalFill(ctx context.Context, orderID string, rep common.OrderReport) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publishLocked()
	if err := e.reconcilableLocked(); err != nil {
		return Result{Status: StatusFailed, Error: err.Error()}, err
	}
	co, ok := e.findCondLocked(orderID)
	if !ok {
		return e.ignored(Result{Action: ActionClose}, ReasonUnknownConditional)
	}
	res := Result{Action: ActionClose, Symbol: co.Symbol, Tag: co.PositionTag}
	now := e.now().UTC()
	done := co
	done.Status = ledger.StatusFilled
	done.UpdatedAt = now

	p, ok := e.book.Get(co.PositionTag)
	qty := decimal.Min(rep.FilledQty, p.Quantity)
	if !ok || !qty.IsPositive() {
		e.replaceCondsLocked(ctx, co.PositionTag, remainingConds(e.conds[co.PositionTag], []ledger.ConditionalOrder{co}), []ledger.ConditionalOrder{done})
		e.alert("reconciliation", fmt.Sprintf("conditional %s filled with no matching position quantity", orderID))
		return e.ignored(res, ReasonNoPosition)
	}

	siblings := remainingConds(e.conds[co.PositionTag], []ledger.ConditionalOrder{co})
	gone, err := e.protect.Cancel(ctx, siblings, now)
	if err != nil {
		e.log.Error("cancel sibling conditional failed", zap.String("tag", co.PositionTag), zap.Error(err))
		e.alert("protection", fmt.Sprintf("sibling orders of %s not canceled: %v", co.PositionTag, err))
	}
	retired := append([]ledger.ConditionalOrder{done}, gone...)

	trade, rest := p.Exit(qty, rep.FillPrice, rep.Fee, co.Kind.CloseReason(), now)
	trade, err = e.settleExitLocked(ctx, p, trade, rest, retired, "")
	if err != nil {
		return failed(res, err)
	}
	if rest != nil {
		e.protectAfterFillLocked(ctx, rest.Tag)
	}
	res.Status = StatusExecuted
	res.Reason = string(trade.CloseReason)
	res.Trades = []ledger.Trade{trade}
	res.Position = rest
	return res, nil
}

// RestoreProtection re-places a conditional order that the exchange canceled
// or expired without a fill, at the position's current level and size.
func (e *Engine) RestoreProtection(ctx context.Context, orderID string, status ledger.ConditionalStatus) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publishLocked()
	if err := e.reconcilableLocked(); err != nil {
		return Result{Status: StatusFailed, Error: err.Error()}, err
	}
	co, ok := e.findCondLocked(orderID)
	if !ok {
		return e.ignored(Result{Action: ActionModify}, ReasonUnknownConditional)
	}
	res := Result{Action: ActionModify, Symbol: co.Symbol, Tag: co.PositionTag}
	now := e.now().UTC()
	dead := co
	dead.Status = status
	dead.UpdatedAt = now
	others := remainingConds(e.conds[co.PositionTag], []ledger.ConditionalOrder{co})

	p, ok := e.book.Get(co.PositionTag)
	level := co
	level.Quantity = p.Quantity
	switch {
	case ok && co.Kind == ledger.KindStopLoss && p.StopLoss.Valid:
		level.TriggerPrice = p.StopLoss.Decimal
	case ok && co.Kind == ledger.KindTakeProfit && p.TakeProfit.Valid:
		level.TriggerPrice = p.TakeProfit.Decimal
	default:
		e.replaceCondsLocked(ctx, co.PositionTag, others, []ledger.ConditionalOrder{dead})
		return e.ignored(res, ReasonNoPosition)
	}

	placed, err := e.protect.Reinstate(ctx, []ledger.ConditionalOrder{level}, now)
	e.replaceCondsLocked(ctx, co.PositionTag, append(others, placed...), []ledger.ConditionalOrder{dead})
	if err != nil {
		e.alert("protection", fmt.Sprintf("%s %s not restored: %v", co.PositionTag, co.Kind, err))
		return failed(res, err)
	}
	res.Status = StatusExecuted
	res.Reason = "protection_restored"
	res.Position = &p
	return res, nil
}

// RetireConditional cancels a tracked conditional order whose position is
// gone and stops tracking it.
func (e *Engine) RetireConditional(ctx context.Context, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publishLocked()
	if err := e.reconcilableLocked(); err != nil {
		return err
	}
	co, ok := e.findCondLocked(orderID)
	if !ok {
		return nil
	}
	if _, open := e.book.Get(co.PositionTag); open {
		return fmt.Errorf("conditional %s still protects %s", orderID, co.PositionTag)
	}
	gone, err := e.protect.Cancel(ctx, []ledger.ConditionalOrder{co}, e.now().UTC())
	if err != nil {
		return err
	}
	e.replaceCondsLocked(ctx, co.PositionTag, remainingConds(e.conds[co.PositionTag], gone), gone)
	return nil
}

// ApplyPendingFill settles a submitted order whose outcome was not known at
// submission time.
func (e *Engine) ApplyPendingFill(ctx context.Context, orderID string, rep common.OrderReport) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publishLocked()
	if err := e.reconcilableLocked(); err != nil {
		return Result{Status: StatusFailed, Error: err.Error()}, err
	}
	po, ok := e.pending[orderID]
	if !ok {
		return e.ignored(Result{}, "unknown_pending")
	}
	res := Result{Symbol: po.Symbol, Tag: po.Tag}
	if !rep.FilledQty.IsPositive() {
		e.dropPendingLocked(ctx, orderID)
		if po.Side == string(common.SideSell) {
			e.protectAfterFillLocked(ctx, po.Tag)
		}
		return e.ignored(res, "no_fill")
	}
	now := e.now().UTC()
	f := fill{qty: decimal.Min(rep.FilledQty, po.Quantity), price: rep.FillPrice, fee: rep.Fee}

	if po.Side == string(common.SideBuy) {
		res.Action = ActionBuy
		existing, open := e.book.Get(po.Tag)
		if open && existing.Symbol != po.Symbol {
			e.enterReadOnlyLocked(fmt.Sprintf("pending buy %s targets %s held as %s", orderID, po.Symbol, existing.Symbol))
			return failed(res, ErrReadOnly)
		}
		var (
			pos ledger.Position
			seq int64
		)
		if open {
			pos = e.averagedPosition(existing, f, po.StopLoss, po.TakeProfit, po.Intent)
		} else {
			pos = ledger.Position{
				Tag:             po.Tag,
				Symbol:          po.Symbol,
				Quantity:        f.qty,
				AvgEntryPrice:   f.price,
				EntryFee:        f.fee,
				StopLoss:        po.StopLoss,
				TakeProfit:      po.TakeProfit,
				Intent:          po.Intent,
				StrategyVersion: po.StrategyVersion,
				OpenedAt:        po.SubmittedAt,
			}
			seq, _ = ledger.AutoSequence(po.Symbol, po.Tag)
		}
		if err := e.settleBuyLocked(ctx, pos, !open, f, seq, orderID); err != nil {
			return failed(res, err)
		}
		e.protectAfterFillLocked(ctx, po.Tag)
		res.Status = StatusExecuted
		res.Reason = string(ledger.ReasonReconciliation)
		cur, _ := e.book.Get(po.Tag)
		res.Position = &cur
		return res, nil
	}

	res.Action = ActionSell
	p, open := e.book.Get(po.Tag)
	if !open {
		e.dropPendingLocked(ctx, orderID)
		e.alert("reconciliation", fmt.Sprintf("sell %s filled for unknown position %s", orderID, po.Tag))
		return e.ignored(res, ReasonNoPosition)
	}
	var retired []ledger.ConditionalOrder
	if active := e.conds[po.Tag]; len(active) > 0 {
		gone, err := e.protect.Cancel(ctx, active, now)
		if err != nil && !errors.Is(err, common.ErrOrderNotFound) {
			e.log.Warn("cancel conditionals after sell fill", zap.String("tag", po.Tag), zap.Error(err))
		}
		retired = gone
	}
	reason := po.Reason
	if reason == "" {
		reason = ledger.ReasonReconciliation
	}
	trade, rest := p.Exit(f.qty, f.price, f.fee, reason, now)
	trade, err := e.settleExitLocked(ctx, p, trade, rest, retired, orderID)
	if err != nil {
		return failed(res, err)
	}
	if rest != nil {
		e.protectAfterFillLocked(ctx, rest.Tag)
	}
	res.Status = StatusExecuted
	res.Reason = string(reason)
	res.Trades = []ledger.Trade{trade}
	res.Position = rest
	return res, nil
}

// DropPending forgets a submitted order the exchange has no record of.
func (e *Engine) DropPending(ctx context.Context, orderID, why string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publishLocked()
	po, ok := e.pending[orderID]
	if !ok {
		return nil
	}
	e.dropPendingLocked(ctx, orderID)
	e.log.Warn("pending order dropped", zap.String("order_id", orderID), zap.String("tag", po.Tag), zap.String("why", why))
	e.alert("reconciliation", fmt.Sprintf("pending %s %s for %s dropped: %s", po.Side, orderID, po.Tag, why))
	if po.Side == string(common.SideSell) {
		e.protectAfterFillLocked(ctx, po.Tag)
	}
	return nil
}

// AdoptPending rekeys a pending order, tracked by client id because its ack
// was lost, to the id the exchange assigned.
func (e *Engine) AdoptPending(ctx context.Context, clientID, exchangeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.publishLocked()
	return e.rekeyPendingLocked(ctx, clientID, exchangeID)
}
