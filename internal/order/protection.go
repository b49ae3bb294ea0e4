package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/ledger"
	"execution-core/pkg/exchanges/common"
)

// ErrAlreadyFilled means a conditional order filled before it could be canceled.
var ErrAlreadyFilled = errors.New("conditional order already filled")

// Protector owns the exchange-side stop-loss and take-profit orders of
// open positions.
type Protector struct {
	gw     common.Gateway
	minQty decimal.Decimal
	log    *zap.Logger
}

// NewProtector skips placement for quantities below minQty.
func NewProtector(gw common.Gateway, minQty decimal.Decimal, log *zap.Logger) *Protector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Protector{gw: gw, minQty: minQty, log: log.Named("protect")}
}

func orderTypeFor(k ledger.ConditionalKind) common.OrderType {
	if k == ledger.KindTakeProfit {
		return common.OrderTypeTakeProfit
	}
	return common.OrderTypeStopLoss
}

// Protect places one order per configured level of p, sized to p's full
// quantity. Either every level is placed or none is left resting.
func (pr *Protector) Protect(ctx context.Context, p ledger.Position, now time.Time) ([]ledger.ConditionalOrder, error) {
	if !p.Protected() {
		return nil, nil
	}
	if p.Quantity.LessThan(pr.minQty) {
		pr.log.Warn("quantity below conditional minimum, leaving unprotected on exchange",
			zap.String("tag", p.Tag), zap.Stringer("qty", p.Quantity), zap.Stringer("min", pr.minQty))
		return nil, nil
	}

	var levels []ledger.ConditionalOrder
	if p.StopLoss.Valid {
		levels = append(levels, ledger.ConditionalOrder{Kind: ledger.KindStopLoss, TriggerPrice: p.StopLoss.Decimal})
	}
	if p.TakeProfit.Valid {
		levels = append(levels, ledger.ConditionalOrder{Kind: ledger.KindTakeProfit, TriggerPrice: p.TakeProfit.Decimal})
	}
	for i := range levels {
		levels[i].PositionTag = p.Tag
		levels[i].Symbol = p.Symbol
		levels[i].Quantity = p.Quantity
	}
	return pr.place(ctx, levels, now)
}

// Reinstate re-places orders with the parameters of previous ones.
func (pr *Protector) Reinstate(ctx context.Context, previous []ledger.ConditionalOrder, now time.Time) ([]ledger.ConditionalOrder, error) {
	return pr.place(ctx, previous, now)
}

func (pr *Protector) place(ctx context.Context, levels []ledger.ConditionalOrder, now time.Time) ([]ledger.ConditionalOrder, error) {
	placed := make([]ledger.ConditionalOrder, 0, len(levels))
	for _, lv := range levels {
		id, err := pr.gw.PlaceConditional(ctx, common.ConditionalRequest{
			Symbol:       lv.Symbol,
			Type:         orderTypeFor(lv.Kind),
			TriggerPrice: lv.TriggerPrice,
			Qty:          lv.Quantity,
			ClientID:     uuid.NewString(),
		})
		if err != nil {
			if _, cerr := pr.Cancel(ctx, placed, now); cerr != nil {
				pr.log.Error("unwinding partial protection failed", zap.String("tag", lv.PositionTag), zap.Error(cerr))
			}
			return nil, fmt.Errorf("place %s for %s: %w", lv.Kind, lv.PositionTag, err)
		}
		co := lv
		co.ExchangeOrderID = id
		co.Status = ledger.StatusActive
		co.UpdatedAt = now
		placed = append(placed, co)
		pr.log.Info("conditional placed",
			zap.String("tag", co.PositionTag),
			zap.String("kind", string(co.Kind)),
			zap.String("order_id", id),
			zap.Stringer("trigger", co.TriggerPrice),
			zap.Stringer("qty", co.Quantity))
	}
	return placed, nil
}

// Cancel cancels every order and returns the ones that are no longer
// resting, marked canceled. Orders the venue no longer knows count as gone.
// An order found filled is left out and reported with ErrAlreadyFilled.
func (pr *Protector) Cancel(ctx context.Context, orders []ledger.ConditionalOrder, now time.Time) ([]ledger.ConditionalOrder, error) {
	var (
		gone []ledger.ConditionalOrder
		errs []error
	)
	for _, co := range orders {
		err := pr.gw.CancelOrder(ctx, co.ExchangeOrderID)
		if err != nil && !errors.Is(err, common.ErrOrderNotFound) {
			errs = append(errs, fmt.Errorf("cancel %s: %w", co.ExchangeOrderID, err))
			continue
		}
		if err == nil {
			if rep, qerr := pr.gw.QueryOrder(ctx, co.ExchangeOrderID); qerr == nil && rep.FilledQty.IsPositive() {
				errs = append(errs, fmt.Errorf("%w: %s", ErrAlreadyFilled, co.ExchangeOrderID))
				continue
			}
		}
		co.Status = ledger.StatusCanceled
		co.UpdatedAt = now
		gone = append(gone, co)
	}
	return gone, errors.Join(errs...)
}

// Replace swaps active for orders matching p. If the new orders cannot be
// placed, the old parameters are restored so p is never left unprotected.
// retired are the old orders now canceled.
func (pr *Protector) Replace(ctx context.Context, p ledger.Position, active []ledger.ConditionalOrder, now time.Time) (current, retired []ledger.ConditionalOrder, err error) {
	retired, err = pr.Cancel(ctx, active, now)
	if err != nil {
		restored, rerr := pr.Reinstate(ctx, retired, now)
		return append(remaining(active, retired), restored...), retired, errors.Join(err, rerr)
	}
	current, err = pr.Protect(ctx, p, now)
	if err != nil {
		restored, rerr := pr.Reinstate(ctx, retired, now)
		return restored, retired, errors.Join(err, rerr)
	}
	return current, retired, nil
}

// remaining returns the orders of all that are not in gone.
func remaining(all, gone []ledger.ConditionalOrder) []ledger.ConditionalOrder {
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
