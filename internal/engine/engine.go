package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

var one = decimal.NewFromInt(1)

// Engine owns the position book and cash. mu serializes every mutation,
// including the exchange round trips made on its behalf.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	store   Store
	prices  common.PriceSource
	gw      common.Gateway
	risk    *risk.Manager
	confirm *order.Confirmer
	protect *order.Protector
	bus     *events.Bus
	metrics *monitor.Metrics
	pauser  Pauser
	log     *zap.Logger
	now     func() time.Time

	book      *ledger.Book
	conds     map[string][]ledger.ConditionalOrder
	pending   map[string]ledger.PendingOrder
	marks     map[string]decimal.Decimal
	cash      decimal.Decimal
	capital   ledger.Capital
	realized  decimal.Decimal
	readOnly  string
	killReq   bool
	killed    bool
	ready     bool
	startedAt time.Time

	view atomic.Pointer[view]
}

// view is the immutable snapshot handed to observers.
type view struct {
	positions []ledger.Position
	portfolio ledger.Portfolio
	status    StatusInfo
}

type Option func(*Engine)

// WithGateway sets the venue used for live orders and protection.
func WithGateway(gw common.Gateway) Option { return func(e *Engine) { e.gw = gw } }

func WithBus(bus *events.Bus) Option { return func(e *Engine) { e.bus = bus } }

func WithMetrics(m *monitor.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(log *zap.Logger) Option { return func(e *Engine) { e.log = log } }

func WithPauser(p Pauser) Option { return func(e *Engine) { e.pauser = p } }

// WithClock overrides time.Now for day boundaries and timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New builds an engine; call Initialize before executing signals.
func New(cfg Config, store Store, prices common.PriceSource, rm *risk.Manager, opts ...Option) *Engine {
	if cfg.ExitTimeout <= 0 {
		cfg.ExitTimeout = DefaultConfig().ExitTimeout
	}
	e := &Engine{
		cfg:     cfg,
		store:   store,
		prices:  prices,
		risk:    rm,
		log:     zap.NewNop(),
		now:     time.Now,
		book:    ledger.NewBook(),
		conds:   make(map[string][]ledger.ConditionalOrder),
		pending: make(map[string]ledger.PendingOrder),
		marks:   make(map[string]decimal.Decimal),
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.Named("engine")
	if e.gw != nil {
		e.confirm = order.NewConfirmer(e.gw, cfg.FillTimeout, cfg.FillPollInterval, e.log)
		e.protect = order.NewProtector(e.gw, cfg.MinConditionalQty, e.log)
	}
	e.view.Store(&view{status: StatusInfo{Mode: cfg.Mode}})
	return e
}

// SetPauser wires the scheduler after construction.
func (e *Engine) SetPauser(p Pauser) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauser = p
}

func (e *Engine) live() bool { return e.cfg.Mode == ModeLive }

// Initialize restores the ledger and recomputes cash from first principles:
// capital flows plus realized P&L, minus open entry fees and open cost.
// Integrity problems leave the engine read-only instead of failing.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready {
		return nil
	}
	if e.live() && e.gw == nil {
		return errors.New("live mode requires a gateway")
	}
	now := e.now()
	e.startedAt = now

	capital, err := e.store.LoadCapital(ctx)
	if err != nil {
		return err
	}
	if capital.Starting.IsZero() && capital.Deposits.IsZero() && capital.Withdrawals.IsZero() {
		if !e.cfg.StartingCapital.IsPositive() {
			return errors.New("starting capital must be positive")
		}
		err := e.store.InTx(ctx, func(tx *db.Tx) error {
			return tx.RecordCapitalFlow(ctx, ledger.FlowInitial, e.cfg.StartingCapital, "starting capital", now)
		})
		if err != nil {
			return err
		}
		capital.Starting = e.cfg.StartingCapital
	}
	e.capital = capital

	if e.realized, err = e.store.SumRealizedPnL(ctx); err != nil {
		return err
	}

	var issues []string
	positions, err := e.store.LoadPositions(ctx)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if err := e.book.Insert(p); err != nil {
			issues = append(issues, err.Error())
		}
	}

	seqs, err := e.store.LoadTagSequences(ctx)
	if err != nil {
		return err
	}
	for symbol, n := range seqs {
		e.book.SeedSequence(symbol, n)
	}

	conds, err := e.store.LoadConditionalOrders(ctx)
	switch {
	case errors.Is(err, db.ErrCorruptRow):
		issues = append(issues, err.Error())
	case err != nil:
		return err
	}
	for _, co := range conds {
		e.conds[co.PositionTag] = append(e.conds[co.PositionTag], co)
		if _, ok := e.book.Get(co.PositionTag); !ok {
			e.log.Warn("conditional order without open position", zap.String("order_id", co.ExchangeOrderID), zap.String("tag", co.PositionTag))
		}
	}

	pending, err := e.store.LoadPendingOrders(ctx)
	switch {
	case errors.Is(err, db.ErrCorruptRow):
		issues = append(issues, err.Error())
	case err != nil:
		return err
	}
	for _, po := range pending {
		e.pending[po.OrderID] = po
		if !e.live() {
			issues = append(issues, fmt.Sprintf("pending order %s cannot be resolved in paper mode", po.OrderID))
		}
	}

	cost, fees := decimal.Zero, decimal.Zero
	for _, p := range e.book.All() {
		cost = cost.Add(p.Cost())
		fees = fees.Add(p.EntryFee)
		e.marks[p.Symbol] = p.AvgEntryPrice
	}
	e.cash = e.capital.Net().Add(e.realized).Sub(fees).Sub(cost)
	if e.cash.IsNegative() {
		issues = append(issues, fmt.Sprintf("first-principles cash is negative: %s", e.cash))
	}

	counters, found, err := e.store.LoadRiskCounters(ctx)
	switch {
	case errors.Is(err, db.ErrCorruptRow):
		issues = append(issues, err.Error())
	case err != nil:
		return err
	}
	if found {
		e.risk.Restore(counters)
	}

	pv := e.portfolioValueLocked()
	if _, err := e.rollDayLocked(ctx); err != nil {
		return err
	}
	raised := e.risk.Evaluate(pv)
	if err := e.saveCountersLocked(ctx); err != nil {
		return err
	}
	e.publishHalts(raised, nil, pv)

	e.ready = true
	e.log.Info("ledger restored",
		zap.String("mode", string(e.cfg.Mode)),
		zap.Int("positions", e.book.Len()),
		zap.Int("pending", len(e.pending)),
		zap.Stringer("cash", e.cash),
		zap.Stringer("portfolio_value", pv),
		zap.Strings("halts", haltStrings(e.risk.Snapshot().Halts)))
	if len(issues) > 0 {
		e.enterReadOnlyLocked(strings.Join(issues, "; "))
	}
	e.publishLocked()
	return nil
}

func (e *Engine) writableLocked() error {
	if !e.ready {
		return ErrNotInitialized
	}
	if e.readOnly != "" {
		return fmt.Errorf("%w: %s", ErrReadOnly, e.readOnly)
	}
	return nil
}

func (e *Engine) enterReadOnlyLocked(reason string) {
	if e.readOnly == "" {
		e.readOnly = reason
	} else {
		e.readOnly += "; " + reason
	}
	e.metrics.SetReadOnly(true)
	e.log.Error("engine is read-only", zap.String("reason", reason))
	e.alert("engine", "trading blocked: "+reason)
}

func (e *Engine) alert(source, msg string) {
	e.bus.Publish(events.EventAlert, events.Alert{Source: source, Message: msg, At: e.now()})
}

// markOf is the last observed price for symbol, falling back to cost basis.
func (e *Engine) markOf(p ledger.Position) decimal.Decimal {
	if m, ok := e.marks[p.Symbol]; ok && m.IsPositive() {
		return m
	}
	return p.AvgEntryPrice
}

func (e *Engine) portfolioValueLocked() decimal.Decimal {
	return e.valueWith(e.cash, nil, "")
}

// valueWith values the book with cash replaced, and with one position
// replaced (override) or removed (drop) when given.
func (e *Engine) valueWith(cash decimal.Decimal, override *ledger.Position, drop string) decimal.Decimal {
	total := cash
	seen := false
	for _, p := range e.book.All() {
		if p.Tag == drop {
			continue
		}
		if override != nil && p.Tag == override.Tag {
			p, seen = *override, true
		}
		total = total.Add(p.Quantity.Mul(e.markOf(p)))
	}
	if override != nil && !seen {
		total = total.Add(override.Quantity.Mul(e.markOf(*override)))
	}
	return total
}

func (e *Engine) quoteLocked(ctx context.Context, symbol string) (common.Quote, error) {
	q, err := e.prices.GetPrice(ctx, symbol)
	if err != nil {
		return common.Quote{}, fmt.Errorf("price %s: %w", symbol, err)
	}
	if !q.Price.IsPositive() {
		return common.Quote{}, fmt.Errorf("price %s: non-positive quote %s", symbol, q.Price)
	}
	e.marks[symbol] = q.Price
	return q, nil
}

// conservationLocked returns both sides of the cash identity.
func (e *Engine) conservationLocked() (held, owed decimal.Decimal) {
	cost, fees := decimal.Zero, decimal.Zero
	for _, p := range e.book.All() {
		cost = cost.Add(p.Cost())
		fees = fees.Add(p.EntryFee)
	}
	return e.cash.Add(cost), e.capital.Net().Add(e.realized).Sub(fees)
}

// CheckConservation reports whether cash plus open cost equals net capital
// plus realized P&L minus open entry fees, within tolerance.
func (e *Engine) CheckConservation() (held, owed decimal.Decimal, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	held, owed = e.conservationLocked()
	return held, owed, held.Sub(owed).Abs().LessThanOrEqual(e.cfg.CashTolerance)
}

func (e *Engine) verifyLocked() {
	held, owed := e.conservationLocked()
	if held.Sub(owed).Abs().GreaterThan(e.cfg.CashTolerance) {
		e.enterReadOnlyLocked(fmt.Sprintf("%v: held %s owed %s", ErrConservation, held, owed))
	}
}

func (e *Engine) saveCountersLocked(ctx context.Context) error {
	c := e.risk.Snapshot()
	return e.store.InTx(ctx, func(tx *db.Tx) error { return tx.SaveRiskCounters(ctx, c) })
}

func (e *Engine) publishHalts(raised, cleared []risk.HaltReason, pv decimal.Decimal) {
	if len(raised) == 0 && len(cleared) == 0 {
		return
	}
	e.bus.Publish(events.EventHaltChanged, events.HaltChange{Raised: haltStrings(raised), Cleared: haltStrings(cleared), Value: pv})
}

func haltStrings(h []risk.HaltReason) []string {
	out := make([]string, len(h))
	for i, r := range h {
		out[i] = string(r)
	}
	return out
}

var allHalts = []string{string(risk.HaltDailyLoss), string(risk.HaltDrawdown), string(risk.HaltConsecutiveLosses)}

// publishLocked refreshes the observer snapshot and gauges.
func (e *Engine) publishLocked() {
	positions := e.book.All()
	pv := e.portfolioValueLocked()
	c := e.risk.Snapshot()
	nconds := 0
	for _, list := range e.conds {
		nconds += len(list)
	}
	for i := range positions {
		positions[i].ConditionalOrderIDs = nil
		for _, co := range e.conds[positions[i].Tag] {
			positions[i].ConditionalOrderIDs = append(positions[i].ConditionalOrderIDs, co.ExchangeOrderID)
		}
	}
	e.view.Store(&view{
		positions: positions,
		portfolio: ledger.Portfolio{
			Cash:            e.cash,
			PositionValue:   pv.Sub(e.cash),
			PortfolioValue:  pv,
			FeesToday:       c.FeesToday,
			DailyPnL:        c.DailyPnL,
			DailyStartValue: c.DailyStartValue,
			DailyTradeCount: c.DailyTradeCount,
			OpenPositions:   len(positions),
		},
		status: StatusInfo{
			Mode:          e.cfg.Mode,
			Initialized:   e.ready,
			ReadOnly:      e.readOnly != "",
			ReadOnlyCause: e.readOnly,
			KillRequested: e.killReq,
			KillEngaged:   e.killed,
			Pending:       len(e.pending),
			Conditionals:  nconds,
			StartedAt:     e.startedAt,
		},
	})
	e.metrics.SetPortfolio(e.cash, pv, e.realized, len(positions))
	e.metrics.SetHalts(allHalts, haltStrings(c.Halts))
}

// Positions returns the open positions, oldest first.
func (e *Engine) Positions() []ledger.Position {
	v := e.view.Load()
	out := make([]ledger.Position, len(v.positions))
	for i, p := range v.positions {
		out[i] = p.Clone()
	}
	return out
}

func (e *Engine) Portfolio() ledger.Portfolio { return e.view.Load().portfolio }

func (e *Engine) RiskState() risk.State { return e.risk.State() }

func (e *Engine) Status() StatusInfo { return e.view.Load().status }

func (e *Engine) RecentTrades(ctx context.Context, limit int) ([]ledger.Trade, error) {
	return e.store.RecentTrades(ctx, limit)
}

// ActiveConditionals lists the exchange-side protective orders being tracked.
func (e *Engine) ActiveConditionals() []ledger.ConditionalOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ledger.ConditionalOrder
	for _, list := range e.conds {
		out = append(out, list...)
	}
	return out
}

// PendingOrders lists submitted orders not yet settled.
func (e *Engine) PendingOrders() []ledger.PendingOrder {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ledger.PendingOrder, 0, len(e.pending))
	for _, po := range e.pending {
		out = append(out, po)
	}
	return out
}

// Holdings sums open quantity per symbol.
func (e *Engine) Holdings() map[string]decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]decimal.Decimal)
	for _, p := range e.book.All() {
		out[p.Symbol] = out[p.Symbol].Add(p.Quantity)
	}
	return out
}
