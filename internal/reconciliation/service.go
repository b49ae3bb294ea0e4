// Package reconciliation resolves drift between the ledger and the exchange:
// pending orders whose outcome was never confirmed, conditional orders that
// filled or died while unwatched, orphaned exchange orders, and position or
// cash differences. Fills are applied through the engine's normal
// accounting path.
package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/monitor"
	"execution-core/pkg/exchanges/common"
)

// Ledger is the engine surface reconciliation reads and repairs through.
type Ledger interface {
	Status() engine.StatusInfo
	Portfolio() ledger.Portfolio
	Positions() []ledger.Position
	Holdings() map[string]decimal.Decimal
	PendingOrders() []ledger.PendingOrder
	ActiveConditionals() []ledger.ConditionalOrder

	ApplyPendingFill(ctx context.Context, orderID string, rep common.OrderReport) (engine.Result, error)
	DropPending(ctx context.Context, orderID, why string) error
	AdoptPending(ctx context.Context, clientID, exchangeID string) error
	ApplyConditionalFill(ctx context.Context, orderID string, rep common.OrderReport) (engine.Result, error)
	RestoreProtection(ctx context.Context, orderID string, status ledger.ConditionalStatus) (engine.Result, error)
	RetireConditional(ctx context.Context, orderID string) error
}

// ReportStore keeps the audit trail.
type ReportStore interface {
	SaveReconciliationReport(ctx context.Context, at time.Time, findings int, report []byte) error
}

type Config struct {
	// CashTolerance is the exchange cash drift tolerated before alerting.
	CashTolerance decimal.Decimal
	// QtyTolerance is the per-symbol quantity difference ignored as dust.
	QtyTolerance decimal.Decimal
}

func DefaultConfig() Config {
	return Config{
		CashTolerance: decimal.RequireFromString("0.01"),
		QtyTolerance:  decimal.RequireFromString("0.00000001"),
	}
}

// Service runs reconciliation passes. Passes never overlap.
type Service struct {
	gw      common.Gateway
	ledger  Ledger
	store   ReportStore
	bus     *events.Bus
	metrics *monitor.Metrics
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// Report is one reconciliation pass.
type Report struct {
	Timestamp     time.Time      `json:"timestamp"`
	Applied       []Applied      `json:"applied,omitempty"`
	Dropped       []string       `json:"dropped,omitempty"`
	Adopted       []string       `json:"adopted,omitempty"`
	Restored      []string       `json:"restored,omitempty"`
	Retired       []string       `json:"retired,omitempty"`
	Orphans       []OrphanOrder  `json:"orphans,omitempty"`
	PositionDiffs []PositionDiff `json:"position_diffs,omitempty"`
	CashDrift     *CashDrift     `json:"cash_drift,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
}

// Applied is a fill settled into the ledger by reconciliation.
type Applied struct {
	OrderID string        `json:"order_id"`
	Tag     string        `json:"tag"`
	Status  engine.Status `json:"status"`
	Reason  string        `json:"reason,omitempty"`
}

// OrphanOrder is a resting exchange order the ledger does not track.
type OrphanOrder struct {
	OrderID string           `json:"order_id"`
	Symbol  string           `json:"symbol"`
	Side    common.Side      `json:"side"`
	Type    common.OrderType `json:"type"`
	Qty     decimal.Decimal  `json:"qty"`
}

// PositionDiff is a per-symbol quantity mismatch. It is reported, never synced.
type PositionDiff struct {
	Symbol      string          `json:"symbol"`
	LocalQty    decimal.Decimal `json:"local_qty"`
	ExchangeQty decimal.Decimal `json:"exchange_qty"`
	Difference  decimal.Decimal `json:"difference"`
}

type CashDrift struct {
	Local      decimal.Decimal `json:"local"`
	Exchange   decimal.Decimal `json:"exchange"`
	Difference decimal.Decimal `json:"difference"`
}

// Findings counts everything in the report that needed attention.
func (r *Report) Findings() int {
	n := len(r.Applied) + len(r.Dropped) + len(r.Adopted) + len(r.Restored) + len(r.Retired) +
		len(r.Orphans) + len(r.PositionDiffs) + len(r.Errors)
	if r.CashDrift != nil {
		n++
	}
	return n
}

func (r *Report) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

type Option func(*Service)

func WithBus(bus *events.Bus) Option { return func(s *Service) { s.bus = bus } }

func WithMetrics(m *monitor.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

var _ Ledger = (*engine.Engine)(nil)

// NewService builds the worker; call Reconcile once at startup before the
// scheduler starts the periodic loops.
func NewService(gw common.Gateway, l Ledger, store ReportStore, cfg Config, opts ...Option) *Service {
	s := &Service{
		gw:     gw,
		ledger: l,
		store:  store,
		cfg:    cfg,
		log:    zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("reconciliation")
	return s
}

// Reconcile runs a full pass: pending orders, conditional orders, orphan
// orders, positions and cash.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.ledger.Status(); !st.Initialized {
		return nil, engine.ErrNotInitialized
	}
	report := &Report{Timestamp: s.now().UTC()}

	open, err := s.gw.ListOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	s.resolvePending(ctx, open, report)
	s.pollConditionals(ctx, report)

	// Re-list: resolution may have adopted, canceled or placed orders.
	if open, err = s.gw.ListOpenOrders(ctx); err != nil {
		report.fail("list open orders: %v", err)
	} else {
		s.findOrphans(open, report)
	}
	s.comparePositions(ctx, report)
	s.compareCash(ctx, report)

	s.finish(ctx, report)
	return report, nil
}

// PollConditionals checks only the tracked conditional orders. It runs more
// often than a full pass.
func (s *Service) PollConditionals(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.ledger.Status(); !st.Initialized {
		return nil, engine.ErrNotInitialized
	}
	report := &Report{Timestamp: s.now().UTC()}
	s.pollConditionals(ctx, report)
	s.finish(ctx, report)
	return report, nil
}

func (s *Service) resolvePending(ctx context.Context, open []common.OpenOrder, report *Report) {
	byClient := make(map[string]string, len(open))
	for _, oo := range open {
		if oo.ClientID != "" {
			byClient[oo.ClientID] = oo.OrderID
		}
	}

	for _, po := range s.ledger.PendingOrders() {
		orderID := po.OrderID
		rep, err := s.gw.QueryOrder(ctx, orderID)
		if errors.Is(err, common.ErrOrderNotFound) {
			exchangeID, known := byClient[po.ClientID]
			if po.OrderID != po.ClientID || !known {
				if derr := s.ledger.DropPending(ctx, po.OrderID, "not found on exchange"); derr != nil {
					report.fail("drop %s: %v", po.OrderID, derr)
					continue
				}
				report.Dropped = append(report.Dropped, po.OrderID)
				continue
			}
			if aerr := s.ledger.AdoptPending(ctx, po.ClientID, exchangeID); aerr != nil {
				report.fail("adopt %s: %v", po.ClientID, aerr)
				continue
			}
			report.Adopted = append(report.Adopted, exchangeID)
			orderID = exchangeID
			rep, err = s.gw.QueryOrder(ctx, orderID)
		}
		if err != nil {
			report.fail("query pending %s: %v", orderID, err)
			continue
		}
		if !rep.Status.Terminal() {
			s.log.Info("pending order still working", zap.String("order_id", orderID), zap.String("status", string(rep.Status)))
			continue
		}

		if !rep.FilledQty.IsPositive() {
			if derr := s.ledger.DropPending(ctx, orderID, "ended "+string(rep.Status)+" without a fill"); derr != nil {
				report.fail("drop %s: %v", orderID, derr)
				continue
			}
			report.Dropped = append(report.Dropped, orderID)
			continue
		}
		res, err := s.ledger.ApplyPendingFill(ctx, orderID, rep)
		if err != nil {
			report.fail("apply pending %s: %v", orderID, err)
			continue
		}
		report.Applied = append(report.Applied, Applied{OrderID: orderID, Tag: res.Tag, Status: res.Status, Reason: res.Reason})
	}
}

func (s *Service) pollConditionals(ctx context.Context, report *Report) {
	openTags := make(map[string]bool)
	for _, p := range s.ledger.Positions() {
		openTags[p.Tag] = true
	}
	for _, co := range s.ledger.ActiveConditionals() {
		rep, err := s.gw.QueryOrder(ctx, co.ExchangeOrderID)
		switch {
		case errors.Is(err, common.ErrOrderNotFound):
			s.restore(ctx, co, ledger.StatusCanceled, report)
			continue
		case err != nil:
			report.fail("query conditional %s: %v", co.ExchangeOrderID, err)
			continue
		}

		switch {
		case rep.Status == common.StatusFilled || (rep.Status.Terminal() && rep.FilledQty.IsPositive()):
			res, err := s.ledger.ApplyConditionalFill(ctx, co.ExchangeOrderID, rep)
			if err != nil {
				report.fail("apply conditional %s: %v", co.ExchangeOrderID, err)
				continue
			}
			if stale(res) {
				continue
			}
			report.Applied = append(report.Applied, Applied{OrderID: co.ExchangeOrderID, Tag: co.PositionTag, Status: res.Status, Reason: res.Reason})
		case rep.Status.Terminal():
			status := ledger.StatusCanceled
			if rep.Status == common.StatusExpired {
				status = ledger.StatusExpired
			}
			s.restore(ctx, co, status, report)
		case !openTags[co.PositionTag]:
			if err := s.ledger.RetireConditional(ctx, co.ExchangeOrderID); err != nil {
				report.fail("retire %s: %v", co.ExchangeOrderID, err)
				continue
			}
			report.Retired = append(report.Retired, co.ExchangeOrderID)
		}
	}
}

func (s *Service) restore(ctx context.Context, co ledger.ConditionalOrder, status ledger.ConditionalStatus, report *Report) {
	res, err := s.ledger.RestoreProtection(ctx, co.ExchangeOrderID, status)
	if err != nil {
		report.fail("restore %s: %v", co.ExchangeOrderID, err)
		return
	}
	switch {
	case res.Status == engine.StatusExecuted:
		report.Restored = append(report.Restored, co.ExchangeOrderID)
	case !stale(res):
		report.Retired = append(report.Retired, co.ExchangeOrderID)
	}
}

// stale reports an order the engine stopped tracking after the snapshot
// was taken.
func stale(res engine.Result) bool {
	return res.Status == engine.StatusIgnored && res.Reason == engine.ReasonUnknownConditional
}

func (s *Service) findOrphans(open []common.OpenOrder, report *Report) {
	known := make(map[string]bool)
	for _, co := range s.ledger.ActiveConditionals() {
		known[co.ExchangeOrderID] = true
	}
	for _, po := range s.ledger.PendingOrders() {
		known[po.OrderID] = true
		known[po.ClientID] = true
	}
	for _, oo := range open {
		if known[oo.OrderID] || (oo.ClientID != "" && known[oo.ClientID]) {
			continue
		}
		report.Orphans = append(report.Orphans, OrphanOrder{OrderID: oo.OrderID, Symbol: oo.Symbol, Side: oo.Side, Type: oo.Type, Qty: oo.Qty})
		s.log.Warn("orphan exchange order", zap.String("order_id", oo.OrderID), zap.String("symbol", oo.Symbol))
	}
}

func (s *Service) comparePositions(ctx context.Context, report *Report) {
	remote, err := s.gw.GetPositions(ctx)
	if err != nil {
		report.fail("get positions: %v", err)
		return
	}
	local := s.ledger.Holdings()
	symbols := make(map[string]bool, len(local)+len(remote))
	for sym := range local {
		symbols[sym] = true
	}
	for sym := range remote {
		symbols[sym] = true
	}
	for sym := range symbols {
		diff := local[sym].Sub(remote[sym])
		if diff.Abs().LessThanOrEqual(s.cfg.QtyTolerance) {
			continue
		}
		report.PositionDiffs = append(report.PositionDiffs, PositionDiff{
			Symbol:      sym,
			LocalQty:    local[sym],
			ExchangeQty: remote[sym],
			Difference:  diff,
		})
		s.log.Warn("position differs from exchange",
			zap.String("symbol", sym),
			zap.Stringer("local", local[sym]),
			zap.Stringer("exchange", remote[sym]))
	}
}

func (s *Service) compareCash(ctx context.Context, report *Report) {
	remote, err := s.gw.GetBalance(ctx)
	if err != nil {
		report.fail("get balance: %v", err)
		return
	}
	local := s.ledger.Portfolio().Cash
	diff := local.Sub(remote)
	if diff.Abs().LessThanOrEqual(s.cfg.CashTolerance) {
		return
	}
	report.CashDrift = &CashDrift{Local: local, Exchange: remote, Difference: diff}
	s.alert(fmt.Sprintf("ledger cash %s differs from exchange %s by %s", local, remote, diff))
}

func (s *Service) alert(msg string) {
	s.bus.Publish(events.EventAlert, events.Alert{Source: "reconciliation", Message: msg, At: s.now()})
}

// finish logs the pass and persists it when anything was found.
func (s *Service) finish(ctx context.Context, report *Report) {
	n := report.Findings()
	s.metrics.SetFindings(n)
	if n == 0 {
		s.log.Debug("reconciliation clean")
		return
	}
	s.log.Warn("reconciliation findings",
		zap.Int("applied", len(report.Applied)),
		zap.Int("dropped", len(report.Dropped)),
		zap.Int("restored", len(report.Restored)),
		zap.Int("orphans", len(report.Orphans)),
		zap.Int("position_diffs", len(report.PositionDiffs)),
		zap.Bool("cash_drift", report.CashDrift != nil),
		zap.Strings("errors", report.Errors))

	body, err := json.Marshal(report)
	if err != nil {
		s.log.Error("encode reconciliation report", zap.Error(err))
		return
	}
	if err := s.store.SaveReconciliationReport(ctx, report.Timestamp, n, body); err != nil {
		s.log.Error("save reconciliation report", zap.Error(err))
	}
}
