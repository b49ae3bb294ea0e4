package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"execution-core/internal/ledger"
	"execution-core/internal/risk"
)

var ErrCorruptRow = errors.New("corrupt ledger row")

// Store persists the position ledger. Every mutation goes through InTx.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

type StoreOption func(*Store)

// WithStoreLogger logs rows the store had to repair on load.
func WithStoreLogger(log *zap.Logger) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log.Named("store")
		}
	}
}

func NewStore(d *Database, opts ...StoreOption) *Store {
	s := &Store{db: d.DB, log: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// intentOf parses a stored intent, falling back to DAY for unknown values.
func (s *Store) intentOf(table, key, raw string) ledger.Intent {
	intent, err := ledger.ParseIntent(raw)
	if err != nil {
		s.log.Warn("unknown stored intent, using DAY",
			zap.String("table", table),
			zap.String("key", key),
			zap.String("intent", raw))
	}
	return intent
}

// InTx runs fn inside one transaction, committing only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// LoadPositions returns every open position with its active conditional order ids.
// An unknown stored intent defaults to DAY.
func (s *Store) LoadPositions(ctx context.Context) ([]ledger.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag, symbol, quantity, avg_entry_price, entry_fee, stop_loss, take_profit,
		       intent, strategy_version, opened_at, max_adverse_excursion
		FROM positions
		ORDER BY opened_at, tag
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Position
	index := make(map[string]int)
	for rows.Next() {
		var (
			p      ledger.Position
			intent string
		)
		if err := rows.Scan(&p.Tag, &p.Symbol, &p.Quantity, &p.AvgEntryPrice, &p.EntryFee,
			&p.StopLoss, &p.TakeProfit, &intent, &p.StrategyVersion, &p.OpenedAt, &p.MaxAdverseExcursion); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Intent = s.intentOf("positions", p.Tag, intent)
		index[p.Tag] = len(out)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orders, err := s.LoadConditionalOrders(ctx)
	if err != nil {
		return nil, err
	}
	for _, co := range orders {
		if i, ok := index[co.PositionTag]; ok {
			out[i].ConditionalOrderIDs = append(out[i].ConditionalOrderIDs, co.ExchangeOrderID)
		}
	}
	return out, nil
}

// LoadRiskCounters returns the persisted counters and whether a row exists.
func (s *Store) LoadRiskCounters(ctx context.Context) (risk.Counters, bool, error) {
	var (
		c     risk.Counters
		halts string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT day, daily_pnl, daily_trade_count, fees_today, daily_start_value,
		       consecutive_losses, peak_portfolio_value, halts
		FROM risk_counters WHERE id = 1
	`).Scan(&c.Day, &c.DailyPnL, &c.DailyTradeCount, &c.FeesToday, &c.DailyStartValue,
		&c.ConsecutiveLosses, &c.PeakPortfolioValue, &halts)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.Counters{}, false, nil
	}
	if err != nil {
		return risk.Counters{}, false, fmt.Errorf("load risk counters: %w", err)
	}
	c.Halts, err = risk.ParseHalts(halts)
	if err != nil {
		return c, true, fmt.Errorf("%w: risk_counters.halts: %v", ErrCorruptRow, err)
	}
	return c, true, nil
}

// LoadCapital sums capital flows by kind.
func (s *Store) LoadCapital(ctx context.Context) (ledger.Capital, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, amount FROM capital_flows`)
	if err != nil {
		return ledger.Capital{}, fmt.Errorf("query capital flows: %w", err)
	}
	defer rows.Close()

	var c ledger.Capital
	for rows.Next() {
		var (
			kind   string
			amount decimal.Decimal
		)
		if err := rows.Scan(&kind, &amount); err != nil {
			return ledger.Capital{}, fmt.Errorf("scan capital flow: %w", err)
		}
		switch ledger.FlowKind(kind) {
		case ledger.FlowInitial:
			c.Starting = c.Starting.Add(amount)
		case ledger.FlowDeposit:
			c.Deposits = c.Deposits.Add(amount)
		case ledger.FlowWithdrawal:
			c.Withdrawals = c.Withdrawals.Add(amount)
		default:
			return ledger.Capital{}, fmt.Errorf("%w: capital flow kind %q", ErrCorruptRow, kind)
		}
	}
	return c, rows.Err()
}

// SumRealizedPnL adds every trade's realized P&L exactly.
func (s *Store) SumRealizedPnL(ctx context.Context) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT realized_pnl FROM trades`)
	if err != nil {
		return decimal.Zero, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var pnl decimal.Decimal
		if err := rows.Scan(&pnl); err != nil {
			return decimal.Zero, fmt.Errorf("scan pnl: %w", err)
		}
		total = total.Add(pnl)
	}
	return total, rows.Err()
}

func (s *Store) LoadTagSequences(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, seq FROM tag_sequences`)
	if err != nil {
		return nil, fmt.Errorf("query tag sequences: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			symbol string
			seq    int64
		)
		if err := rows.Scan(&symbol, &seq); err != nil {
			return nil, fmt.Errorf("scan tag sequence: %w", err)
		}
		out[symbol] = seq
	}
	return out, rows.Err()
}

// LoadConditionalOrders returns the active conditional orders.
func (s *Store) LoadConditionalOrders(ctx context.Context) ([]ledger.ConditionalOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT exchange_order_id, position_tag, symbol, order_type, trigger_price, quantity, status, updated_at
		FROM conditional_orders
		WHERE status = ?
		ORDER BY updated_at, exchange_order_id
	`, string(ledger.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("query conditional orders: %w", err)
	}
	defer rows.Close()

	var out []ledger.ConditionalOrder
	for rows.Next() {
		var (
			co           ledger.ConditionalOrder
			kind, status string
		)
		if err := rows.Scan(&co.ExchangeOrderID, &co.PositionTag, &co.Symbol, &kind,
			&co.TriggerPrice, &co.Quantity, &status, &co.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conditional order: %w", err)
		}
		if co.Kind, err = ledger.ParseConditionalKind(kind); err != nil {
			return nil, fmt.Errorf("%w: conditional %s: %v", ErrCorruptRow, co.ExchangeOrderID, err)
		}
		if co.Status, err = ledger.ParseConditionalStatus(status); err != nil {
			return nil, fmt.Errorf("%w: conditional %s: %v", ErrCorruptRow, co.ExchangeOrderID, err)
		}
		out = append(out, co)
	}
	return out, rows.Err()
}

func (s *Store) LoadPendingOrders(ctx context.Context) ([]ledger.PendingOrder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id, client_id, tag, symbol, side, quantity, reason, stop_loss, take_profit,
		       intent, strategy_version, submitted_at
		FROM pending_orders
		ORDER BY submitted_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending orders: %w", err)
	}
	defer rows.Close()

	var out []ledger.PendingOrder
	for rows.Next() {
		var (
			po             ledger.PendingOrder
			reason, intent string
		)
		if err := rows.Scan(&po.OrderID, &po.ClientID, &po.Tag, &po.Symbol, &po.Side, &po.Quantity,
			&reason, &po.StopLoss, &po.TakeProfit, &intent, &po.StrategyVersion, &po.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan pending order: %w", err)
		}
		if reason != "" {
			if po.Reason, err = ledger.ParseCloseReason(reason); err != nil {
				return nil, fmt.Errorf("%w: pending %s: %v", ErrCorruptRow, po.OrderID, err)
			}
		}
		po.Intent = s.intentOf("pending_orders", po.OrderID, intent)
		out = append(out, po)
	}
	return out, rows.Err()
}

// RecentTrades returns up to limit trades, newest first.
func (s *Store) RecentTrades(ctx context.Context, limit int) ([]ledger.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag, symbol, quantity, entry_price, exit_price, entry_fee, exit_fee,
		       realized_pnl, close_reason, strategy_version, max_adverse_excursion, opened_at, closed_at
		FROM trades
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []ledger.Trade
	for rows.Next() {
		var (
			t      ledger.Trade
			reason string
		)
		if err := rows.Scan(&t.ID, &t.Tag, &t.Symbol, &t.Quantity, &t.EntryPrice, &t.ExitPrice,
			&t.EntryFee, &t.ExitFee, &t.RealizedPnL, &reason, &t.StrategyVersion,
			&t.MaxAdverseExcursion, &t.OpenedAt, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if t.CloseReason, err = ledger.ParseCloseReason(reason); err != nil {
			return nil, fmt.Errorf("%w: trade %d: %v", ErrCorruptRow, t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveReconciliationReport appends an audit row.
func (s *Store) SaveReconciliationReport(ctx context.Context, at time.Time, findings int, report []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (created_at, findings, report) VALUES (?, ?, ?)
	`, at.UTC(), findings, string(report))
	if err != nil {
		return fmt.Errorf("insert reconciliation report: %w", err)
	}
	return nil
}

// CountReconciliationReports is used by operators and tests.
func (s *Store) CountReconciliationReports(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reconciliation_reports`).Scan(&n)
	return n, err
}

// Tx is one ledger transaction.
type Tx struct {
	tx *sql.Tx
}

// AppendTrade inserts an immutable trade row and returns its id.
func (t *Tx) AppendTrade(ctx context.Context, tr ledger.Trade) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO trades (tag, symbol, quantity, entry_price, exit_price, entry_fee, exit_fee,
		                    realized_pnl, close_reason, strategy_version, max_adverse_excursion, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, tr.Tag, tr.Symbol, tr.Quantity, tr.EntryPrice, tr.ExitPrice, tr.EntryFee, tr.ExitFee,
		tr.RealizedPnL, string(tr.CloseReason), tr.StrategyVersion, tr.MaxAdverseExcursion,
		tr.OpenedAt.UTC(), tr.ClosedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert trade: %w", err)
	}
	return res.LastInsertId()
}

func (t *Tx) UpsertPosition(ctx context.Context, p ledger.Position) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO positions (tag, symbol, quantity, avg_entry_price, entry_fee, stop_loss, take_profit,
		                       intent, strategy_version, opened_at, max_adverse_excursion, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tag) DO UPDATE SET
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			entry_fee = excluded.entry_fee,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			intent = excluded.intent,
			strategy_version = excluded.strategy_version,
			max_adverse_excursion = excluded.max_adverse_excursion,
			updated_at = CURRENT_TIMESTAMP
	`, p.Tag, p.Symbol, p.Quantity, p.AvgEntryPrice, p.EntryFee, p.StopLoss, p.TakeProfit,
		string(p.Intent), p.StrategyVersion, p.OpenedAt.UTC(), p.MaxAdverseExcursion)
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", p.Tag, err)
	}
	return nil
}

func (t *Tx) DeletePosition(ctx context.Context, tag string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM positions WHERE tag = ?`, tag); err != nil {
		return fmt.Errorf("delete position %s: %w", tag, err)
	}
	return nil
}

func (t *Tx) SaveRiskCounters(ctx context.Context, c risk.Counters) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO risk_counters (id, day, daily_pnl, daily_trade_count, fees_today, daily_start_value,
		                           consecutive_losses, peak_portfolio_value, halts, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			day = excluded.day,
			daily_pnl = excluded.daily_pnl,
			daily_trade_count = excluded.daily_trade_count,
			fees_today = excluded.fees_today,
			daily_start_value = excluded.daily_start_value,
			consecutive_losses = excluded.consecutive_losses,
			peak_portfolio_value = excluded.peak_portfolio_value,
			halts = excluded.halts,
			updated_at = CURRENT_TIMESTAMP
	`, c.Day, c.DailyPnL, c.DailyTradeCount, c.FeesToday, c.DailyStartValue,
		c.ConsecutiveLosses, c.PeakPortfolioValue, risk.FormatHalts(c.Halts))
	if err != nil {
		return fmt.Errorf("save risk counters: %w", err)
	}
	return nil
}

func (t *Tx) SaveDailySnapshot(ctx context.Context, s risk.DaySummary) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO daily_snapshots (day, start_value, end_value, realized_pnl, trade_count, fees)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			end_value = excluded.end_value,
			realized_pnl = excluded.realized_pnl,
			trade_count = excluded.trade_count,
			fees = excluded.fees
	`, s.Day, s.StartValue, s.EndValue, s.RealizedPnL, s.TradeCount, s.Fees)
	if err != nil {
		return fmt.Errorf("save daily snapshot %s: %w", s.Day, err)
	}
	return nil
}

// SaveTagSequence stores the symbol's sequence; it never moves backwards.
func (t *Tx) SaveTagSequence(ctx context.Context, symbol string, seq int64) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tag_sequences (symbol, seq) VALUES (?, ?)
		ON CONFLICT(symbol) DO UPDATE SET seq = MAX(seq, excluded.seq)
	`, symbol, seq)
	if err != nil {
		return fmt.Errorf("save tag sequence %s: %w", symbol, err)
	}
	return nil
}

func (t *Tx) UpsertConditional(ctx context.Context, co ledger.ConditionalOrder) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO conditional_orders (exchange_order_id, position_tag, symbol, order_type, trigger_price,
		                                quantity, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exchange_order_id) DO UPDATE SET
			trigger_price = excluded.trigger_price,
			quantity = excluded.quantity,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, co.ExchangeOrderID, co.PositionTag, co.Symbol, string(co.Kind), co.TriggerPrice,
		co.Quantity, string(co.Status), co.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert conditional %s: %w", co.ExchangeOrderID, err)
	}
	return nil
}

func (t *Tx) SavePendingOrder(ctx context.Context, po ledger.PendingOrder) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO pending_orders (order_id, client_id, tag, symbol, side, quantity, reason,
		                                       stop_loss, take_profit, intent, strategy_version, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, po.OrderID, po.ClientID, po.Tag, po.Symbol, po.Side, po.Quantity, string(po.Reason),
		po.StopLoss, po.TakeProfit, string(po.Intent), po.StrategyVersion, po.SubmittedAt.UTC())
	if err != nil {
		return fmt.Errorf("save pending order %s: %w", po.OrderID, err)
	}
	return nil
}

func (t *Tx) DeletePendingOrder(ctx context.Context, orderID string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM pending_orders WHERE order_id = ?`, orderID); err != nil {
		return fmt.Errorf("delete pending order %s: %w", orderID, err)
	}
	return nil
}

func (t *Tx) RecordCapitalFlow(ctx context.Context, kind ledger.FlowKind, amount decimal.Decimal, note string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO capital_flows (kind, amount, note, created_at) VALUES (?, ?, ?, ?)
	`, string(kind), amount, note, at.UTC())
	if err != nil {
		return fmt.Errorf("record capital flow: %w", err)
	}
	return nil
}
