package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Manager owns the risk counters and the halt state machine. The engine
// reports outcomes to it; nothing else writes counters.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	counters Counters
	halts    map[HaltReason]bool
	log      *zap.Logger
}

// NewManager creates a manager with zeroed counters.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:   cfg,
		halts: make(map[HaltReason]bool),
		log:   log.Named("risk"),
	}
}

func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Restore replaces the counters with a persisted snapshot.
func (m *Manager) Restore(c Counters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = c
	m.counters.Halts = nil
	m.halts = make(map[HaltReason]bool, len(c.Halts))
	for _, h := range c.Halts {
		m.halts[h] = true
	}
}

// Snapshot returns the counters with the active halts filled in.
func (m *Manager) Snapshot() Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Counters {
	c := m.counters
	c.Halts = m.activeLocked()
	return c
}

// State is the read-only view for observers.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := State{Status: StatusActive, Counters: m.snapshotLocked()}
	if len(st.Halts) > 0 {
		st.Status = StatusHalted
	}
	return st
}

func (m *Manager) Halted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.halts) > 0
}

func (m *Manager) activeLocked() []HaltReason {
	out := make([]HaltReason, 0, len(m.halts))
	for _, h := range haltOrder {
		if m.halts[h] {
			out = append(out, h)
		}
	}
	return out
}

// Admit answers whether a signal may proceed, and up to what notional.
// Exits and averaging-in skip every halt and count check.
func (m *Manager) Admit(req Request) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	dec := Decision{Allowed: true, Notional: req.Notional}
	dec.MaxNotional = m.cfg.MaxTradePct.Mul(req.PortfolioValue)
	if m.cfg.MaxTradePct.IsPositive() && req.Notional.GreaterThan(dec.MaxNotional) {
		dec.Notional = dec.MaxNotional
		dec.Clamped = true
	}
	if !req.Entry {
		return dec
	}

	m.evaluateLocked(req.PortfolioValue)
	if active := m.activeLocked(); len(active) > 0 {
		return reject(dec, Reason(active[0]))
	}
	if m.cfg.MaxPositions > 0 && req.OpenPositions >= m.cfg.MaxPositions {
		return reject(dec, ReasonMaxPositions)
	}
	if m.cfg.MaxDailyTrades > 0 && m.counters.DailyTradeCount >= m.cfg.MaxDailyTrades {
		return reject(dec, ReasonMaxDailyTrades)
	}
	return dec
}

func reject(dec Decision, r Reason) Decision {
	dec.Allowed = false
	dec.Reason = r
	return dec
}

// RecordEntry counts one buy fill (new position or top-up) against the
// daily trade allowance and adds its fee.
func (m *Manager) RecordEntry(fee decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.DailyTradeCount++
	m.counters.FeesToday = m.counters.FeesToday.Add(fee)
}

// RecordExitFee adds an exit fee. Exits never consume the trade allowance.
func (m *Manager) RecordExitFee(fee decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.FeesToday = m.counters.FeesToday.Add(fee)
}

// RecordTrade folds a settled trade's realized P&L into the counters.
func (m *Manager) RecordTrade(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters.DailyPnL = m.counters.DailyPnL.Add(pnl)
	switch {
	case pnl.IsPositive():
		m.counters.ConsecutiveLosses = 0
	case pnl.IsNegative():
		m.counters.ConsecutiveLosses++
	}
}

// Evaluate raises the peak and latches any breached halt. It returns the
// halts that became active on this call.
func (m *Manager) Evaluate(portfolioValue decimal.Decimal) []HaltReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluateLocked(portfolioValue)
}

func (m *Manager) evaluateLocked(pv decimal.Decimal) []HaltReason {
	if pv.GreaterThan(m.counters.PeakPortfolioValue) {
		m.counters.PeakPortfolioValue = pv
	}

	var raised []HaltReason
	latch := func(h HaltReason) {
		if !m.halts[h] {
			m.halts[h] = true
			raised = append(raised, h)
		}
	}

	c := m.counters
	if m.cfg.MaxDailyLossPct.IsPositive() && c.DailyStartValue.IsPositive() {
		limit := m.cfg.MaxDailyLossPct.Mul(c.DailyStartValue).Neg()
		if c.DailyPnL.LessThanOrEqual(limit) {
			latch(HaltDailyLoss)
		}
	}
	if m.cfg.MaxDrawdownPct.IsPositive() && c.PeakPortfolioValue.IsPositive() {
		dd := c.PeakPortfolioValue.Sub(pv).Div(c.PeakPortfolioValue)
		if dd.GreaterThanOrEqual(m.cfg.MaxDrawdownPct) {
			latch(HaltDrawdown)
		}
	}
	if m.cfg.RollbackThreshold > 0 && c.ConsecutiveLosses >= m.cfg.RollbackThreshold {
		latch(HaltConsecutiveLosses)
	}

	for _, h := range raised {
		m.log.Warn("trading halted",
			zap.String("reason", string(h)),
			zap.Stringer("daily_pnl", c.DailyPnL),
			zap.Stringer("portfolio_value", pv),
			zap.Stringer("peak", c.PeakPortfolioValue),
			zap.Int("consecutive_losses", c.ConsecutiveLosses))
	}
	return raised
}

// LocalDay formats t as a calendar day in the configured timezone.
func (m *Manager) LocalDay(t time.Time) string {
	return t.In(m.cfg.Location).Format("2006-01-02")
}

// RollDay starts a new local day when now falls after the counters' day.
// The finished day's summary is returned when a roll happened.
func (m *Manager) RollDay(now time.Time, portfolioValue decimal.Decimal) (*DaySummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := now.In(m.cfg.Location).Format("2006-01-02")
	if m.counters.Day == day {
		return nil, false
	}

	var summary *DaySummary
	if m.counters.Day != "" {
		summary = &DaySummary{
			Day:         m.counters.Day,
			StartValue:  m.counters.DailyStartValue,
			EndValue:    portfolioValue,
			RealizedPnL: m.counters.DailyPnL,
			TradeCount:  m.counters.DailyTradeCount,
			Fees:        m.counters.FeesToday,
		}
	}

	m.counters.Day = day
	m.counters.DailyPnL = decimal.Zero
	m.counters.DailyTradeCount = 0
	m.counters.FeesToday = decimal.Zero
	m.counters.DailyStartValue = portfolioValue
	if m.cfg.ResetLossStreakDaily {
		m.counters.ConsecutiveLosses = 0
	}
	if m.halts[HaltDailyLoss] {
		delete(m.halts, HaltDailyLoss)
		m.log.Info("daily loss halt cleared", zap.String("day", day))
	}
	m.log.Info("local day started",
		zap.String("day", day),
		zap.Stringer("start_value", portfolioValue))
	return summary, true
}

// Resume clears operator-resumable halts. With no reasons it clears all of
// them. Resuming drawdown re-anchors the peak at the current value; resuming
// consecutive_losses resets the streak.
func (m *Manager) Resume(portfolioValue decimal.Decimal, reasons ...HaltReason) ([]HaltReason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(reasons) == 0 {
		reasons = []HaltReason{HaltDrawdown, HaltConsecutiveLosses}
	}
	for _, r := range reasons {
		if !r.OperatorResumable() {
			return nil, fmt.Errorf("resume %s: %w", r, ErrNotResumable)
		}
	}

	var cleared []HaltReason
	for _, r := range reasons {
		if !m.halts[r] {
			continue
		}
		delete(m.halts, r)
		cleared = append(cleared, r)
		switch r {
		case HaltDrawdown:
			m.counters.PeakPortfolioValue = portfolioValue
		case HaltConsecutiveLosses:
			m.counters.ConsecutiveLosses = 0
		}
		m.log.Info("halt resumed by operator", zap.String("reason", string(r)))
	}
	return cleared, nil
}

// AdjustCapital shifts the day's start value and the peak by an external
// cash flow so deposits and withdrawals are not read as P&L or drawdown.
func (m *Manager) AdjustCapital(delta decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters.DailyStartValue.IsPositive() {
		m.counters.DailyStartValue = decimal.Max(decimal.Zero, m.counters.DailyStartValue.Add(delta))
	}
	if m.counters.PeakPortfolioValue.IsPositive() {
		m.counters.PeakPortfolioValue = decimal.Max(decimal.Zero, m.counters.PeakPortfolioValue.Add(delta))
	}
}
