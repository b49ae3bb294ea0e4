package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAdmitEntryChecks(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(m *Manager)
		req        Request
		wantAllow  bool
		wantReason Reason
	}{
		{
			name:      "allowed",
			req:       Request{Entry: true, Notional: d("500"), PortfolioValue: d("10000")},
			wantAllow: true,
		},
		{
			name:       "max positions",
			req:        Request{Entry: true, Notional: d("500"), PortfolioValue: d("10000"), OpenPositions: 5},
			wantReason: ReasonMaxPositions,
		},
		{
			name: "max daily trades",
			setup: func(m *Manager) {
				for i := 0; i < 20; i++ {
					m.RecordEntry(decimal.Zero)
				}
			},
			req:        Request{Entry: true, Notional: d("500"), PortfolioValue: d("10000")},
			wantReason: ReasonMaxDailyTrades,
		},
		{
			name: "exits do not use the allowance",
			setup: func(m *Manager) {
				for i := 0; i < 19; i++ {
					m.RecordEntry(decimal.Zero)
				}
				for i := 0; i < 5; i++ {
					m.RecordExitFee(d("1"))
				}
			},
			req:       Request{Entry: true, Notional: d("500"), PortfolioValue: d("10000")},
			wantAllow: true,
		},
		{
			name: "daily loss",
			setup: func(m *Manager) {
				m.RollDay(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), d("10000"))
				m.RecordTrade(d("-500"))
			},
			req:        Request{Entry: true, Notional: d("500"), PortfolioValue: d("9500")},
			wantReason: ReasonDailyLoss,
		},
		{
			name: "drawdown",
			setup: func(m *Manager) {
				m.Evaluate(d("10000"))
			},
			req:        Request{Entry: true, Notional: d("100"), PortfolioValue: d("8500")},
			wantReason: ReasonDrawdown,
		},
		{
			name: "consecutive losses",
			setup: func(m *Manager) {
				m.RecordTrade(d("-1"))
				m.RecordTrade(d("-1"))
				m.RecordTrade(d("-1"))
			},
			req:        Request{Entry: true, Notional: d("100"), PortfolioValue: d("10000")},
			wantReason: ReasonConsecutiveLoss,
		},
		{
			name: "exit bypasses halts",
			setup: func(m *Manager) {
				m.RecordTrade(d("-1"))
				m.RecordTrade(d("-1"))
				m.RecordTrade(d("-1"))
				m.Evaluate(d("10000"))
			},
			req:       Request{Entry: false, PortfolioValue: d("10000"), OpenPositions: 9},
			wantAllow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(DefaultConfig(), nil)
			if tt.setup != nil {
				tt.setup(m)
			}
			dec := m.Admit(tt.req)
			if dec.Allowed != tt.wantAllow {
				t.Fatalf("Allowed=%v, expected %v (reason %q)", dec.Allowed, tt.wantAllow, dec.Reason)
			}
			if dec.Reason != tt.wantReason {
				t.Fatalf("Reason=%q, expected %q", dec.Reason, tt.wantReason)
			}
		})
	}
}

func TestAdmitClampsNotional(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	dec := m.Admit(Request{Entry: true, Notional: d("5000"), PortfolioValue: d("10000")})
	if !dec.Allowed || !dec.Clamped {
		t.Fatalf("expected clamped allow, got %+v", dec)
	}
	if !dec.Notional.Equal(d("1000")) {
		t.Fatalf("Notional=%s, expected 1000", dec.Notional)
	}

	dec = m.Admit(Request{Entry: false, Notional: d("5000"), PortfolioValue: d("10000")})
	if !dec.Clamped || !dec.Notional.Equal(d("1000")) {
		t.Fatalf("averaging-in should still be clamped, got %+v", dec)
	}
}

func TestDailyLossClearsAtLocalDayBoundary(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	cfg := DefaultConfig()
	cfg.Location = loc
	m := NewManager(cfg, nil)

	// 23:30 local on March 2 is already March 3 in UTC.
	evening := time.Date(2026, 3, 2, 23, 30, 0, 0, loc)
	m.RollDay(evening.Add(-12*time.Hour), d("10000"))
	m.RecordTrade(d("-600"))
	m.Evaluate(d("9400"))
	if got := m.State(); got.Status != StatusHalted || got.Halts[0] != HaltDailyLoss {
		t.Fatalf("expected daily_loss halt, got %+v", got)
	}

	if _, rolled := m.RollDay(evening, d("9400")); rolled {
		t.Fatalf("same local day must not roll")
	}

	summary, rolled := m.RollDay(evening.Add(time.Hour), d("9400"))
	if !rolled || summary == nil {
		t.Fatalf("expected roll into next local day")
	}
	if summary.Day != "2026-03-02" || !summary.RealizedPnL.Equal(d("-600")) {
		t.Fatalf("unexpected summary %+v", summary)
	}
	st := m.State()
	if st.Status != StatusActive {
		t.Fatalf("daily_loss should auto-clear, got %+v", st)
	}
	if !st.DailyStartValue.Equal(d("9400")) || !st.DailyPnL.IsZero() {
		t.Fatalf("daily counters not reset: %+v", st)
	}
}

func TestLossStreakPolicy(t *testing.T) {
	for _, reset := range []bool{false, true} {
		cfg := DefaultConfig()
		cfg.ResetLossStreakDaily = reset
		m := NewManager(cfg, nil)
		m.RollDay(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), d("10000"))
		m.RecordTrade(d("-5"))
		m.RecordTrade(d("-5"))
		m.RollDay(time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC), d("9990"))

		want := 2
		if reset {
			want = 0
		}
		if got := m.Snapshot().ConsecutiveLosses; got != want {
			t.Fatalf("reset=%v: ConsecutiveLosses=%d, expected %d", reset, got, want)
		}
	}
	if DefaultResetLossStreakDaily {
		t.Fatalf("loss streak must persist across days by default")
	}
}

func TestWinResetsStreak(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.RecordTrade(d("-1"))
	m.RecordTrade(d("-1"))
	m.RecordTrade(d("0"))
	if got := m.Snapshot().ConsecutiveLosses; got != 2 {
		t.Fatalf("flat trade changed streak: %d", got)
	}
	m.RecordTrade(d("3"))
	if got := m.Snapshot().ConsecutiveLosses; got != 0 {
		t.Fatalf("win did not reset streak: %d", got)
	}
}

func TestResume(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.Evaluate(d("10000"))
	m.RecordTrade(d("-1"))
	m.RecordTrade(d("-1"))
	m.RecordTrade(d("-1"))
	raised := m.Evaluate(d("8000"))
	if len(raised) != 2 {
		t.Fatalf("expected drawdown and consecutive_losses, got %v", raised)
	}

	if _, err := m.Resume(d("8000"), HaltDailyLoss); err == nil {
		t.Fatalf("daily_loss must not be operator-resumable")
	}

	cleared, err := m.Resume(d("8000"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(cleared) != 2 {
		t.Fatalf("cleared=%v", cleared)
	}
	if m.Halted() {
		t.Fatalf("still halted: %+v", m.State())
	}
	if got := m.Evaluate(d("8000")); len(got) != 0 {
		t.Fatalf("resume should re-anchor, re-halted with %v", got)
	}
}

func TestRestoreKeepsHalts(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.Restore(Counters{Day: "2026-03-02", ConsecutiveLosses: 4, Halts: []HaltReason{HaltConsecutiveLosses}})
	st := m.State()
	if st.Status != StatusHalted || st.ConsecutiveLosses != 4 {
		t.Fatalf("restore lost state: %+v", st)
	}
}

func TestParseHalts(t *testing.T) {
	got, err := ParseHalts("drawdown,daily_loss")
	if err != nil {
		t.Fatalf("ParseHalts: %v", err)
	}
	if FormatHalts(got) != "daily_loss,drawdown" {
		t.Fatalf("unexpected order %v", got)
	}
	if _, err := ParseHalts("daily_loss,bogus"); err == nil {
		t.Fatalf("expected error on unknown reason")
	}
}

func TestAdjustCapitalShiftsReferences(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.RollDay(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), d("10000"))
	m.Evaluate(d("10000"))

	m.AdjustCapital(d("-2000"))
	if raised := m.Evaluate(d("8000")); len(raised) != 0 {
		t.Fatalf("withdrawal read as drawdown: %v", raised)
	}
	c := m.Snapshot()
	if !c.DailyStartValue.Equal(d("8000")) || !c.PeakPortfolioValue.Equal(d("8000")) {
		t.Errorf("references not shifted: start=%s peak=%s", c.DailyStartValue, c.PeakPortfolioValue)
	}
}
