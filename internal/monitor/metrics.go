package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics holds the execution core's Prometheus collectors on a private
// registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	signals        *prometheus.CounterVec
	tradesClosed   *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
	loopRuns       *prometheus.HistogramVec
	halted         *prometheus.GaugeVec
	cash           prometheus.Gauge
	portfolioValue prometheus.Gauge
	openPositions  prometheus.Gauge
	realizedPnL    prometheus.Gauge
	findings       prometheus.Gauge
	readOnly       prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_signals_total",
			Help: "Signals processed by action and outcome.",
		}, []string{"action", "status"}),
		tradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "execution_trades_closed_total",
			Help: "Closed trades by close reason.",
		}, []string{"reason"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exchange_request_duration_seconds",
			Help:    "Exchange gateway call latency including retries.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"op", "outcome"}),
		loopRuns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scheduler_loop_duration_seconds",
			Help:    "Scheduler tick duration by loop and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"loop", "outcome"}),
		halted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "risk_halt_active",
			Help: "1 while the named halt is latched.",
		}, []string{"reason"}),
		cash: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_cash",
			Help: "Ledger cash.",
		}),
		portfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_value",
			Help: "Cash plus marked position value.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_open_positions",
			Help: "Open positions in the ledger.",
		}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_realized_pnl",
			Help: "Sum of realized P&L over all trades.",
		}),
		findings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reconciliation_findings",
			Help: "Findings in the latest reconciliation report.",
		}),
		readOnly: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execution_read_only",
			Help: "1 while the engine refuses mutations.",
		}),
	}
	m.Registry.MustRegister(m.signals, m.tradesClosed, m.gatewayLatency, m.loopRuns, m.halted,
		m.cash, m.portfolioValue, m.openPositions, m.realizedPnL, m.findings, m.readOnly)
	return m
}

func (m *Metrics) ObserveSignal(action, status string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(action, status).Inc()
}

func (m *Metrics) ObserveTrade(reason string) {
	if m == nil {
		return
	}
	m.tradesClosed.WithLabelValues(reason).Inc()
}

// ObserveGateway matches common.ObserveFunc.
func (m *Metrics) ObserveGateway(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gatewayLatency.WithLabelValues(op, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveLoop(loop string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.loopRuns.WithLabelValues(loop, outcome).Observe(elapsed.Seconds())
}

// SetHalts marks every known reason as latched or not.
func (m *Metrics) SetHalts(known []string, active []string) {
	if m == nil {
		return
	}
	on := make(map[string]bool, len(active))
	for _, r := range active {
		on[r] = true
	}
	for _, r := range known {
		v := 0.0
		if on[r] {
			v = 1
		}
		m.halted.WithLabelValues(r).Set(v)
	}
}

// SetPortfolio publishes the ledger gauges.
func (m *Metrics) SetPortfolio(cash, value, realized decimal.Decimal, open int) {
	if m == nil {
		return
	}
	m.cash.Set(cash.InexactFloat64())
	m.portfolioValue.Set(value.InexactFloat64())
	m.realizedPnL.Set(realized.InexactFloat64())
	m.openPositions.Set(float64(open))
}

func (m *Metrics) SetFindings(n int) {
	if m == nil {
		return
	}
	m.findings.Set(float64(n))
}

func (m *Metrics) SetReadOnly(on bool) {
	if m == nil {
		return
	}
	v := 0.0
	if on {
		v = 1
	}
	m.readOnly.Set(v)
}
