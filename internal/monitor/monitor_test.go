package monitor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execution-core/internal/events"
)

type memorySink struct {
	mu   sync.Mutex
	msgs []string
}

func (s *memorySink) Send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memorySink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func TestMonitorForwardsHaltChanges(t *testing.T) {
	bus := events.NewBus()
	sink := &memorySink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := &Monitor{Bus: bus, Sink: sink}
	m.Start(ctx)
	bus.Publish(events.EventHaltChanged, events.HaltChange{Raised: []string{"drawdown"}, Value: decimal.NewFromInt(900)})

	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, strings.Contains(sink.all()[0], "raised drawdown"))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSignal("BUY", "executed")
		m.SetReadOnly(true)
		m.SetPortfolio(decimal.Zero, decimal.Zero, decimal.Zero, 0)
	})
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	m.ObserveSignal("BUY", "rejected")
	m.ObserveSignal("BUY", "rejected")
	m.SetHalts([]string{"daily_loss", "drawdown"}, []string{"drawdown"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.signals.WithLabelValues("BUY", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.halted.WithLabelValues("drawdown")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.halted.WithLabelValues("daily_loss")))
}
