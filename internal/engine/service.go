// Package engine is the execution core: the single owner of positions and
// cash. Every mutation runs under one lock and persists in one store
// transaction; everything else receives snapshots.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/internal/ledger"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
)

// Service is what the API layer sees of the engine.
type Service interface {
	Positions() []ledger.Position
	Portfolio() ledger.Portfolio
	RiskState() risk.State
	RecentTrades(ctx context.Context, limit int) ([]ledger.Trade, error)
	Status() StatusInfo

	EmergencyStop(ctx context.Context) (events.KillReport, error)
	Resume(ctx context.Context, reasons ...risk.HaltReason) ([]risk.HaltReason, error)
	Deposit(ctx context.Context, amount decimal.Decimal, note string) error
	Withdraw(ctx context.Context, amount decimal.Decimal, note string) error
}

// Store is the ledger persistence the engine needs.
type Store interface {
	LoadPositions(ctx context.Context) ([]ledger.Position, error)
	LoadRiskCounters(ctx context.Context) (risk.Counters, bool, error)
	LoadCapital(ctx context.Context) (ledger.Capital, error)
	SumRealizedPnL(ctx context.Context) (decimal.Decimal, error)
	LoadTagSequences(ctx context.Context) (map[string]int64, error)
	LoadConditionalOrders(ctx context.Context) ([]ledger.ConditionalOrder, error)
	LoadPendingOrders(ctx context.Context) ([]ledger.PendingOrder, error)
	RecentTrades(ctx context.Context, limit int) ([]ledger.Trade, error)
	InTx(ctx context.Context, fn func(*db.Tx) error) error
}

// Pauser suspends the periodic loops around an emergency liquidation.
type Pauser interface {
	Pause()
	Resume()
}

var _ Service = (*Engine)(nil)
