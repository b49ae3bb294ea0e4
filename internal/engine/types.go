package engine

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/ledger"
)

var (
	ErrReadOnly       = errors.New("engine is read-only")
	ErrNotInitialized = errors.New("engine not initialized")
	ErrKillIncomplete = errors.New("emergency stop incomplete")
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrInsufficient   = errors.New("insufficient cash")
	ErrNoFill         = errors.New("order ended without a fill")
	ErrUnresolved     = errors.New("order state unresolved")
	ErrConservation   = errors.New("cash conservation violated")
)

// Mode selects simulated or exchange execution.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Config holds the execution parameters. Rates are fractions.
type Config struct {
	Mode              Mode
	StartingCapital   decimal.Decimal
	FeeRate           decimal.Decimal
	SlippagePct       decimal.Decimal
	MinConditionalQty decimal.Decimal
	QtyPrecision      int32
	CashTolerance     decimal.Decimal
	FillTimeout       time.Duration
	FillPollInterval  time.Duration
	// ExitTimeout bounds one detached liquidation or protection restore.
	ExitTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		Mode:              ModePaper,
		StartingCapital:   decimal.NewFromInt(10000),
		FeeRate:           decimal.RequireFromString("0.001"),
		SlippagePct:       decimal.RequireFromString("0.0005"),
		MinConditionalQty: decimal.RequireFromString("0.00001"),
		QtyPrecision:      8,
		CashTolerance:     decimal.RequireFromString("0.000001"),
		FillTimeout:       30 * time.Second,
		FillPollInterval:  500 * time.Millisecond,
		ExitTimeout:       time.Minute,
	}
}

// Status is the outcome class of one signal.
type Status string

const (
	StatusExecuted Status = "executed"
	StatusRejected Status = "rejected"
	StatusIgnored  Status = "ignored"
	StatusFailed   Status = "failed"
)

// Resolution reasons for ignored signals.
const (
	ReasonNoPosition     = "no_position"
	ReasonTagMismatch    = "tag_symbol_mismatch"
	ReasonBelowPrecision = "below_precision"

	ReasonUnknownConditional = "unknown_conditional"
)

// Result reports what one signal did. Rejections and ignored signals are
// values, not errors.
type Result struct {
	Action   Action           `json:"action"`
	Symbol   string           `json:"symbol"`
	Tag      string           `json:"tag,omitempty"`
	Status   Status           `json:"status"`
	Reason   string           `json:"reason,omitempty"`
	Trades   []ledger.Trade   `json:"trades,omitempty"`
	Position *ledger.Position `json:"position,omitempty"`
	Clamped  bool             `json:"clamped,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// StatusInfo is the engine health view.
type StatusInfo struct {
	Mode          Mode      `json:"mode"`
	Initialized   bool      `json:"initialized"`
	ReadOnly      bool      `json:"read_only"`
	ReadOnlyCause string    `json:"read_only_reason,omitempty"`
	KillRequested bool      `json:"kill_requested"`
	KillEngaged   bool      `json:"kill_engaged"`
	Pending       int       `json:"pending_orders"`
	Conditionals  int       `json:"conditional_orders"`
	StartedAt     time.Time `json:"started_at"`
}
