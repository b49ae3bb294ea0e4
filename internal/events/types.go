package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event enumerates topics published by the execution core.
type Event string

const (
	EventPositionOpened  Event = "position.opened"
	EventPositionChanged Event = "position.changed"
	EventTradeClosed     Event = "trade.closed"
	EventSignalRejected  Event = "signal.rejected"
	EventHaltChanged     Event = "risk.halt_changed"
	EventKillCompleted   Event = "kill.completed"
	EventKillIncomplete  Event = "kill.incomplete"
	EventAlert           Event = "alert"
)

// Rejection is the payload of EventSignalRejected.
type Rejection struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
	Tag    string `json:"tag,omitempty"`
	Reason string `json:"reason"`
}

// HaltChange is the payload of EventHaltChanged.
type HaltChange struct {
	Raised  []string        `json:"raised,omitempty"`
	Cleared []string        `json:"cleared,omitempty"`
	Value   decimal.Decimal `json:"portfolio_value"`
}

// KillReport summarizes one emergency liquidation.
type KillReport struct {
	Closed   []string          `json:"closed"`
	Failed   map[string]string `json:"failed,omitempty"`
	Complete bool              `json:"complete"`
	At       time.Time         `json:"at"`
}

// Alert is an operator-facing problem report.
type Alert struct {
	Source  string    `json:"source"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
