package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
)

// Monitor forwards alert-worthy events to a sink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  *zap.Logger
}

var watched = []events.Event{events.EventAlert, events.EventHaltChanged, events.EventKillIncomplete}

// Start subscribes and forwards until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	log := m.Log
	if log == nil {
		log = zap.NewNop()
	}
	if m.Bus == nil || m.Sink == nil {
		log.Warn("monitor not fully configured; skipping")
		return
	}
	for _, ev := range watched {
		stream, unsub := m.Bus.Subscribe(ev, 50)
		go func(ev events.Event) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					if err := m.Sink.Send(formatAlert(ev, msg)); err != nil {
						log.Error("alert delivery failed", zap.String("event", string(ev)), zap.Error(err))
					}
				}
			}
		}(ev)
	}
}

func formatAlert(ev events.Event, msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + string(ev) + ": " + describe(msg)
}

func describe(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case events.Alert:
		return t.Source + ": " + t.Message
	case events.HaltChange:
		var parts []string
		if len(t.Raised) > 0 {
			parts = append(parts, "raised "+strings.Join(t.Raised, ","))
		}
		if len(t.Cleared) > 0 {
			parts = append(parts, "cleared "+strings.Join(t.Cleared, ","))
		}
		return strings.Join(parts, "; ") + " at value " + t.Value.String()
	case events.KillReport:
		return fmt.Sprintf("closed %d, failed %d", len(t.Closed), len(t.Failed))
	default:
		return "alert triggered"
	}
}
