package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"execution-core/pkg/exchanges/common"
)

// ErrFillTimeout means the order was still live when the deadline passed.
var ErrFillTimeout = errors.New("fill not confirmed before deadline")

// Confirmer polls the venue until an order reaches a terminal status.
type Confirmer struct {
	gw       common.Gateway
	timeout  time.Duration
	interval time.Duration
	log      *zap.Logger
}

func NewConfirmer(gw common.Gateway, timeout, interval time.Duration, log *zap.Logger) *Confirmer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Confirmer{gw: gw, timeout: timeout, interval: interval, log: log.Named("confirm")}
}

// AwaitFill waits for orderID to settle. The deadline is measured on the
// monotonic clock, so wall-clock steps do not move it. When it passes, one
// final query is made before ErrFillTimeout is returned with the last report.
func (c *Confirmer) AwaitFill(ctx context.Context, orderID string) (common.OrderReport, error) {
	deadline := time.Now().Add(c.timeout)
	var last common.OrderReport
	for {
		rep, err := c.gw.QueryOrder(ctx, orderID)
		if err != nil {
			if common.IsFatal(err) {
				return last, err
			}
			c.log.Warn("fill query failed", zap.String("order_id", orderID), zap.Error(err))
		} else {
			last = rep
			if rep.Status.Terminal() {
				return rep, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := c.interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}

	rep, err := c.gw.QueryOrder(ctx, orderID)
	if err == nil {
		last = rep
		if rep.Status.Terminal() {
			return rep, nil
		}
	}
	return last, fmt.Errorf("order %s: %w", orderID, ErrFillTimeout)
}
