package common

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries three times starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// ObserveFunc receives the latency and outcome of every venue call.
type ObserveFunc func(op string, elapsed time.Duration, err error)

// Reliable wraps a Gateway with an outbound rate limiter and retries of
// transient errors. Fatal errors are returned on the first attempt.
type Reliable struct {
	gw      Gateway
	policy  RetryPolicy
	limiter *rate.Limiter
	log     *zap.Logger
	observe ObserveFunc
}

func NewReliable(gw Gateway, policy RetryPolicy, limiter *rate.Limiter, log *zap.Logger) *Reliable {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reliable{gw: gw, policy: policy, limiter: limiter, log: log.Named("gateway")}
}

// SetObserver installs a latency hook.
func (r *Reliable) SetObserver(fn ObserveFunc) { r.observe = fn }

func (r *Reliable) do(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		start := time.Now()
		err := fn(ctx)
		if r.observe != nil {
			r.observe(op, time.Since(start), err)
		}
		if err == nil || !IsTransient(err) || attempt >= r.policy.MaxAttempts {
			return err
		}

		wait := r.policy.delay(attempt)
		r.log.Warn("transient venue error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (r *Reliable) GetPrice(ctx context.Context, symbol string) (q Quote, err error) {
	err = r.do(ctx, "get_price", func(ctx context.Context) error {
		q, err = r.gw.GetPrice(ctx, symbol)
		return err
	})
	return q, err
}

// SubmitOrder retries with the same client id so venues can deduplicate.
func (r *Reliable) SubmitOrder(ctx context.Context, req OrderRequest) (res OrderResult, err error) {
	err = r.do(ctx, "submit_order", func(ctx context.Context) error {
		res, err = r.gw.SubmitOrder(ctx, req)
		return err
	})
	return res, err
}

func (r *Reliable) QueryOrder(ctx context.Context, orderID string) (rep OrderReport, err error) {
	err = r.do(ctx, "query_order", func(ctx context.Context) error {
		rep, err = r.gw.QueryOrder(ctx, orderID)
		return err
	})
	return rep, err
}

func (r *Reliable) PlaceConditional(ctx context.Context, req ConditionalRequest) (id string, err error) {
	err = r.do(ctx, "place_conditional", func(ctx context.Context) error {
		id, err = r.gw.PlaceConditional(ctx, req)
		return err
	})
	return id, err
}

func (r *Reliable) CancelOrder(ctx context.Context, orderID string) error {
	return r.do(ctx, "cancel_order", func(ctx context.Context) error {
		return r.gw.CancelOrder(ctx, orderID)
	})
}

func (r *Reliable) GetBalance(ctx context.Context) (cash decimal.Decimal, err error) {
	err = r.do(ctx, "get_balance", func(ctx context.Context) error {
		cash, err = r.gw.GetBalance(ctx)
		return err
	})
	return cash, err
}

func (r *Reliable) ListOpenOrders(ctx context.Context) (out []OpenOrder, err error) {
	err = r.do(ctx, "list_open_orders", func(ctx context.Context) error {
		out, err = r.gw.ListOpenOrders(ctx)
		return err
	})
	return out, err
}

func (r *Reliable) GetPositions(ctx context.Context) (out map[string]decimal.Decimal, err error) {
	err = r.do(ctx, "get_positions", func(ctx context.Context) error {
		out, err = r.gw.GetPositions(ctx)
		return err
	})
	return out, err
}
