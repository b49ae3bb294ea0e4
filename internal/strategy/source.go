// Package strategy is the boundary to the external strategy module. Strategy
// output is untrusted: it arrives as raw signals through a Source, is schema
// checked here and then goes through the engine's normal admission path.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"execution-core/internal/engine"
	"execution-core/internal/events"
)

// Rejection reasons published for signals that never reach the engine.
const (
	ReasonInvalidSignal = "invalid_signal"
	ReasonSymbolBlocked = "symbol_not_allowed"
)

// Batch is one unit of strategy output, acknowledged as a whole.
type Batch struct {
	ID      string
	Signals []engine.RawSignal
	// Err is set when the batch could not be decoded at all.
	Err error
}

// Source yields batches of raw signals. Ack is called once per fetched batch
// with the decode error, if any.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Batch, error)
	Ack(ctx context.Context, id string, err error) error
}

// Requeuer is implemented by sources whose Fetch removes batches. Batches
// fetched but not run are handed back to it.
type Requeuer interface {
	Requeue(batches []Batch)
}

// Executor is the engine surface the runner needs.
type Executor interface {
	ExecuteBatch(ctx context.Context, sigs []engine.Signal) []engine.Result
}

// Runner drains every source into the executor. Scan is the scheduler's
// scan loop.
type Runner struct {
	exec    Executor
	sources []Source
	allowed map[string]bool
	bus     *events.Bus
	log     *zap.Logger
}

func NewRunner(exec Executor, bus *events.Bus, log *zap.Logger, sources ...Source) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{exec: exec, sources: sources, bus: bus, log: log.Named("strategy")}
}

// Restrict limits execution to the given symbols. An empty list allows all.
func (r *Runner) Restrict(symbols []string) {
	if len(symbols) == 0 {
		r.allowed = nil
		return
	}
	r.allowed = make(map[string]bool, len(symbols))
	for _, s := range symbols {
		r.allowed[strings.ToUpper(strings.TrimSpace(s))] = true
	}
}

func (r *Runner) reject(raw engine.RawSignal, reason string) {
	r.bus.Publish(events.EventSignalRejected, events.Rejection{
		Action: raw.Action,
		Symbol: raw.Symbol,
		Tag:    raw.Tag,
		Reason: reason,
	})
}

// Scan fetches and executes whatever the sources hold. Source failures are
// joined into the returned error; other sources still run.
func (r *Runner) Scan(ctx context.Context) error {
	var errs []error
	for _, src := range r.sources {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		batches, err := src.Fetch(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		for i, b := range batches {
			if err := ctx.Err(); err != nil {
				r.requeue(src, batches[i:])
				return errors.Join(append(errs, err)...)
			}
			r.run(ctx, src.Name(), b)
			if err := src.Ack(ctx, b.ID, b.Err); err != nil {
				errs = append(errs, fmt.Errorf("%s: ack %s: %w", src.Name(), b.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) requeue(src Source, rest []Batch) {
	rq, ok := src.(Requeuer)
	if !ok {
		return
	}
	rq.Requeue(rest)
	r.log.Info("batches requeued", zap.String("source", src.Name()), zap.Int("batches", len(rest)))
}

func (r *Runner) run(ctx context.Context, source string, b Batch) {
	log := r.log.With(zap.String("source", source), zap.String("batch", b.ID))
	if b.Err != nil {
		log.Warn("batch rejected", zap.Error(b.Err))
		return
	}

	sigs := make([]engine.Signal, 0, len(b.Signals))
	invalid := 0
	for i, raw := range b.Signals {
		sig, err := raw.Parse()
		if err != nil {
			invalid++
			log.Warn("invalid signal", zap.Int("index", i), zap.Error(err))
			r.reject(raw, ReasonInvalidSignal)
			continue
		}
		if r.allowed != nil && !r.allowed[strings.ToUpper(strings.TrimSpace(raw.Symbol))] {
			invalid++
			log.Warn("symbol not allowed", zap.Int("index", i), zap.String("symbol", raw.Symbol))
			r.reject(raw, ReasonSymbolBlocked)
			continue
		}
		sigs = append(sigs, sig)
	}
	if len(sigs) == 0 {
		return
	}

	results := r.exec.ExecuteBatch(ctx, sigs)
	counts := make(map[engine.Status]int, 4)
	for _, res := range results {
		counts[res.Status]++
	}
	log.Info("batch executed",
		zap.Int("signals", len(b.Signals)),
		zap.Int("invalid", invalid),
		zap.Int("executed", counts[engine.StatusExecuted]),
		zap.Int("rejected", counts[engine.StatusRejected]),
		zap.Int("ignored", counts[engine.StatusIgnored]),
		zap.Int("failed", counts[engine.StatusFailed]))
}
