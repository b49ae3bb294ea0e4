// Package scheduler drives the engine's periodic loops: signal scan, stop
// monitor, conditional poller, reconciliation and the day boundary. All
// loops share one errgroup and one pause gate.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"execution-core/internal/monitor"
)

var ErrInvalidInterval = errors.New("scheduler: interval must be positive")

// Job is one periodic loop. A failing tick is logged; the loop keeps going.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
	// Immediate runs one tick before waiting for the first interval.
	Immediate bool
}

// Scheduler satisfies engine.Pauser.
type Scheduler struct {
	log     *zap.Logger
	metrics *monitor.Metrics
	jobs    []Job

	mu      sync.Mutex
	idle    *sync.Cond
	paused  int
	running int
}

type Option func(*Scheduler)

func WithMetrics(m *monitor.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

func New(log *zap.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{log: log.Named("scheduler")}
	s.idle = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a loop. Jobs added after Run starts are not picked up.
func (s *Scheduler) Add(j Job) error {
	if j.Interval <= 0 {
		return fmt.Errorf("%s: %w", j.Name, ErrInvalidInterval)
	}
	s.jobs = append(s.jobs, j)
	return nil
}

// Run blocks until ctx is done and every loop has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	s.log.Info("scheduler started", zap.Int("loops", len(s.jobs)))
	err := g.Wait()
	s.log.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	if j.Immediate {
		s.tick(ctx, j)
	}
	t := time.NewTicker(j.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx, j)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, j Job) {
	if ctx.Err() != nil || !s.enter() {
		return
	}
	defer s.leave()

	start := time.Now()
	err := j.Run(ctx)
	s.metrics.ObserveLoop(j.Name, time.Since(start), err)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("loop tick failed", zap.String("loop", j.Name), zap.Error(err))
	}
}

func (s *Scheduler) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused > 0 {
		return false
	}
	s.running++
	return true
}

func (s *Scheduler) leave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running--
	if s.running == 0 {
		s.idle.Broadcast()
	}
}

// Pause stops new ticks and waits for in-flight ones to finish. Calls nest;
// each Pause needs a matching Resume. Must not be called from inside a job.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused++
	for s.running > 0 {
		s.idle.Wait()
	}
	s.log.Info("loops paused")
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == 0 {
		return
	}
	s.paused--
	if s.paused == 0 {
		s.log.Info("loops resumed")
	}
}

func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused > 0
}
