package strategy

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"execution-core/internal/engine"
)

var ErrQueueFull = errors.New("signal queue full")

// DefaultQueueCapacity bounds the batches waiting for the next scan.
const DefaultQueueCapacity = 64

// QueueSource holds batches pushed in-process, e.g. by the operator API.
type QueueSource struct {
	mu      sync.Mutex
	pending []Batch
	limit   int
}

func NewQueueSource(capacity int) *QueueSource {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &QueueSource{limit: capacity}
}

func (q *QueueSource) Name() string { return "queue" }

// Push enqueues one batch and returns its id.
func (q *QueueSource) Push(sigs []engine.RawSignal) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.limit {
		return "", ErrQueueFull
	}
	id := uuid.NewString()
	q.pending = append(q.pending, Batch{ID: id, Signals: append([]engine.RawSignal(nil), sigs...)})
	return id, nil
}

func (q *QueueSource) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Fetch drains the queue.
func (q *QueueSource) Fetch(context.Context) ([]Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out, nil
}

// Requeue puts batches back at the head of the queue, ahead of anything
// pushed since. Capacity is not enforced for them.
func (q *QueueSource) Requeue(batches []Batch) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(append([]Batch(nil), batches...), q.pending...)
}

func (q *QueueSource) Ack(context.Context, string, error) error { return nil }
