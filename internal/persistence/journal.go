// Package persistence journals bus events into the event_log table so an
// operator can reconstruct what the core did after the fact.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/events"
)

// Topics is the default set of journaled events.
var Topics = []events.Event{
	events.EventPositionOpened,
	events.EventPositionChanged,
	events.EventTradeClosed,
	events.EventSignalRejected,
	events.EventHaltChanged,
	events.EventKillCompleted,
	events.EventKillIncomplete,
	events.EventAlert,
}

type entry struct {
	topic   events.Event
	payload []byte
	at      time.Time
}

// Journal buffers events and writes them in one transaction per flush.
type Journal struct {
	db       *sql.DB
	log      *zap.Logger
	now      func() time.Time
	mu       sync.Mutex
	buffer   []entry
	maxSize  int
	interval time.Duration
	wg       sync.WaitGroup
	metrics  JournalMetrics
}

// JournalMetrics reports flush activity.
type JournalMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewJournal creates a journal that flushes every interval or once maxSize
// events are buffered.
func NewJournal(db *sql.DB, maxSize int, interval time.Duration, log *zap.Logger) *Journal {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{
		db:       db,
		log:      log.Named("journal"),
		now:      time.Now,
		buffer:   make([]entry, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
	}
}

// Start subscribes to topics and flushes in the background until ctx is
// done. Call Wait to block until the final flush has run.
func (j *Journal) Start(ctx context.Context, bus *events.Bus, topics ...events.Event) {
	if len(topics) == 0 {
		topics = Topics
	}
	for _, topic := range topics {
		stream, unsub := bus.Subscribe(topic, 100)
		j.wg.Add(1)
		go func(topic events.Event) {
			defer j.wg.Done()
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					j.Record(topic, msg)
				}
			}
		}(topic)
	}

	j.wg.Add(1)
	go j.backgroundFlush(ctx)
}

// Record buffers one event.
func (j *Journal) Record(topic events.Event, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		j.log.Warn("event not journaled", zap.String("topic", string(topic)), zap.Error(err))
		return
	}
	j.mu.Lock()
	j.buffer = append(j.buffer, entry{topic: topic, payload: body, at: j.now().UTC()})
	shouldFlush := len(j.buffer) >= j.maxSize
	j.mu.Unlock()

	if shouldFlush {
		_ = j.Flush(context.Background())
	}
}

// Flush writes all buffered events.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	if len(j.buffer) == 0 {
		j.mu.Unlock()
		return nil
	}
	batch := j.buffer
	j.buffer = make([]entry, 0, j.maxSize)
	j.mu.Unlock()

	return j.write(ctx, batch)
}

func (j *Journal) write(ctx context.Context, batch []entry) error {
	atomic.AddUint64(&j.metrics.TotalBatches, 1)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		atomic.AddUint64(&j.metrics.TotalErrors, 1)
		j.log.Error("begin journal batch", zap.Error(err))
		return err
	}
	for _, e := range batch {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_log (topic, payload, created_at) VALUES (?, ?, ?)`,
			string(e.topic), string(e.payload), e.at); err != nil {
			_ = tx.Rollback()
			atomic.AddUint64(&j.metrics.TotalErrors, 1)
			j.log.Error("journal insert failed; batch dropped", zap.Int("events", len(batch)), zap.Error(err))
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&j.metrics.TotalErrors, 1)
		j.log.Error("commit journal batch", zap.Error(err))
		return err
	}

	atomic.AddUint64(&j.metrics.TotalWrites, uint64(len(batch)))
	j.mu.Lock()
	j.metrics.LastBatchSize = len(batch)
	j.metrics.LastFlushTime = j.now()
	j.mu.Unlock()
	j.log.Debug("journal flushed", zap.Int("events", len(batch)))
	return nil
}

func (j *Journal) backgroundFlush(ctx context.Context) {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = j.Flush(ctx)
		case <-ctx.Done():
			// ctx is already canceled; the last write must still land.
			_ = j.Flush(context.Background())
			return
		}
	}
}

// Wait blocks until the subscribers and the flusher have exited.
func (j *Journal) Wait() { j.wg.Wait() }

// Pending returns the number of buffered events.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// Metrics returns a copy of the flush counters.
func (j *Journal) Metrics() JournalMetrics {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JournalMetrics{
		TotalWrites:   atomic.LoadUint64(&j.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&j.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&j.metrics.TotalErrors),
		LastBatchSize: j.metrics.LastBatchSize,
		LastFlushTime: j.metrics.LastFlushTime,
	}
}
