package strategy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/paper"
)

type recordingExecutor struct {
	mu      sync.Mutex
	batches [][]engine.Signal
}

func (r *recordingExecutor) ExecuteBatch(_ context.Context, sigs []engine.Signal) []engine.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, sigs)
	out := make([]engine.Result, len(sigs))
	for i, s := range sigs {
		out[i] = engine.Result{Action: s.Action(), Status: engine.StatusExecuted}
	}
	return out
}

func (r *recordingExecutor) calls() [][]engine.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches
}

type brokenSource struct{}

func (brokenSource) Name() string { return "broken" }

func (brokenSource) Fetch(context.Context) ([]Batch, error) {
	return nil, errors.New("inbox offline")
}

func (brokenSource) Ack(context.Context, string, error) error { return nil }

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestDecodeSignalsDocumentFillsVersion(t *testing.T) {
	sigs, err := DecodeSignals([]byte(`
strategy_version: momentum-v3
signals:
  - action: BUY
    symbol: btcusd
    size_pct: 0.1
    stop_loss: 48000
  - action: SELL
    symbol: ETHUSD
    tag: auto_ETHUSD_2
    strategy_version: override
`))
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	assert.Equal(t, "momentum-v3", sigs[0].StrategyVersion)
	assert.Equal(t, "override", sigs[1].StrategyVersion)
	require.NotNil(t, sigs[0].StopLoss)
	assert.Equal(t, 48000.0, *sigs[0].StopLoss)
	assert.Nil(t, sigs[1].SizePct)
}

func TestDecodeSignalsBareList(t *testing.T) {
	sigs, err := DecodeSignals([]byte("- {action: CLOSE, symbol: BTCUSD}\n"))
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "CLOSE", sigs[0].Action)
}

func TestDecodeSignalsEdgeCases(t *testing.T) {
	sigs, err := DecodeSignals(nil)
	require.NoError(t, err)
	assert.Empty(t, sigs)

	_, err = DecodeSignals([]byte("just a string"))
	assert.Error(t, err)

	_, err = DecodeSignals([]byte("signals: [unclosed"))
	assert.Error(t, err)
}

func TestDirSourceAcksEveryFileOnce(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "001.yaml", "signals:\n  - {action: BUY, symbol: BTCUSD, quantity: 0.01}\n")
	writeFile(t, dir, "002.yml", "signals: [unclosed")
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, "003.yaml.part", "signals: []")

	src, err := NewDirSource(dir)
	require.NoError(t, err)
	exec := &recordingExecutor{}
	runner := NewRunner(exec, nil, zap.NewNop(), src)

	require.NoError(t, runner.Scan(context.Background()))
	require.Len(t, exec.calls(), 1)
	assert.Len(t, exec.calls()[0], 1)

	assert.FileExists(t, filepath.Join(dir, "001.yaml.done"))
	assert.FileExists(t, filepath.Join(dir, "002.yml.failed"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
	assert.FileExists(t, filepath.Join(dir, "003.yaml.part"))
	assert.NoFileExists(t, filepath.Join(dir, "001.yaml"))

	require.NoError(t, runner.Scan(context.Background()))
	assert.Len(t, exec.calls(), 1, "acknowledged files are not read again")
}

func TestRunnerPublishesInvalidSignals(t *testing.T) {
	bus := events.NewBus()
	rejected, unsub := bus.Subscribe(events.EventSignalRejected, 4)
	defer unsub()

	q := NewQueueSource(0)
	qty := 0.01
	_, err := q.Push([]engine.RawSignal{
		{Action: "BUY", Symbol: "BTCUSD", Quantity: &qty},
		{Action: "HODL", Symbol: "BTCUSD", Tag: "auto_BTCUSD_1"},
	})
	require.NoError(t, err)

	exec := &recordingExecutor{}
	require.NoError(t, NewRunner(exec, bus, nil, q).Scan(context.Background()))
	require.Len(t, exec.calls(), 1)
	assert.Len(t, exec.calls()[0], 1)

	select {
	case ev := <-rejected:
		rej, ok := ev.(events.Rejection)
		require.True(t, ok)
		assert.Equal(t, "HODL", rej.Action)
		assert.Equal(t, "auto_BTCUSD_1", rej.Tag)
		assert.Equal(t, ReasonInvalidSignal, rej.Reason)
	case <-time.After(time.Second):
		t.Fatal("no rejection published")
	}
}

func TestRunnerSkipsBatchWithOnlyInvalidSignals(t *testing.T) {
	q := NewQueueSource(0)
	_, err := q.Push([]engine.RawSignal{{Action: "MODIFY", Symbol: "BTCUSD"}})
	require.NoError(t, err)

	exec := &recordingExecutor{}
	require.NoError(t, NewRunner(exec, nil, nil, q).Scan(context.Background()))
	assert.Empty(t, exec.calls())
}

func TestScanContinuesPastBrokenSource(t *testing.T) {
	q := NewQueueSource(0)
	_, err := q.Push([]engine.RawSignal{{Action: "CLOSE", Symbol: "BTCUSD"}})
	require.NoError(t, err)

	exec := &recordingExecutor{}
	err = NewRunner(exec, nil, nil, brokenSource{}, q).Scan(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken: inbox offline")
	assert.Len(t, exec.calls(), 1)
}

func TestQueueSourceCapacity(t *testing.T) {
	q := NewQueueSource(1)
	id, err := q.Push(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = q.Push(nil)
	require.ErrorIs(t, err, ErrQueueFull)

	batches, err := q.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, id, batches[0].ID)
	assert.Zero(t, q.Len())
}

func TestRunnerRestrictsSymbols(t *testing.T) {
	bus := events.NewBus()
	rejected, unsub := bus.Subscribe(events.EventSignalRejected, 4)
	defer unsub()

	q := NewQueueSource(0)
	_, err := q.Push([]engine.RawSignal{
		{Action: "CLOSE", Symbol: "btcusd"},
		{Action: "CLOSE", Symbol: "DOGEUSD"},
	})
	require.NoError(t, err)

	exec := &recordingExecutor{}
	runner := NewRunner(exec, bus, nil, q)
	runner.Restrict([]string{"BTCUSD"})
	require.NoError(t, runner.Scan(context.Background()))
	require.Len(t, exec.calls(), 1)
	assert.Len(t, exec.calls()[0], 1)

	select {
	case ev := <-rejected:
		rej := ev.(events.Rejection)
		assert.Equal(t, "DOGEUSD", rej.Symbol)
		assert.Equal(t, ReasonSymbolBlocked, rej.Reason)
	case <-time.After(time.Second):
		t.Fatal("no rejection published")
	}
}

// cancelingExecutor cancels the scan after its first batch.
type cancelingExecutor struct {
	recordingExecutor
	cancel context.CancelFunc
}

func (c *cancelingExecutor) ExecuteBatch(ctx context.Context, sigs []engine.Signal) []engine.Result {
	defer c.cancel()
	return c.recordingExecutor.ExecuteBatch(ctx, sigs)
}

func TestScanRequeuesBatchesLeftByCancel(t *testing.T) {
	q := NewQueueSource(0)
	var ids []string
	for _, sym := range []string{"BTCUSD", "ETHUSD", "SOLUSD"} {
		id, err := q.Push([]engine.RawSignal{{Action: "CLOSE", Symbol: sym}})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &cancelingExecutor{cancel: cancel}
	err := NewRunner(exec, nil, nil, q).Scan(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, exec.calls(), 1)
	assert.Equal(t, 2, q.Len())

	_, err = q.Push([]engine.RawSignal{{Action: "CLOSE", Symbol: "ADAUSD"}})
	require.NoError(t, err)
	batches, err := q.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, ids[1], batches[0].ID)
	assert.Equal(t, ids[2], batches[1].ID)
}

func TestScanOnDoneContextLeavesQueue(t *testing.T) {
	q := NewQueueSource(0)
	_, err := q.Push([]engine.RawSignal{{Action: "CLOSE", Symbol: "BTCUSD"}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	exec := &recordingExecutor{}
	require.ErrorIs(t, NewRunner(exec, nil, nil, q).Scan(ctx), context.Canceled)
	assert.Empty(t, exec.calls())
	assert.Equal(t, 1, q.Len())
}

func TestScanRacesEmergencyStopAndStopChecks(t *testing.T) {
	database, err := db.Open(db.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	venue := paper.New()
	venue.SetQuote("BTCUSD", decimal.NewFromInt(50000), decimal.Zero)
	eng := engine.New(engine.DefaultConfig(), db.NewStore(database), venue, risk.NewManager(risk.DefaultConfig(), nil))
	ctx := context.Background()
	require.NoError(t, eng.Initialize(ctx))

	q := NewQueueSource(0)
	qty, stop := 0.001, 45000.0
	for range 20 {
		_, err := q.Push([]engine.RawSignal{{Action: "BUY", Symbol: "BTCUSD", Quantity: &qty, StopLoss: &stop}})
		require.NoError(t, err)
	}
	runner := NewRunner(eng, nil, nil, q)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for range 5 {
			assert.NoError(t, runner.Scan(ctx))
		}
	}()
	go func() {
		defer wg.Done()
		for range 20 {
			_, err := eng.CheckStops(ctx)
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		_, err := eng.EmergencyStop(ctx)
		assert.NoError(t, err)
	}()
	wg.Wait()

	// Entries after the stop are refused, so one more run clears the book.
	report, err := eng.EmergencyStop(ctx)
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Empty(t, eng.Positions())
	assert.True(t, eng.Status().KillEngaged)
	held, owed, ok := eng.CheckConservation()
	assert.Truef(t, ok, "cash not conserved: held %s owed %s", held, owed)
}
