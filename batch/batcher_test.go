package batch

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/nvanbenschoten/oplogtoy/config"
	"github.com/nvanbenschoten/oplogtoy/failpoint"
	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/producer"
	"github.com/nvanbenschoten/oplogtoy/repl"
	"github.com/nvanbenschoten/oplogtoy/storage"
)

func insertEntry(t *testing.T, ts uint32, ns string) oplog.Entry {
	t.Helper()
	e, err := oplog.New(bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: ts, I: 0}},
		{Key: "t", Value: int64(1)},
		{Key: "v", Value: oplog.SupportedVersion},
		{Key: "op", Value: "i"},
		{Key: "ns", Value: ns},
		{Key: "o", Value: bson.D{{Key: "_id", Value: int64(ts)}}},
	})
	require.NoError(t, err)
	return e
}

func commandEntry(t *testing.T, ts uint32) oplog.Entry {
	t.Helper()
	e, err := oplog.New(bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: ts, I: 0}},
		{Key: "t", Value: int64(1)},
		{Key: "v", Value: oplog.SupportedVersion},
		{Key: "op", Value: "c"},
		{Key: "ns", Value: "admin.$cmd"},
		{Key: "o", Value: bson.D{{Key: "create", Value: "users"}}},
	})
	require.NoError(t, err)
	return e
}

type batcherEnv struct {
	prod    *producer.Mem
	engine  *storage.Mem
	coord   *repl.LocalCoordinator
	batcher *Batcher
}

func newBatcherEnv(t *testing.T, engineOpts []storage.MemOption, opts ...Option) *batcherEnv {
	t.Helper()
	env := &batcherEnv{
		prod:   producer.NewMem(),
		engine: storage.NewMem(engineOpts...),
		coord:  repl.NewLocalCoordinator(repl.StateRecovering),
	}
	env.batcher = New(zap.NewNop(), env.prod, env.engine, env.coord, opts...)
	t.Cleanup(func() {
		env.prod.Shutdown()
		// Drain until the shutdown batch is claimed so the goroutine
		// exits.
		for {
			ops := env.batcher.GetNextBatch(10 * time.Millisecond)
			if ops.MustShutdown() {
				break
			}
		}
		env.batcher.Join()
	})
	return env
}

// nextBatch polls until a non-empty batch arrives.
func (env *batcherEnv) nextBatch(t *testing.T) OpQueue {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ops := env.batcher.GetNextBatch(50 * time.Millisecond)
		if !ops.Empty() {
			return ops
		}
	}
	t.Fatal("no batch produced")
	return OpQueue{}
}

func TestBatchPreservesProducerOrder(t *testing.T) {
	env := newBatcherEnv(t, nil)
	var pushed []oplog.Entry
	for ts := uint32(1); ts <= 20; ts++ {
		e := insertEntry(t, ts, "app.users")
		pushed = append(pushed, e)
		env.prod.Push(e)
	}

	var got []oplog.Entry
	for len(got) < len(pushed) {
		ops := env.nextBatch(t)
		got = append(got, ops.ReleaseBatch()...)
	}

	// The concatenation of batches equals the producer stream in order.
	require.Len(t, got, len(pushed))
	for i := range pushed {
		assert.Equal(t, pushed[i].Timestamp, got[i].Timestamp, "position %d", i)
	}
}

func TestBatchCountLimit(t *testing.T) {
	orig := config.BatchLimitOperations()
	require.NoError(t, config.SetBatchLimitOperations(3))
	defer func() { require.NoError(t, config.SetBatchLimitOperations(orig)) }()

	env := newBatcherEnv(t, nil)
	for ts := uint32(1); ts <= 7; ts++ {
		env.prod.Push(insertEntry(t, ts, "app.users"))
	}

	ops := env.nextBatch(t)
	assert.Equal(t, 3, ops.Count())
}

func TestBatchByteLimit(t *testing.T) {
	entry := insertEntry(t, 1, "app.users")
	entrySize := entry.SizeBytes()
	// Limit admits two entries but not three.
	limit := 2*entrySize + entrySize/2
	env := newBatcherEnv(t, []storage.MemOption{storage.WithOplogMaxSize(int64(10 * limit))})

	for ts := uint32(1); ts <= 3; ts++ {
		env.prod.Push(insertEntry(t, ts, "app.users"))
	}

	ops := env.nextBatch(t)
	assert.Equal(t, 2, ops.Count())
	assert.LessOrEqual(t, ops.Bytes(), limit)

	ops = env.nextBatch(t)
	assert.Equal(t, 1, ops.Count())
}

func TestOversizedSingleEntryBatchIsAdmitted(t *testing.T) {
	// Limit far below one entry's size: a 1-entry batch may exceed it.
	env := newBatcherEnv(t, []storage.MemOption{storage.WithOplogMaxSize(100)})

	e := insertEntry(t, 1, "app.users")
	require.Greater(t, e.SizeBytes(), 10) // limit is oplogMaxSize/10 = 10
	env.prod.Push(e)
	env.prod.Push(insertEntry(t, 2, "app.users"))

	ops := env.nextBatch(t)
	assert.Equal(t, 1, ops.Count())
	assert.Greater(t, ops.Bytes(), 10)

	ops = env.nextBatch(t)
	assert.Equal(t, 1, ops.Count())
}

func TestCommandTerminatesBatch(t *testing.T) {
	env := newBatcherEnv(t, nil)
	for ts := uint32(1); ts <= 10; ts++ {
		env.prod.Push(insertEntry(t, ts, "app.users"))
	}
	env.prod.Push(commandEntry(t, 11))

	// Batch 1: the ten inserts; the command is deferred, not consumed.
	ops := env.nextBatch(t)
	assert.Equal(t, 10, ops.Count())
	for _, e := range ops.ReleaseBatch() {
		assert.False(t, e.IsCommand())
	}

	// Batch 2: exactly the command.
	ops = env.nextBatch(t)
	require.Equal(t, 1, ops.Count())
	assert.True(t, ops.Front().IsCommand())
}

func TestIndexBuildBatchesAlone(t *testing.T) {
	env := newBatcherEnv(t, nil)
	env.prod.Push(insertEntry(t, 1, "app.users"))
	env.prod.Push(insertEntry(t, 2, "app.system.indexes"))
	env.prod.Push(insertEntry(t, 3, "app.users"))

	ops := env.nextBatch(t)
	assert.Equal(t, 1, ops.Count())
	assert.False(t, ops.Front().IsIndexBuild())

	ops = env.nextBatch(t)
	require.Equal(t, 1, ops.Count())
	assert.True(t, ops.Front().IsIndexBuild())

	ops = env.nextBatch(t)
	assert.Equal(t, 1, ops.Count())
}

func TestCommandLeadingBatchIsConsumedAlone(t *testing.T) {
	env := newBatcherEnv(t, nil)
	env.prod.Push(commandEntry(t, 1))
	ops := env.nextBatch(t)
	require.Equal(t, 1, ops.Count())
	assert.True(t, ops.Front().IsCommand())
}

func TestSentinelBatchesAlone(t *testing.T) {
	env := newBatcherEnv(t, nil)
	env.prod.Push(insertEntry(t, 1, "app.users"))
	env.prod.PushSentinel()

	ops := env.nextBatch(t)
	assert.Equal(t, 1, ops.Count())
	assert.False(t, ops.Front().Sentinel())

	ops = env.nextBatch(t)
	require.Equal(t, 1, ops.Count())
	assert.True(t, ops.Front().Sentinel())
}

func TestVersionMismatchIsFatal(t *testing.T) {
	var code int
	origFatal := fatalf
	fatalf = func(logger *zap.Logger, c int, msg string, fields ...zap.Field) {
		if code == 0 {
			code = c
		}
	}
	defer func() { fatalf = origFatal }()

	env := newBatcherEnv(t, nil)
	bad, err := oplog.New(bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: 1, I: 0}},
		{Key: "v", Value: 99},
		{Key: "op", Value: "i"},
		{Key: "ns", Value: "app.users"},
		{Key: "o", Value: bson.D{{Key: "_id", Value: int64(1)}}},
	})
	require.NoError(t, err)
	env.prod.Push(bad)

	env.nextBatch(t)
	assert.Equal(t, 18820, code)
}

func TestSlaveDelayDefersEntries(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1000, 0))

	env := newBatcherEnv(t, nil, WithClock(mock))
	env.coord.SetSlaveDelaySecs(60 * time.Second)

	// Entry stamped at T=950: cutoff is 940, so it is deferred.
	env.prod.Push(insertEntry(t, 950, "app.users"))

	ops := env.batcher.GetNextBatch(100 * time.Millisecond)
	assert.True(t, ops.Empty())
	assert.Equal(t, 1, env.prod.Len(), "deferred entry must not be consumed")

	// Advance the wall clock past ts + delay; the batcher's sleep wakes
	// and the entry is admitted. An entry stamped exactly at the cutoff
	// is admitted too (the rule is strict >).
	done := make(chan OpQueue, 1)
	go func() {
		for {
			ops := env.batcher.GetNextBatch(50 * time.Millisecond)
			if !ops.Empty() {
				done <- ops
				return
			}
		}
	}()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ops := <-done:
			require.Equal(t, 1, ops.Count())
			assert.EqualValues(t, 950, ops.Front().Timestamp.T)
			return
		case <-deadline:
			t.Fatal("delayed entry never admitted")
		default:
			mock.Add(5 * time.Second)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestSlaveDelayExactCutoffAdmits(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1010, 0))

	env := newBatcherEnv(t, nil, WithClock(mock))
	env.coord.SetSlaveDelaySecs(60 * time.Second)

	// Cutoff is exactly 950; ts.T == 950 is not strictly after it.
	env.prod.Push(insertEntry(t, 950, "app.users"))

	ops := env.nextBatch(t)
	assert.Equal(t, 1, ops.Count())
}

func TestRsSyncApplyStopPausesBatches(t *testing.T) {
	failpoint.RsSyncApplyStop.Enable()
	released := false
	defer func() {
		if !released {
			failpoint.RsSyncApplyStop.Disable()
		}
	}()

	env := newBatcherEnv(t, nil)
	env.prod.Push(insertEntry(t, 1, "app.users"))

	ops := env.batcher.GetNextBatch(200 * time.Millisecond)
	assert.True(t, ops.Empty(), "no batches while the fail point is set")

	failpoint.RsSyncApplyStop.Disable()
	released = true

	ops = env.nextBatch(t)
	assert.Equal(t, 1, ops.Count())
}

func TestShutdownEmitsMustShutdownBatch(t *testing.T) {
	prod := producer.NewMem()
	engine := storage.NewMem()
	coord := repl.NewLocalCoordinator(repl.StateRecovering)
	b := New(zap.NewNop(), prod, engine, coord)

	prod.Push(insertEntry(t, 1, "app.users"))
	prod.Shutdown()

	var sawEntry bool
	for {
		ops := b.GetNextBatch(100 * time.Millisecond)
		if !ops.Empty() {
			sawEntry = true
		}
		if ops.MustShutdown() {
			break
		}
	}
	assert.True(t, sawEntry, "queued entry drained before shutdown")
	b.Join()
}

func TestOpQueueAccounting(t *testing.T) {
	var q OpQueue
	assert.True(t, q.Empty())

	e1 := insertEntry(t, 1, "app.users")
	e2 := insertEntry(t, 2, "app.users")
	q.push(e1)
	q.push(e2)
	assert.Equal(t, 2, q.Count())
	assert.Equal(t, e1.SizeBytes()+e2.SizeBytes(), q.Bytes())

	q.popBack()
	assert.Equal(t, 1, q.Count())
	assert.Equal(t, e1.SizeBytes(), q.Bytes())

	entries := q.ReleaseBatch()
	assert.Len(t, entries, 1)
	assert.True(t, q.Empty())
	assert.Zero(t, q.Bytes())
}
