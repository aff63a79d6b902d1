package batch

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nvanbenschoten/oplogtoy/config"
	"github.com/nvanbenschoten/oplogtoy/failpoint"
	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/producer"
	"github.com/nvanbenschoten/oplogtoy/repl"
	"github.com/nvanbenschoten/oplogtoy/storage"
)

// fatalf aborts the process on unrecoverable invariants. Overridden in
// tests.
var fatalf = func(logger *zap.Logger, code int, msg string, fields ...zap.Field) {
	logger.Fatal(msg, append(fields, zap.Int("code", code))...)
}

// Batcher drains the producer on a dedicated goroutine, cuts the
// stream into batches, and hands them to the applier one at a time
// through a single-slot rendezvous: a new batch is not produced until
// the previous one has been claimed.
type Batcher struct {
	logger   *zap.Logger
	producer producer.Producer
	engine   storage.Engine
	coord    repl.Coordinator
	clock    clock.Clock

	mu   sync.Mutex
	cv   *sync.Cond
	ops  OpQueue
	dead bool

	wg sync.WaitGroup
}

// Option configures a Batcher.
type Option func(*Batcher)

// WithClock substitutes the wall clock, for tests of the delay rules.
func WithClock(c clock.Clock) Option {
	return func(b *Batcher) { b.clock = c }
}

// New creates a Batcher and starts its collection goroutine.
func New(
	logger *zap.Logger,
	p producer.Producer,
	engine storage.Engine,
	coord repl.Coordinator,
	opts ...Option,
) *Batcher {
	b := &Batcher{
		logger:   logger,
		producer: p,
		engine:   engine,
		coord:    coord,
		clock:    clock.New(),
	}
	b.cv = sync.NewCond(&b.mu)
	for _, o := range opts {
		o(b)
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Join waits for the collection goroutine to exit. The goroutine exits
// as soon as it has placed a mustShutdown batch in the slot; Join does
// not wait for that batch to be claimed.
func (b *Batcher) Join() {
	b.wg.Wait()
}

// GetNextBatch blocks up to maxWait for a batch to be ready and
// returns whatever is ready, possibly empty. Single consumer.
func (b *Batcher) GetNextBatch(maxWait time.Duration) OpQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ops.Empty() && !b.ops.MustShutdown() {
		// Wake after maxWait; whether the wait ended by signal or by
		// timeout we do the same thing: return whatever is in the slot.
		timer := time.AfterFunc(maxWait, b.cv.Broadcast)
		defer timer.Stop()
		deadline := time.Now().Add(maxWait)
		for b.ops.Empty() && !b.ops.MustShutdown() && time.Now().Before(deadline) {
			b.cv.Wait()
		}
	}

	ops := b.ops
	b.ops = OpQueue{}
	b.cv.Broadcast()
	return ops
}

func (b *Batcher) run() {
	defer b.wg.Done()

	oplogMaxSize, err := b.engine.OplogMaxSize()
	if err != nil {
		fatalf(b.logger, 40301, "failed to get oplog max size", zap.Error(err))
		return
	}

	// Batches are limited to 10% of the oplog.
	limits := Limits{Bytes: int(min64(oplogMaxSize/10, config.BatchLimitBytes()))}

	for {
		slaveDelay := b.coord.SlaveDelaySecs()
		if slaveDelay > 0 {
			cutoff := b.clock.Now().Add(-slaveDelay)
			limits.SlaveDelayLatestTimestamp = &cutoff
		} else {
			limits.SlaveDelayLatestTimestamp = nil
		}

		// Check this once per batch since users can change it at runtime.
		limits.Ops = config.BatchLimitOperations()

		var ops OpQueue
		// tryPopAndWaitForMore adds to ops and returns true when the
		// batch must end.
		for !b.tryPopAndWaitForMore(&ops, limits) {
		}

		// For pausing replication in tests.
		for failpoint.RsSyncApplyStop.Enabled() {
			// Tests should not trigger clean shutdown while that fail
			// point is active.
			if b.producer.InShutdown() {
				fatalf(b.logger, 40304, "turn off rsSyncApplyStop before attempting clean shutdown")
				return
			}
			b.clock.Sleep(10 * time.Millisecond)
		}

		if ops.Empty() && !ops.MustShutdown() {
			continue // Don't emit empty batches.
		}

		b.mu.Lock()
		// Block until the previous batch has been taken.
		for !b.ops.Empty() {
			b.cv.Wait()
		}
		b.ops = ops
		b.cv.Broadcast()
		if b.ops.MustShutdown() {
			b.dead = true
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
	}
}

// tryPopAndWaitForMore moves at most one entry from the producer into
// ops. It returns true when the batch should end: on a limit, on an
// entry that must be applied alone, on a drained producer, or on
// shutdown. It blocks up to a second waiting for new entries so that
// shutdown and reconfiguration are noticed promptly.
func (b *Batcher) tryPopAndWaitForMore(ops *OpQueue, limits Limits) bool {
	entry, ok := b.producer.Peek()
	if !ok {
		// Nothing in the queue; wait a bit for something to appear.
		if ops.Empty() {
			if b.producer.InShutdown() {
				ops.SetMustShutdownFlag()
			} else {
				b.producer.WaitForMore(context.Background())
			}
		}
		return true
	}

	// If this entry would put us over the byte limit don't include it
	// unless the batch is empty. Single-entry batches may exceed the
	// limit so that large ops still get through.
	if !ops.Empty() && ops.Bytes()+entry.SizeBytes() > limits.Bytes {
		return true
	}

	ops.push(entry)

	if !entry.Sentinel() && entry.Version != oplog.SupportedVersion {
		fatalf(b.logger, 18820, "unexpected oplog version",
			zap.Int("expected", oplog.SupportedVersion),
			zap.Int("found", entry.Version),
			zap.String("entry", entry.Raw.String()))
		// Unreachable outside tests; consume so the stream can drain.
		b.producer.Consume()
		return true
	}

	if limits.SlaveDelayLatestTimestamp != nil &&
		entryWallClock(&entry).After(*limits.SlaveDelayLatestTimestamp) {
		ops.popBack() // Don't do this op yet.
		if ops.Empty() {
			// Sleep one second at a time so reconfigs and shutdown can
			// still happen.
			b.clock.Sleep(time.Second)
		}
		return true
	}

	// Check for ops that must be processed one at a time: the drain
	// sentinel, commands, and index builds (inserts into
	// system.indexes).
	if entry.Sentinel() || entry.IsCommand() || entry.IsIndexBuild() {
		if ops.Count() == 1 {
			b.producer.Consume()
		} else {
			// This op must be processed alone, but the batch already
			// has entries. Leave it in the producer; the next batch
			// will contain only it.
			ops.popBack()
		}
		return true
	}

	// We are going to apply this entry.
	b.producer.Consume()

	return ops.Count() >= limits.Ops
}

func entryWallClock(e *oplog.Entry) time.Time {
	return time.Unix(int64(e.Timestamp.T), 0)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
