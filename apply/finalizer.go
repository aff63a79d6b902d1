package apply

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/repl"
	"github.com/nvanbenschoten/oplogtoy/storage"
)

// batchFinalizer advances the coordinator's optimes after each batch.
// The non-durable variant only tracks last-applied; the journaling
// variant also runs a waiter that blocks on fsync and then advances
// last-durable.
type batchFinalizer interface {
	// Record advances last-applied to newOpTime (monotone).
	Record(newOpTime oplog.OpTime)
	Close()
}

func newFinalizer(logger *zap.Logger, engine storage.Engine, coord repl.Coordinator) batchFinalizer {
	if engine.IsDurable() {
		return newJournalFinalizer(logger, engine, coord)
	}
	return &finalizer{coord: coord}
}

type finalizer struct {
	coord repl.Coordinator
}

func (f *finalizer) Record(newOpTime oplog.OpTime) {
	// Forward-only: this races with the transition to primary.
	f.coord.SetMyLastAppliedOpTimeForward(newOpTime)
}

func (f *finalizer) Close() {}

// journalFinalizer owns a background waiter. Record publishes the
// batch's optime to a single latest slot; the waiter claims whatever
// is there, blocks until the engine reports it durable, and advances
// last-durable. A slow waiter simply skips intermediate optimes.
type journalFinalizer struct {
	logger *zap.Logger
	engine storage.Engine
	coord  repl.Coordinator

	mu       sync.Mutex
	cond     *sync.Cond
	latest   oplog.OpTime
	shutdown bool

	wg sync.WaitGroup
}

func newJournalFinalizer(logger *zap.Logger, engine storage.Engine, coord repl.Coordinator) *journalFinalizer {
	f := &journalFinalizer{logger: logger, engine: engine, coord: coord}
	f.cond = sync.NewCond(&f.mu)
	f.wg.Add(1)
	go f.run()
	return f
}

func (f *journalFinalizer) Record(newOpTime oplog.OpTime) {
	f.coord.SetMyLastAppliedOpTimeForward(newOpTime)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = newOpTime
	f.cond.Broadcast()
}

func (f *journalFinalizer) Close() {
	f.mu.Lock()
	f.shutdown = true
	f.cond.Broadcast()
	f.mu.Unlock()

	f.wg.Wait()
}

func (f *journalFinalizer) run() {
	defer f.wg.Done()

	for {
		f.mu.Lock()
		for f.latest.IsNull() && !f.shutdown {
			f.cond.Wait()
		}
		if f.shutdown {
			f.mu.Unlock()
			return
		}
		latest := f.latest
		f.latest = oplog.OpTime{}
		f.mu.Unlock()

		if err := f.engine.WaitUntilDurable(context.Background()); err != nil {
			f.logger.Error("error waiting for durability", zap.Error(err))
			continue
		}
		f.coord.SetMyLastDurableOpTimeForward(latest)
	}
}
