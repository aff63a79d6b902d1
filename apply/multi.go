package apply

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nvanbenschoten/oplogtoy/metric"
	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/repl"
	"github.com/nvanbenschoten/oplogtoy/storage"
)

// minOplogEntriesPerThread is the point below which parallel oplog
// writes are not worth the per-thread setup; a single bulk insert wins.
const minOplogEntriesPerThread = 16

// errCollector keeps the first error reported by any pool worker.
type errCollector struct {
	mu    sync.Mutex
	first error
}

func (c *errCollector) report(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.first == nil {
		c.first = err
	}
}

func (c *errCollector) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.first
}

// multiApply applies one batch with the writer pool: an optional
// prefetch pass, parallel writes into the local oplog, then parallel
// application of the entries' user-data effects. Readers are excluded
// for the duration. It returns the optime of the last entry applied.
func (a *Applier) multiApply(ops []oplog.Entry) (oplog.OpTime, error) {
	if len(ops) == 0 {
		return oplog.OpTime{}, errors.New("no operations provided to multiApply")
	}

	// A primary must never apply foreign oplog, unless it is stepping
	// down (draining) or catching up after election.
	if a.coord.MemberState() == repl.StatePrimary &&
		!a.coord.IsWaitingForApplierToDrain() && !a.coord.IsCatchingUp() {
		a.logger.Error("attempting to replicate ops while primary")
		return oplog.OpTime{}, ErrCannotApplyWhilePrimary
	}

	if a.engine.IsMmapV1() {
		// Warm pages for the whole batch before taking any locks.
		a.prefetchOps(ops)
	}

	a.logger.Debug("replication batch size", zap.Int("ops", len(ops)))

	// Stop all readers until we're done.
	releaseBatchLock := a.locks.BeginBatch()
	defer releaseBatchLock()

	start := time.Now()

	// All work dispatched below refers to ops and writerVectors on this
	// stack; join the pool before leaving, error or not.
	writerVectors := make([][]*oplog.Entry, a.pool.Size())
	defer a.pool.Join()

	// Crash recovery truncates the oplog back to this point if we die
	// mid-write.
	if err := a.engine.SetOplogDeleteFromPoint(ops[0].Timestamp); err != nil {
		return oplog.OpTime{}, errors.Wrap(err, "setting oplogDeleteFromPoint")
	}

	var oplogErrs errCollector
	a.scheduleWritesToOplog(ops, &oplogErrs)
	// Partition on this thread while the oplog writes run.
	a.fillWriterVectors(ops, writerVectors)

	a.pool.Join()
	if err := oplogErrs.err(); err != nil {
		return oplog.OpTime{}, errors.Wrap(err, "writing batch to oplog")
	}

	if err := a.engine.SetOplogDeleteFromPoint(primitive.Timestamp{}); err != nil {
		return oplog.OpTime{}, errors.Wrap(err, "clearing oplogDeleteFromPoint")
	}
	lastOpTime := ops[len(ops)-1].OpTime()
	if err := a.engine.SetMinValidToAtLeast(lastOpTime); err != nil {
		return oplog.OpTime{}, errors.Wrap(err, "raising minValid")
	}

	var applyErrs errCollector
	for i := range writerVectors {
		stream := writerVectors[i]
		if len(stream) == 0 {
			continue
		}
		a.pool.Schedule(func() {
			applyErrs.report(a.applyFunc(a, stream))
		})
	}
	a.pool.Join()
	if err := applyErrs.err(); err != nil {
		return oplog.OpTime{}, err
	}

	metric.BatchSizesHistogram.Update(int64(len(ops)))
	metric.BatchLatencyHistogram.Update(time.Since(start).Nanoseconds())

	// All database writes are done and the oplog matches.
	return lastOpTime, nil
}

// prefetchOps fans one prefetch job per entry out to the writer pool
// and joins. Prefetch is best-effort: a failure is logged and the
// batch proceeds.
func (a *Applier) prefetchOps(ops []oplog.Entry) {
	for i := range ops {
		op := &ops[i]
		if op.Namespace == "" {
			continue
		}
		a.pool.Schedule(func() {
			if err := a.engine.PrefetchPages(op.Namespace, op); err != nil {
				a.logger.Debug("ignoring error in prefetch",
					zap.String("ns", op.Namespace), zap.Error(err))
			}
		})
	}
	a.pool.Join()
}

// scheduleWritesToOplog queues the batch's oplog inserts. Small
// batches, and engines without document locking, write from a single
// worker so one bulk append preserves order; doc-locking engines split
// large batches into contiguous ranges, relying on the engine to order
// the oplog by ts however the inserts land.
func (a *Applier) scheduleWritesToOplog(ops []oplog.Entry, errs *errCollector) {
	makeOplogWriterForRange := func(begin, end int) func() {
		// The returned function runs on a pool worker after this
		// returns; it captures ops, which the caller keeps alive until
		// the pool has joined.
		return func() {
			docs := make([]bson.Raw, 0, end-begin)
			for i := begin; i < end; i++ {
				docs = append(docs, ops[i].Raw)
			}
			errs.report(a.engine.InsertDocuments(
				context.Background(), storage.OplogNamespace, docs))
		}
	}

	// Use multiple threads only when there is enough work to amortize
	// their setup, and only on engines that keep the oplog ordered
	// under out-of-order inserts.
	numThreads := a.pool.Size()
	enoughToMultiThread := len(ops) >= minOplogEntriesPerThread*numThreads
	if !enoughToMultiThread || !a.engine.SupportsDocLocking() {
		a.pool.Schedule(makeOplogWriterForRange(0, len(ops)))
		return
	}

	numOpsPerThread := len(ops) / numThreads
	for thread := 0; thread < numThreads; thread++ {
		begin := thread * numOpsPerThread
		end := begin + numOpsPerThread
		if thread == numThreads-1 {
			end = len(ops)
		}
		a.pool.Schedule(makeOplogWriterForRange(begin, end))
	}
}
