package apply

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvanbenschoten/oplogtoy/batch"
	"github.com/nvanbenschoten/oplogtoy/config"
	"github.com/nvanbenschoten/oplogtoy/lock"
	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/pool"
	"github.com/nvanbenschoten/oplogtoy/producer"
	"github.com/nvanbenschoten/oplogtoy/repl"
	"github.com/nvanbenschoten/oplogtoy/storage"
)

// MultiApplyFunc is a worker body: it applies one stream of entries
// and returns the first error. The steady-state and initial-sync
// variants share this signature; tests inject stubs.
type MultiApplyFunc func(a *Applier, stream []*oplog.Entry) error

// Applier tails the producer and applies batches of oplog entries
// until shutdown. It owns the writer pool; the producer, engine, and
// coordinator are borrowed.
type Applier struct {
	logger   *zap.Logger
	producer producer.Producer
	engine   storage.Engine
	coord    repl.Coordinator
	locks    *lock.Manager

	pool      *pool.Pool
	applyFunc MultiApplyFunc
	hooks     Hooks

	// hostname of the sync source, for the initial-sync missing
	// document fetch.
	hostname string
	source   DocSource

	batcherOpts []batch.Option
}

// Option configures an Applier.
type Option func(*Applier)

// InitialSync switches the applier to the initial-sync worker, which
// refetches missing documents instead of upserting.
func InitialSync() Option {
	return func(a *Applier) { a.applyFunc = multiInitialSyncApply }
}

// WithApplyFunc injects a worker body, for tests.
func WithApplyFunc(fn MultiApplyFunc) Option {
	return func(a *Applier) { a.applyFunc = fn }
}

// WithHooks injects op-apply hooks in place of the engine-backed
// defaults.
func WithHooks(h Hooks) Option {
	return func(a *Applier) { a.hooks = h }
}

// WithHostname sets the sync source address used to fetch missing
// documents during initial sync.
func WithHostname(hostname string) Option {
	return func(a *Applier) { a.hostname = hostname }
}

// WithDocSource injects a missing-document source, for tests.
func WithDocSource(s DocSource) Option {
	return func(a *Applier) { a.source = s }
}

// WithPool substitutes the writer pool.
func WithPool(p *pool.Pool) Option {
	return func(a *Applier) { a.pool = p }
}

// WithBatcherOptions forwards options to the batcher the tail loop
// starts.
func WithBatcherOptions(opts ...batch.Option) Option {
	return func(a *Applier) { a.batcherOpts = opts }
}

// New creates a steady-state applier.
func New(
	logger *zap.Logger,
	p producer.Producer,
	engine storage.Engine,
	coord repl.Coordinator,
	locks *lock.Manager,
	opts ...Option,
) *Applier {
	a := &Applier{
		logger:    logger,
		producer:  p,
		engine:    engine,
		coord:     coord,
		locks:     locks,
		applyFunc: multiSyncApply,
	}
	a.hooks = DefaultHooks(engine)
	for _, o := range opts {
		o(a)
	}
	if a.pool == nil {
		a.pool = pool.New(config.WriterThreadCount(), logger)
	}
	if a.source == nil {
		a.source = &mongoSource{hostname: a.hostname}
	}
	return a
}

// Pool returns the writer pool.
func (a *Applier) Pool() *pool.Pool {
	return a.pool
}

// Shutdown stops the writer pool. Call after OplogApplication returns.
func (a *Applier) Shutdown() {
	a.pool.Shutdown()
}

// tryToGoLiveAsASecondary transitions the node from RECOVERING to
// SECONDARY once it has applied through minValid. Maintenance mode
// blocks the transition.
func (a *Applier) tryToGoLiveAsASecondary() {
	if a.coord.IsInPrimaryOrSecondaryState() {
		return
	}

	if a.coord.MaintenanceMode() {
		a.logger.Debug("can't go live (tryToGoLiveAsASecondary) as maintenance mode is active")
		return
	}

	// Only state RECOVERING can transition to SECONDARY.
	if a.coord.MemberState() != repl.StateRecovering {
		a.logger.Debug("can't go live (tryToGoLiveAsASecondary) as state != recovering")
		return
	}

	// We can't go to SECONDARY until we reach minvalid.
	minValid, err := a.engine.MinValid()
	if err != nil {
		a.logger.Error("failed to read minValid", zap.Error(err))
		return
	}
	if a.coord.MyLastAppliedOpTime().Compare(minValid) < 0 {
		return
	}

	if !a.coord.SetFollowerMode(repl.StateSecondary) {
		a.logger.Warn("failed to transition into SECONDARY",
			zap.Stringer("state", a.coord.MemberState()))
	}
}

// checkBatchOrdered makes sure the oplog doesn't go back in time or
// repeat an entry. Drain sentinels are filtered before this check, so
// their null optimes can never trip it.
func (a *Applier) checkBatchOrdered(firstOpTimeInBatch oplog.OpTime) error {
	lastApplied := a.coord.MyLastAppliedOpTime()
	if !firstOpTimeInBatch.After(lastApplied) {
		return errors.Wrapf(ErrOplogOutOfOrder,
			"attempted to apply an oplog entry (%s) which is not greater than our last applied optime (%s)",
			firstOpTimeInBatch, lastApplied)
	}
	return nil
}

// OplogApplication is the tail loop: batch, guard, apply, finalize.
// It returns when the producer shuts down and the final batch has been
// processed.
func (a *Applier) OplogApplication() {
	batcher := batch.New(a.logger, a.producer, a.engine, a.coord, a.batcherOpts...)
	defer batcher.Join()

	finalizer := newFinalizer(a.logger, a.engine, a.coord)
	defer finalizer.Close()

	for { // Exits on message from the batcher.
		a.tryToGoLiveAsASecondary()

		// Block up to a second waiting for a batch so the checks above
		// run periodically.
		ops := batcher.GetNextBatch(time.Second)
		if ops.Empty() {
			if ops.MustShutdown() {
				return
			}
			continue // Try again.
		}

		if ops.Front().Sentinel() {
			// The producer has coalesced and we have processed all of
			// its data. Sentinels batch alone; filter them before the
			// ordering guard below so they can never trip it.
			if ops.Count() != 1 {
				fatalf(a.logger, 40305, "drain sentinel batched with other entries",
					zap.Int("count", ops.Count()))
				continue
			}
			if a.coord.IsWaitingForApplierToDrain() {
				a.coord.SignalDrainComplete()
			}
			continue // This wasn't a real op. Don't try to apply it.
		}

		// Extract what we need before the batch is released below.
		firstOpTimeInBatch := ops.Front().OpTime()
		lastOpTimeInBatch := ops.Back().OpTime()

		if err := a.checkBatchOrdered(firstOpTimeInBatch); err != nil {
			fatalf(a.logger, 34361, "attempted to apply an oplog entry not greater than our last applied optime",
				zap.Stringer("first", firstOpTimeInBatch),
				zap.Error(err))
			return
		}

		// Don't let the fsync+lock thread see intermediate states of
		// batch application.
		fsyncLock := a.locks.FsyncMutex()
		fsyncLock.Lock()

		lastOpTime, err := a.multiApply(ops.ReleaseBatch())
		fsyncLock.Unlock()
		if err != nil {
			fatalf(a.logger, 34437, "failed to apply batch", zap.Error(err))
			return
		}

		// Update everything that cares about our last applied optime.
		a.engine.SetNewTimestamp(lastOpTimeInBatch.Timestamp)
		if err := a.engine.SetAppliedThrough(lastOpTime); err != nil {
			fatalf(a.logger, 34362, "failed to persist appliedThrough", zap.Error(err))
			return
		}
		finalizer.Record(lastOpTime)
	}
}
