package apply

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvanbenschoten/oplogtoy/lock"
	"github.com/nvanbenschoten/oplogtoy/metric"
	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/storage"
)

// writeConflictRetry runs fn until it stops failing with a write
// conflict. Conflicts are expected under concurrent apply and retried
// without bound; everything else is the caller's problem.
func writeConflictRetry(logger *zap.Logger, opStr, ns string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, storage.ErrWriteConflict) {
			return err
		}
		if attempt > 0 && attempt%1000 == 0 {
			logger.Warn("too many write conflicts",
				zap.String("op", opStr), zap.String("ns", ns), zap.Int("attempts", attempt))
		}
	}
}

// syncApply applies a single entry under the locks its kind requires.
// Updates become upserts when convertUpdateToUpsert is set so that
// steady-state replay of an update to a now-absent document is
// idempotent; initial sync turns that off and refetches instead.
func (a *Applier) syncApply(e *oplog.Entry, convertUpdateToUpsert bool) error {
	ns := e.Namespace

	if ns == "" || ns[0] == '.' {
		// Often a no-op, but can't be sure.
		if !e.IsNoOp() {
			a.logger.Error("skipping bad op in oplog", zap.String("entry", e.Raw.String()))
		}
		return nil
	}

	if e.IsCommand() {
		// A command may need a global write lock, so conservatively
		// take one.
		return writeConflictRetry(a.logger, "syncApply_command", ns, func() error {
			unlock := a.locks.GlobalWrite()
			defer unlock()
			err := a.hooks.ApplyCommand(e)
			metric.OpsApplied.Inc(1)
			return err
		})
	}

	if e.IsNoOp() || e.IsIndexBuild() {
		opStr := "syncApply_noop"
		if e.IsIndexBuild() {
			opStr = "syncApply_indexBuild"
		}
		return writeConflictRetry(a.logger, opStr, ns, func() error {
			unlock := a.locks.LockDB(oplog.DatabasePart(ns), lock.ModeX)
			defer unlock()
			if err := a.hooks.ApplyOperation(e, convertUpdateToUpsert); err != nil {
				return err
			}
			metric.OpsApplied.Inc(1)
			return nil
		})
	}

	if e.IsCRUD() {
		return writeConflictRetry(a.logger, "syncApply_CRUD", ns, func() error {
			db := oplog.DatabasePart(ns)

			mode := lock.ModeIX
			// The hook auto-creates a missing database or collection,
			// which needs exclusive locks.
			if !a.engine.DatabaseExists(db) {
				mode = lock.ModeX
			} else {
				props, err := a.engine.CollectionProperties(ns)
				if err != nil {
					return err
				}
				if !props.Exists {
					mode = lock.ModeX
				}
			}

			unlockDB := a.locks.LockDB(db, mode)
			defer unlockDB()
			unlockColl := a.locks.LockCollection(ns, mode)
			defer unlockColl()

			if err := a.hooks.ApplyOperation(e, convertUpdateToUpsert); err != nil {
				return err
			}
			metric.OpsApplied.Inc(1)
			return nil
		})
	}

	a.logger.Error("bad op type in oplog entry",
		zap.String("op", e.Op), zap.String("entry", e.Raw.String()))
	return errors.Wrapf(ErrBadOpType, "op %q", e.Op)
}
