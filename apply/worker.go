package apply

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/storage"
)

// insertVectorMaxBytes bounds the cumulative payload of a grouped
// insert, matching the engine's insert-vector maximum.
const insertVectorMaxBytes = 256 * 1024

// maxGroupedInserts bounds the length of a grouped-insert run.
const maxGroupedInserts = 64

// multiSyncApply is the steady-state worker body. It applies one
// stream of entries: sorted by namespace, with runs of inserts to the
// same namespace folded into single bulk inserts where possible.
func multiSyncApply(a *Applier, stream []*oplog.Entry) error {
	if len(stream) > 1 {
		// Stable so producer order survives within a namespace.
		sort.SliceStable(stream, func(i, j int) bool {
			return stream[i].Namespace < stream[j].Namespace
		})
	}

	const convertUpdatesToUpserts = true

	// doNotGroupBeforePoint marks the final op of a failed group so the
	// inserts are not regrouped (and refailed) one by one.
	doNotGroupBeforePoint := -1

	for i := 0; i < len(stream); i++ {
		entry := stream[i]
		if entry.Op == "i" && !entry.ForCapped && i > doNotGroupBeforePoint {
			// Attempt to group inserts if possible.
			groupBytes := len(entry.Object)
			end := i + 1
			for end < len(stream) {
				next := stream[end]
				if next.Op != "i" || next.ForCapped || next.Namespace != entry.Namespace {
					break
				}
				if groupBytes+len(next.Object) > insertVectorMaxBytes {
					break
				}
				if end-i+1 >= maxGroupedInserts {
					break
				}
				groupBytes += len(next.Object)
				end++
			}

			if end > i+1 {
				grouped, err := groupedInsert(stream[i:end])
				if err != nil {
					return errors.Wrap(err, "building grouped insert")
				}
				if err := a.syncApply(&grouped, convertUpdatesToUpserts); err == nil {
					// Advance past the whole group.
					i = end - 1
					continue
				} else {
					// The group insert failed; log and fall through to
					// applying the first entry alone. Don't regroup
					// anything before the end of this run, or a bad
					// group turns into quadratic retries.
					a.logger.Error("error applying inserts in bulk, trying first insert as a lone insert",
						zap.Error(err))
					doNotGroupBeforePoint = end - 1
				}
			}
		}

		// Apply an individual (non-grouped) op.
		if err := a.syncApply(entry, convertUpdatesToUpserts); err != nil {
			a.logger.Error("error applying operation",
				zap.String("entry", entry.Raw.String()), zap.Error(err))
			return err
		}
	}

	return nil
}

// multiInitialSyncApply is the initial-sync worker body. Updates are
// not converted to upserts; a failed apply refetches the missing
// document from the sync source instead. Collections that will be
// dropped or rebuilt before initial sync completes excuse their CRUD
// errors.
func multiInitialSyncApply(a *Applier, stream []*oplog.Entry) error {
	ctx := context.Background()
	const convertUpdatesToUpserts = false

	for _, entry := range stream {
		err := a.syncApply(entry, convertUpdatesToUpserts)
		if err == nil {
			continue
		}

		if entry.IsCRUD() &&
			(errors.Is(err, storage.ErrNamespaceNotFound) ||
				errors.Is(err, storage.ErrCannotIndexParallelArrays)) {
			// This collection will be dropped before initial sync ends;
			// ignore the op.
			continue
		}

		retried, rerr := a.shouldRetry(ctx, entry)
		if rerr != nil {
			a.logger.Error("error fetching missing document",
				zap.String("entry", entry.Raw.String()), zap.Error(rerr))
			return rerr
		}
		if !retried {
			// The document was moved and missed by the cloner, then
			// deleted and no longer exists on the sync source at all.
			continue
		}
		if err := a.syncApply(entry, convertUpdatesToUpserts); err != nil {
			a.logger.Error("error applying operation",
				zap.String("entry", entry.Raw.String()), zap.Error(err))
			return err
		}
	}

	return nil
}
