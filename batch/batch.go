package batch

import (
	"time"

	"github.com/nvanbenschoten/oplogtoy/oplog"
)

// OpQueue accumulates oplog entries for one batch. Entries stay in
// producer order; bytes and count track the contents exactly.
type OpQueue struct {
	entries      []oplog.Entry
	bytes        int
	mustShutdown bool
}

// Empty reports whether the queue has no entries.
func (q *OpQueue) Empty() bool { return len(q.entries) == 0 }

// Count returns the number of entries.
func (q *OpQueue) Count() int { return len(q.entries) }

// Bytes returns the summed encoded size of the entries.
func (q *OpQueue) Bytes() int { return q.bytes }

// MustShutdown reports whether the producer signaled shutdown while
// this batch was being collected.
func (q *OpQueue) MustShutdown() bool { return q.mustShutdown }

// SetMustShutdownFlag marks the batch as the final one.
func (q *OpQueue) SetMustShutdownFlag() { q.mustShutdown = true }

// Front returns the first entry. The queue must be non-empty.
func (q *OpQueue) Front() *oplog.Entry { return &q.entries[0] }

// Back returns the last entry. The queue must be non-empty.
func (q *OpQueue) Back() *oplog.Entry { return &q.entries[len(q.entries)-1] }

// ReleaseBatch hands the entries off, leaving the queue empty.
func (q *OpQueue) ReleaseBatch() []oplog.Entry {
	entries := q.entries
	q.entries = nil
	q.bytes = 0
	return entries
}

func (q *OpQueue) push(e oplog.Entry) {
	q.entries = append(q.entries, e)
	q.bytes += e.SizeBytes()
}

func (q *OpQueue) popBack() {
	last := len(q.entries) - 1
	q.bytes -= q.entries[last].SizeBytes()
	q.entries = q.entries[:last]
}

// Limits are the batch cutoff rules in effect for one batch.
type Limits struct {
	// Ops is the maximum entry count.
	Ops int
	// Bytes is the maximum summed entry size. A batch of exactly one
	// entry may exceed it.
	Bytes int
	// SlaveDelayLatestTimestamp, when set, defers entries whose ts is
	// strictly after it.
	SlaveDelayLatestTimestamp *time.Time
}
