package config

import (
	"math/bits"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Server parameters for the replication applier. WriterThreadCount is
// startup-only; BatchLimitOperations may be changed at runtime.

const (
	minWriterThreadCount = 1
	maxWriterThreadCount = 256

	minBatchLimitOperations     = 1
	maxBatchLimitOperations     = 1000 * 1000
	defaultBatchLimitOperations = 50 * 1000

	// defaultBatchLimitBytes is the configured ceiling on batch bytes.
	// The effective limit is the smaller of this and 10% of the oplog's
	// maximum size.
	defaultBatchLimitBytes = 100 * 1024 * 1024
)

var writerThreadCount = int32(defaultWriterThreadCount())

func defaultWriterThreadCount() int {
	if bits.UintSize == 32 {
		return 2
	}
	return 16
}

// WriterThreadCount returns the size of the repl writer pool.
func WriterThreadCount() int {
	return int(atomic.LoadInt32(&writerThreadCount))
}

// SetWriterThreadCount validates and sets the writer pool size. It must
// be called before the applier is constructed.
func SetWriterThreadCount(n int) error {
	if n < minWriterThreadCount || n > maxWriterThreadCount {
		return errors.Errorf("replWriterThreadCount must be between %d and %d",
			minWriterThreadCount, maxWriterThreadCount)
	}
	atomic.StoreInt32(&writerThreadCount, int32(n))
	return nil
}

var batchLimitBytes = int64(defaultBatchLimitBytes)

// BatchLimitBytes returns the configured ceiling on batch bytes.
func BatchLimitBytes() int64 {
	return atomic.LoadInt64(&batchLimitBytes)
}

// SetBatchLimitBytes sets the configured ceiling on batch bytes.
func SetBatchLimitBytes(n int64) error {
	if n <= 0 {
		return errors.New("replBatchLimitBytes must be positive")
	}
	atomic.StoreInt64(&batchLimitBytes, n)
	return nil
}

var batchLimitOperations = int32(defaultBatchLimitOperations)

// BatchLimitOperations returns the maximum entries per batch. The
// batcher reads it once per batch, so runtime changes take effect on
// the next batch.
func BatchLimitOperations() int {
	return int(atomic.LoadInt32(&batchLimitOperations))
}

// SetBatchLimitOperations validates and sets the per-batch entry limit.
func SetBatchLimitOperations(n int) error {
	if n < minBatchLimitOperations || n > maxBatchLimitOperations {
		return errors.Errorf("replBatchLimitOperations must be between %d and %d, inclusive",
			minBatchLimitOperations, maxBatchLimitOperations)
	}
	atomic.StoreInt32(&batchLimitOperations, int32(n))
	return nil
}
