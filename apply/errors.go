package apply

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Fatal replication invariants. Any of these faults the node; they are
// never surfaced to end users.
var (
	// ErrCannotApplyWhilePrimary is returned when foreign oplog would
	// be applied on a primary that is neither draining nor catching up.
	ErrCannotApplyWhilePrimary = errors.New("attempting to replicate ops while primary")
	// ErrOplogOutOfOrder is returned when a batch starts at or before
	// the last applied optime, which indicates oplog rollback or
	// duplication.
	ErrOplogOutOfOrder = errors.New("oplog out of order")
	// ErrBadOpType is returned for an op kind outside i/u/d/c/n.
	ErrBadOpType = errors.New("bad op type in oplog entry")
)

// fatalf aborts the process with a stable assertion code. Overridden
// in tests.
var fatalf = func(logger *zap.Logger, code int, msg string, fields ...zap.Field) {
	logger.Fatal(msg, append(fields, zap.Int("code", code))...)
}
