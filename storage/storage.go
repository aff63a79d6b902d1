package storage

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nvanbenschoten/oplogtoy/oplog"
)

// OplogNamespace is the namespace the replication oplog lives under.
const OplogNamespace = "local.oplog.rs"

// Errors the apply path distinguishes. Write conflicts are retried
// transparently; the namespace and index errors are skipped during
// initial sync.
var (
	ErrWriteConflict            = errors.New("write conflict")
	ErrNamespaceNotFound        = errors.New("namespace not found")
	ErrCannotIndexParallelArrays = errors.New("cannot index parallel arrays")
)

// CollectionProperties are the catalog facts oplog application cares
// about.
type CollectionProperties struct {
	Exists bool
	Capped bool
	// HasNonSimpleCollation is true when the collection's default
	// collation is anything other than the simple binary collation.
	HasNonSimpleCollation bool
}

// CollectionOptions configure collection creation.
type CollectionOptions struct {
	Capped    bool
	SizeBytes int64
	// Collation names a default collation; empty means simple.
	Collation string
}

// Engine is the storage interface the replication applier consumes.
type Engine interface {
	// InsertDocuments bulk-inserts raw documents into ns. For the oplog
	// namespace on doc-locking engines, entries are ordered by their ts
	// regardless of insertion order.
	InsertDocuments(ctx context.Context, ns string, docs []bson.Raw) error

	// SetOplogDeleteFromPoint persists the truncate-after marker used
	// by crash recovery. A zero timestamp clears it.
	SetOplogDeleteFromPoint(ts primitive.Timestamp) error
	// OplogDeleteFromPoint reads the marker back.
	OplogDeleteFromPoint() (primitive.Timestamp, error)
	// SetMinValidToAtLeast raises the persisted minValid to ot if it is
	// currently lower.
	SetMinValidToAtLeast(ot oplog.OpTime) error
	// MinValid reads the persisted minValid.
	MinValid() (oplog.OpTime, error)
	// SetAppliedThrough persists the optime application has reached.
	SetAppliedThrough(ot oplog.OpTime) error
	// AppliedThrough reads it back.
	AppliedThrough() (oplog.OpTime, error)

	// OplogMaxSize returns the configured maximum oplog size in bytes.
	OplogMaxSize() (int64, error)

	// SetNewTimestamp publishes ts to the node's timestamp clock so
	// subsequent local writes stamp after it.
	SetNewTimestamp(ts primitive.Timestamp)
	// NewestTimestamp reads the clock.
	NewestTimestamp() primitive.Timestamp

	// IsDurable reports whether the engine journals writes. It selects
	// the durable finalizer.
	IsDurable() bool
	// IsMmapV1 reports whether the engine is the legacy mmap engine,
	// which wants a prefetch pass before applying a batch.
	IsMmapV1() bool
	// SupportsDocLocking reports document-level locking, which enables
	// parallel oplog writes and per-id stream dispersal.
	SupportsDocLocking() bool
	// WaitUntilDurable blocks until everything written so far is
	// durable.
	WaitUntilDurable(ctx context.Context) error

	// CollectionProperties reports catalog facts for ns.
	CollectionProperties(ns string) (CollectionProperties, error)
	// CreateCollection adds ns to the catalog.
	CreateCollection(ns string, opts CollectionOptions) error
	// DropCollection removes ns and its documents.
	DropCollection(ns string) error
	// EmptyCollection removes ns's documents but keeps the collection.
	EmptyCollection(ns string) error
	// DatabaseExists reports whether any collection exists under db.
	DatabaseExists(db string) bool

	// UpsertDocument writes doc into ns keyed by id. Mem adds a missing
	// ns to its catalog; Pebble writes no catalog record.
	UpsertDocument(ns string, id bson.RawValue, doc bson.Raw) error
	// DeleteDocument removes the document keyed by id. Deleting an
	// absent document is not an error.
	DeleteDocument(ns string, id bson.RawValue) error
	// FindDocument looks up the document keyed by id.
	FindDocument(ns string, id bson.RawValue) (bson.Raw, bool, error)

	// PrefetchPages warms pages for the op on legacy engines. Modern
	// engines treat it as a no-op.
	PrefetchPages(ns string, e *oplog.Entry) error

	Close() error
}
