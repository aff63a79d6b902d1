package storage

import (
	"context"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nvanbenschoten/oplogtoy/oplog"
)

const defaultOplogMaxSize = 1024 * 1024 * 1024

// Mem is an in-memory Engine. Its behavior knobs (durability, document
// locking, the legacy prefetch path) and failure injection make it the
// engine of choice for tests; it also backs the binary's -engine=mem
// mode.
type Mem struct {
	durable    bool
	docLocking bool
	mmapV1     bool

	mu              sync.Mutex
	colls           map[string]*memCollection
	oplogEntries    []bson.Raw // kept sorted by ts
	oplogMaxSize    int64
	deleteFromPoint primitive.Timestamp
	minValid        oplog.OpTime
	appliedThrough  oplog.OpTime
	newestTs        primitive.Timestamp

	// Failure injection and observation hooks.
	conflictsLeft    int
	prefetchErr      error
	prefetched       []string
	durableGate      chan struct{} // non-nil blocks WaitUntilDurable
	durableWaits     int
	oplogInsertCalls int
}

type memCollection struct {
	opts CollectionOptions
	docs map[string]bson.Raw
}

// MemOption configures a Mem engine.
type MemOption func(*Mem)

// WithDurability makes the engine report as journaled.
func WithDurability() MemOption { return func(m *Mem) { m.durable = true } }

// WithoutDocLocking makes the engine report collection-level locking
// only, like the legacy engines.
func WithoutDocLocking() MemOption { return func(m *Mem) { m.docLocking = false } }

// WithMmapV1 makes the engine identify as the legacy mmap engine, which
// enables the prefetch pass.
func WithMmapV1() MemOption { return func(m *Mem) { m.mmapV1 = true } }

// WithOplogMaxSize overrides the reported oplog cap.
func WithOplogMaxSize(n int64) MemOption { return func(m *Mem) { m.oplogMaxSize = n } }

// NewMem creates an in-memory engine. By default it is non-durable,
// doc-locking, and not mmapv1.
func NewMem(opts ...MemOption) *Mem {
	m := &Mem{
		docLocking:   true,
		colls:        make(map[string]*memCollection),
		oplogMaxSize: defaultOplogMaxSize,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// InjectWriteConflicts makes the next n document writes fail with
// ErrWriteConflict.
func (m *Mem) InjectWriteConflicts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflictsLeft = n
}

// InjectPrefetchError makes PrefetchPages return err.
func (m *Mem) InjectPrefetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefetchErr = err
}

// PrefetchedNamespaces returns the namespaces prefetched so far.
func (m *Mem) PrefetchedNamespaces() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prefetched...)
}

// BlockDurability makes WaitUntilDurable block until the returned func
// is called.
func (m *Mem) BlockDurability() (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.durableGate = gate
	return func() { close(gate) }
}

// DurableWaits counts WaitUntilDurable calls.
func (m *Mem) DurableWaits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.durableWaits
}

// InsertDocuments implements Engine.
func (m *Mem) InsertDocuments(ctx context.Context, ns string, docs []bson.Raw) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns == OplogNamespace {
		m.oplogInsertCalls++
		m.oplogEntries = append(m.oplogEntries, docs...)
		// Doc-locking engines keep the oplog ordered by ts no matter
		// the insertion order.
		sort.SliceStable(m.oplogEntries, func(i, j int) bool {
			return primitive.CompareTimestamp(rawTs(m.oplogEntries[i]), rawTs(m.oplogEntries[j])) < 0
		})
		return nil
	}
	coll := m.getOrCreateLocked(ns)
	for _, doc := range docs {
		id, err := doc.LookupErr("_id")
		if err != nil {
			continue
		}
		coll.docs[string(oplog.CanonicalID(id))] = doc
	}
	return nil
}

func rawTs(doc bson.Raw) primitive.Timestamp {
	if v, err := doc.LookupErr("ts"); err == nil {
		if t, i, ok := v.TimestampOK(); ok {
			return primitive.Timestamp{T: t, I: i}
		}
	}
	return primitive.Timestamp{}
}

// OplogInsertCalls counts InsertDocuments calls against the oplog
// namespace, exposing how oplog writes were partitioned.
func (m *Mem) OplogInsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.oplogInsertCalls
}

// OplogEntries returns a copy of the oplog contents, in ts order.
func (m *Mem) OplogEntries() []bson.Raw {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bson.Raw(nil), m.oplogEntries...)
}

// SetOplogDeleteFromPoint implements Engine.
func (m *Mem) SetOplogDeleteFromPoint(ts primitive.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteFromPoint = ts
	return nil
}

// OplogDeleteFromPoint implements Engine.
func (m *Mem) OplogDeleteFromPoint() (primitive.Timestamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteFromPoint, nil
}

// SetMinValidToAtLeast implements Engine.
func (m *Mem) SetMinValidToAtLeast(ot oplog.OpTime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ot.After(m.minValid) {
		m.minValid = ot
	}
	return nil
}

// MinValid implements Engine.
func (m *Mem) MinValid() (oplog.OpTime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minValid, nil
}

// SetAppliedThrough implements Engine.
func (m *Mem) SetAppliedThrough(ot oplog.OpTime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appliedThrough = ot
	return nil
}

// AppliedThrough implements Engine.
func (m *Mem) AppliedThrough() (oplog.OpTime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appliedThrough, nil
}

// OplogMaxSize implements Engine.
func (m *Mem) OplogMaxSize() (int64, error) {
	return m.oplogMaxSize, nil
}

// SetNewTimestamp implements Engine.
func (m *Mem) SetNewTimestamp(ts primitive.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if primitive.CompareTimestamp(ts, m.newestTs) > 0 {
		m.newestTs = ts
	}
}

// NewestTimestamp implements Engine.
func (m *Mem) NewestTimestamp() primitive.Timestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newestTs
}

// IsDurable implements Engine.
func (m *Mem) IsDurable() bool { return m.durable }

// IsMmapV1 implements Engine.
func (m *Mem) IsMmapV1() bool { return m.mmapV1 }

// SupportsDocLocking implements Engine.
func (m *Mem) SupportsDocLocking() bool { return m.docLocking }

// WaitUntilDurable implements Engine.
func (m *Mem) WaitUntilDurable(ctx context.Context) error {
	m.mu.Lock()
	m.durableWaits++
	gate := m.durableGate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// CollectionProperties implements Engine.
func (m *Mem) CollectionProperties(ns string) (CollectionProperties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.colls[ns]
	if !ok {
		return CollectionProperties{}, nil
	}
	return CollectionProperties{
		Exists:                true,
		Capped:                coll.opts.Capped,
		HasNonSimpleCollation: coll.opts.Collation != "",
	}, nil
}

// CreateCollection implements Engine.
func (m *Mem) CreateCollection(ns string, opts CollectionOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.colls[ns]; ok {
		return nil
	}
	m.colls[ns] = &memCollection{opts: opts, docs: make(map[string]bson.Raw)}
	return nil
}

// DropCollection implements Engine.
func (m *Mem) DropCollection(ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.colls[ns]; !ok {
		return ErrNamespaceNotFound
	}
	delete(m.colls, ns)
	return nil
}

// EmptyCollection implements Engine.
func (m *Mem) EmptyCollection(ns string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.colls[ns]
	if !ok {
		return ErrNamespaceNotFound
	}
	coll.docs = make(map[string]bson.Raw)
	return nil
}

// DatabaseExists implements Engine.
func (m *Mem) DatabaseExists(db string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ns := range m.colls {
		if oplog.DatabasePart(ns) == db {
			return true
		}
	}
	return false
}

// UpsertDocument implements Engine.
func (m *Mem) UpsertDocument(ns string, id bson.RawValue, doc bson.Raw) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return ErrWriteConflict
	}
	coll := m.getOrCreateLocked(ns)
	coll.docs[string(oplog.CanonicalID(id))] = doc
	return nil
}

// DeleteDocument implements Engine.
func (m *Mem) DeleteDocument(ns string, id bson.RawValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictsLeft > 0 {
		m.conflictsLeft--
		return ErrWriteConflict
	}
	if coll, ok := m.colls[ns]; ok {
		delete(coll.docs, string(oplog.CanonicalID(id)))
	}
	return nil
}

// FindDocument implements Engine.
func (m *Mem) FindDocument(ns string, id bson.RawValue) (bson.Raw, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.colls[ns]
	if !ok {
		return nil, false, nil
	}
	doc, ok := coll.docs[string(oplog.CanonicalID(id))]
	return doc, ok, nil
}

// CollectionCount returns the number of documents in ns.
func (m *Mem) CollectionCount(ns string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if coll, ok := m.colls[ns]; ok {
		return len(coll.docs)
	}
	return 0
}

// PrefetchPages implements Engine.
func (m *Mem) PrefetchPages(ns string, e *oplog.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prefetchErr != nil {
		return m.prefetchErr
	}
	m.prefetched = append(m.prefetched, ns)
	return nil
}

// Close implements Engine.
func (m *Mem) Close() error { return nil }

func (m *Mem) getOrCreateLocked(ns string) *memCollection {
	coll, ok := m.colls[ns]
	if !ok {
		coll = &memCollection{docs: make(map[string]bson.Raw)}
		m.colls[ns] = coll
	}
	return coll
}
