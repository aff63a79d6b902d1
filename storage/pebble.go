package storage

import (
	"context"
	"encoding/binary"
	"sync"

	pdb "github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/nvanbenschoten/oplogtoy/oplog"
)

// Key layout, one prefix byte per keyspace:
//
//	d <ns> 0x00 <canonical id>  document
//	o <ts, 8 bytes big-endian>  oplog entry (ordered by ts)
//	c <ns>                      collection catalog record
//	m <name>                    replication metadata
var (
	docPrefix     = []byte{'d'}
	oplogPrefix   = []byte{'o'}
	catalogPrefix = []byte{'c'}
	metaPrefix    = []byte{'m'}
)

var (
	metaDeleteFromPoint = metaKey("oplogDeleteFromPoint")
	metaMinValid        = metaKey("minValid")
	metaAppliedThrough  = metaKey("appliedThrough")
)

// Pebble is an LSM-backed Engine. It journals (durable), supports
// document-level locking, and is not mmapv1.
type Pebble struct {
	db  *pdb.DB
	dir string

	oplogMaxSize int64

	mu       sync.Mutex
	newestTs primitive.Timestamp
}

// NewPebble opens (or creates) a pebble engine in dir.
func NewPebble(dir string, oplogMaxSize int64) (*Pebble, error) {
	db, err := pdb.Open(dir, &pdb.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble")
	}
	if oplogMaxSize <= 0 {
		oplogMaxSize = defaultOplogMaxSize
	}
	return &Pebble{db: db, dir: dir, oplogMaxSize: oplogMaxSize}, nil
}

func docKey(ns string, id bson.RawValue) []byte {
	k := append([]byte(nil), docPrefix...)
	k = append(k, ns...)
	k = append(k, 0x00)
	return append(k, oplog.CanonicalID(id)...)
}

func oplogKey(ts primitive.Timestamp) []byte {
	k := append([]byte(nil), oplogPrefix...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.T)<<32|uint64(ts.I))
	return append(k, buf[:]...)
}

func catalogKey(ns string) []byte {
	return append(append([]byte(nil), catalogPrefix...), ns...)
}

func metaKey(name string) []byte {
	return append(append([]byte(nil), metaPrefix...), name...)
}

// InsertDocuments implements Engine. Oplog inserts key by ts so the log
// reads back in timestamp order no matter which worker wrote first.
func (p *Pebble) InsertDocuments(ctx context.Context, ns string, docs []bson.Raw) error {
	b := p.db.NewBatch()
	for _, doc := range docs {
		var key []byte
		if ns == OplogNamespace {
			key = oplogKey(rawTs(doc))
		} else {
			id, err := doc.LookupErr("_id")
			if err != nil {
				return errors.Wrapf(err, "document for %s has no _id", ns)
			}
			key = docKey(ns, id)
		}
		if err := b.Set(key, doc, nil); err != nil {
			return err
		}
	}
	return b.Commit(pdb.NoSync)
}

// OplogScan returns the oplog contents in ts order.
func (p *Pebble) OplogScan() ([]bson.Raw, error) {
	it, err := p.db.NewIter(&pdb.IterOptions{
		LowerBound: oplogPrefix,
		UpperBound: []byte{oplogPrefix[0] + 1},
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var docs []bson.Raw
	for valid := it.First(); valid; valid = it.Next() {
		docs = append(docs, append(bson.Raw(nil), it.Value()...))
	}
	return docs, it.Error()
}

// SetOplogDeleteFromPoint implements Engine. The marker is a crash
// recovery fence, so it commits synchronously.
func (p *Pebble) SetOplogDeleteFromPoint(ts primitive.Timestamp) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts.T)<<32|uint64(ts.I))
	return p.db.Set(metaDeleteFromPoint, buf[:], pdb.Sync)
}

// OplogDeleteFromPoint implements Engine.
func (p *Pebble) OplogDeleteFromPoint() (primitive.Timestamp, error) {
	val, closer, err := p.db.Get(metaDeleteFromPoint)
	if err == pdb.ErrNotFound {
		return primitive.Timestamp{}, nil
	}
	if err != nil {
		return primitive.Timestamp{}, err
	}
	defer closer.Close()
	v := binary.BigEndian.Uint64(val)
	return primitive.Timestamp{T: uint32(v >> 32), I: uint32(v)}, nil
}

type optimeDoc struct {
	TS primitive.Timestamp `bson:"ts"`
	T  int64               `bson:"t"`
}

func (p *Pebble) putOpTime(key []byte, ot oplog.OpTime) error {
	raw, err := bson.Marshal(optimeDoc{TS: ot.Timestamp, T: ot.Term})
	if err != nil {
		return err
	}
	return p.db.Set(key, raw, pdb.Sync)
}

func (p *Pebble) getOpTime(key []byte) (oplog.OpTime, error) {
	val, closer, err := p.db.Get(key)
	if err == pdb.ErrNotFound {
		return oplog.OpTime{}, nil
	}
	if err != nil {
		return oplog.OpTime{}, err
	}
	defer closer.Close()
	var doc optimeDoc
	if err := bson.Unmarshal(val, &doc); err != nil {
		return oplog.OpTime{}, err
	}
	return oplog.OpTime{Timestamp: doc.TS, Term: doc.T}, nil
}

// SetMinValidToAtLeast implements Engine.
func (p *Pebble) SetMinValidToAtLeast(ot oplog.OpTime) error {
	cur, err := p.getOpTime(metaMinValid)
	if err != nil {
		return err
	}
	if !ot.After(cur) {
		return nil
	}
	return p.putOpTime(metaMinValid, ot)
}

// MinValid implements Engine.
func (p *Pebble) MinValid() (oplog.OpTime, error) {
	return p.getOpTime(metaMinValid)
}

// SetAppliedThrough implements Engine.
func (p *Pebble) SetAppliedThrough(ot oplog.OpTime) error {
	return p.putOpTime(metaAppliedThrough, ot)
}

// AppliedThrough implements Engine.
func (p *Pebble) AppliedThrough() (oplog.OpTime, error) {
	return p.getOpTime(metaAppliedThrough)
}

// OplogMaxSize implements Engine.
func (p *Pebble) OplogMaxSize() (int64, error) {
	return p.oplogMaxSize, nil
}

// SetNewTimestamp implements Engine.
func (p *Pebble) SetNewTimestamp(ts primitive.Timestamp) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if primitive.CompareTimestamp(ts, p.newestTs) > 0 {
		p.newestTs = ts
	}
}

// NewestTimestamp implements Engine.
func (p *Pebble) NewestTimestamp() primitive.Timestamp {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newestTs
}

// IsDurable implements Engine.
func (p *Pebble) IsDurable() bool { return true }

// IsMmapV1 implements Engine.
func (p *Pebble) IsMmapV1() bool { return false }

// SupportsDocLocking implements Engine.
func (p *Pebble) SupportsDocLocking() bool { return true }

// WaitUntilDurable implements Engine.
func (p *Pebble) WaitUntilDurable(ctx context.Context) error {
	return p.db.Flush()
}

type catalogDoc struct {
	Capped    bool   `bson:"capped"`
	SizeBytes int64  `bson:"size,omitempty"`
	Collation string `bson:"collation,omitempty"`
}

// CollectionProperties implements Engine.
func (p *Pebble) CollectionProperties(ns string) (CollectionProperties, error) {
	val, closer, err := p.db.Get(catalogKey(ns))
	if err == pdb.ErrNotFound {
		return CollectionProperties{}, nil
	}
	if err != nil {
		return CollectionProperties{}, err
	}
	defer closer.Close()
	var doc catalogDoc
	if err := bson.Unmarshal(val, &doc); err != nil {
		return CollectionProperties{}, err
	}
	return CollectionProperties{
		Exists:                true,
		Capped:                doc.Capped,
		HasNonSimpleCollation: doc.Collation != "",
	}, nil
}

// CreateCollection implements Engine.
func (p *Pebble) CreateCollection(ns string, opts CollectionOptions) error {
	raw, err := bson.Marshal(catalogDoc{
		Capped:    opts.Capped,
		SizeBytes: opts.SizeBytes,
		Collation: opts.Collation,
	})
	if err != nil {
		return err
	}
	return p.db.Set(catalogKey(ns), raw, pdb.NoSync)
}

// DropCollection implements Engine.
func (p *Pebble) DropCollection(ns string) error {
	props, err := p.CollectionProperties(ns)
	if err != nil {
		return err
	}
	if !props.Exists {
		return ErrNamespaceNotFound
	}
	if err := p.EmptyCollection(ns); err != nil {
		return err
	}
	return p.db.Delete(catalogKey(ns), pdb.NoSync)
}

// EmptyCollection implements Engine.
func (p *Pebble) EmptyCollection(ns string) error {
	props, err := p.CollectionProperties(ns)
	if err != nil {
		return err
	}
	if !props.Exists {
		return ErrNamespaceNotFound
	}
	start := append(append([]byte(nil), docPrefix...), ns...)
	start = append(start, 0x00)
	end := append(append([]byte(nil), docPrefix...), ns...)
	end = append(end, 0x01)
	return p.db.DeleteRange(start, end, pdb.NoSync)
}

// DatabaseExists implements Engine.
func (p *Pebble) DatabaseExists(db string) bool {
	lo := append(append([]byte(nil), catalogPrefix...), db+"."...)
	hi := append(append([]byte(nil), catalogPrefix...), db+"/"...) // '.'+1
	it, err := p.db.NewIter(&pdb.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return false
	}
	defer it.Close()
	return it.First()
}

// UpsertDocument implements Engine. Implicit collection creation
// happens at the catalog level in the apply hooks; at this level a
// missing catalog record is fine.
func (p *Pebble) UpsertDocument(ns string, id bson.RawValue, doc bson.Raw) error {
	return p.db.Set(docKey(ns, id), doc, pdb.NoSync)
}

// DeleteDocument implements Engine.
func (p *Pebble) DeleteDocument(ns string, id bson.RawValue) error {
	return p.db.Delete(docKey(ns, id), pdb.NoSync)
}

// FindDocument implements Engine.
func (p *Pebble) FindDocument(ns string, id bson.RawValue) (bson.Raw, bool, error) {
	val, closer, err := p.db.Get(docKey(ns, id))
	if err == pdb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	doc := append(bson.Raw(nil), val...)
	return doc, true, nil
}

// PrefetchPages implements Engine. Pebble is not mmapv1; nothing to
// warm.
func (p *Pebble) PrefetchPages(ns string, e *oplog.Entry) error { return nil }

// Close implements Engine.
func (p *Pebble) Close() error {
	return p.db.Close()
}
