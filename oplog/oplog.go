package oplog

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SupportedVersion is the only oplog schema version this process can
// apply. Entries with a missing "v" field are treated as version 1.
const SupportedVersion = 2

// Entry is a single operation from the replication oplog. It wraps the
// raw BSON document it was received as and caches the fields the
// applier needs. Entries are immutable after construction except for
// the ForCapped marker, which the batch partitioner sets.
type Entry struct {
	Raw       bson.Raw
	Timestamp primitive.Timestamp // "ts"
	Term      int64               // "t"
	Version   int                 // "v"; missing means 1
	Op        string              // "op": i, u, d, c, n
	Namespace string              // "ns": "database.collection"
	Object    bson.Raw            // "o"
	Object2   bson.Raw            // "o2"; identifying key for updates

	// ForCapped marks inserts into capped collections so the apply
	// stage never groups them into a bulk insert.
	ForCapped bool
}

// NewEntry parses an oplog document into an Entry. An empty raw
// document is the producer's drain sentinel and parses successfully.
func NewEntry(raw bson.Raw) (Entry, error) {
	e := Entry{Raw: raw, Version: 1}
	if len(raw) == 0 {
		return e, nil
	}
	if err := raw.Validate(); err != nil {
		return Entry{}, errors.Wrap(err, "invalid oplog entry")
	}
	if v, err := raw.LookupErr("ts"); err == nil {
		t, i, ok := v.TimestampOK()
		if !ok {
			return Entry{}, errors.Errorf("oplog entry %q field is not a timestamp", "ts")
		}
		e.Timestamp = primitive.Timestamp{T: t, I: i}
	}
	if v, err := raw.LookupErr("t"); err == nil {
		e.Term, _ = v.AsInt64OK()
	}
	if v, err := raw.LookupErr("v"); err == nil {
		n, ok := v.AsInt64OK()
		if !ok {
			return Entry{}, errors.Errorf("oplog entry %q field is not numeric", "v")
		}
		e.Version = int(n)
	}
	if v, err := raw.LookupErr("op"); err == nil {
		e.Op, _ = v.StringValueOK()
	}
	if v, err := raw.LookupErr("ns"); err == nil {
		e.Namespace, _ = v.StringValueOK()
	}
	if v, err := raw.LookupErr("o"); err == nil {
		if doc, ok := v.DocumentOK(); ok {
			e.Object = doc
		}
	}
	if v, err := raw.LookupErr("o2"); err == nil {
		if doc, ok := v.DocumentOK(); ok {
			e.Object2 = doc
		}
	}
	return e, nil
}

// New marshals doc and parses it as an oplog entry.
func New(doc bson.D) (Entry, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return Entry{}, err
	}
	return NewEntry(raw)
}

// Sentinel reports whether the entry is the producer's drain marker.
func (e *Entry) Sentinel() bool {
	return len(e.Raw) == 0
}

// SizeBytes is the encoded size of the entry, used for batch byte
// accounting.
func (e *Entry) SizeBytes() int {
	return len(e.Raw)
}

// OpTime returns the entry's position in the oplog.
func (e *Entry) OpTime() OpTime {
	return OpTime{Timestamp: e.Timestamp, Term: e.Term}
}

// IsCRUD reports whether the entry is an insert, update or delete.
func (e *Entry) IsCRUD() bool {
	switch e.Op {
	case "i", "u", "d":
		return true
	}
	return false
}

// IsCommand reports whether the entry is a command op.
func (e *Entry) IsCommand() bool {
	return e.Op == "c"
}

// IsNoOp reports whether the entry is a no-op.
func (e *Entry) IsNoOp() bool {
	return e.Op == "n"
}

// IsIndexBuild reports whether the entry is an index build. Index
// builds are replicated as inserts into the database's system.indexes
// collection rather than as commands.
func (e *Entry) IsIndexBuild() bool {
	return e.Op == "i" && CollectionPart(e.Namespace) == "system.indexes"
}

// IDElement returns the _id of the document the entry affects. Updates
// carry the identifying key in o2; all other ops carry it in o. The
// second return is false when no _id is present.
func (e *Entry) IDElement() (bson.RawValue, bool) {
	src := e.Object
	if e.Op == "u" {
		src = e.Object2
	}
	if len(src) == 0 {
		return bson.RawValue{}, false
	}
	v, err := src.LookupErr("_id")
	if err != nil {
		return bson.RawValue{}, false
	}
	return v, true
}

// OpTime is a (timestamp, term) pair identifying a position in the
// oplog. OpTimes are totally ordered: first by timestamp, then by term.
type OpTime struct {
	Timestamp primitive.Timestamp
	Term      int64
}

// IsNull reports whether the OpTime is the zero value.
func (ot OpTime) IsNull() bool {
	return ot.Timestamp.T == 0 && ot.Timestamp.I == 0 && ot.Term == 0
}

// Compare returns -1, 0, or 1 as ot orders before, equal to, or after
// other.
func (ot OpTime) Compare(other OpTime) int {
	if c := primitive.CompareTimestamp(ot.Timestamp, other.Timestamp); c != 0 {
		return c
	}
	switch {
	case ot.Term < other.Term:
		return -1
	case ot.Term > other.Term:
		return 1
	}
	return 0
}

// After reports whether ot orders strictly after other.
func (ot OpTime) After(other OpTime) bool {
	return ot.Compare(other) > 0
}

func (ot OpTime) String() string {
	return fmt.Sprintf("{ts: %d.%d, t: %d}", ot.Timestamp.T, ot.Timestamp.I, ot.Term)
}

// DatabasePart returns the database portion of a "database.collection"
// namespace.
func DatabasePart(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[:i]
	}
	return ns
}

// CollectionPart returns the collection portion of a
// "database.collection" namespace, or "" if there is none.
func CollectionPart(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ""
}
