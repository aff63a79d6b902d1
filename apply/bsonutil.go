package apply

import (
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/nvanbenschoten/oplogtoy/oplog"
)

// marshalFields assembles a document from field values in the given
// key order.
func marshalFields(order []string, fields map[string]bson.RawValue) (bson.Raw, error) {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	for _, key := range order {
		v, ok := fields[key]
		if !ok {
			continue // unset
		}
		doc = bsoncore.AppendValueElement(doc, key, bsoncore.Value{Type: v.Type, Data: v.Value})
	}
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		return nil, err
	}
	return bson.Raw(doc), nil
}

// groupedInsert synthesizes a single insert entry from a run of
// inserts to one namespace: the envelope (every field but "o") comes
// from the first entry, and "o" becomes the array of all the run's
// documents.
func groupedInsert(run []*oplog.Entry) (oplog.Entry, error) {
	first := run[0]
	idx, doc := bsoncore.AppendDocumentStart(nil)
	elems, err := first.Raw.Elements()
	if err != nil {
		return oplog.Entry{}, err
	}
	for _, el := range elems {
		if el.Key() == "o" {
			continue
		}
		v := el.Value()
		doc = bsoncore.AppendValueElement(doc, el.Key(), bsoncore.Value{Type: v.Type, Data: v.Value})
	}
	aidx, doc := bsoncore.AppendArrayElementStart(doc, "o")
	for i, e := range run {
		doc = bsoncore.AppendDocumentElement(doc, strconv.Itoa(i), bsoncore.Document(e.Object))
	}
	doc, err = bsoncore.AppendArrayEnd(doc, aidx)
	if err != nil {
		return oplog.Entry{}, err
	}
	doc, err = bsoncore.AppendDocumentEnd(doc, idx)
	if err != nil {
		return oplog.Entry{}, err
	}
	return oplog.NewEntry(bson.Raw(doc))
}
