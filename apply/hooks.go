package apply

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"

	"github.com/pkg/errors"

	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/storage"
)

// Hooks are the op-apply callbacks syncApply dispatches to once locks
// are held. Tests inject stubs; the defaults apply ops to the storage
// engine.
type Hooks struct {
	// ApplyOperation applies a CRUD, no-op, or index-build entry.
	ApplyOperation func(e *oplog.Entry, convertUpdateToUpsert bool) error
	// ApplyCommand applies a command entry.
	ApplyCommand func(e *oplog.Entry) error
}

// DefaultHooks applies entries directly to engine.
func DefaultHooks(engine storage.Engine) Hooks {
	return Hooks{
		ApplyOperation: func(e *oplog.Entry, convertUpdateToUpsert bool) error {
			return applyOperation(engine, e, convertUpdateToUpsert)
		},
		ApplyCommand: func(e *oplog.Entry) error {
			return applyCommand(engine, e)
		},
	}
}

// ErrNoSuchDocument is returned when an update targets a document that
// does not exist and upsert conversion is off. Initial sync answers it
// by refetching the document from the sync source.
var ErrNoSuchDocument = errors.New("no matching document found")

func applyOperation(engine storage.Engine, e *oplog.Entry, convertUpdateToUpsert bool) error {
	switch e.Op {
	case "i":
		return applyInsert(engine, e)
	case "u":
		return applyUpdate(engine, e, convertUpdateToUpsert)
	case "d":
		id, ok := e.IDElement()
		if !ok {
			return errors.Errorf("delete op on %s has no _id", e.Namespace)
		}
		// Deleting an already-absent document is fine on replay.
		return engine.DeleteDocument(e.Namespace, id)
	case "n":
		return nil
	}
	return errors.Errorf("bad op type %q", e.Op)
}

func applyInsert(engine storage.Engine, e *oplog.Entry) error {
	props, err := engine.CollectionProperties(e.Namespace)
	if err != nil {
		return err
	}
	if !props.Exists {
		if err := engine.CreateCollection(e.Namespace, storage.CollectionOptions{}); err != nil {
			return err
		}
	}

	// A grouped insert carries "o" as an array of documents.
	if v, lerr := e.Raw.LookupErr("o"); lerr == nil && v.Type == bsontype.Array {
		vals, aerr := bson.Raw(v.Array()).Values()
		if aerr != nil {
			return errors.Wrap(aerr, "reading grouped insert")
		}
		for _, val := range vals {
			doc, ok := val.DocumentOK()
			if !ok {
				return errors.New("grouped insert element is not a document")
			}
			if err := insertOne(engine, e.Namespace, doc); err != nil {
				return err
			}
		}
		return nil
	}

	return insertOne(engine, e.Namespace, e.Object)
}

func insertOne(engine storage.Engine, ns string, doc bson.Raw) error {
	id, err := doc.LookupErr("_id")
	if err != nil {
		return errors.Wrapf(err, "insert into %s has no _id", ns)
	}
	// Replayed inserts are upserts by _id so reapplying a batch is a
	// no-op at the document level.
	return engine.UpsertDocument(ns, id, doc)
}

func applyUpdate(engine storage.Engine, e *oplog.Entry, convertUpdateToUpsert bool) error {
	id, ok := e.IDElement()
	if !ok {
		return errors.Errorf("update op on %s has no _id", e.Namespace)
	}
	existing, found, err := engine.FindDocument(e.Namespace, id)
	if err != nil {
		return err
	}
	if !found && !convertUpdateToUpsert {
		return errors.Wrapf(ErrNoSuchDocument, "update on %s", e.Namespace)
	}

	newDoc, err := applyUpdateMods(existing, e.Object, e.Object2)
	if err != nil {
		return err
	}

	props, err := engine.CollectionProperties(e.Namespace)
	if err != nil {
		return err
	}
	if !props.Exists {
		if err := engine.CreateCollection(e.Namespace, storage.CollectionOptions{}); err != nil {
			return err
		}
	}
	return engine.UpsertDocument(e.Namespace, id, newDoc)
}

// applyUpdateMods computes the post-image of an update. A modifier
// document ($set/$unset) merges into the existing document (or the o2
// key when upserting); anything else is a whole-document replacement.
func applyUpdateMods(existing, o, o2 bson.Raw) (bson.Raw, error) {
	mods, err := o.Elements()
	if err != nil {
		return nil, errors.Wrap(err, "reading update mods")
	}
	isModifier := len(mods) > 0 && len(mods[0].Key()) > 0 && mods[0].Key()[0] == '$'
	if !isModifier {
		return o, nil
	}

	fields := make(map[string]bson.RawValue)
	var order []string
	add := func(doc bson.Raw) error {
		elems, err := doc.Elements()
		if err != nil {
			return err
		}
		for _, el := range elems {
			if _, ok := fields[el.Key()]; !ok {
				order = append(order, el.Key())
			}
			fields[el.Key()] = el.Value()
		}
		return nil
	}
	if len(existing) > 0 {
		if err := add(existing); err != nil {
			return nil, err
		}
	} else if len(o2) > 0 {
		if err := add(o2); err != nil {
			return nil, err
		}
	}
	for _, el := range mods {
		sub, ok := el.Value().DocumentOK()
		if !ok {
			return nil, errors.Errorf("update modifier %q is not a document", el.Key())
		}
		elems, err := sub.Elements()
		if err != nil {
			return nil, err
		}
		switch el.Key() {
		case "$set":
			for _, set := range elems {
				if _, ok := fields[set.Key()]; !ok {
					order = append(order, set.Key())
				}
				fields[set.Key()] = set.Value()
			}
		case "$unset":
			for _, unset := range elems {
				delete(fields, unset.Key())
			}
		default:
			return nil, errors.Errorf("unsupported update modifier %q", el.Key())
		}
	}

	return marshalFields(order, fields)
}

func applyCommand(engine storage.Engine, e *oplog.Entry) error {
	elems, err := e.Object.Elements()
	if err != nil || len(elems) == 0 {
		return errors.Errorf("malformed command entry on %s", e.Namespace)
	}
	cmd := elems[0]
	db := oplog.DatabasePart(e.Namespace)
	target, _ := cmd.Value().StringValueOK()
	ns := db + "." + target

	switch cmd.Key() {
	case "create":
		opts := storage.CollectionOptions{}
		if v, lerr := e.Object.LookupErr("capped"); lerr == nil {
			opts.Capped, _ = v.BooleanOK()
		}
		if v, lerr := e.Object.LookupErr("size"); lerr == nil {
			opts.SizeBytes, _ = v.AsInt64OK()
		}
		if v, lerr := e.Object.LookupErr("collation"); lerr == nil {
			if doc, ok := v.DocumentOK(); ok {
				locale, _ := doc.Lookup("locale").StringValueOK()
				opts.Collation = locale
			}
		}
		return engine.CreateCollection(ns, opts)
	case "drop":
		return engine.DropCollection(ns)
	case "emptycapped":
		return engine.EmptyCollection(ns)
	}
	return errors.Errorf("unsupported command %q in oplog entry", cmd.Key())
}
