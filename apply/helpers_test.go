package apply

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/nvanbenschoten/oplogtoy/lock"
	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/pool"
	"github.com/nvanbenschoten/oplogtoy/producer"
	"github.com/nvanbenschoten/oplogtoy/repl"
	"github.com/nvanbenschoten/oplogtoy/storage"
)

func mustEntry(t *testing.T, doc bson.D) oplog.Entry {
	t.Helper()
	e, err := oplog.New(doc)
	require.NoError(t, err)
	return e
}

func insertE(t *testing.T, ts uint32, ns string, id interface{}) oplog.Entry {
	t.Helper()
	return mustEntry(t, bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: 100, I: ts}},
		{Key: "t", Value: int64(1)},
		{Key: "v", Value: oplog.SupportedVersion},
		{Key: "op", Value: "i"},
		{Key: "ns", Value: ns},
		{Key: "o", Value: bson.D{{Key: "_id", Value: id}, {Key: "seq", Value: int64(ts)}}},
	})
}

func updateE(t *testing.T, ts uint32, ns string, id interface{}) oplog.Entry {
	t.Helper()
	return mustEntry(t, bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: 100, I: ts}},
		{Key: "t", Value: int64(1)},
		{Key: "v", Value: oplog.SupportedVersion},
		{Key: "op", Value: "u"},
		{Key: "ns", Value: ns},
		{Key: "o2", Value: bson.D{{Key: "_id", Value: id}}},
		{Key: "o", Value: bson.D{{Key: "$set", Value: bson.D{{Key: "updated", Value: true}}}}},
	})
}

func deleteE(t *testing.T, ts uint32, ns string, id interface{}) oplog.Entry {
	t.Helper()
	return mustEntry(t, bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: 100, I: ts}},
		{Key: "t", Value: int64(1)},
		{Key: "v", Value: oplog.SupportedVersion},
		{Key: "op", Value: "d"},
		{Key: "ns", Value: ns},
		{Key: "o", Value: bson.D{{Key: "_id", Value: id}}},
	})
}

func commandE(t *testing.T, ts uint32, db string, cmd bson.D) oplog.Entry {
	t.Helper()
	return mustEntry(t, bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: 100, I: ts}},
		{Key: "t", Value: int64(1)},
		{Key: "v", Value: oplog.SupportedVersion},
		{Key: "op", Value: "c"},
		{Key: "ns", Value: db + ".$cmd"},
		{Key: "o", Value: cmd},
	})
}

type applierEnv struct {
	applier *Applier
	engine  *storage.Mem
	coord   *repl.LocalCoordinator
	prod    *producer.Mem
}

func newApplierEnv(t *testing.T, engineOpts []storage.MemOption, opts ...Option) *applierEnv {
	t.Helper()
	env := &applierEnv{
		engine: storage.NewMem(engineOpts...),
		coord:  repl.NewLocalCoordinator(repl.StateRecovering),
		prod:   producer.NewMem(),
	}
	p := pool.New(4, zap.NewNop())
	t.Cleanup(p.Shutdown)
	opts = append([]Option{WithPool(p)}, opts...)
	env.applier = New(zap.NewNop(), env.prod, env.engine, env.coord, lock.NewManager(), opts...)
	return env
}

// captureFatals redirects fatalf into a slice of assertion codes for
// the duration of the test.
func captureFatals(t *testing.T) *[]int {
	t.Helper()
	var codes []int
	orig := fatalf
	fatalf = func(logger *zap.Logger, code int, msg string, fields ...zap.Field) {
		codes = append(codes, code)
	}
	t.Cleanup(func() { fatalf = orig })
	return &codes
}

// fakeSource is an in-memory DocSource.
type fakeSource struct {
	docs map[string]bson.Raw // keyed by ns + canonical id
	// errs are consumed, one per FindOne call, before docs are served.
	errs  []error
	calls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{docs: make(map[string]bson.Raw)}
}

func (s *fakeSource) key(ns string, id bson.RawValue) string {
	return ns + "\x00" + string(oplog.CanonicalID(id))
}

func (s *fakeSource) put(t *testing.T, ns string, doc bson.D) {
	t.Helper()
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	id, err := bson.Raw(raw).LookupErr("_id")
	require.NoError(t, err)
	s.docs[s.key(ns, id)] = raw
}

func (s *fakeSource) FindOne(ctx context.Context, ns string, id bson.RawValue) (bson.Raw, bool, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, false, err
		}
	}
	doc, ok := s.docs[s.key(ns, id)]
	return doc, ok, nil
}

func (s *fakeSource) Close(ctx context.Context) error { return nil }
