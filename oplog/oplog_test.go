package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func mustEntry(t *testing.T, doc bson.D) Entry {
	t.Helper()
	e, err := New(doc)
	require.NoError(t, err)
	return e
}

func TestNewEntry(t *testing.T) {
	e := mustEntry(t, bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: 100, I: 2}},
		{Key: "t", Value: int64(3)},
		{Key: "v", Value: 2},
		{Key: "op", Value: "i"},
		{Key: "ns", Value: "app.users"},
		{Key: "o", Value: bson.D{{Key: "_id", Value: 1}, {Key: "name", Value: "a"}}},
	})

	assert.Equal(t, primitive.Timestamp{T: 100, I: 2}, e.Timestamp)
	assert.Equal(t, int64(3), e.Term)
	assert.Equal(t, 2, e.Version)
	assert.Equal(t, "i", e.Op)
	assert.Equal(t, "app.users", e.Namespace)
	assert.True(t, e.IsCRUD())
	assert.False(t, e.IsCommand())
	assert.False(t, e.Sentinel())
	assert.Equal(t, len(e.Raw), e.SizeBytes())
	assert.Equal(t, OpTime{Timestamp: primitive.Timestamp{T: 100, I: 2}, Term: 3}, e.OpTime())
}

func TestNewEntryMissingVersionMeansOne(t *testing.T) {
	e := mustEntry(t, bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: 1, I: 1}},
		{Key: "op", Value: "n"},
		{Key: "ns", Value: ""},
	})
	assert.Equal(t, 1, e.Version)
}

func TestSentinel(t *testing.T) {
	e, err := NewEntry(nil)
	require.NoError(t, err)
	assert.True(t, e.Sentinel())
	assert.Equal(t, 0, e.SizeBytes())
}

func TestIsIndexBuild(t *testing.T) {
	tests := []struct {
		op   string
		ns   string
		want bool
	}{
		{"i", "app.system.indexes", true},
		{"i", "app.users", false},
		{"c", "app.system.indexes", false},
		{"u", "app.system.indexes", false},
	}
	for _, tt := range tests {
		e := mustEntry(t, bson.D{
			{Key: "ts", Value: primitive.Timestamp{T: 1, I: 1}},
			{Key: "v", Value: 2},
			{Key: "op", Value: tt.op},
			{Key: "ns", Value: tt.ns},
		})
		assert.Equal(t, tt.want, e.IsIndexBuild(), "op=%s ns=%s", tt.op, tt.ns)
	}
}

func TestIDElement(t *testing.T) {
	ins := mustEntry(t, bson.D{
		{Key: "op", Value: "i"},
		{Key: "ns", Value: "app.users"},
		{Key: "o", Value: bson.D{{Key: "_id", Value: 7}}},
	})
	id, ok := ins.IDElement()
	require.True(t, ok)
	assert.EqualValues(t, 7, id.Int32())

	upd := mustEntry(t, bson.D{
		{Key: "op", Value: "u"},
		{Key: "ns", Value: "app.users"},
		{Key: "o", Value: bson.D{{Key: "$set", Value: bson.D{{Key: "x", Value: 1}}}}},
		{Key: "o2", Value: bson.D{{Key: "_id", Value: 8}}},
	})
	id, ok = upd.IDElement()
	require.True(t, ok)
	assert.EqualValues(t, 8, id.Int32())

	noID := mustEntry(t, bson.D{
		{Key: "op", Value: "i"},
		{Key: "ns", Value: "app.users"},
		{Key: "o", Value: bson.D{{Key: "x", Value: 1}}},
	})
	_, ok = noID.IDElement()
	assert.False(t, ok)
}

func TestOpTimeOrdering(t *testing.T) {
	a := OpTime{Timestamp: primitive.Timestamp{T: 1, I: 1}, Term: 1}
	b := OpTime{Timestamp: primitive.Timestamp{T: 1, I: 2}, Term: 1}
	c := OpTime{Timestamp: primitive.Timestamp{T: 1, I: 2}, Term: 2}
	d := OpTime{Timestamp: primitive.Timestamp{T: 2, I: 0}, Term: 1}

	assert.True(t, b.After(a))
	assert.True(t, c.After(b))
	assert.True(t, d.After(c))
	assert.False(t, a.After(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, OpTime{}.IsNull())
	assert.False(t, a.IsNull())
}

func TestNamespaceParts(t *testing.T) {
	assert.Equal(t, "app", DatabasePart("app.users"))
	assert.Equal(t, "users", CollectionPart("app.users"))
	assert.Equal(t, "system.indexes", CollectionPart("app.system.indexes"))
	assert.Equal(t, "", CollectionPart("app"))
}

func TestCanonicalIDNumericEquivalence(t *testing.T) {
	key := func(v interface{}) string {
		raw, err := bson.Marshal(bson.D{{Key: "_id", Value: v}})
		require.NoError(t, err)
		return string(CanonicalID(bson.Raw(raw).Lookup("_id")))
	}

	assert.Equal(t, key(int32(5)), key(int64(5)))
	assert.Equal(t, key(int32(5)), key(float64(5)))
	assert.NotEqual(t, key(int64(5)), key(int64(6)))
	assert.NotEqual(t, key("5"), key(int64(5)))
	assert.NotEqual(t, key(5.5), key(int64(5)))
}
