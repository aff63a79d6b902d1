package oplog

import (
	"math"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// CanonicalID returns bytes identifying an _id value under simple BSON
// comparator semantics: numerically equal int32, int64, and double
// values map to the same bytes, so they hash and key identically.
func CanonicalID(v bson.RawValue) []byte {
	switch v.Type {
	case bsontype.Int32:
		return appendCanonicalInt(nil, int64(v.Int32()))
	case bsontype.Int64:
		return appendCanonicalInt(nil, v.Int64())
	case bsontype.Double:
		f := v.Double()
		if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
			return appendCanonicalInt(nil, int64(f))
		}
		b := []byte{'f'}
		return strconv.AppendFloat(b, f, 'g', -1, 64)
	default:
		b := []byte{byte(v.Type), ':'}
		return append(b, v.Value...)
	}
}

func appendCanonicalInt(b []byte, n int64) []byte {
	b = append(b, 'n')
	return strconv.AppendInt(b, n, 10)
}
