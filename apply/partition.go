package apply

import (
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/storage"
)

// cachedCollectionProperties amortizes catalog lookups across a batch:
// deciding whether a namespace is capped or collated opens the
// collection, and a batch routinely hits the same few namespaces.
type cachedCollectionProperties struct {
	engine storage.Engine
	logger *zap.Logger
	cache  map[string]storage.CollectionProperties
}

func newCollectionPropertiesCache(engine storage.Engine, logger *zap.Logger) *cachedCollectionProperties {
	return &cachedCollectionProperties{
		engine: engine,
		logger: logger,
		cache:  make(map[string]storage.CollectionProperties),
	}
}

func (c *cachedCollectionProperties) get(ns string) storage.CollectionProperties {
	if props, ok := c.cache[ns]; ok {
		return props
	}
	props, err := c.engine.CollectionProperties(ns)
	if err != nil {
		c.logger.Error("failed to look up collection properties",
			zap.String("ns", ns), zap.Error(err))
		props = storage.CollectionProperties{}
	}
	c.cache[ns] = props
	return props
}

// fillWriterVectors routes each entry of the batch to one of the
// writer streams. Ops on a namespace always share a stream; CRUD ops
// on ordinary collections of doc-locking engines are additionally
// dispersed by _id so a single hot collection still parallelizes.
// Within a stream, order matches producer order.
//
// It also marks inserts into capped collections so the apply stage
// never groups them into a bulk insert.
func (a *Applier) fillWriterVectors(ops []oplog.Entry, writerVectors [][]*oplog.Entry) {
	supportsDocLocking := a.engine.SupportsDocLocking()
	numWriters := uint32(len(writerVectors))

	cache := newCollectionPropertiesCache(a.engine, a.logger)

	for i := range ops {
		op := &ops[i]
		hash := murmur3.Sum32([]byte(op.Namespace))

		if op.IsCRUD() {
			props := cache.get(op.Namespace)

			// For doc-locking engines, mix the _id of the document into
			// the hash so single-collection workloads spread across
			// workers. Capped collections must preserve insertion
			// order, and there is no collation-aware hash for _id, so
			// both stay namespace-grouped.
			if supportsDocLocking && !props.Capped && !props.HasNonSimpleCollation {
				if id, ok := op.IDElement(); ok {
					hash = murmur3.Sum32WithSeed(oplog.CanonicalID(id), hash)
				}
			}

			if op.Op == "i" && props.Capped {
				op.ForCapped = true
			}
		}

		writer := &writerVectors[hash%numWriters]
		*writer = append(*writer, op)
	}
}
