package apply

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"
	"go.uber.org/zap"

	"github.com/nvanbenschoten/oplogtoy/failpoint"
	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/storage"
)

// DocSource serves point lookups against the sync source. Initial
// sync uses it to fetch documents the cloner missed.
type DocSource interface {
	// FindOne returns the document in ns with the given _id. The
	// second return is false when no such document exists. Transient
	// network failures are reported wrapped in ErrNetwork.
	FindOne(ctx context.Context, ns string, id bson.RawValue) (bson.Raw, bool, error)
	Close(ctx context.Context) error
}

// ErrNetwork wraps transient network failures from a DocSource; the
// fetch path retries them.
var ErrNetwork = errors.New("network error")

// sleepFn is stubbed out in tests that exercise the retry backoff.
var sleepFn = time.Sleep

const missingDocRetryMax = 3

// getMissingDoc fetches the document a failed op referred to from the
// sync source. An empty result with no error means the document is
// legitimately gone: either the target collection is capped, or the
// document was deleted later in the oplog.
func (a *Applier) getMissingDoc(ctx context.Context, e *oplog.Entry) (bson.Raw, error) {
	props, err := a.engine.CollectionProperties(e.Namespace)
	if err != nil {
		return nil, err
	}
	if props.Exists && props.Capped {
		a.logger.Info("missing doc, but this is okay for a capped collection",
			zap.String("ns", e.Namespace))
		return nil, nil
	}

	if failpoint.InitialSyncHangBeforeGettingMissingDocument.Enabled() {
		a.logger.Info("initialSyncHangBeforeGettingMissingDocument fail point enabled, blocking until disabled")
		for failpoint.InitialSyncHangBeforeGettingMissingDocument.Enabled() {
			sleepFn(time.Second)
		}
	}

	id, ok := e.IDElement()
	if !ok {
		fatalf(a.logger, 28742, "cannot fetch missing document without _id field",
			zap.String("entry", e.Raw.String()))
		return nil, errors.New("missing _id field")
	}

	for retryCount := 1; retryCount <= missingDocRetryMax; retryCount++ {
		if retryCount != 1 {
			// Sleep a bit to let the network possibly recover.
			sleepFn(time.Duration(retryCount*retryCount) * time.Second)
		}

		doc, found, err := a.source.FindOne(ctx, e.Namespace, id)
		if err != nil {
			if errors.Is(err, ErrNetwork) {
				a.logger.Warn("network problem detected while fetching a missing document from the sync source",
					zap.String("hostname", a.hostname),
					zap.Int("attempt", retryCount),
					zap.Int("retryMax", missingDocRetryMax))
				continue
			}
			a.logger.Error("assertion fetching missing object", zap.Error(err))
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return doc, nil
	}

	fatalf(a.logger, 15916, "can no longer connect to initial sync source",
		zap.String("hostname", a.hostname))
	return nil, errors.Errorf("can no longer connect to initial sync source: %s", a.hostname)
}

// shouldRetry fetches the document a failed op needs and inserts it
// locally. It returns false when the document no longer exists on the
// sync source, which means the op can be skipped.
func (a *Applier) shouldRetry(ctx context.Context, e *oplog.Entry) (bool, error) {
	// Rare enough to log every occurrence.
	a.logger.Info("adding missing object", zap.String("ns", e.Namespace))

	missingObj, err := a.getMissingDoc(ctx, e)
	if err != nil {
		return false, err
	}
	if len(missingObj) == 0 {
		a.logger.Info("missing object not found on source, presumably deleted later in oplog",
			zap.String("o2", e.Object2.String()),
			zap.String("o", e.Object.String()))
		return false, nil
	}

	id, err := missingObj.LookupErr("_id")
	if err != nil {
		return false, errors.Wrap(err, "fetched document has no _id")
	}
	err = writeConflictRetry(a.logger, "InsertRetry", e.Namespace, func() error {
		props, perr := a.engine.CollectionProperties(e.Namespace)
		if perr != nil {
			return perr
		}
		if !props.Exists {
			if cerr := a.engine.CreateCollection(e.Namespace, storage.CollectionOptions{}); cerr != nil {
				return cerr
			}
		}
		return a.engine.UpsertDocument(e.Namespace, id, missingObj)
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to insert missing doc")
	}

	a.logger.Debug("inserted missing doc", zap.String("ns", e.Namespace))
	return true, nil
}

// mongoSource fetches missing documents over the sync source's query
// interface.
type mongoSource struct {
	hostname string
	client   *mongo.Client
}

func (s *mongoSource) connect(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI("mongodb://"+s.hostname).
		SetDirect(true))
	if err != nil {
		return errors.Wrapf(ErrNetwork, "connecting to sync source: %v", err)
	}
	s.client = client
	return nil
}

// FindOne implements DocSource.
func (s *mongoSource) FindOne(ctx context.Context, ns string, id bson.RawValue) (bson.Raw, bool, error) {
	if err := s.connect(ctx); err != nil {
		return nil, false, err
	}
	coll := s.client.Database(oplog.DatabasePart(ns)).Collection(oplog.CollectionPart(ns))
	res := coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}})
	raw, err := res.Raw()
	if err == mongo.ErrNoDocuments {
		return nil, false, nil
	}
	if err != nil {
		if isTransient(err) {
			return nil, false, errors.Wrapf(ErrNetwork, "fetching from sync source: %v", err)
		}
		return nil, false, err
	}
	return raw, true, nil
}

// Close implements DocSource.
func (s *mongoSource) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func isTransient(err error) bool {
	if mongo.IsTimeout(err) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) {
		return se.HasErrorLabel("NetworkError")
	}
	// Dial and socket failures surface as server selection errors.
	var sse topology.ServerSelectionError
	return errors.As(err, &sse)
}
