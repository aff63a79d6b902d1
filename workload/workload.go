package workload

import (
	"context"
	"fmt"
	"math/rand"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/time/rate"

	"github.com/nvanbenschoten/oplogtoy/oplog"
	"github.com/nvanbenschoten/oplogtoy/producer"
)

// Config contains various options to control a synthetic oplog
// workload.
type Config struct {
	DB          string
	Collections int
	ValLen      int
	MaxRate     int
	Ops         int
	Term        int64
	// UpdateFrac and DeleteFrac carve the op mix; the rest are inserts.
	UpdateFrac float64
	DeleteFrac float64
}

// Generator emits a timestamped, monotonically ordered stream of oplog
// entries into a producer. It stands in for the network fetcher when
// running a single-process node.
type Generator struct {
	Config
	limiter *rate.Limiter
	rng     *rand.Rand
	ts      primitive.Timestamp
	nextID  int64
}

// NewGenerator creates a Generator with sane defaults filled in.
func NewGenerator(cfg Config) *Generator {
	if cfg.DB == "" {
		cfg.DB = "app"
	}
	if cfg.Collections <= 0 {
		cfg.Collections = 1
	}
	if cfg.ValLen <= 0 {
		cfg.ValLen = 64
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = 1 << 20
	}
	if cfg.Term == 0 {
		cfg.Term = 1
	}
	return &Generator{
		Config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRate), cfg.MaxRate),
		rng:     rand.New(rand.NewSource(0)),
		ts:      primitive.Timestamp{T: 1, I: 0},
	}
}

// Run pushes cfg.Ops entries into p, then a drain sentinel.
func (g *Generator) Run(ctx context.Context, p *producer.Mem) error {
	for i := 0; i < g.Ops; i++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		e, err := g.next()
		if err != nil {
			return err
		}
		p.Push(e)
	}
	p.PushSentinel()
	return nil
}

// next builds one entry and advances the timestamp.
func (g *Generator) next() (oplog.Entry, error) {
	g.ts.I++
	if g.ts.I == 1000 {
		g.ts.T++
		g.ts.I = 0
	}

	ns := fmt.Sprintf("%s.coll%d", g.DB, g.rng.Intn(g.Collections))
	roll := g.rng.Float64()
	switch {
	case roll < g.DeleteFrac && g.nextID > 0:
		id := g.rng.Int63n(g.nextID)
		return oplog.New(bson.D{
			{Key: "ts", Value: g.ts},
			{Key: "t", Value: g.Term},
			{Key: "v", Value: oplog.SupportedVersion},
			{Key: "op", Value: "d"},
			{Key: "ns", Value: ns},
			{Key: "o", Value: bson.D{{Key: "_id", Value: id}}},
		})
	case roll < g.DeleteFrac+g.UpdateFrac && g.nextID > 0:
		id := g.rng.Int63n(g.nextID)
		return oplog.New(bson.D{
			{Key: "ts", Value: g.ts},
			{Key: "t", Value: g.Term},
			{Key: "v", Value: oplog.SupportedVersion},
			{Key: "op", Value: "u"},
			{Key: "ns", Value: ns},
			{Key: "o2", Value: bson.D{{Key: "_id", Value: id}}},
			{Key: "o", Value: bson.D{{Key: "$set", Value: bson.D{{Key: "val", Value: g.value()}}}}},
		})
	default:
		id := g.nextID
		g.nextID++
		return oplog.New(bson.D{
			{Key: "ts", Value: g.ts},
			{Key: "t", Value: g.Term},
			{Key: "v", Value: oplog.SupportedVersion},
			{Key: "op", Value: "i"},
			{Key: "ns", Value: ns},
			{Key: "o", Value: bson.D{{Key: "_id", Value: id}, {Key: "val", Value: g.value()}}},
		})
	}
}

func (g *Generator) value() string {
	const chars = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, g.ValLen)
	for i := range b {
		b[i] = chars[g.rng.Intn(len(chars))]
	}
	return string(b)
}
