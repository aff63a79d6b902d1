package main

import (
	"context"
	"log"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nvanbenschoten/oplogtoy/apply"
	"github.com/nvanbenschoten/oplogtoy/config"
	"github.com/nvanbenschoten/oplogtoy/lock"
	"github.com/nvanbenschoten/oplogtoy/metric"
	"github.com/nvanbenschoten/oplogtoy/producer"
	"github.com/nvanbenschoten/oplogtoy/repl"
	"github.com/nvanbenschoten/oplogtoy/storage"
	"github.com/nvanbenschoten/oplogtoy/workload"
)

func newEngine() (storage.Engine, error) {
	if *engineType == "pebble" {
		return storage.NewPebble(*dataDir, 0)
	}
	return storage.NewMem(), nil
}

func main() {
	pflag.Parse()

	logger, err := newLogger()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if *writerThreads > 0 {
		if err := config.SetWriterThreadCount(*writerThreads); err != nil {
			logger.Fatal("invalid repl-writer-threads", zap.Error(err))
		}
	}
	if *batchLimitOps > 0 {
		if err := config.SetBatchLimitOperations(*batchLimitOps); err != nil {
			logger.Fatal("invalid batch-limit-ops", zap.Error(err))
		}
	}

	printMetrics := metric.Enable(*recordMetrics)
	defer printMetrics()

	engine, err := newEngine()
	if err != nil {
		logger.Fatal("failed to open storage engine", zap.Error(err))
	}
	defer engine.Close()

	coord := repl.NewLocalCoordinator(repl.StateRecovering)
	coord.SetSlaveDelaySecs(time.Duration(*slaveDelaySecs) * time.Second)

	prod := producer.NewMem()

	opts := []apply.Option{apply.WithHostname(*syncSource)}
	if *initialSync {
		opts = append(opts, apply.InitialSync())
	}
	applier := apply.New(logger, prod, engine, coord, lock.NewManager(), opts...)
	defer applier.Shutdown()

	gen := workload.NewGenerator(workload.Config{
		Ops:        *workloadOps,
		MaxRate:    *workloadRate,
		UpdateFrac: 0.2,
		DeleteFrac: 0.05,
	})

	var g errgroup.Group
	g.Go(func() error {
		applier.OplogApplication()
		return nil
	})
	g.Go(func() error {
		if err := gen.Run(context.Background(), prod); err != nil {
			return err
		}
		// Let the applier drain, then stop it.
		prod.Shutdown()
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Fatal("workload failed", zap.Error(err))
	}

	logger.Info("replication finished",
		zap.Stringer("lastApplied", coord.MyLastAppliedOpTime()),
		zap.Stringer("state", coord.MemberState()))
}

func newLogger() (*zap.Logger, error) {
	if *verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}
