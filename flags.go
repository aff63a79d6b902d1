package main

import (
	"flag"
	"strconv"

	"github.com/spf13/pflag"
)

var engineType = pflag.String("engine", "mem", "Storage engine: mem or pebble")
var dataDir = pflag.String("data-dir", "pebble-data", "Directory to store persistent data")
var writerThreads = pflag.Int("repl-writer-threads", 0, "Number of repl writer threads (0 = default)")
var batchLimitOps = pflag.Int("batch-limit-ops", 0, "Max oplog entries per batch (0 = default)")
var syncSource = pflag.String("sync-source", "", "Hostname of the sync source, for initial sync")
var initialSync = pflag.Bool("initial-sync", false, "Apply with the initial-sync worker")
var slaveDelaySecs = pflag.Int("slave-delay", 0, "Follower delay in seconds")
var workloadOps = pflag.Int("ops", 100000, "Number of synthetic oplog entries to generate")
var workloadRate = pflag.Int("rate", 0, "Max synthetic entries per second (0 = unlimited)")
var verbose = pflag.Bool("verbose", false, "Verbose logging")
var recordMetrics = pflag.Bool("metrics", false, "Record metrics and print before exiting")

func init() {
	// Add the set of pflags to Go's flag package so that they are usable
	// in tests and benchmarks.
	pflag.CommandLine.VisitAll(func(f *pflag.Flag) {
		switch f.Value.Type() {
		case "bool":
			def, err := strconv.ParseBool(f.DefValue)
			if err != nil {
				panic(err)
			}
			flag.Bool(f.Name, def, f.Usage)
		default:
			flag.String(f.Name, f.DefValue, f.Usage)
		}
	})
}
