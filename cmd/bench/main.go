// Licensed under the MIT License. See LICENSE file in the project root for details.

// Command bench drives the transaction layer with contended workloads and
// reports throughput, conflict rates, and commit latency percentiles.
//
// Workloads:
//
//   - writes: blind writes to a uniform key space; conflicts are rare.
//   - rmw: read-modify-write over a small hot set; measures the conflict
//     rate under contention (one attempt per transaction, no retry).
//   - scan: scanners over a key range racing with inserters into it;
//     measures phantom detection.
//
// Usage:
//
//	bench --workload rmw --goroutines 8 --keys 64 --duration 5s
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kianostad/occdb"
)

var (
	workload   = flag.String("workload", "rmw", "workload: writes, rmw, or scan")
	goroutines = flag.Int("goroutines", 8, "concurrent workers")
	keys       = flag.Int("keys", 1024, "size of the key space")
	duration   = flag.Duration("duration", 3*time.Second, "how long to run")
	verbose    = flag.Bool("verbose", false, "development logging")
)

type counters struct {
	attempts  atomic.Uint64
	commits   atomic.Uint64
	conflicts atomic.Uint64
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%08d", i))
}

func runWrites(ctx context.Context, db *occdb.DB, rng *rand.Rand, c *counters) {
	k := key(rng.Intn(*keys))
	c.attempts.Add(1)
	err := db.Txn(ctx, func(tx *occdb.Txn) error {
		tx.Put(ctx, k, []byte(time.Now().Format(time.RFC3339Nano)))
		return nil
	})
	record(err, c)
}

func runRMW(ctx context.Context, db *occdb.DB, rng *rand.Rand, c *counters) {
	k := key(rng.Intn(*keys))
	c.attempts.Add(1)
	err := db.Txn(ctx, func(tx *occdb.Txn) error {
		rec, _ := tx.Get(ctx, k)
		tx.Put(ctx, k, append(rec[:len(rec):len(rec)], 'x'))
		return nil
	})
	record(err, c)
}

func runScan(ctx context.Context, db *occdb.DB, rng *rand.Rand, c *counters) {
	c.attempts.Add(1)
	var err error
	if rng.Intn(2) == 0 {
		err = db.Txn(ctx, func(tx *occdb.Txn) error {
			tx.Scan(ctx, key(0), key(*keys), func(k, rec []byte) bool { return true })
			return nil
		})
	} else {
		k := key(rng.Intn(*keys))
		err = db.Txn(ctx, func(tx *occdb.Txn) error {
			tx.Put(ctx, k, []byte("present"))
			return nil
		})
	}
	record(err, c)
}

func record(err error, c *counters) {
	switch {
	case err == nil:
		c.commits.Add(1)
	case errors.Is(err, occdb.ErrConflict):
		c.conflicts.Add(1)
	}
}

func main() {
	flag.Parse()

	logger, err := zap.NewProduction()
	if *verbose {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck
	log := logger.Sugar()

	step := map[string]func(context.Context, *occdb.DB, *rand.Rand, *counters){
		"writes": runWrites,
		"rmw":    runRMW,
		"scan":   runScan,
	}[*workload]
	if step == nil {
		log.Fatalf("unknown workload %q", *workload)
	}

	ctx := context.Background()
	db := occdb.New()
	defer db.Close(ctx)

	log.Infow("starting", "workload", *workload, "goroutines", *goroutines,
		"keys", *keys, "duration", *duration)

	var c counters
	var wg sync.WaitGroup
	deadline := time.Now().Add(*duration)

	for i := 0; i < *goroutines; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for time.Now().Before(deadline) {
				step(ctx, db, rng, &c)
			}
		}(int64(i))
	}
	wg.Wait()

	attempts := c.attempts.Load()
	commits := c.commits.Load()
	conflicts := c.conflicts.Load()
	secs := duration.Seconds()
	if attempts == 0 {
		attempts = 1
	}

	log.Infow("done",
		"attempts", attempts,
		"commits", commits,
		"conflicts", conflicts,
		"conflict_rate", fmt.Sprintf("%.2f%%", 100*float64(conflicts)/float64(attempts)),
		"commits_per_sec", fmt.Sprintf("%.0f", float64(commits)/secs),
	)

	s := db.Metrics(ctx)
	log.Infow("commit latency",
		"count", s.CommitLatency.Count,
		"p50", s.CommitLatency.P50,
		"p95", s.CommitLatency.P95,
		"p99", s.CommitLatency.P99,
		"max", s.CommitLatency.Max,
	)
	log.Infow("aborts by cause",
		"stale_read", s.Txns.AbortsStaleRead,
		"phantom", s.Txns.AbortsPhantom,
		"requested", s.Txns.AbortsRequested,
	)
}
