// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package core implements the optimistic transaction layer: snapshot
// isolated read/write transactions over byte-string keys and opaque record
// buffers, validated at commit time.
//
// A transaction samples the global clock at begin to fix its snapshot,
// reads versioned cells through their optimistic stable-read protocol,
// buffers its writes locally, and on commit runs a four-phase protocol:
// lock the write set in ascending key order, acquire a commit timestamp,
// validate every read and every observed-empty key range, then install new
// versions and unlock. A transaction whose reads are no longer consistent
// with the committed serialization order aborts with ErrConflict; nothing
// it did is visible to anyone.
//
// # Usage Examples
//
// Explicit transaction control:
//
//	db := core.New()
//	defer db.Close(ctx)
//
//	tx := db.Begin(ctx)
//	if rec, ok := tx.Get(ctx, []byte("k")); ok {
//	    tx.Put(ctx, []byte("k"), transform(rec))
//	}
//	if err := tx.Commit(ctx); errors.Is(err, core.ErrConflict) {
//	    // re-run with a fresh snapshot
//	}
//
// Closure form, one attempt per call:
//
//	err := db.Txn(ctx, func(tx *core.Txn) error {
//	    tx.Put(ctx, []byte("a"), []byte("1"))
//	    return nil
//	})
//
// # Dangers and Warnings
//
//   - **Retry is the caller's job**: ErrConflict means the snapshot went
//     stale; re-running the transaction obtains a fresh one. The layer
//     never retries internally and has no timeouts.
//   - **Record ownership**: buffers passed to Put are stored verbatim and
//     must not be mutated afterwards.
//   - **One goroutine per Txn**: transaction state is thread-local to its
//     owner; only DB itself is safe to share.
//   - **Always Close**: the background collector and the metrics goroutine
//     stop only when Close is called.
package core

import (
	"context"
	"sync"
	"time"

	"github.com/kianostad/occdb/internal/clock"
	"github.com/kianostad/occdb/internal/concurrency/epoch"
	"github.com/kianostad/occdb/internal/monitoring/metrics"
	"github.com/kianostad/occdb/internal/storage/cell"
	"github.com/kianostad/occdb/internal/storage/index"
)

// Index is the contract the transaction layer consumes from the underlying
// ordered index. The index is not transactional and provides no isolation;
// cells impose all ordering.
type Index interface {
	// Lookup returns the cell for key, or nil when absent.
	Lookup(key []byte) *cell.Cell
	// InsertIfAbsent returns the cell now present for key, creating one if
	// none existed; racing callers receive the same cell.
	InsertIfAbsent(key []byte) *cell.Cell
	// RangeScan enumerates (key, cell) pairs with lo <= key < hi in key
	// order; nil hi means unbounded. The visitor returns false to stop.
	RangeScan(lo, hi []byte, visit func(key []byte, c *cell.Cell) bool)
}

type config struct {
	degree      int
	gcInterval  time.Duration
	metricsRing int
}

// Option configures a DB.
type Option func(*config)

// WithIndexDegree sets the branching factor of the default B-tree index.
func WithIndexDegree(degree int) Option {
	return func(cfg *config) { cfg.degree = degree }
}

// WithGCInterval sets how often retired records are swept.
func WithGCInterval(d time.Duration) Option {
	return func(cfg *config) { cfg.gcInterval = d }
}

// WithMetricsRing sets the size of the commit-latency window.
func WithMetricsRing(n int) Option {
	return func(cfg *config) { cfg.metricsRing = n }
}

// retiredRecord is an evicted buffer waiting until no live snapshot can
// still observe it.
type retiredRecord struct {
	rec          []byte
	supersededAt uint64
}

// DB owns the index, the clock, and the reclamation machinery, and mints
// transactions.
type DB struct {
	index   Index
	clock   *clock.Clock
	epochs  *epoch.Manager
	metrics *metrics.Metrics

	retiredMu sync.Mutex
	retired   []retiredRecord

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a database backed by the default B-tree index and starts the
// background collector.
func New(opts ...Option) *DB {
	cfg := config{gcInterval: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &DB{
		index:   index.New(cfg.degree),
		clock:   clock.New(),
		epochs:  epoch.NewManager(),
		metrics: metrics.New(cfg.metricsRing),
		stop:    make(chan struct{}),
	}

	d.wg.Add(1)
	go d.runGC(cfg.gcInterval)
	return d
}

// Begin starts a transaction whose snapshot is the current clock value.
func (d *DB) Begin(ctx context.Context) *Txn {
	snapshotTID := d.clock.Peek()
	d.epochs.Register(snapshotTID)
	d.metrics.RecordBegin()
	d.metrics.SetActiveSnapshots(uint64(d.epochs.ActiveCount()))

	return &Txn{
		db:          d,
		snapshotTID: snapshotTID,
		readSet:     make(map[string]readRecord),
		writeSet:    make(map[string][]byte),
	}
}

// Txn begins a transaction, runs fn, and commits. If fn returns an error
// the transaction is aborted and the error returned. A single commit
// attempt is made; ErrConflict propagates to the caller, who decides
// whether to retry.
func (d *DB) Txn(ctx context.Context, fn func(tx *Txn) error) error {
	tx := d.Begin(ctx)
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit(ctx)
}

// CurrentTID returns the clock's current value: the most recently issued
// commit timestamp, which may belong to a commit that then failed
// validation. Diagnostics only.
func (d *DB) CurrentTID() uint64 {
	return d.clock.Peek()
}

// Metrics returns a snapshot of the collected metrics.
func (d *DB) Metrics(ctx context.Context) metrics.Snapshot {
	return d.metrics.Stats()
}

// Close stops the background collector and the metrics goroutine. Live
// transactions must be resolved before Close.
func (d *DB) Close(ctx context.Context) {
	close(d.stop)
	d.wg.Wait()
	d.metrics.Close()
}

// retire queues an evicted record buffer for reclamation once every
// snapshot that could observe it has resolved.
func (d *DB) retire(rec []byte, supersededAt uint64) {
	d.retiredMu.Lock()
	d.retired = append(d.retired, retiredRecord{rec: rec, supersededAt: supersededAt})
	d.metrics.SetRetiredRecords(uint64(len(d.retired)))
	d.retiredMu.Unlock()
}

func (d *DB) runGC(interval time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.collect()
		case <-d.stop:
			return
		}
	}
}

// collect drops retired buffers no live snapshot can reach. A buffer
// superseded at timestamp s is reachable only by snapshots below s; with
// no live transactions at all, every future snapshot starts at or past
// the clock, which is at or past every superseding timestamp.
func (d *DB) collect() {
	min, ok := d.epochs.MinActive()

	d.retiredMu.Lock()
	defer d.retiredMu.Unlock()

	if !ok {
		d.retired = nil
	} else {
		keep := d.retired[:0]
		for _, r := range d.retired {
			if min < r.supersededAt {
				keep = append(keep, r)
			}
		}
		d.retired = keep
	}
	d.metrics.SetRetiredRecords(uint64(len(d.retired)))
}
