// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/kianostad/occdb/internal/monitoring/metrics"
	"github.com/kianostad/occdb/internal/storage/cell"
)

// ErrConflict is returned by Commit when validation finds a read that is no
// longer consistent with the committed serialization order, or a phantom in
// a range the transaction observed to be empty. It is the only recoverable
// error the layer produces; the caller retries by re-running the
// transaction with a fresh snapshot.
var ErrConflict = errors.New("occdb: transaction aborted: conflict")

type txnState int

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

// readRecord is one read-set entry: the version observed for a key, and
// the cell it came from. A read whose pre-snapshot version had already been
// evicted is stored with a zero startTID and a nil rec; validation of its
// truncated cell always fails, so the transaction is doomed to abort. (A
// read of the (MinTID, nil) sentinel stores the same pair and validates
// normally.)
type readRecord struct {
	startTID uint64
	rec      []byte
	c        *cell.Cell
}

// Txn is one in-flight transaction. It buffers writes locally, records
// every read and every observed-empty key range, and applies everything
// atomically at commit after validating that its snapshot is still
// consistent.
//
// A Txn is owned by a single goroutine; none of its methods may be called
// concurrently. Operations on a resolved transaction panic, except Abort,
// which is idempotent.
type Txn struct {
	db          *DB
	snapshotTID uint64
	state       txnState

	readSet  map[string]readRecord
	writeSet map[string][]byte // nil record means delete
	absent   rangeSet
}

func (t *Txn) ensureActive() {
	if t.state != txnActive {
		panic("core: operation on resolved transaction")
	}
}

// SnapshotTID returns the transaction's snapshot timestamp.
func (t *Txn) SnapshotTID() uint64 {
	return t.snapshotTID
}

// Get returns the record visible to the transaction for key: a buffered
// write if one exists, the previously observed version on a repeated read,
// or the version visible at the snapshot otherwise. ok is false when the
// key has no visible record.
func (t *Txn) Get(ctx context.Context, key []byte) (rec []byte, ok bool) {
	t.ensureActive()
	t.db.metrics.RecordGet()

	if rec, ok := t.writeSet[string(key)]; ok {
		return rec, rec != nil
	}
	if rr, ok := t.readSet[string(key)]; ok {
		return rr.rec, rr.rec != nil
	}

	c := t.db.index.Lookup(key)
	if c == nil {
		// The key is not in the index at all. Remember the observation so
		// that an insert by another transaction before our commit is
		// caught as a phantom.
		t.absent.add(pointRange(cloneKey(key)))
		return nil, false
	}

	startTID, rec, hit := c.StableRead(t.snapshotTID)
	if !hit {
		// The pre-snapshot version has been evicted. Record the read
		// anyway: validation of a truncated history always fails, so the
		// commit will abort rather than act on an unknowable value.
		t.readSet[string(key)] = readRecord{c: c}
		return nil, false
	}

	t.readSet[string(key)] = readRecord{startTID: startTID, rec: rec, c: c}
	return rec, rec != nil
}

// Put buffers rec as the new record for key. The buffer is stored
// verbatim and must not be mutated by the caller afterwards; ownership
// transfers to the cell on commit.
func (t *Txn) Put(ctx context.Context, key, rec []byte) {
	t.ensureActive()
	t.db.metrics.RecordPut()
	t.writeSet[string(key)] = rec
}

// Delete buffers a delete for key.
func (t *Txn) Delete(ctx context.Context, key []byte) {
	t.ensureActive()
	t.db.metrics.RecordDelete()
	t.writeSet[string(key)] = nil
}

// Scan visits, in ascending key order, every key in [lo, hi) with a
// non-deleted record visible at the snapshot. A nil hi means no upper
// bound. The visitor returns false to stop early.
//
// Every visited key joins the read set, and the gaps between them (plus
// the outer boundaries of the portion actually scanned) join the absent
// range set, so that both stale reads and phantom inserts in the scanned
// window are caught at commit. Buffered writes are not reflected; the scan
// shows the committed snapshot state.
func (t *Txn) Scan(ctx context.Context, lo, hi []byte, visit func(key, rec []byte) bool) {
	t.ensureActive()
	t.db.metrics.RecordScan()

	gapStart := cloneKey(lo)
	stopped := false

	t.db.index.RangeScan(lo, hi, func(key []byte, c *cell.Cell) bool {
		var rec []byte
		if rr, ok := t.readSet[string(key)]; ok {
			// First observation wins.
			rec = rr.rec
		} else if startTID, r, hit := c.StableRead(t.snapshotTID); hit {
			// Only keys with a visible record join the read set; a deleted
			// or never-written key is left to the absent range below.
			if r != nil {
				t.readSet[string(key)] = readRecord{startTID: startTID, rec: r, c: c}
			}
			rec = r
		} else {
			// Truncated history; doom the commit (see Get).
			t.readSet[string(key)] = readRecord{c: c}
		}

		// The gap below this key held no visible record. The key itself
		// is covered by the absent range when its visible record is a
		// delete (or unknowable), so a reappearance is still a phantom.
		if rec != nil {
			t.absent.add(keyRange{a: gapStart, hasB: true, b: key})
			gapStart = keySuccessor(key)
		}

		if rec != nil && !visit(key, rec) {
			stopped = true
			return false
		}
		return true
	})

	if !stopped {
		if hi == nil {
			t.absent.add(keyRange{a: gapStart})
		} else {
			t.absent.add(keyRange{a: gapStart, hasB: true, b: cloneKey(hi)})
		}
	}
}

// Commit runs the four-phase commit protocol: lock the write set in
// ascending key order, acquire the commit timestamp, validate the read set
// and the absent ranges against the live index, then install the buffered
// writes and unlock. On any validation failure the transaction aborts and
// ErrConflict is returned; no version is installed, though cells created
// in Phase 1 stay in the index holding only the (MinTID, nil) sentinel.
func (t *Txn) Commit(ctx context.Context) error {
	t.ensureActive()
	start := time.Now()

	// Phase 1: lock the write set in ascending key order. Global ordering
	// is the sole deadlock-avoidance rule.
	keys := make([]string, 0, len(t.writeSet))
	for k := range t.writeSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cells := make([]*cell.Cell, len(keys))
	for i, k := range keys {
		c := t.db.index.InsertIfAbsent([]byte(k))
		c.Lock()
		cells[i] = c
	}

	// Phase 2: the commit timestamp. It exceeds every previously issued
	// commit timestamp and every snapshot taken before this point.
	commitTID := t.db.clock.Next()

	// Phase 3a: read-set validation. A key the transaction also writes is
	// validated against the cell we locked in Phase 1 with the plain
	// check; the stable wrapper would spin forever on our own lock. Our
	// own version is not installed until Phase 4, so the check sees only
	// other transactions' commits.
	for k, rr := range t.readSet {
		consistent := false
		if _, own := t.writeSet[k]; own {
			consistent = rr.c.IsSnapshotConsistent(t.snapshotTID, commitTID)
		} else {
			consistent = rr.c.StableIsSnapshotConsistent(t.snapshotTID, commitTID)
		}
		if !consistent {
			t.abortLocked(cells, metrics.AbortStaleRead)
			return ErrConflict
		}
	}

	// Phase 3b: absent-range validation. Any cell inside a range the
	// transaction observed to be empty must still be invisible between the
	// snapshot and the commit timestamp. A cell the transaction itself is
	// about to write holds only other transactions' versions at this
	// point (installation is Phase 4), so checking it is safe; it is
	// locked by us, so the plain consistency check is used.
	for _, r := range t.absent.ranges {
		var rhi []byte
		if r.hasB {
			rhi = r.b
		}
		phantom := false
		t.db.index.RangeScan(r.a, rhi, func(key []byte, c *cell.Cell) bool {
			if _, own := t.writeSet[string(key)]; own {
				if !c.IsSnapshotConsistent(t.snapshotTID, commitTID) {
					phantom = true
					return false
				}
				return true
			}
			if !c.StableIsSnapshotConsistent(t.snapshotTID, commitTID) {
				phantom = true
				return false
			}
			return true
		})
		if phantom {
			t.abortLocked(cells, metrics.AbortPhantom)
			return ErrConflict
		}
	}

	// Phase 4: install and unlock, ascending key order.
	for i, k := range keys {
		evicted, supersededAt := cells[i].WriteRecordAt(commitTID, t.writeSet[k])
		if supersededAt != 0 && evicted != nil {
			t.db.retire(evicted, supersededAt)
		}
		cells[i].Unlock()
	}

	t.resolve(txnCommitted)
	t.db.metrics.RecordCommit(time.Since(start))
	return nil
}

// Abort resolves the transaction without applying any of its writes. It is
// idempotent, never fails, and is safe to call at any point, including
// after Commit has returned an error.
func (t *Txn) Abort() {
	if t.state != txnActive {
		return
	}
	t.resolve(txnAborted)
	t.db.metrics.RecordAbort(metrics.AbortRequested)
}

// abortLocked releases the Phase 1 locks and resolves the transaction.
func (t *Txn) abortLocked(cells []*cell.Cell, cause string) {
	for _, c := range cells {
		c.Unlock()
	}
	t.resolve(txnAborted)
	t.db.metrics.RecordAbort(cause)
}

func (t *Txn) resolve(final txnState) {
	t.state = final
	t.readSet = nil
	t.writeSet = nil
	t.absent = rangeSet{}
	t.db.epochs.Unregister(t.snapshotTID)
	t.db.metrics.SetActiveSnapshots(uint64(t.db.epochs.ActiveCount()))
}

func cloneKey(k []byte) []byte {
	if k == nil {
		return nil
	}
	dup := make([]byte, len(k))
	copy(dup, k)
	return dup
}

// keySuccessor returns the smallest key greater than k.
func keySuccessor(k []byte) []byte {
	s := make([]byte, len(k)+1)
	copy(s, k)
	return s
}
