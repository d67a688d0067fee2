// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package occdb provides an in-memory, multi-version key/value store with
// optimistic, snapshot-isolated transactions.
//
// Every key's history lives in a fixed-capacity versioned cell inside an
// ordered index. Transactions read at a snapshot fixed at begin, buffer
// their writes, and validate at commit: a commit succeeds only if every
// read — including every range observed to be empty — is still consistent
// with the committed serialization order. Conflicts surface as
// ErrConflict; the caller retries by re-running the transaction.
//
// # Quick Start
//
//	import "github.com/kianostad/occdb"
//
//	db := occdb.New()
//	defer db.Close(ctx)
//
//	tx := db.Begin(ctx)
//	tx.Put(ctx, []byte("greeting"), []byte("hello"))
//	if err := tx.Commit(ctx); err != nil {
//	    // errors.Is(err, occdb.ErrConflict)
//	}
//
// Or the closure form:
//
//	err := db.Txn(ctx, func(tx *occdb.Txn) error {
//	    rec, _ := tx.Get(ctx, []byte("greeting"))
//	    tx.Put(ctx, []byte("greeting"), append(rec, '!'))
//	    return nil
//	})
//
// # Key Features
//
//   - Snapshot isolation with commit-time validation of reads and of
//     scanned-empty ranges (phantom detection)
//   - Optimistic cell reads that never block writers
//   - Deadlock-free commits via globally ordered write-set locking
//   - Epoch-based reclamation of records evicted from full cells
//   - Built-in metrics: outcome counters, conflict causes, commit
//     latency percentiles
//
// # Concurrency Model
//
// A DB is safe for concurrent use; each Txn belongs to one goroutine.
// Range scans inside a transaction see exactly the state committed at its
// snapshot; point reads see that state plus the transaction's own buffered
// writes. Buffered writes of other live transactions are invisible until
// they commit.
//
// # See Also
//
// For the transaction layer internals, see the internal/core package; for
// the versioned cell protocol, internal/storage/cell.
package occdb

import core "github.com/kianostad/occdb/internal/core"

// Re-export the core types.
type (
	// DB is a transactional in-memory key/value store.
	DB = core.DB

	// Txn is one in-flight transaction.
	Txn = core.Txn

	// Option configures a DB at construction.
	Option = core.Option
)

// ErrConflict reports a commit rejected by validation: a stale read or a
// phantom. Re-run the transaction to retry with a fresh snapshot.
var ErrConflict = core.ErrConflict

// New creates a database.
func New(opts ...Option) *DB {
	return core.New(opts...)
}

// Construction options, re-exported.
var (
	WithIndexDegree = core.WithIndexDegree
	WithGCInterval  = core.WithGCInterval
	WithMetricsRing = core.WithMetricsRing
)
