// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package cell implements the versioned cell: the per-key container of
// historical (timestamp, record) pairs that the transaction layer sticks
// into the underlying, non-transactional ordered index.
//
// A cell keeps up to NumVersions versions of one key, ordered strictly
// ascending by timestamp. The newest pair is always the current value. A
// freshly allocated cell holds the single sentinel pair (MinTID, nil),
// meaning "never written".
//
// # Control Word
//
// All synchronization goes through a single 64-bit control word:
//
//	[ locked | size | version counter ]
//	[  bit 0 | 1..4 |     5..63       ]
//
// The locked bit transitions 0->1 only via compare-and-swap. Unlock bumps
// the version counter and clears the locked bit in one atomic publish, so
// every lock/unlock cycle changes the counter by exactly one. Optimistic
// readers sample the word with StableVersion, read the version arrays, and
// re-check the word with CheckVersion; any concurrent writer is detected by
// the counter having moved.
//
// # Concurrency
//
//   - Only the lock holder may mutate the version arrays.
//   - Readers never take the lock; they spin waiting for a writer to
//     release, then sample.
//   - Atomic loads and stores of the control word carry the acquire/release
//     ordering that separates array mutation from word publication.
//
// # Dangers and Warnings
//
//   - **Locking discipline**: Unlock and WriteRecordAt panic when the cell
//     is not locked. These are programmer errors, not runtime conditions.
//   - **Eviction**: once NumVersions versions are stored, installing a new
//     one shifts out the oldest. A record evicted this way may still be
//     observed by in-flight readers that captured it through StableRead;
//     reclaim it through an epoch scheme, never eagerly.
//   - **Record ownership**: records are stored verbatim. Callers hand over
//     immutable buffers; the cell never copies or mutates them.
package cell

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// NumVersions is the fixed capacity of a cell's version array.
const NumVersions = 15

// MinTID is the timestamp of the sentinel deleted entry present in every
// freshly allocated cell.
const MinTID uint64 = 0

const (
	hdrLockedMask = 0x1

	hdrSizeShift = 1
	hdrSizeMask  = 0xf << hdrSizeShift

	hdrVersionShift = 5
)

// Cell is the versioned container for a single key. The control word comes
// first, then the timestamps, then the record references; the trailing pad
// rounds the struct up to a cache-line multiple so neighboring cells never
// share a line.
type Cell struct {
	hdr      atomic.Uint64
	versions [NumVersions]uint64
	records  [NumVersions][]byte
	_        [(cacheLine - unsafe.Sizeof(cellBody{})%cacheLine) % cacheLine]byte
}

// cellBody mirrors the fields of Cell ahead of the pad, for sizing it.
type cellBody struct {
	hdr      atomic.Uint64
	versions [NumVersions]uint64
	records  [NumVersions][]byte
}

const cacheLine = unsafe.Sizeof(cpu.CacheLinePad{})

// New allocates a cell holding the single sentinel pair (MinTID, nil).
func New() *Cell {
	c := &Cell{}
	c.hdr.Store(1 << hdrSizeShift) // size 1, unlocked, counter 0
	c.versions[0] = MinTID
	c.records[0] = nil
	return c
}

func locked(v uint64) bool {
	return v&hdrLockedMask != 0
}

func size(v uint64) int {
	return int((v & hdrSizeMask) >> hdrSizeShift)
}

func counter(v uint64) uint64 {
	return v >> hdrVersionShift
}

// IsLocked reports whether the locked bit is currently set.
func (c *Cell) IsLocked() bool {
	return locked(c.hdr.Load())
}

// Size returns the number of stored versions, between 1 and NumVersions.
func (c *Cell) Size() int {
	return size(c.hdr.Load())
}

// Lock spins until the locked bit is acquired via compare-and-swap.
func (c *Cell) Lock() {
	v := c.hdr.Load()
	for locked(v) || !c.hdr.CompareAndSwap(v, v|hdrLockedMask) {
		v = c.hdr.Load()
	}
}

// Unlock increments the version counter and clears the locked bit in a
// single release store. Panics if the cell is not locked.
func (c *Cell) Unlock() {
	v := c.hdr.Load()
	if !locked(v) {
		panic("cell: unlock of unlocked cell")
	}
	n := counter(v) + 1
	v = (n << hdrVersionShift) | (v & hdrSizeMask)
	c.hdr.Store(v)
}

// StableVersion samples the control word, spinning while the locked bit is
// observed set. Pair with CheckVersion to bracket an optimistic read.
func (c *Cell) StableVersion() uint64 {
	v := c.hdr.Load()
	for locked(v) {
		v = c.hdr.Load()
	}
	return v
}

// CheckVersion reports whether the control word still equals v, meaning no
// writer intervened since the matching StableVersion.
func (c *Cell) CheckVersion(v uint64) bool {
	return c.hdr.Load() == v
}

// RecordAt returns the pair visible at timestamp t: the newest stored pair
// whose timestamp is <= t. ok is false when even the oldest stored version
// exceeds t, meaning the pre-t history has been evicted.
//
// Transactions read recent timestamps almost always, so this is a linear
// scan from the newest entry rather than a binary search.
//
// The result is only meaningful under the cell lock or when bracketed by
// StableVersion/CheckVersion.
func (c *Cell) RecordAt(t uint64) (startTID uint64, rec []byte, ok bool) {
	n := size(c.hdr.Load())
	for i := n - 1; i >= 0; i-- {
		if c.versions[i] <= t {
			return c.versions[i], c.records[i], true
		}
	}
	return 0, nil, false
}

// StableRead performs RecordAt(t) under the optimistic read protocol,
// retrying until a sample survives a CheckVersion. The returned pair is
// never torn by a concurrent writer.
func (c *Cell) StableRead(t uint64) (startTID uint64, rec []byte, ok bool) {
	for {
		v := c.StableVersion()
		startTID, rec, ok = c.RecordAt(t)
		if !ok {
			// The pre-t version has been evicted.
			return 0, nil, false
		}
		if c.CheckVersion(v) {
			return startTID, rec, true
		}
	}
}

// IsLatestVersion reports whether the newest stored timestamp is <= t, i.e.
// whether a read at t observes the cell's current value.
func (c *Cell) IsLatestVersion(t uint64) bool {
	n := size(c.hdr.Load())
	return c.versions[n-1] <= t
}

// StableIsLatestVersion is IsLatestVersion under the optimistic protocol.
func (c *Cell) StableIsLatestVersion(t uint64) bool {
	for {
		v := c.StableVersion()
		ret := c.IsLatestVersion(t)
		if c.CheckVersion(v) {
			return ret
		}
	}
}

// IsSnapshotConsistent reports whether a read taken at snapshotTID is still
// consistent for a transaction committing at commitTID: the version visible
// at the snapshot must not have been superseded by a version committed at
// or before commitTID. Returns false when the snapshot's version has been
// evicted, which is conservatively treated as a conflict.
//
// commitTID never equals a stored version: commit timestamps are globally
// unique and the installing writer holds the cell lock.
func (c *Cell) IsSnapshotConsistent(snapshotTID, commitTID uint64) bool {
	n := size(c.hdr.Load())

	// Fast path: nothing newer than the snapshot.
	if c.versions[n-1] <= snapshotTID {
		return true
	}

	for i := n - 2; i >= 0; i-- {
		if c.versions[i] <= snapshotTID {
			if c.versions[i+1] == commitTID {
				panic("cell: commit timestamp collides with stored version")
			}
			// The read conflicts unless the next modification landed
			// after our commit timestamp.
			return c.versions[i+1] > commitTID
		}
	}

	return false
}

// StableIsSnapshotConsistent is IsSnapshotConsistent under the optimistic
// protocol. Do not call it on a cell the caller itself has locked; use the
// plain form there, the arrays are already stable.
func (c *Cell) StableIsSnapshotConsistent(snapshotTID, commitTID uint64) bool {
	for {
		v := c.StableVersion()
		ret := c.IsSnapshotConsistent(snapshotTID, commitTID)
		if c.CheckVersion(v) {
			return ret
		}
	}
}

// WriteRecordAt installs rec as the version committed at t. The cell must
// be locked and t must strictly exceed the newest stored timestamp.
//
// When the cell is full the oldest version is shifted out. The evicted
// record and the timestamp that superseded it are returned so the caller
// can retire the buffer once no live snapshot can still reach it;
// supersededAt is 0 when nothing was evicted.
func (c *Cell) WriteRecordAt(t uint64, rec []byte) (evicted []byte, supersededAt uint64) {
	v := c.hdr.Load()
	if !locked(v) {
		panic("cell: write to unlocked cell")
	}
	n := size(v)
	if c.versions[n-1] >= t {
		panic(fmt.Sprintf("cell: version %d not newer than stored %d", t, c.versions[n-1]))
	}

	if n == NumVersions {
		evicted = c.records[0]
		supersededAt = c.versions[1]
		for i := 0; i < NumVersions-1; i++ {
			c.versions[i] = c.versions[i+1]
			c.records[i] = c.records[i+1]
		}
		c.versions[NumVersions-1] = t
		c.records[NumVersions-1] = rec
		return evicted, supersededAt
	}

	c.versions[n] = t
	c.records[n] = rec
	v = (v &^ uint64(hdrSizeMask)) | uint64(n+1)<<hdrSizeShift
	c.hdr.Store(v)
	return nil, 0
}

// VersionInfo renders the control word for diagnostics.
func VersionInfo(v uint64) string {
	return fmt.Sprintf("{locked=%t size=%d counter=%d}", locked(v), size(v), counter(v))
}
