// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package index provides the ordered key index underneath the transaction
// layer.
//
// The index maps byte-string keys to versioned cells and supports point
// lookup, racy-but-idempotent insertion, and in-order range scans. It is
// thread-safe but deliberately not transactional: it knows nothing about
// timestamps or isolation, and it never removes a cell once inserted. All
// ordering and visibility is imposed by the layer above through the cells
// themselves.
//
// The implementation wraps a google/btree B-tree behind a read/write
// mutex. Range scans collect the matching (key, cell) pairs under the read
// lock and invoke the visitor after releasing it, so a visitor may spin on
// cell locks without ever holding the tree lock.
package index

import (
	"bytes"
	"sync"

	"github.com/google/btree"

	"github.com/kianostad/occdb/internal/storage/cell"
)

const defaultDegree = 16

type item struct {
	key []byte
	c   *cell.Cell
}

func (it item) Less(than btree.Item) bool {
	return bytes.Compare(it.key, than.(item).key) < 0
}

// BTree is an ordered index from keys to cells.
type BTree struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// New creates an empty index. A degree of 0 selects the default.
func New(degree int) *BTree {
	if degree <= 0 {
		degree = defaultDegree
	}
	return &BTree{tree: btree.New(degree)}
}

// Lookup returns the cell for key, or nil if the key has never been
// inserted.
func (ix *BTree) Lookup(key []byte) *cell.Cell {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if it := ix.tree.Get(item{key: key}); it != nil {
		return it.(item).c
	}
	return nil
}

// InsertIfAbsent returns the cell now present for key, allocating a fresh
// one if none existed. When two callers race on the same key, both receive
// the one cell the index retains.
func (ix *BTree) InsertIfAbsent(key []byte) *cell.Cell {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if it := ix.tree.Get(item{key: key}); it != nil {
		return it.(item).c
	}
	c := cell.New()
	k := make([]byte, len(key))
	copy(k, key)
	ix.tree.ReplaceOrInsert(item{key: k, c: c})
	return c
}

// RangeScan invokes visit for every (key, cell) pair with lo <= key < hi,
// in ascending key order. A nil hi means no upper bound. The visitor
// returns false to stop early.
//
// Pairs are gathered under the read lock and visited after it is released:
// the visitor observes the set of cells that were present when the scan
// started, and may block on cell locks freely.
func (ix *BTree) RangeScan(lo, hi []byte, visit func(key []byte, c *cell.Cell) bool) {
	var items []item
	ix.mu.RLock()
	ix.tree.AscendGreaterOrEqual(item{key: lo}, func(it btree.Item) bool {
		cur := it.(item)
		if hi != nil && bytes.Compare(cur.key, hi) >= 0 {
			return false
		}
		items = append(items, cur)
		return true
	})
	ix.mu.RUnlock()

	for _, it := range items {
		if !visit(it.key, it.c) {
			return
		}
	}
}

// Len returns the number of keys ever inserted.
func (ix *BTree) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Len()
}
