// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
)

// keyRange is the half-open key interval [a, b). hasB false means the
// range extends to infinity and b is meaningless.
type keyRange struct {
	a    []byte
	hasB bool
	b    []byte
}

// pointRange covers exactly one key: [k, k+0x00).
func pointRange(k []byte) keyRange {
	b := make([]byte, len(k)+1)
	copy(b, k)
	return keyRange{a: k, hasB: true, b: b}
}

func (r keyRange) isEmpty() bool {
	return r.hasB && bytes.Compare(r.a, r.b) >= 0
}

func (r keyRange) contains(k []byte) bool {
	return bytes.Compare(r.a, k) <= 0 && (!r.hasB || bytes.Compare(k, r.b) < 0)
}

func (r keyRange) String() string {
	if !r.hasB {
		return fmt.Sprintf("[%q, +inf)", r.a)
	}
	return fmt.Sprintf("[%q, %q)", r.a, r.b)
}

// rangeSet is an ordered set of non-overlapping, non-touching, non-empty
// key ranges: the keys a transaction has observed to be absent at its
// snapshot. The canonical form is restored after every mutation.
type rangeSet struct {
	ranges []keyRange
}

// add merges r into the set, coalescing with any ranges it overlaps or
// touches. Empty ranges are discarded.
func (s *rangeSet) add(r keyRange) {
	if r.isEmpty() {
		return
	}

	// First existing range whose upper bound reaches r.a, i.e. the first
	// candidate for coalescing from the left.
	lo := sort.Search(len(s.ranges), func(i int) bool {
		cur := s.ranges[i]
		return !cur.hasB || bytes.Compare(cur.b, r.a) >= 0
	})

	// First existing range strictly beyond r's upper bound. Everything in
	// [lo, hi) merges with r.
	hi := len(s.ranges)
	if r.hasB {
		hi = lo + sort.Search(len(s.ranges)-lo, func(i int) bool {
			return bytes.Compare(s.ranges[lo+i].a, r.b) > 0
		})
	}

	merged := r
	if lo < hi {
		first, last := s.ranges[lo], s.ranges[hi-1]
		if bytes.Compare(first.a, merged.a) < 0 {
			merged.a = first.a
		}
		if merged.hasB {
			if !last.hasB {
				merged.hasB = false
				merged.b = nil
			} else if bytes.Compare(last.b, merged.b) > 0 {
				merged.b = last.b
			}
		}
	}

	out := make([]keyRange, 0, len(s.ranges)-(hi-lo)+1)
	out = append(out, s.ranges[:lo]...)
	out = append(out, merged)
	out = append(out, s.ranges[hi:]...)
	s.ranges = out
}

// contains reports whether k lies inside some stored range. The search
// finds the first range whose upper bound strictly exceeds k; an unbounded
// range matches any k at or past its lower bound.
func (s *rangeSet) contains(k []byte) bool {
	i := sort.Search(len(s.ranges), func(i int) bool {
		cur := s.ranges[i]
		return !cur.hasB || bytes.Compare(k, cur.b) < 0
	})
	return i < len(s.ranges) && s.ranges[i].contains(k)
}

// wellFormed reports whether the set is in canonical form: sorted by lower
// bound, pairwise disjoint, non-touching, no empty ranges, and any
// unbounded range last.
func (s *rangeSet) wellFormed() bool {
	for i, r := range s.ranges {
		if r.isEmpty() {
			return false
		}
		if !r.hasB && i != len(s.ranges)-1 {
			return false
		}
		if i > 0 {
			prev := s.ranges[i-1]
			if !prev.hasB {
				return false
			}
			if bytes.Compare(prev.b, r.a) >= 0 {
				return false
			}
		}
	}
	return true
}

func (s *rangeSet) String() string {
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, " ") + "}"
}
