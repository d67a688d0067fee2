// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"testing"

	"pgregory.net/rapid"
)

func bounded(a, b string) keyRange {
	return keyRange{a: []byte(a), hasB: true, b: []byte(b)}
}

func unbounded(a string) keyRange {
	return keyRange{a: []byte(a)}
}

func TestRangeContains(t *testing.T) {
	r := bounded("b", "d")
	for k, want := range map[string]bool{
		"a": false, "b": true, "c": true, "cz": true, "d": false, "e": false,
	} {
		if got := r.contains([]byte(k)); got != want {
			t.Errorf("contains(%q) = %t, want %t", k, got, want)
		}
	}

	u := unbounded("m")
	if u.contains([]byte("l")) {
		t.Error("unbounded range must not contain keys below its lower bound")
	}
	if !u.contains([]byte("zzz")) {
		t.Error("unbounded range must contain any key at or past its lower bound")
	}
}

func TestAddDiscardsEmpty(t *testing.T) {
	var s rangeSet
	s.add(bounded("d", "d"))
	s.add(bounded("e", "c"))
	if len(s.ranges) != 0 {
		t.Fatalf("empty ranges must be discarded, got %v", s.String())
	}
}

func TestAddCoalesces(t *testing.T) {
	var s rangeSet

	s.add(bounded("a", "c"))
	s.add(bounded("f", "h"))
	if len(s.ranges) != 2 {
		t.Fatalf("disjoint ranges must stay separate, got %v", s.String())
	}

	// Touching ranges merge.
	s.add(bounded("c", "d"))
	if len(s.ranges) != 2 || string(s.ranges[0].b) != "d" {
		t.Fatalf("touching ranges must coalesce, got %v", s.String())
	}

	// A range spanning both merges everything.
	s.add(bounded("b", "g"))
	if len(s.ranges) != 1 || string(s.ranges[0].a) != "a" || string(s.ranges[0].b) != "h" {
		t.Fatalf("spanning range must coalesce all, got %v", s.String())
	}

	if !s.wellFormed() {
		t.Fatalf("set not canonical: %v", s.String())
	}
}

func TestAddUnbounded(t *testing.T) {
	var s rangeSet

	s.add(bounded("a", "b"))
	s.add(unbounded("m"))
	s.add(bounded("x", "z"))

	if len(s.ranges) != 2 {
		t.Fatalf("ranges past an unbounded one must fold into it, got %v", s.String())
	}
	last := s.ranges[len(s.ranges)-1]
	if last.hasB || string(last.a) != "m" {
		t.Fatalf("expected trailing [m, +inf), got %v", s.String())
	}
	if !s.contains([]byte("y")) || !s.contains([]byte("m")) || s.contains([]byte("c")) {
		t.Fatalf("containment wrong after unbounded merge: %v", s.String())
	}
	if !s.wellFormed() {
		t.Fatalf("set not canonical: %v", s.String())
	}
}

func TestPointRange(t *testing.T) {
	r := pointRange([]byte("k"))
	if !r.contains([]byte("k")) {
		t.Fatal("point range must contain its key")
	}
	if r.contains([]byte("k\x00")) || r.contains([]byte("j")) || r.contains([]byte("ka")) {
		t.Fatal("point range must contain nothing else")
	}
}

// TestCanonicalForm checks that any sequence of insertions leaves the set
// sorted, disjoint, non-touching, and non-empty, and that containment
// agrees with the union of everything inserted.
func TestCanonicalForm(t *testing.T) {
	keyGen := rapid.SliceOfN(rapid.ByteRange('a', 'f'), 0, 3)

	rapid.Check(t, func(t *rapid.T) {
		var s rangeSet
		var added []keyRange

		n := rapid.IntRange(1, 20).Draw(t, "n")
		for i := 0; i < n; i++ {
			a := keyGen.Draw(t, "a")
			r := keyRange{a: a}
			if rapid.Bool().Draw(t, "hasB") {
				r.hasB = true
				r.b = keyGen.Draw(t, "b")
			}
			s.add(r)
			if !r.isEmpty() {
				added = append(added, r)
			}

			if !s.wellFormed() {
				t.Fatalf("set left canonical form after adding %v: %v", r, s.String())
			}
		}

		// Containment must match the union of the inserted ranges.
		for i := 0; i < 20; i++ {
			k := keyGen.Draw(t, "probe")
			want := false
			for _, r := range added {
				if r.contains(k) {
					want = true
					break
				}
			}
			if got := s.contains(k); got != want {
				t.Fatalf("contains(%q) = %t, want %t; set %v", k, got, want, s.String())
			}
		}
	})
}
