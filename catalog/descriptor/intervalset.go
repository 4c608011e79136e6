// intervalset.go - validity-interval set over an ordered tree
// Copyright (C) 2026  Mixcore Contributors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package descriptor

import (
	"time"

	"gitlab.com/yawning/avl.git"
)

// interval is a closed [Start, End] range of Unix seconds.
type interval struct {
	start, end int64
}

// IntervalSet is a set of disjoint, non-adjacent closed time intervals,
// as used by spec.md §3's "IntervalSet over [Valid-After, Valid-Until]"
// to decide descriptor supersession. Internally it keeps its merged
// intervals in an avl.Tree ordered by start time, the same ordered-tree
// structure the teacher (server/internal/decoy) uses to track
// time-ordered SURB expiries; rebuilding the tree on every mutation keeps
// the merge logic itself simple ordinary Go over a slice.
type IntervalSet struct {
	tree *avl.Tree
}

func compareIntervals(a, b interface{}) int {
	ia, ib := a.(*interval), b.(*interval)
	switch {
	case ia.start < ib.start:
		return -1
	case ia.start > ib.start:
		return 1
	default:
		return 0
	}
}

// NewIntervalSet builds an IntervalSet from a list of (start, end) Unix-
// second pairs, merging overlapping or touching ranges.
func NewIntervalSet(ranges ...[2]time.Time) *IntervalSet {
	ivs := make([]interval, 0, len(ranges))
	for _, r := range ranges {
		ivs = append(ivs, interval{start: r[0].Unix(), end: r[1].Unix()})
	}
	return fromSlice(mergeSorted(ivs))
}

func fromSlice(ivs []interval) *IntervalSet {
	s := &IntervalSet{tree: avl.New(compareIntervals)}
	for i := range ivs {
		iv := ivs[i]
		s.tree.Insert(&iv)
	}
	return s
}

func (s *IntervalSet) toSlice() []interval {
	out := make([]interval, 0, s.tree.Len())
	it := s.tree.Iterator(avl.Forward)
	for n := it.First(); n != nil; n = it.Next() {
		out = append(out, *n.Value.(*interval))
	}
	return out
}

func mergeSorted(ivs []interval) []interval {
	// simple insertion sort: inputs are always tiny (one range per
	// descriptor/merge step).
	for i := 1; i < len(ivs); i++ {
		for j := i; j > 0 && ivs[j-1].start > ivs[j].start; j-- {
			ivs[j-1], ivs[j] = ivs[j], ivs[j-1]
		}
	}
	out := make([]interval, 0, len(ivs))
	for _, iv := range ivs {
		if iv.start > iv.end {
			continue
		}
		if len(out) > 0 && iv.start <= out[len(out)-1].end+1 {
			if iv.end > out[len(out)-1].end {
				out[len(out)-1].end = iv.end
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Union returns a new IntervalSet containing every point in s or other.
func (s *IntervalSet) Union(other *IntervalSet) *IntervalSet {
	combined := append(s.toSlice(), other.toSlice()...)
	return fromSlice(mergeSorted(combined))
}

// Difference returns a new IntervalSet containing every point in s that
// is not in other.
func (s *IntervalSet) Difference(other *IntervalSet) *IntervalSet {
	result := s.toSlice()
	for _, sub := range other.toSlice() {
		var next []interval
		for _, iv := range result {
			if sub.end < iv.start || sub.start > iv.end {
				next = append(next, iv)
				continue
			}
			if sub.start > iv.start {
				next = append(next, interval{start: iv.start, end: sub.start - 1})
			}
			if sub.end < iv.end {
				next = append(next, interval{start: sub.end + 1, end: iv.end})
			}
		}
		result = next
	}
	return fromSlice(result)
}

// IsEmpty reports whether the set contains no points.
func (s *IntervalSet) IsEmpty() bool {
	return s.tree.Len() == 0
}
