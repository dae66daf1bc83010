// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package bag

import "testing"

// TestThreadedMatchesSequential exercises spec.md §8 scenario S5:
// running the same plan under SequentialContext and ThreadedContext
// must produce the same set of elements, order aside.
func TestThreadedMatchesSequential(t *testing.T) {
	xs := make([]int, 500)
	for i := range xs {
		xs[i] = i
	}
	seq, err := Collect(Map(Source(xs), func(x int) int { return x * x }), SequentialContext{})
	if err != nil {
		t.Fatal(err)
	}
	thr, err := Collect(Map(Source(xs), func(x int) int { return x * x }), ThreadedContext{NumThreads: 8})
	if err != nil {
		t.Fatal(err)
	}
	if !equalInts(sortedCopy(seq), sortedCopy(thr)) {
		t.Fatalf("threaded result diverges from sequential")
	}
}

func TestThreadedRepartitionHashStable(t *testing.T) {
	xs := make([]int, 300)
	for i := range xs {
		xs[i] = i
	}
	b := RepartitionByHash(Source(xs), hashInt, 6)
	parts, err := Compute(b, ThreadedContext{NumThreads: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 6 {
		t.Fatalf("got %d partitions, want 6", len(parts))
	}
	for k, p := range parts {
		for _, x := range p {
			if got := int(hashInt(x) % 6); got != k {
				t.Fatalf("element %d landed in bucket %d, want %d", x, k, got)
			}
		}
	}
}

func TestThreadedReduceMatchesSequential(t *testing.T) {
	xs := make([]int, 1000)
	for i := range xs {
		xs[i] = i + 1
	}
	op := func(a, b int) int { return a + b }
	seqSum, err := Reduce(Source(xs), SequentialContext{}, op)
	if err != nil {
		t.Fatal(err)
	}
	thrSum, err := Reduce(Repartition(Source(xs), 10), ThreadedContext{NumThreads: 4}, op)
	if err != nil {
		t.Fatal(err)
	}
	if seqSum != thrSum {
		t.Fatalf("threaded sum = %d, want %d", thrSum, seqSum)
	}
}

func TestThreadedGroupbyMergesAllChunks(t *testing.T) {
	xs := make([]int, 400)
	for i := range xs {
		xs[i] = i % 13
	}
	b := GroupBy(Source(xs), func(x int) int { return x })
	groups, err := Collect(b, ThreadedContext{NumThreads: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 13 {
		t.Fatalf("got %d groups, want 13", len(groups))
	}
	var total int
	for _, g := range groups {
		total += len(g.Values)
	}
	if total != len(xs) {
		t.Fatalf("total grouped values = %d, want %d", total, len(xs))
	}
}

func hashInt(x int) uint64 {
	return uint64(x)*2654435761 + 1
}
