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

// TestDistributedShuffleCorrectness exercises spec.md §8 scenario
// S6: after an MPI-style all-to-all shuffle, every element must
// have landed in the bucket its hash assigns it to, and no element
// may be lost or duplicated across ranks.
func TestDistributedShuffleCorrectness(t *testing.T) {
	xs := make([]int, 1000)
	for i := range xs {
		xs[i] = i
	}
	b := RepartitionByHash(Source(xs), hashInt, 5)
	parts, err := Compute(b, DistributedContext{NumRanks: 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 5 {
		t.Fatalf("got %d partitions, want 5", len(parts))
	}
	var total int
	for k, p := range parts {
		total += len(p)
		for _, x := range p {
			if got := int(hashInt(x) % 5); got != k {
				t.Fatalf("element %d landed in bucket %d, want %d", x, k, got)
			}
		}
	}
	if total != len(xs) {
		t.Fatalf("total shuffled elements = %d, want %d", total, len(xs))
	}
}

func TestDistributedGroupbyEquivalentToSequential(t *testing.T) {
	xs := make([]int, 500)
	for i := range xs {
		xs[i] = i % 17
	}
	agg := func(k int, vs []int) int { return len(vs) }

	seqParts, err := Compute(DistributedGroupby(Source(xs), func(x int) int { return x }, agg, 1), SequentialContext{})
	if err != nil {
		t.Fatal(err)
	}
	distParts, err := Compute(DistributedGroupby(Source(xs), func(x int) int { return x }, agg, 4), DistributedContext{NumRanks: 4})
	if err != nil {
		t.Fatal(err)
	}

	seqCounts := sortedCopy(seqParts[0])
	var distFlat []int
	for _, p := range distParts {
		distFlat = append(distFlat, p...)
	}
	if !equalInts(seqCounts, sortedCopy(distFlat)) {
		t.Fatalf("distributed groupby counts diverge from sequential: %v vs %v", sortedCopy(distFlat), seqCounts)
	}
}

func TestDistributedReduceMatchesSequential(t *testing.T) {
	xs := make([]int, 2000)
	for i := range xs {
		xs[i] = i + 1
	}
	op := func(a, b int) int { return a + b }
	seqSum, err := Reduce(Source(xs), SequentialContext{}, op)
	if err != nil {
		t.Fatal(err)
	}
	distSum, err := Reduce(Repartition(Source(xs), 8), DistributedContext{NumRanks: 4}, op)
	if err != nil {
		t.Fatal(err)
	}
	if seqSum != distSum {
		t.Fatalf("distributed sum = %d, want %d", distSum, seqSum)
	}
}

func TestDistributedRepartitionedMapPartitionsFused(t *testing.T) {
	xs := make([]int, 90)
	for i := range xs {
		xs[i] = i + 1
	}
	count := func(part []int) []int { return []int{len(part)} }

	fused := RepartitionThenMapPartitions(Source(xs), 3, count)
	out, err := Collect(fused, DistributedContext{NumRanks: 3})
	if err != nil {
		t.Fatal(err)
	}
	var total int
	for _, c := range out {
		total += c
	}
	if total != len(xs) {
		t.Fatalf("fused counts sum to %d, want %d", total, len(xs))
	}
}

func TestDistributedRepartitionCountRoundTrips(t *testing.T) {
	xs := make([]int, 64)
	for i := range xs {
		xs[i] = i
	}
	b := Repartition(Source(xs), 4)
	parts, err := Compute(b, DistributedContext{NumRanks: 4})
	if err != nil {
		t.Fatal(err)
	}
	var out []int
	for _, p := range parts {
		out = append(out, p...)
	}
	if !equalInts(sortedCopy(out), sortedCopy(xs)) {
		t.Fatalf("round trip lost or duplicated elements")
	}
}
