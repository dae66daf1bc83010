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

import (
	"sort"
	"testing"
)

func TestMapPreservesCount(t *testing.T) {
	b := Source([]int{1, 2, 3, 4, 5})
	doubled := Map(b, func(x int) int { return x * 2 })
	out, err := Collect(doubled, SequentialContext{})
	if err != nil {
		t.Fatal(err)
	}
	want := []int{2, 4, 6, 8, 10}
	if !equalInts(out, want) {
		t.Fatalf("got %v, want %v", out, want)
	}
}

func TestFlatMapExpands(t *testing.T) {
	b := Source([]int{1, 2, 3})
	expanded := FlatMap(b, func(x int) []int { return []int{x, x} })
	out, err := Collect(expanded, SequentialContext{})
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 1, 2, 2, 3, 3}
	if !equalInts(out, want) {
		t.Fatalf("got %v, want %v", out, want)
	}
}

func TestMapPartitionsDefaultCount(t *testing.T) {
	b := Source([]int{})
	var partCounts []int
	counted := MapPartitions(b, func(xs []int) []int {
		partCounts = append(partCounts, len(xs))
		return xs
	})
	if _, err := Compute(counted, SequentialContext{}); err != nil {
		t.Fatal(err)
	}
	if len(partCounts) != defaultMapPartitionsCount {
		t.Fatalf("got %d partitions, want %d", len(partCounts), defaultMapPartitionsCount)
	}
}

func TestRepartitionCountRedistributes(t *testing.T) {
	xs := make([]int, 50)
	for i := range xs {
		xs[i] = i
	}
	b := Repartition(Source(xs), 5)
	parts, err := Compute(b, SequentialContext{})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 5 {
		t.Fatalf("got %d partitions, want 5", len(parts))
	}
	var total int
	for _, p := range parts {
		total += len(p)
	}
	if total != len(xs) {
		t.Fatalf("total elements = %d, want %d", total, len(xs))
	}
}

func TestGroupByInsertionOrder(t *testing.T) {
	xs := []int{3, 1, 3, 2, 1, 1}
	b := GroupBy(Source(xs), func(x int) int { return x })
	groups, err := Collect(b, SequentialContext{})
	if err != nil {
		t.Fatal(err)
	}
	wantKeys := []int{3, 1, 2}
	if len(groups) != len(wantKeys) {
		t.Fatalf("got %d groups, want %d", len(groups), len(wantKeys))
	}
	for i, g := range groups {
		if g.Key != wantKeys[i] {
			t.Fatalf("group %d key = %d, want %d", i, g.Key, wantKeys[i])
		}
	}
	for _, g := range groups {
		if g.Key == 1 && len(g.Values) != 3 {
			t.Fatalf("group 1 has %d values, want 3", len(g.Values))
		}
	}
}

func TestReduceSumsAll(t *testing.T) {
	xs := make([]int, 100)
	for i := range xs {
		xs[i] = i + 1
	}
	sum, err := Reduce(Source(xs), SequentialContext{}, func(a, b int) int { return a + b })
	if err != nil {
		t.Fatal(err)
	}
	if sum != 5050 {
		t.Fatalf("sum = %d, want 5050", sum)
	}
}

func TestReduceEmptyIsError(t *testing.T) {
	_, err := Reduce(Source([]int{}), SequentialContext{}, func(a, b int) int { return a + b })
	if err == nil {
		t.Fatal("expected error reducing an empty bag")
	}
}

func TestDistributedGroupbyStaysDistributed(t *testing.T) {
	xs := make([]int, 200)
	for i := range xs {
		xs[i] = i % 7
	}
	b := DistributedGroupby(Source(xs), func(x int) int { return x }, func(k int, vs []int) int { return len(vs) }, 4)
	parts, err := Compute(b, SequentialContext{})
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 4 {
		t.Fatalf("got %d partitions, want 4", len(parts))
	}
	var total int
	for _, p := range parts {
		total += len(p)
	}
	if total != 7 {
		t.Fatalf("total groups = %d, want 7", total)
	}
}

func TestRepartitionThenMapPartitionsMatchesUnfused(t *testing.T) {
	xs := make([]int, 120)
	for i := range xs {
		xs[i] = i
	}
	sumPartitions := func(part []int) []int {
		var total int
		for _, x := range part {
			total += x
		}
		return []int{total}
	}

	fused := RepartitionThenMapPartitions(Source(xs), 6, sumPartitions)
	fusedOut, err := Collect(fused, SequentialContext{})
	if err != nil {
		t.Fatal(err)
	}

	unfused := MapPartitions(Repartition(Source(xs), 6), sumPartitions)
	unfusedOut, err := Collect(unfused, SequentialContext{})
	if err != nil {
		t.Fatal(err)
	}

	if !equalInts(sortedCopy(fusedOut), sortedCopy(unfusedOut)) {
		t.Fatalf("fused result %v diverges from unfused %v", fusedOut, unfusedOut)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedCopy(xs []int) []int {
	out := append([]int(nil), xs...)
	sort.Ints(out)
	return out
}
