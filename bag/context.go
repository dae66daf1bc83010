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

// Partition is one shard of a bag's elements. Intermediate plan
// state between stages is always a []Partition (spec.md §4.6); bag
// combinators are generic over the element type, but the kernel
// surface below operates on type-erased elements so a single
// Context implementation can execute every stage in a plan
// regardless of the element types involved.
type Partition = []any

// Group is the element type groupby produces: a key paired with
// every value that hashed to it, in first-appearance order.
type Group[K comparable, T any] struct {
	Key    K
	Values []T
}

// Context is the kernel surface all three execution backends
// (sequential, threaded, distributed) implement identically, named
// after spec.md §4.7's execute_* operations.
type Context interface {
	ExecuteMap(in []Partition, f func(any) any) ([]Partition, error)
	ExecuteFlatmap(in []Partition, f func(any) []any) ([]Partition, error)
	ExecuteMapPartitions(in []Partition, f func([]any) []any) ([]Partition, error)
	ExecuteRepartitionCount(in []Partition, n int) ([]Partition, error)
	ExecuteRepartitionBytes(in []Partition, targetBytes int64, estimate func(any) int64) ([]Partition, error)
	ExecuteRepartitionHash(in []Partition, n int, hash func(any) uint64) ([]Partition, error)
	ExecuteGroupby(in []Partition, key func(any) any) ([]Partition, error)
	ExecuteDistributedGroupby(in []Partition, key func(any) any, agg func(any, []any) any, n int) ([]Partition, error)
	ExecuteReduce(in []Partition, op func(any, any) any) (any, error)

	// ExecuteRepartitionedMapPartitions fuses a repartition_count
	// immediately followed by map_partitions into one step, so a
	// distributed backend can apply f to each post-shuffle shard
	// without round-tripping it through the all-to-all twice.
	// Semantically equal to ExecuteRepartitionCount(in, n) followed
	// by ExecuteMapPartitions(result, f).
	ExecuteRepartitionedMapPartitions(in []Partition, n int, f func([]any) []any) ([]Partition, error)
}
