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
	"fmt"

	"github.com/amarathe84/dftracer-utils-sub000/bag/partition"
)

// defaultMapPartitionsCount is the partition count map_partitions
// falls back to if the bag was never repartitioned (spec.md §4.7).
const defaultMapPartitionsCount = 4

// SequentialContext runs every stage on the calling goroutine, in
// partition order and, within a partition, in element order. It is
// the reference implementation every other Context is checked
// against (spec.md §4.7, §8 scenario S5).
type SequentialContext struct{}

func (SequentialContext) ExecuteMap(in []Partition, f func(any) any) ([]Partition, error) {
	out := make([]Partition, len(in))
	for i, part := range in {
		mapped := make(Partition, len(part))
		for j, x := range part {
			mapped[j] = f(x)
		}
		out[i] = mapped
	}
	return out, nil
}

func (SequentialContext) ExecuteFlatmap(in []Partition, f func(any) []any) ([]Partition, error) {
	out := make([]Partition, len(in))
	for i, part := range in {
		var flat Partition
		for _, x := range part {
			flat = append(flat, f(x)...)
		}
		out[i] = flat
	}
	return out, nil
}

func (SequentialContext) ExecuteMapPartitions(in []Partition, f func([]any) []any) ([]Partition, error) {
	parts := in
	if len(parts) == 0 {
		parts = make([]Partition, defaultMapPartitionsCount)
	}
	out := make([]Partition, len(parts))
	for i, part := range parts {
		out[i] = f(part)
	}
	return out, nil
}

func (SequentialContext) ExecuteRepartitionCount(in []Partition, n int) ([]Partition, error) {
	if n <= 0 {
		return nil, errf(InvalidArgument, "repartition", nil)
	}
	flat := flatten(in)
	return partition.ByCountSequential(flat, n), nil
}

func (SequentialContext) ExecuteRepartitionBytes(in []Partition, targetBytes int64, estimate func(any) int64) ([]Partition, error) {
	if targetBytes <= 0 {
		return nil, errf(InvalidArgument, "repartition_bytes", nil)
	}
	flat := flatten(in)
	return partition.ByBytesEstimated(flat, targetBytes, estimate), nil
}

func (SequentialContext) ExecuteRepartitionHash(in []Partition, n int, hash func(any) uint64) ([]Partition, error) {
	if n <= 0 {
		return nil, errf(InvalidArgument, "repartition_hash", nil)
	}
	flat := flatten(in)
	return partition.ByHash(flat, hash, n), nil
}

func (SequentialContext) ExecuteGroupby(in []Partition, key func(any) any) ([]Partition, error) {
	flat := flatten(in)
	order, buckets := groupInsertionOrder(flat, key)
	out := make(Partition, len(order))
	for i, k := range order {
		out[i] = rawGroup{key: k, values: buckets[k]}
	}
	return []Partition{out}, nil
}

func (SequentialContext) ExecuteDistributedGroupby(in []Partition, key func(any) any, agg func(any, []any) any, n int) (result []Partition, err error) {
	if n <= 0 {
		return nil, errf(InvalidArgument, "distributed_groupby", nil)
	}
	defer recoverAggregation("distributed_groupby", &err)
	flat := flatten(in)
	order, buckets := groupInsertionOrder(flat, key)
	shards := make([]Partition, n)
	for _, k := range order {
		idx := partition.BucketOf(partition.Hash64(keyBytes(k)), n)
		shards[idx] = append(shards[idx], agg(k, buckets[k]))
	}
	return shards, nil
}

func (SequentialContext) ExecuteReduce(in []Partition, op func(any, any) any) (result any, err error) {
	defer recoverAggregation("reduce", &err)
	var acc any
	var have bool
	for _, part := range in {
		for _, x := range part {
			if !have {
				acc, have = x, true
				continue
			}
			acc = op(acc, x)
		}
	}
	if !have {
		return nil, errf(InvalidArgument, "reduce", nil)
	}
	return acc, nil
}

// ExecuteRepartitionedMapPartitions has no collective to fuse away
// in a single-threaded context; it is implemented as the two steps
// in sequence.
func (c SequentialContext) ExecuteRepartitionedMapPartitions(in []Partition, n int, f func([]any) []any) ([]Partition, error) {
	repart, err := c.ExecuteRepartitionCount(in, n)
	if err != nil {
		return nil, err
	}
	return c.ExecuteMapPartitions(repart, f)
}

func flatten(in []Partition) Partition {
	var total int
	for _, p := range in {
		total += len(p)
	}
	out := make(Partition, 0, total)
	for _, p := range in {
		out = append(out, p...)
	}
	return out
}

// groupInsertionOrder groups xs by key, preserving first-appearance
// key order (spec.md §4.7's groupby determinism rule).
func groupInsertionOrder(xs Partition, key func(any) any) ([]any, map[any][]any) {
	buckets := make(map[any][]any)
	var order []any
	for _, x := range xs {
		k := key(x)
		if _, seen := buckets[k]; !seen {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], x)
	}
	return order, buckets
}

// keyBytes renders a group key as bytes for hash-based shard
// assignment. Keys in this package are always comparable scalars or
// strings produced by user key funcs, so %v round-trips uniquely
// for the types bag is exercised with in practice.
func keyBytes(k any) []byte {
	return []byte(toString(k))
}

func toString(k any) string {
	switch v := k.(type) {
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
