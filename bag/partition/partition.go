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

// Package partition implements the distribution schemes a bag
// execution context applies when splitting elements across
// partitions or worker tasks: by count, by estimated or exact
// target byte size, and by hash (spec.md §4.8).
package partition

import (
	"reflect"
	"unsafe"

	"github.com/dchest/siphash"
)

// sipKey0/sipKey1 are fixed keys for the hash used to place
// elements into partitions deterministically across runs, the same
// role plan.Input.HashSplit's k0/k1 constants play for sneller's
// query-input sharding.
const (
	sipKey0 = 0x5d1ec810febed702
	sipKey1 = 0x40fd7fee17262f71
)

// Hash64 hashes b with a fixed key, for deterministic
// (repartition_by_hash, distributed_groupby) element placement.
func Hash64(b []byte) uint64 {
	return siphash.Hash(sipKey0, sipKey1, b)
}

// BucketOf returns the 0-based partition index hash is assigned to
// among n buckets.
func BucketOf(hash uint64, n int) int {
	if n <= 0 {
		return 0
	}
	return int(hash % uint64(n))
}

// ByCountSequential distributes xs into n partitions using
// floor(i / ceil(len(xs)/n)), the sequential-context scheme from
// spec.md §4.8.
func ByCountSequential[T any](xs []T, n int) [][]T {
	if n <= 0 || len(xs) == 0 {
		return nil
	}
	out := make([][]T, n)
	chunk := (len(xs) + n - 1) / n
	for i, x := range xs {
		idx := i / chunk
		if idx >= n {
			idx = n - 1
		}
		out[idx] = append(out[idx], x)
	}
	return out
}

// ByCountThreaded distributes xs into n partitions using
// i mod n, the threaded-context scheme from spec.md §4.8.
func ByCountThreaded[T any](xs []T, n int) [][]T {
	if n <= 0 || len(xs) == 0 {
		return nil
	}
	out := make([][]T, n)
	for i, x := range xs {
		out[i%n] = append(out[i%n], x)
	}
	return out
}

// ByHash distributes xs into n partitions by hash(x) mod n.
func ByHash[T any](xs []T, hash func(T) uint64, n int) [][]T {
	if n <= 0 || len(xs) == 0 {
		return nil
	}
	out := make([][]T, n)
	for _, x := range xs {
		idx := BucketOf(hash(x), n)
		out[idx] = append(out[idx], x)
	}
	return out
}

const bytesSampleSize = 100

// ByBytesEstimated samples up to 100 elements, estimates their
// average size with estimate, then partitions by count using
// max(1, targetBytes/avg) elements per partition -- spec.md §4.8's
// "estimated" byte-target mode.
func ByBytesEstimated[T any](xs []T, targetBytes int64, estimate func(T) int64) [][]T {
	if len(xs) == 0 || targetBytes <= 0 {
		return nil
	}
	n := len(xs)
	if n > bytesSampleSize {
		n = bytesSampleSize
	}
	var total int64
	for _, x := range xs[:n] {
		total += estimate(x)
	}
	avg := total / int64(n)
	if avg <= 0 {
		avg = 1
	}
	perPartition := targetBytes / avg
	if perPartition < 1 {
		perPartition = 1
	}
	numPartitions := int((int64(len(xs)) + perPartition - 1) / perPartition)
	if numPartitions < 1 {
		numPartitions = 1
	}
	return ByCountSequential(xs, numPartitions)
}

// ByBytesExact iterates xs, flushing the running partition whenever
// the next element would push it past targetBytes (unless the
// partition is still empty) -- spec.md §4.8's "exact" byte-target
// mode.
func ByBytesExact[T any](xs []T, targetBytes int64, estimate func(T) int64) [][]T {
	if len(xs) == 0 || targetBytes <= 0 {
		return nil
	}
	var out [][]T
	var cur []T
	var curSize int64
	for _, x := range xs {
		sz := estimate(x)
		if len(cur) > 0 && curSize+sz > targetBytes {
			out = append(out, cur)
			cur = nil
			curSize = 0
		}
		cur = append(cur, x)
		curSize += sz
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// DefaultEstimator approximates an element's byte size the way
// spec.md §4.8 describes for a language with introspectable sizes:
// arithmetic types use their fixed width, strings and slices use
// their length times element width, maps count 16 bytes per entry,
// and anything else falls back to its static size.
func DefaultEstimator[T any](x T) int64 {
	v := reflect.ValueOf(x)
	switch v.Kind() {
	case reflect.String:
		return int64(v.Len())
	case reflect.Slice, reflect.Array:
		elemSize := int64(1)
		if v.Len() > 0 {
			elemSize = int64(reflect.TypeOf(x).Elem().Size())
		}
		return int64(v.Len()) * elemSize
	case reflect.Map:
		return int64(v.Len()) * 16
	default:
		return int64(unsafe.Sizeof(x))
	}
}
