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
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/amarathe84/dftracer-utils-sub000/bag/partition"
)

// ThreadedContext runs each stage as a fan-out of goroutines, one
// per logical task, bounded by NumThreads (spec.md §4.7, §5). The
// fan-out/join shape follows tenant/dcache's worker-pool: a bounded
// set of workers draining a queue, joined with a WaitGroup; here
// an errgroup.Group with SetLimit plays that role since every task's
// error needs to reach the caller, not just its completion.
type ThreadedContext struct {
	// NumThreads bounds concurrent tasks. Zero (or negative) means
	// runtime.NumCPU().
	NumThreads int
}

func (c ThreadedContext) limit() int {
	if c.NumThreads <= 0 {
		return runtime.NumCPU()
	}
	return c.NumThreads
}

// ExecuteMap applies f per-partition, per-element, preserving order
// within each partition (spec.md §4.7's threaded map rule).
func (c ThreadedContext) ExecuteMap(in []Partition, f func(any) any) ([]Partition, error) {
	out := make([]Partition, len(in))
	var g errgroup.Group
	g.SetLimit(c.limit())
	for i, part := range in {
		i, part := i, part
		g.Go(func() error {
			mapped := make(Partition, len(part))
			for j, x := range part {
				mapped[j] = f(x)
			}
			out[i] = mapped
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c ThreadedContext) ExecuteFlatmap(in []Partition, f func(any) []any) ([]Partition, error) {
	out := make([]Partition, len(in))
	var g errgroup.Group
	g.SetLimit(c.limit())
	for i, part := range in {
		i, part := i, part
		g.Go(func() error {
			var flat Partition
			for _, x := range part {
				flat = append(flat, f(x)...)
			}
			out[i] = flat
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ExecuteMapPartitions runs one task per existing partition (spec.md
// §4.7: "one task per existing partition").
func (c ThreadedContext) ExecuteMapPartitions(in []Partition, f func([]any) []any) ([]Partition, error) {
	parts := in
	if len(parts) == 0 {
		parts = make([]Partition, defaultMapPartitionsCount)
	}
	out := make([]Partition, len(parts))
	var g errgroup.Group
	g.SetLimit(c.limit())
	for i, part := range parts {
		i, part := i, part
		g.Go(func() error {
			out[i] = f(part)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c ThreadedContext) ExecuteRepartitionCount(in []Partition, n int) ([]Partition, error) {
	if n <= 0 {
		return nil, errf(InvalidArgument, "repartition", nil)
	}
	flat := flatten(in)
	return partition.ByCountThreaded(flat, n), nil
}

func (c ThreadedContext) ExecuteRepartitionBytes(in []Partition, targetBytes int64, estimate func(any) int64) ([]Partition, error) {
	if targetBytes <= 0 {
		return nil, errf(InvalidArgument, "repartition_bytes", nil)
	}
	flat := flatten(in)
	return partition.ByBytesEstimated(flat, targetBytes, estimate), nil
}

// ExecuteRepartitionHash builds per-worker-chunk buckets in
// parallel, then merges them under one mutex per destination bucket
// (spec.md §4.7: "thread-local bucket building + per-bucket-mutex
// merge").
func (c ThreadedContext) ExecuteRepartitionHash(in []Partition, n int, hash func(any) uint64) ([]Partition, error) {
	if n <= 0 {
		return nil, errf(InvalidArgument, "repartition_hash", nil)
	}
	flat := flatten(in)
	return c.hashShuffle(flat, n, hash)
}

func (c ThreadedContext) hashShuffle(flat Partition, n int, hash func(any) uint64) ([]Partition, error) {
	out := make([]Partition, n)
	var locks = make([]sync.Mutex, n)
	chunks := partition.ByCountThreaded(flat, c.limit())
	var g errgroup.Group
	g.SetLimit(c.limit())
	for _, chunk := range chunks {
		chunk := chunk
		g.Go(func() error {
			local := partition.ByHash(chunk, hash, n)
			for idx, bucket := range local {
				if len(bucket) == 0 {
					continue
				}
				locks[idx].Lock()
				out[idx] = append(out[idx], bucket...)
				locks[idx].Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ExecuteGroupby builds one local map per worker chunk in parallel,
// then merges the chunks on the caller after the join, in chunk
// order. The sequential context's first-appearance key order is not
// guaranteed here -- only SequentialContext makes that promise
// (spec.md §4.7).
func (c ThreadedContext) ExecuteGroupby(in []Partition, key func(any) any) ([]Partition, error) {
	flat := flatten(in)
	chunks := partition.ByCountThreaded(flat, c.limit())
	type localGroup struct {
		order   []any
		buckets map[any][]any
	}
	locals := make([]localGroup, len(chunks))
	var g errgroup.Group
	g.SetLimit(c.limit())
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			order, buckets := groupInsertionOrder(chunk, key)
			locals[i] = localGroup{order: order, buckets: buckets}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	merged := make(map[any][]any)
	var order []any
	for _, loc := range locals {
		for _, k := range loc.order {
			if _, seen := merged[k]; !seen {
				order = append(order, k)
			}
			merged[k] = append(merged[k], loc.buckets[k]...)
		}
	}
	outPart := make(Partition, len(order))
	for i, k := range order {
		outPart[i] = rawGroup{key: k, values: merged[k]}
	}
	return []Partition{outPart}, nil
}

// ExecuteDistributedGroupby shuffles by key hash the same way
// ExecuteRepartitionHash does, then aggregates each bucket locally
// (spec.md §4.7's threaded distributed_groupby rule).
func (c ThreadedContext) ExecuteDistributedGroupby(in []Partition, key func(any) any, agg func(any, []any) any, n int) (result []Partition, err error) {
	if n <= 0 {
		return nil, errf(InvalidArgument, "distributed_groupby", nil)
	}
	defer recoverAggregation("distributed_groupby", &err)
	flat := flatten(in)
	hashKey := func(x any) uint64 { return partition.Hash64(keyBytes(key(x))) }
	shuffled, err := c.hashShuffle(flat, n, hashKey)
	if err != nil {
		return nil, err
	}
	out := make([]Partition, n)
	for i, bucket := range shuffled {
		order, buckets := groupInsertionOrder(bucket, key)
		part := make(Partition, len(order))
		for j, k := range order {
			part[j] = agg(k, buckets[k])
		}
		out[i] = part
	}
	return out, nil
}

// ExecuteRepartitionedMapPartitions reuses the plain repartition
// then map_partitions path; threads share memory, so there is no
// wire round trip to save.
func (c ThreadedContext) ExecuteRepartitionedMapPartitions(in []Partition, n int, f func([]any) []any) ([]Partition, error) {
	repart, err := c.ExecuteRepartitionCount(in, n)
	if err != nil {
		return nil, err
	}
	return c.ExecuteMapPartitions(repart, f)
}

// ExecuteReduce tree-reduces: each partition folds locally in
// parallel, then the per-partition results are folded sequentially
// on the caller (spec.md §4.7: "tree-reduce then combine").
func (c ThreadedContext) ExecuteReduce(in []Partition, op func(any, any) any) (result any, err error) {
	defer recoverAggregation("reduce", &err)
	partial := make([]any, len(in))
	have := make([]bool, len(in))
	var g errgroup.Group
	g.SetLimit(c.limit())
	for i, part := range in {
		i, part := i, part
		g.Go(func() (err error) {
			defer recoverAggregation("reduce", &err)
			var acc any
			var ok bool
			for _, x := range part {
				if !ok {
					acc, ok = x, true
					continue
				}
				acc = op(acc, x)
			}
			partial[i], have[i] = acc, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var acc any
	var ok bool
	for i := range partial {
		if !have[i] {
			continue
		}
		if !ok {
			acc, ok = partial[i], true
			continue
		}
		acc = op(acc, partial[i])
	}
	if !ok {
		return nil, errf(InvalidArgument, "reduce", nil)
	}
	return acc, nil
}
