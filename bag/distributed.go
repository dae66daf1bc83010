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
	"bytes"
	"encoding/gob"

	"golang.org/x/sync/errgroup"

	"github.com/amarathe84/dftracer-utils-sub000/bag/partition"
)

// DistributedContext simulates an SPMD MPI-style run of NumRanks
// ranks as goroutines rather than OS processes. Every collective
// (gather, broadcast, all-to-all) is implemented as a
// gob-serialize/deserialize round trip over the data being moved,
// so a rank can never observe another rank's memory directly --
// only the bytes that would have crossed a real wire. Elements
// carried through a collective must therefore be gob-encodable;
// register any non-basic element type with encoding/gob before
// running a DistributedContext over it.
type DistributedContext struct {
	// NumRanks is how many simulated ranks participate. Zero falls
	// back to 1.
	NumRanks int
}

func (c DistributedContext) ranks() int {
	if c.NumRanks <= 0 {
		return 1
	}
	return c.NumRanks
}

// wireRoundTrip gob round-trips p to simulate it crossing the wire
// between ranks. A nil/empty partition round-trips to nil.
func wireRoundTrip(p Partition) (Partition, error) {
	if len(p) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&p); err != nil {
		return nil, errf(DistributedTransport, "wire", err)
	}
	var out Partition
	if err := gob.NewDecoder(&buf).Decode(&out); err != nil {
		return nil, errf(DistributedTransport, "wire", err)
	}
	return out, nil
}

// ExecuteMap is rank-local only: each existing partition is owned
// by one rank and mapped without any collective (spec.md §4.7).
func (c DistributedContext) ExecuteMap(in []Partition, f func(any) any) ([]Partition, error) {
	return localApply(c.ranks(), in, func(part Partition) (Partition, error) {
		out := make(Partition, len(part))
		for i, x := range part {
			out[i] = f(x)
		}
		return out, nil
	})
}

func (c DistributedContext) ExecuteFlatmap(in []Partition, f func(any) []any) ([]Partition, error) {
	return localApply(c.ranks(), in, func(part Partition) (Partition, error) {
		var out Partition
		for _, x := range part {
			out = append(out, f(x)...)
		}
		return out, nil
	})
}

// ExecuteMapPartitions is also rank-local only: f runs once per
// rank's local partition.
func (c DistributedContext) ExecuteMapPartitions(in []Partition, f func([]any) []any) ([]Partition, error) {
	parts := in
	if len(parts) == 0 {
		parts = make([]Partition, defaultMapPartitionsCount)
	}
	return localApply(c.ranks(), parts, func(part Partition) (Partition, error) {
		return f(part), nil
	})
}

func localApply(limit int, in []Partition, f func(Partition) (Partition, error)) ([]Partition, error) {
	out := make([]Partition, len(in))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, part := range in {
		i, part := i, part
		g.Go(func() error {
			mapped, err := f(part)
			if err != nil {
				return err
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

// gatherToRoot simulates every rank sending its local partition to
// rank 0 over the wire, returning the concatenated result.
func gatherToRoot(in []Partition) (Partition, error) {
	var all Partition
	for _, part := range in {
		sent, err := wireRoundTrip(part)
		if err != nil {
			return nil, err
		}
		all = append(all, sent...)
	}
	return all, nil
}

// broadcast simulates rank 0 sending each resulting partition back
// out over the wire to the rank that will own it.
func broadcast(parts [][]any) ([]Partition, error) {
	out := make([]Partition, len(parts))
	for i, part := range parts {
		sent, err := wireRoundTrip(part)
		if err != nil {
			return nil, err
		}
		out[i] = sent
	}
	return out, nil
}

// ExecuteRepartitionCount gathers every rank's data to the root,
// recomputes the partitioning, then broadcasts each resulting shard
// back out (spec.md §4.7).
func (c DistributedContext) ExecuteRepartitionCount(in []Partition, n int) ([]Partition, error) {
	if n <= 0 {
		return nil, errf(InvalidArgument, "repartition", nil)
	}
	all, err := gatherToRoot(in)
	if err != nil {
		return nil, err
	}
	return broadcast(partition.ByCountSequential(all, n))
}

func (c DistributedContext) ExecuteRepartitionBytes(in []Partition, targetBytes int64, estimate func(any) int64) ([]Partition, error) {
	if targetBytes <= 0 {
		return nil, errf(InvalidArgument, "repartition_bytes", nil)
	}
	all, err := gatherToRoot(in)
	if err != nil {
		return nil, err
	}
	return broadcast(partition.ByBytesEstimated(all, targetBytes, estimate))
}

// ExecuteRepartitionHash performs an all-to-all exchange: every
// rank locally hash-splits its data into n buckets, then each
// destination rank collects its bucket from every sender over the
// wire (spec.md §4.7).
func (c DistributedContext) ExecuteRepartitionHash(in []Partition, n int, hash func(any) uint64) ([]Partition, error) {
	if n <= 0 {
		return nil, errf(InvalidArgument, "repartition_hash", nil)
	}
	return c.allToAllByHash(in, n, hash)
}

// allToAllByHash is the shared shuffle primitive for
// repartition_hash and distributed_groupby: every input partition
// is treated as one sending rank, split locally into n buckets by
// hash, then each of the n destination buckets is assembled by
// wire-receiving from every sender in turn.
func (c DistributedContext) allToAllByHash(in []Partition, n int, hash func(any) uint64) ([]Partition, error) {
	sent := make([][]Partition, len(in))
	var g errgroup.Group
	g.SetLimit(c.ranks())
	for i, part := range in {
		i, part := i, part
		g.Go(func() error {
			split := partition.ByHash(part, hash, n)
			if split == nil {
				split = make([]Partition, n)
			}
			sent[i] = split
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]Partition, n)
	for d := 0; d < n; d++ {
		var collected Partition
		for _, split := range sent {
			var bucket Partition
			if d < len(split) {
				bucket = split[d]
			}
			recv, err := wireRoundTrip(bucket)
			if err != nil {
				return nil, err
			}
			collected = append(collected, recv...)
		}
		out[d] = collected
	}
	return out, nil
}

// ExecuteRepartitionedMapPartitions gathers to root, repartitions,
// and applies f to each resulting shard before broadcasting it --
// one wire trip per shard instead of a broadcast followed by a
// second round of per-rank sends for map_partitions.
func (c DistributedContext) ExecuteRepartitionedMapPartitions(in []Partition, n int, f func([]any) []any) ([]Partition, error) {
	if n <= 0 {
		return nil, errf(InvalidArgument, "repartitioned_map_partitions", nil)
	}
	all, err := gatherToRoot(in)
	if err != nil {
		return nil, err
	}
	shards := partition.ByCountSequential(all, n)
	if len(shards) == 0 {
		shards = make([][]any, defaultMapPartitionsCount)
	}
	mapped := make([][]any, len(shards))
	var g errgroup.Group
	g.SetLimit(c.ranks())
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			mapped[i] = f(shard)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return broadcast(mapped)
}

// ExecuteGroupby all-gathers every rank's data (every rank ends up
// with the full dataset in a real MPI all-gather; here we only need
// the merged view once) and groups it in one partition.
func (c DistributedContext) ExecuteGroupby(in []Partition, key func(any) any) ([]Partition, error) {
	all, err := gatherToRoot(in)
	if err != nil {
		return nil, err
	}
	order, buckets := groupInsertionOrder(all, key)
	out := make(Partition, len(order))
	for i, k := range order {
		out[i] = rawGroup{key: k, values: buckets[k]}
	}
	return []Partition{out}, nil
}

// ExecuteDistributedGroupby shuffles by key hash mod n (an
// all-to-all, same primitive as repartition_hash), then every
// destination rank groups and aggregates its own shard locally. The
// result stays distributed across n partitions, unlike
// ExecuteGroupby (spec.md §4.7).
func (c DistributedContext) ExecuteDistributedGroupby(in []Partition, key func(any) any, agg func(any, []any) any, n int) (result []Partition, err error) {
	if n <= 0 {
		return nil, errf(InvalidArgument, "distributed_groupby", nil)
	}
	defer recoverAggregation("distributed_groupby", &err)
	hashKey := func(x any) uint64 { return partition.Hash64(keyBytes(key(x))) }
	shuffled, err := c.allToAllByHash(in, n, hashKey)
	if err != nil {
		return nil, err
	}
	out := make([]Partition, n)
	var g errgroup.Group
	g.SetLimit(c.ranks())
	for i, bucket := range shuffled {
		i, bucket := i, bucket
		g.Go(func() (err error) {
			defer recoverAggregation("distributed_groupby", &err)
			order, buckets := groupInsertionOrder(bucket, key)
			part := make(Partition, len(order))
			for j, k := range order {
				part[j] = agg(k, buckets[k])
			}
			out[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ExecuteReduce folds each rank's local partition, all-gathers the
// partial results over the wire, then folds the partials -- the
// same final value every rank would compute in a real all-reduce
// (spec.md §4.7).
func (c DistributedContext) ExecuteReduce(in []Partition, op func(any, any) any) (result any, err error) {
	defer recoverAggregation("reduce", &err)
	partials := make(Partition, len(in))
	have := make([]bool, len(in))
	var g errgroup.Group
	g.SetLimit(c.ranks())
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
			partials[i], have[i] = acc, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var gathered Partition
	for i, p := range partials {
		if !have[i] {
			continue
		}
		recv, werr := wireRoundTrip(Partition{p})
		if werr != nil {
			return nil, werr
		}
		gathered = append(gathered, recv...)
	}
	var acc any
	var ok bool
	for _, x := range gathered {
		if !ok {
			acc, ok = x, true
			continue
		}
		acc = op(acc, x)
	}
	if !ok {
		return nil, errf(InvalidArgument, "reduce", nil)
	}
	return acc, nil
}
