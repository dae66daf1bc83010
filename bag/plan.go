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

// Package bag implements the lazy distributed bag pipeline: a typed
// chain of map/flatmap/map_partitions/repartition/groupby combinators
// that compiles a logical plan and runs it on any Context (spec.md
// §4.6-4.9). The source language modeled this with curiously
// recurring template polymorphism over stage node and context
// classes (spec.md §9); here stages are plain structs holding an
// already-closed-over kernel call, and contexts satisfy a single
// interface, so the executor never needs dynamic dispatch beyond one
// function-value call per node.
package bag

// planNode is one stage in a compiled plan. Bag[T]'s combinators
// are generic functions checked by the compiler, but the plan they
// build is type-erased: each node's exec closure already captures
// the concrete element types it was constructed with, so a single
// non-generic executor can walk the whole chain.
type planNode struct {
	parent *planNode
	name   string // stage label, used for named repartition checkpoints
	exec   func(ctx Context, in []Partition) ([]Partition, error)
}

// Bag is a lazy sequence of elements of type T, split across zero
// or more partitions. Combinators never touch data directly; they
// only append a node to the plan (spec.md §4.6: "all combinators
// above, except reduce and compute, only append a node to the
// plan").
type Bag[T any] struct {
	plan *planNode
}

// Source starts a new bag from an in-memory slice, as a single
// partition.
func Source[T any](xs []T) Bag[T] {
	elems := make([]any, len(xs))
	for i, x := range xs {
		elems[i] = x
	}
	parts := []Partition{elems}
	return Bag[T]{plan: &planNode{name: "source", exec: func(_ Context, _ []Partition) ([]Partition, error) {
		return parts, nil
	}}}
}

// order returns this bag's plan nodes from source to tip.
func (b Bag[T]) order() []*planNode {
	var nodes []*planNode
	for n := b.plan; n != nil; n = n.parent {
		nodes = append(nodes, n)
	}
	for i, j := 0, len(nodes)-1; i < j; i, j = i+1, j-1 {
		nodes[i], nodes[j] = nodes[j], nodes[i]
	}
	return nodes
}

// Compute traverses the plan in order and returns the resulting
// partitions, converted back to typed slices. Compute is idempotent
// if the plan is pure (spec.md §4.6).
func Compute[T any](b Bag[T], ctx Context) ([][]T, error) {
	var cur []Partition
	for _, node := range b.order() {
		next, err := node.exec(ctx, cur)
		if err != nil {
			return nil, errf(Aggregation, node.name, err)
		}
		cur = next
	}
	out := make([][]T, len(cur))
	for i, part := range cur {
		typed := make([]T, len(part))
		for j, e := range part {
			typed[j] = e.(T)
		}
		out[i] = typed
	}
	return out, nil
}

// Collect flattens Compute's partitions into one slice, discarding
// partition boundaries.
func Collect[T any](b Bag[T], ctx Context) ([]T, error) {
	parts, err := Compute(b, ctx)
	if err != nil {
		return nil, err
	}
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]T, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func chain[T any](b Bag[T], name string, exec func(ctx Context, in []Partition) ([]Partition, error)) *planNode {
	return &planNode{parent: b.plan, name: name, exec: exec}
}

// Map applies f to every element; T -> U, partition count unchanged.
func Map[T, U any](b Bag[T], f func(T) U) Bag[U] {
	wrapped := func(x any) any { return f(x.(T)) }
	return Bag[U]{plan: chain(b, "map", func(ctx Context, in []Partition) ([]Partition, error) {
		return ctx.ExecuteMap(in, wrapped)
	})}
}

// FlatMap applies f to every element, concatenating the resulting
// sequences within each partition; T -> U, partition count
// unchanged.
func FlatMap[T, U any](b Bag[T], f func(T) []U) Bag[U] {
	wrapped := func(x any) []any {
		ys := f(x.(T))
		out := make([]any, len(ys))
		for i, y := range ys {
			out[i] = y
		}
		return out
	}
	return Bag[U]{plan: chain(b, "flatmap", func(ctx Context, in []Partition) ([]Partition, error) {
		return ctx.ExecuteFlatmap(in, wrapped)
	})}
}

// MapPartitions applies f once per partition; T -> U, one output
// partition per input partition.
func MapPartitions[T, U any](b Bag[T], f func([]T) []U) Bag[U] {
	wrapped := func(xs []any) []any {
		typed := make([]T, len(xs))
		for i, x := range xs {
			typed[i] = x.(T)
		}
		ys := f(typed)
		out := make([]any, len(ys))
		for i, y := range ys {
			out[i] = y
		}
		return out
	}
	return Bag[U]{plan: chain(b, "map_partitions", func(ctx Context, in []Partition) ([]Partition, error) {
		return ctx.ExecuteMapPartitions(in, wrapped)
	})}
}

// Repartition sets the bag's partition count to n.
func Repartition[T any](b Bag[T], n int) Bag[T] {
	return Bag[T]{plan: chain(b, "repartition_count", func(ctx Context, in []Partition) ([]Partition, error) {
		return ctx.ExecuteRepartitionCount(in, n)
	})}
}

// RepartitionBytes sets the bag's partition count by a target
// uncompressed byte size per partition, estimated from a sample.
// name is recorded but (per spec.md §4.6) persistence of the
// checkpoint is optional and not implemented here.
func RepartitionBytes[T any](b Bag[T], targetBytes int64, estimate func(T) int64, name string) Bag[T] {
	wrapped := func(x any) int64 { return estimate(x.(T)) }
	node := chain(b, "repartition_bytes", func(ctx Context, in []Partition) ([]Partition, error) {
		return ctx.ExecuteRepartitionBytes(in, targetBytes, wrapped)
	})
	node.name = name
	if node.name == "" {
		node.name = "repartition_bytes"
	}
	return Bag[T]{plan: node}
}

// RepartitionByHash sets the bag's partition count to n, assigning
// each element to partition hash(x) mod n.
func RepartitionByHash[T any](b Bag[T], hash func(T) uint64, n int) Bag[T] {
	wrapped := func(x any) uint64 { return hash(x.(T)) }
	return Bag[T]{plan: chain(b, "repartition_hash", func(ctx Context, in []Partition) ([]Partition, error) {
		return ctx.ExecuteRepartitionHash(in, n, wrapped)
	})}
}

// GroupBy groups every element by key, in one in-memory partition;
// T -> Group[K, T].
func GroupBy[T any, K comparable](b Bag[T], key func(T) K) Bag[Group[K, T]] {
	wrapped := func(x any) any { return key(x.(T)) }
	return Bag[Group[K, T]]{plan: chain(b, "groupby", func(ctx Context, in []Partition) ([]Partition, error) {
		raw, err := ctx.ExecuteGroupby(in, wrapped)
		if err != nil {
			return nil, err
		}
		return regroup[T, K](raw), nil
	})}
}

// regroup converts the type-erased {key, []any} pairs
// ExecuteGroupby produces back into Group[K, T] elements.
func regroup[T any, K comparable](raw []Partition) []Partition {
	out := make([]Partition, len(raw))
	for i, part := range raw {
		conv := make([]any, len(part))
		for j, e := range part {
			g := e.(rawGroup)
			values := make([]T, len(g.values))
			for k, v := range g.values {
				values[k] = v.(T)
			}
			conv[j] = Group[K, T]{Key: g.key.(K), Values: values}
		}
		out[i] = conv
	}
	return out
}

// rawGroup is the type-erased form ExecuteGroupby/ExecuteDistributedGroupby
// pass between the kernel and regroup.
type rawGroup struct {
	key    any
	values []any
}

// DistributedGroupby hashes each element by key, shuffles into n
// buckets, and applies agg to each bucket's (K, Vec<T>); T -> R,
// n output partitions.
func DistributedGroupby[T any, K comparable, R any](b Bag[T], key func(T) K, agg func(K, []T) R, n int) Bag[R] {
	wrappedKey := func(x any) any { return key(x.(T)) }
	wrappedAgg := func(k any, xs []any) any {
		typed := make([]T, len(xs))
		for i, x := range xs {
			typed[i] = x.(T)
		}
		return agg(k.(K), typed)
	}
	return Bag[R]{plan: chain(b, "distributed_groupby", func(ctx Context, in []Partition) ([]Partition, error) {
		return ctx.ExecuteDistributedGroupby(in, wrappedKey, wrappedAgg, n)
	})}
}

// RepartitionThenMapPartitions fuses Repartition(b, n) followed by
// MapPartitions(_, f) into one plan node. Its semantics equal that
// two-call sequence; the fusion exists so a distributed context can
// apply f to each post-shuffle shard without a second wire round
// trip per partition.
func RepartitionThenMapPartitions[T, U any](b Bag[T], n int, f func([]T) []U) Bag[U] {
	wrapped := func(xs []any) []any {
		typed := make([]T, len(xs))
		for i, x := range xs {
			typed[i] = x.(T)
		}
		ys := f(typed)
		out := make([]any, len(ys))
		for i, y := range ys {
			out[i] = y
		}
		return out
	}
	return Bag[U]{plan: chain(b, "repartition_map_partitions", func(ctx Context, in []Partition) ([]Partition, error) {
		return ctx.ExecuteRepartitionedMapPartitions(in, n, wrapped)
	})}
}

// Reduce is a terminal kernel: it computes the plan, then folds op
// first within each partition and then across partitions. op must
// be associative (and, under threaded/distributed contexts,
// effectively commutative too).
func Reduce[T any](b Bag[T], ctx Context, op func(T, T) T) (T, error) {
	var zero T
	wrapped := func(a, x any) any { return op(a.(T), x.(T)) }
	parts, err := computeRaw(b, ctx)
	if err != nil {
		return zero, err
	}
	result, err := ctx.ExecuteReduce(parts, wrapped)
	if err != nil {
		return zero, errf(Aggregation, "reduce", err)
	}
	return result.(T), nil
}

func computeRaw[T any](b Bag[T], ctx Context) ([]Partition, error) {
	var cur []Partition
	for _, node := range b.order() {
		next, err := node.exec(ctx, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}
