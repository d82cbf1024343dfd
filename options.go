// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rhmap

// option provides an interface to do work on a Map while it is being
// created.
type option[T any] interface {
	apply(m *Map[T])
}

type seedsOption[T any] struct {
	seed0, seed1 uint64
}

func (op seedsOption[T]) apply(m *Map[T]) {
	m.seed0 = op.seed0
	m.seed1 = op.seed1
}

// WithSeeds is an option fixing the two seed values passed to the hash
// function on every call. By default each map draws random seeds at
// construction, which defends the default SipHash strategy against
// adversarially chosen keys.
func WithSeeds[T any](seed0, seed1 uint64) option[T] {
	return seedsOption[T]{seed0, seed1}
}

type freeOption[T any] struct {
	free func(item *T, ctx any)
}

func (op freeOption[T]) apply(m *Map[T]) {
	m.free = op.free
}

// WithFree is an option registering a hook invoked once per occupied
// element when the map is closed or cleared. Use it when elements carry
// resources the map's copy semantics cannot release (an embedded pointer,
// a file descriptor). The hook is never invoked on the copies returned by
// Put or Delete; ownership of those travels with the return value.
func WithFree[T any](free func(item *T, ctx any)) option[T] {
	return freeOption[T]{free}
}

type contextOption[T any] struct {
	ctx any
}

func (op contextOption[T]) apply(m *Map[T]) {
	m.ctx = op.ctx
}

// WithContext is an option supplying an opaque value passed to the compare
// and free callbacks on every invocation.
func WithContext[T any](ctx any) option[T] {
	return contextOption[T]{ctx}
}

type minCapacityOption[T any] struct {
	minCapacity int
}

func (op minCapacityOption[T]) apply(m *Map[T]) {
	m.cap = uint64(op.minCapacity)
}

// WithMinCapacity is an option setting the lower bound on the bucket count
// independently of the initial capacity passed to New: shrinking never
// reduces the bucket array below it. The value is rounded up to a power of
// two and is never less than 16.
func WithMinCapacity[T any](minCapacity int) option[T] {
	return minCapacityOption[T]{minCapacity}
}

// Allocator specifies an interface for allocating and releasing the memory
// used by a Map's bucket array. The default allocator uses Go's builtin
// make() and lets the GC reclaim memory.
//
// Alloc returning nil signals allocation failure. The map treats a nil
// result the way the C world treats a NULL from malloc: the triggering grow
// or shrink is abandoned atomically and the map's sticky oom flag is set.
// The default allocator never fails.
//
// If the allocator manages memory manually, Map.Close must be called to
// ensure Free is invoked for the final bucket array.
type Allocator[T any] interface {
	// Alloc returns a slice equivalent to make([]Bucket[T], n), or nil if
	// the allocation cannot be satisfied.
	Alloc(n int) []Bucket[T]

	// Free releases the memory associated with the supplied slice, which is
	// guaranteed to have been returned by Alloc.
	Free(buckets []Bucket[T])
}

type defaultAllocator[T any] struct{}

func (defaultAllocator[T]) Alloc(n int) []Bucket[T] {
	return make([]Bucket[T], n)
}

func (defaultAllocator[T]) Free(buckets []Bucket[T]) {
}

type allocatorOption[T any] struct {
	allocator Allocator[T]
}

func (op allocatorOption[T]) apply(m *Map[T]) {
	m.allocator = op.allocator
}

// WithAllocator is an option specifying the Allocator to use for a Map's
// bucket array.
func WithAllocator[T any](allocator Allocator[T]) option[T] {
	return allocatorOption[T]{allocator}
}
