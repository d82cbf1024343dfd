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

// Package rhmap is a Go implementation of a robin-hood hash map: an
// open-addressing hash table that stores every element directly in the
// bucket array and resolves collisions by displacement. See
// https://en.wikipedia.org/wiki/Hash_table#Robin_Hood_hashing and Pedro
// Celis's original thesis for background.
//
// # Robin-hood hashing
//
// Every occupied bucket records its "dib" (distance from ideal bucket): the
// number of probe steps between the slot the element's hash maps to and the
// slot it actually occupies. During insertion the candidate element walks
// forward from its ideal slot; whenever it encounters an occupied bucket
// that is closer to its own ideal slot than the candidate is (bucket.dib <
// candidate.dib), the two are swapped and the displaced element continues
// the walk. The effect is that no element sits arbitrarily farther from its
// ideal slot than another, which bounds probe-length variance and keeps
// lookups cache friendly even at high load factors.
//
// The same ordering makes negative lookups cheap: probing for a key can stop
// as soon as it reaches a bucket whose dib is smaller than the distance
// probed so far, since robin-hood ordering guarantees the key cannot appear
// beyond that point. There is no need to scan ahead to an empty slot.
//
// Deletion never leaves tombstones. When a bucket is vacated, the entries
// behind it in the probe chain are shifted backward one slot (each with its
// dib decremented) until an empty bucket or an entry already in its ideal
// slot is reached. Average probe length therefore stays stable under
// insert/delete churn.
//
// # Elements and keys
//
// A Map[T] stores elements of a single fixed-width type T and maps them to
// themselves: the key is whatever portion of T the caller's hash and compare
// functions choose to look at. This makes the map equally usable as a set
// (hash and compare the whole element) or as a key/value table (hash and
// compare only the key fields of a struct element).
//
// All results are returned by value. Nothing handed out by Get, Put, Delete,
// GetPos, All, or Iter aliases the map's internal storage.
//
// A Map is NOT goroutine-safe. The table assumes single-writer, exclusive
// access; concurrent use requires external synchronization. Grow and shrink
// reallocate and rearrange the entire bucket array.
package rhmap

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"strings"
)

const (
	debug      = false
	invariants = false

	// minCapacity is the smallest bucket array a Map will ever allocate.
	minCapacity = 16
)

// Bucket is a single slot of the table: a cached hash, the displacement
// counter, and the element bytes inline. It is exported only so that a
// custom Allocator can be typed in terms of it.
type Bucket[T any] struct {
	hash uint64
	// dib is 0 for an empty bucket. An occupied bucket stores its probe
	// distance plus one, so an entry sitting in its ideal slot has dib == 1.
	dib  uint32
	item T
}

// Map is an unordered collection of fixed-width elements with Put, Get,
// Delete, Clear, positional probing, and two traversal forms. Collisions are
// handled with robin-hood displacement; deletions use backward shifting
// rather than tombstones. The bucket array always holds a power-of-two
// number of slots, grows at 75% load, and shrinks at 10% load (never below
// the configured minimum capacity).
//
// A Map is NOT goroutine-safe.
type Map[T any] struct {
	// The hash and compare functions supplied at construction. compare
	// returning 0 is what defines key equality; hash must be consistent with
	// it.
	hash    func(item *T, seed0, seed1 uint64) uint64
	compare func(a, b *T, ctx any) int
	// free, if non-nil, is invoked once per occupied bucket by Close and
	// Clear. It is never invoked on the copies returned by Put or Delete.
	free func(item *T, ctx any)
	// ctx is the opaque user context passed to compare and free.
	ctx any
	// The allocator used for the bucket array.
	allocator Allocator[T]
	// The two seed values passed to hash on every call.
	seed0 uint64
	seed1 uint64
	// cap is the capacity floor: shrinking never reduces the bucket array
	// below it. Clear(true) reconciles it to the currently allocated array.
	cap uint64
	// buckets is the storage array; len(buckets) is always a power of two
	// and mask is len(buckets)-1.
	buckets []Bucket[T]
	mask    uint64
	// count is the number of occupied buckets.
	count int
	// growAt and shrinkAt are the load-factor trip points for the current
	// array size: 3/4 and 1/10 of len(buckets) respectively.
	growAt   int
	shrinkAt int
	// oom is the sticky allocation-failure flag. It is set by a failed grow
	// or shrink and cleared by the next successful mutating call, never by a
	// failed one.
	oom bool
}

// New constructs a Map for elements of type T. initialCapacity is a lower
// bound on the bucket count; 0 maps to the default of 16 and other values
// are rounded up to a power of two. hash must produce a 64-bit digest of the
// element's key portion from the two seeds, and compare must return 0 when
// two elements carry equal keys; both are required and both receive the
// element by pointer purely to avoid copying (they must not retain or
// modify it). The zero value of a Map is not usable.
func New[T any](
	initialCapacity int,
	hash func(item *T, seed0, seed1 uint64) uint64,
	compare func(a, b *T, ctx any) int,
	options ...option[T],
) *Map[T] {
	m := &Map[T]{
		hash:      hash,
		compare:   compare,
		allocator: defaultAllocator[T]{},
		seed0:     rand.Uint64(),
		seed1:     rand.Uint64(),
	}
	for _, op := range options {
		op.apply(m)
	}
	if c := uint64(initialCapacity); c > m.cap {
		m.cap = c
	}
	if m.cap < minCapacity {
		m.cap = minCapacity
	}
	m.cap = uint64(1) << bits.Len64(m.cap-1)
	if !m.resize(m.cap) {
		// The initial allocation failed. Leave the map empty with the
		// sticky oom flag set; the next Put retries the allocation.
		m.oom = true
	}
	return m
}

// Close releases the bucket array back to the configured allocator,
// invoking the element-free hook once per occupied bucket first. It is
// unnecessary to close a map using the default allocator and no free hook.
// It is invalid to use a Map after it has been closed, though Close itself
// is idempotent.
func (m *Map[T]) Close() {
	if m.buckets == nil {
		return
	}
	if m.free != nil {
		for i := range m.buckets {
			if m.buckets[i].dib != 0 {
				m.free(&m.buckets[i].item, m.ctx)
			}
		}
	}
	m.allocator.Free(m.buckets)
	m.allocator = nil
	m.buckets = nil
	m.mask = 0
	m.count = 0
	m.growAt = 0
	m.shrinkAt = 0
}

// Put inserts item into the map, replacing an existing element whose key
// compares equal. It returns a copy of the replaced element and true when a
// replacement occurred; the count is unchanged in that case. If a required
// grow fails at the allocator the item is not inserted, Put returns the
// zero value and false, and OOM reports true until the next successful
// mutating call.
func (m *Map[T]) Put(item T) (prev T, replaced bool) {
	if m.buckets == nil {
		if !m.resize(m.cap) {
			m.oom = true
			return prev, false
		}
	} else if m.count >= m.growAt {
		if !m.resize(uint64(len(m.buckets)) * 2) {
			m.oom = true
			return prev, false
		}
	}
	m.oom = false

	e := Bucket[T]{
		hash: m.hash(&item, m.seed0, m.seed1),
		dib:  1,
		item: item,
	}
	i := e.hash & m.mask
	if debug {
		fmt.Printf("put: hash=%016x ideal=%d\n", e.hash, i)
	}
	for {
		b := &m.buckets[i]
		if b.dib == 0 {
			*b = e
			m.count++
			if invariants {
				m.checkInvariants()
			}
			return prev, false
		}
		// The cached hash short-circuits key equality: compare only runs
		// when the full 64-bit hashes collide.
		if b.hash == e.hash && m.compare(&e.item, &b.item, m.ctx) == 0 {
			prev = b.item
			b.item = e.item
			if invariants {
				m.checkInvariants()
			}
			return prev, true
		}
		if b.dib < e.dib {
			// Robin-hood steal: the resident entry is closer to home than
			// the candidate, so the candidate takes this slot and the
			// displaced entry continues probing forward.
			if debug {
				fmt.Printf("put: steal at %d (dib %d < %d)\n", i, b.dib, e.dib)
			}
			e, *b = *b, e
		}
		e.dib++
		i = (i + 1) & m.mask
	}
}

// Get retrieves a copy of the element whose key compares equal to key's,
// returning ok=false if no such element is present.
func (m *Map[T]) Get(key T) (item T, ok bool) {
	if m.count == 0 {
		return item, false
	}
	h := m.hash(&key, m.seed0, m.seed1)
	dib := uint32(1)
	i := h & m.mask
	for {
		b := &m.buckets[i]
		if b.dib < dib {
			// Either the bucket is empty, or an entry displaced less far
			// than we have probed sits here. Robin-hood ordering guarantees
			// the key cannot appear further along the chain.
			return item, false
		}
		if b.hash == h && m.compare(&key, &b.item, m.ctx) == 0 {
			return b.item, true
		}
		dib++
		i = (i + 1) & m.mask
	}
}

// Delete removes the element whose key compares equal to key's, returning a
// copy of the removed element and true, or the zero value and false if no
// such element is present. The vacated slot is repaired by backward
// shifting; the table never uses tombstones. A shrink may be attempted
// after a successful removal; a failed shrink sets the oom flag but never
// fails the Delete itself.
func (m *Map[T]) Delete(key T) (removed T, ok bool) {
	if m.count == 0 {
		return removed, false
	}
	h := m.hash(&key, m.seed0, m.seed1)
	dib := uint32(1)
	i := h & m.mask
	for {
		b := &m.buckets[i]
		if b.dib < dib {
			return removed, false
		}
		if b.hash == h && m.compare(&key, &b.item, m.ctx) == 0 {
			removed = b.item
			m.removeAt(i)
			return removed, true
		}
		dib++
		i = (i + 1) & m.mask
	}
}

// removeAt vacates bucket i and backward-shifts the probe chain behind it:
// each successive entry with dib > 1 moves one slot back with its dib
// decremented, stopping at an empty bucket or an entry already in its ideal
// slot.
func (m *Map[T]) removeAt(i uint64) {
	var zero Bucket[T]
	for {
		j := (i + 1) & m.mask
		if m.buckets[j].dib <= 1 {
			// Zeroing the whole bucket (not just dib) drops any references
			// held by the element so the GC can reclaim them.
			m.buckets[i] = zero
			break
		}
		m.buckets[i] = m.buckets[j]
		m.buckets[i].dib--
		i = j
	}
	m.count--
	m.oom = false
	if uint64(len(m.buckets)) > m.cap && m.count <= m.shrinkAt {
		// A failed shrink is benign for the delete: the removal already
		// happened and the table simply stays at its current capacity.
		if !m.resize(uint64(len(m.buckets)) / 2) {
			m.oom = true
		}
	}
	if invariants {
		m.checkInvariants()
	}
}

// Clear removes all elements in place, invoking the element-free hook once
// per occupied bucket. It never allocates or frees bucket memory. If
// updateCap is true the capacity floor used by shrinking is reconciled to
// the currently allocated bucket array, so a cleared map that grew large
// keeps its size; otherwise later deletes may shrink it back down.
func (m *Map[T]) Clear(updateCap bool) {
	var zero Bucket[T]
	for i := range m.buckets {
		if m.buckets[i].dib != 0 && m.free != nil {
			m.free(&m.buckets[i].item, m.ctx)
		}
		m.buckets[i] = zero
	}
	if updateCap && m.buckets != nil {
		m.cap = uint64(len(m.buckets))
	}
	m.count = 0
	m.oom = false
}

// Len returns the number of elements in the map.
func (m *Map[T]) Len() int {
	return m.count
}

// OOM reports whether the last mutating call failed to allocate during a
// grow or shrink. The flag is sticky: it is cleared only by the next
// successful mutating call, never by a failed one. It is the only way to
// distinguish a Put that returned no previous value because the insert was
// fresh from one that failed outright.
func (m *Map[T]) OOM() bool {
	return m.oom
}

// GetPos returns a copy of the element stored at position pos modulo the
// current bucket count, if that bucket is occupied. It bypasses hashing
// entirely and exposes raw storage order, which is rearranged by every grow
// and shrink: an escape hatch for diagnostics and custom traversal, not a
// lookup primitive and not a stable iteration contract.
func (m *Map[T]) GetPos(pos uint64) (item T, ok bool) {
	if len(m.buckets) == 0 {
		return item, false
	}
	b := &m.buckets[pos&m.mask]
	if b.dib == 0 {
		return item, false
	}
	return b.item, true
}

// All calls yield once per element in storage order, stopping early if
// yield returns false, and reports whether the scan ran to completion. The
// map must not be mutated during the scan.
func (m *Map[T]) All(yield func(item T) bool) bool {
	for i := range m.buckets {
		b := &m.buckets[i]
		if b.dib != 0 && !yield(b.item) {
			return false
		}
	}
	return true
}

// Iter yields one element per call, advancing cursor through storage order.
// Start with *cursor == 0; ok is false once the table is exhausted.
//
// Mutating the map between calls is undefined behavior, with one carve-out:
// deleting the just-yielded element. The deletion itself is always safe, but
// the backward shift it triggers has two visible effects on the traversal.
// An entry shifted from ahead of the cursor to behind it is skipped. And
// when the vacated probe chain wraps the end of the array, an entry moves
// from slot 0 to the last slot, ahead of the cursor again: if that entry was
// yielded earlier and not deleted, it is yielded a second time. Callers that
// delete every element they yield never see a duplicate; callers that must
// observe every element exactly once while deleting should reset the cursor
// after each delete.
func (m *Map[T]) Iter(cursor *uint64) (item T, ok bool) {
	for *cursor < uint64(len(m.buckets)) {
		b := &m.buckets[*cursor]
		*cursor++
		if b.dib != 0 {
			return b.item, true
		}
	}
	return item, false
}

// resize moves the table to a bucket array of newSize slots, reinserting
// every occupied bucket using its cached hash (hashes are never recomputed
// on resize). It returns false, leaving the table untouched, if the
// allocator cannot provide the new array.
func (m *Map[T]) resize(newSize uint64) bool {
	buckets := m.allocator.Alloc(int(newSize))
	if buckets == nil {
		return false
	}
	mask := newSize - 1
	for i := range m.buckets {
		b := &m.buckets[i]
		if b.dib == 0 {
			continue
		}
		e := *b
		e.dib = 1
		j := e.hash & mask
		for {
			nb := &buckets[j]
			if nb.dib == 0 {
				*nb = e
				break
			}
			if nb.dib < e.dib {
				e, *nb = *nb, e
			}
			e.dib++
			j = (j + 1) & mask
		}
	}
	if debug {
		fmt.Printf("resize: %d -> %d buckets, count=%d\n", len(m.buckets), newSize, m.count)
	}
	if m.buckets != nil {
		m.allocator.Free(m.buckets)
	}
	m.buckets = buckets
	m.mask = mask
	m.growAt = int(newSize * 3 / 4)
	m.shrinkAt = int(newSize / 10)
	if invariants {
		m.checkInvariants()
	}
	return true
}

// maxDIB returns the largest probe distance of any occupied bucket. A
// negative lookup visits at most maxDIB+1 buckets.
func (m *Map[T]) maxDIB() uint32 {
	var max uint32
	for i := range m.buckets {
		if d := m.buckets[i].dib; d > max {
			max = d
		}
	}
	if max > 0 {
		max-- // stored dib is distance+1
	}
	return max
}

func (m *Map[T]) checkInvariants() {
	if n := uint64(len(m.buckets)); n != 0 {
		if n&(n-1) != 0 {
			panic(fmt.Sprintf("invariant failed: %d buckets is not a power of two", n))
		}
		if m.mask != n-1 {
			panic(fmt.Sprintf("invariant failed: mask %d does not match %d buckets", m.mask, n))
		}
	}

	// For every occupied bucket, verify the dib matches the actual distance
	// from the ideal slot and that the element is retrievable via Get.
	var count int
	for i := range m.buckets {
		b := &m.buckets[i]
		if b.dib == 0 {
			continue
		}
		count++
		ideal := b.hash & m.mask
		dist := (uint64(i) - ideal) & m.mask
		if uint64(b.dib-1) != dist {
			panic(fmt.Sprintf("invariant failed: bucket %d has dib %d but is %d slots from ideal %d\n%s",
				i, b.dib, dist, ideal, m.debugString()))
		}
		if _, ok := m.Get(b.item); !ok {
			panic(fmt.Sprintf("invariant failed: bucket %d element not found by Get [hash=%016x]\n%s",
				i, b.hash, m.debugString()))
		}
	}

	if count != m.count {
		panic(fmt.Sprintf("invariant failed: found %d occupied buckets, but count is %d\n%s",
			count, m.count, m.debugString()))
	}
	if m.count > m.growAt {
		panic(fmt.Sprintf("invariant failed: count %d exceeds grow threshold %d\n%s",
			m.count, m.growAt, m.debugString()))
	}
}

func (m *Map[T]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "buckets=%d  count=%d  grow-at=%d  shrink-at=%d  cap-floor=%d\n",
		len(m.buckets), m.count, m.growAt, m.shrinkAt, m.cap)
	for i := range m.buckets {
		b := &m.buckets[i]
		if b.dib == 0 {
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		} else {
			fmt.Fprintf(&buf, "  %4d: %v [hash=%016x ideal=%d dib=%d]\n",
				i, b.item, b.hash, b.hash&m.mask, b.dib-1)
		}
	}
	return buf.String()
}
