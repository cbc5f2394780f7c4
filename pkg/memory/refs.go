// Copyright 2026 The Kestrel Authors.
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

package memory

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/spinlock"
)

const refBuckets = 1024 // power of two

type refEntry struct {
	pa    PhysAddr
	count int32
	next  *refEntry
}

// RefTable maps page-aligned frame addresses to reference counts. It is
// the structure that backs copy-on-write sharing: a frame may be reached
// from several address spaces' leaves, and is returned to the pool only
// when the last reference drops.
//
// All mutation runs under one dedicated lock. Reaching zero and removing
// the bucket entry are a single transition; no reader can observe a
// present entry with count zero.
type RefTable struct {
	mu      spinlock.SpinLock
	buckets [refBuckets]*refEntry
}

// NewRefTable returns an empty RefTable.
func NewRefTable() *RefTable {
	return &RefTable{}
}

func refHash(pa PhysAddr) uint64 {
	// Fibonacci hash on the frame number.
	return (uint64(pa) >> PageShift) * 0x9e3779b97f4a7c15 >> (64 - 10)
}

func (rt *RefTable) lookup(pa PhysAddr) (**refEntry, *refEntry) {
	slot := &rt.buckets[refHash(pa)%refBuckets]
	for e := *slot; e != nil; e = e.next {
		if e.pa == pa {
			return slot, e
		}
		slot = &e.next
	}
	return slot, nil
}

// Inc adds a reference to the frame, inserting it with count 1 on first
// reference. It returns the new count.
func (rt *RefTable) Inc(pa PhysAddr) int32 {
	if !pa.PageAligned() || pa == 0 {
		panic(fmt.Sprintf("memory: refcount on bad address %#x", uint64(pa)))
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	slot, e := rt.lookup(pa)
	if e == nil {
		*slot = &refEntry{pa: pa, count: 1}
		return 1
	}
	e.count++
	return e.count
}

// Dec drops a reference and returns the new count. At zero the entry is
// removed in the same critical section; the caller owns the frame and must
// return it to the pool. Dec of an untracked frame is a fatal kernel
// error.
func (rt *RefTable) Dec(pa PhysAddr) int32 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	slot, e := rt.lookup(pa)
	if e == nil {
		panic(fmt.Sprintf("memory: refcount underflow on frame %#x", uint64(pa)))
	}
	e.count--
	if e.count > 0 {
		return e.count
	}
	*slot = e.next
	return 0
}

// Get returns the current count, or 0 if the frame is untracked.
func (rt *RefTable) Get(pa PhysAddr) int32 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, e := rt.lookup(pa)
	if e == nil {
		return 0
	}
	return e.count
}

// Tracked returns the number of frames with a live reference. Used by
// leak checks.
func (rt *RefTable) Tracked() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for i := range rt.buckets {
		for e := rt.buckets[i]; e != nil; e = e.next {
			n++
		}
	}
	return n
}
