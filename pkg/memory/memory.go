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

// Package memory provides the physical page frame pool backing every other
// kernel structure, and the reference counts that let copy-on-write share
// frames between address spaces.
package memory

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/errors/kernelerr"
	"kestrel.dev/kestrel/pkg/spinlock"
)

// Page geometry. 4 KiB granules throughout.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = ^uint64(PageSize - 1)
)

// PhysAddr is a physical address. A page-aligned PhysAddr names a frame.
// 0 is never a valid frame address.
type PhysAddr uint64

// PageAligned returns true iff pa is page aligned.
func (pa PhysAddr) PageAligned() bool {
	return uint64(pa)&^PageMask == 0
}

// PageRoundDown returns pa rounded down to its containing frame.
func (pa PhysAddr) PageRoundDown() PhysAddr {
	return PhysAddr(uint64(pa) & PageMask)
}

const freeListEnd = ^uint32(0)

type frame struct {
	data      *[PageSize]byte
	nexti     uint32
	allocated bool
}

// Allocator is a fixed-size pool of page frames with an intrusive free
// list. Allocate returns zeroed, exclusively owned frames; Free returns a
// frame to the pool.
//
// The contract matches the boundary the kernel core assumes of the
// platform's physical allocator; the pool here is the simulation of it.
type Allocator struct {
	mu       spinlock.SpinLock
	frames   []frame
	freeHead uint32
	nfree    int
}

// NewAllocator returns an Allocator managing nframes page frames.
func NewAllocator(nframes int) *Allocator {
	a := &Allocator{
		frames:   make([]frame, nframes),
		freeHead: freeListEnd,
		nfree:    nframes,
	}
	// Thread the free list back to front so frames hand out in index
	// order.
	for i := nframes - 1; i >= 0; i-- {
		a.frames[i].data = new([PageSize]byte)
		a.frames[i].nexti = a.freeHead
		a.freeHead = uint32(i)
	}
	return a
}

// addrOf maps a frame index to its physical address. Index 0 maps to
// PageSize so that address 0 stays invalid.
func addrOf(index uint32) PhysAddr {
	return PhysAddr(uint64(index+1) << PageShift)
}

func (a *Allocator) indexOf(pa PhysAddr) uint32 {
	if !pa.PageAligned() || pa == 0 {
		panic(fmt.Sprintf("memory: bad frame address %#x", uint64(pa)))
	}
	index := uint32(uint64(pa)>>PageShift) - 1
	if int(index) >= len(a.frames) {
		panic(fmt.Sprintf("memory: frame address %#x out of range", uint64(pa)))
	}
	return index
}

// Allocate returns a zeroed, exclusively owned frame.
func (a *Allocator) Allocate() (PhysAddr, error) {
	a.mu.Lock()
	if a.freeHead == freeListEnd {
		a.mu.Unlock()
		return 0, kernelerr.NoMemory
	}
	index := a.freeHead
	f := &a.frames[index]
	a.freeHead = f.nexti
	f.allocated = true
	a.nfree--
	a.mu.Unlock()

	clear(f.data[:])
	return addrOf(index), nil
}

// Free returns a frame to the pool. Freeing a frame that is not allocated
// is a fatal kernel error: continuing would hand the same frame to two
// owners.
func (a *Allocator) Free(pa PhysAddr) {
	index := a.indexOf(pa)
	a.mu.Lock()
	f := &a.frames[index]
	if !f.allocated {
		a.mu.Unlock()
		panic(fmt.Sprintf("memory: double free of frame %#x", uint64(pa)))
	}
	f.allocated = false
	f.nexti = a.freeHead
	a.freeHead = index
	a.nfree++
	a.mu.Unlock()
}

// Slice returns the bytes of the frame containing pa. The caller must own
// a reference to the frame.
func (a *Allocator) Slice(pa PhysAddr) []byte {
	index := a.indexOf(pa.PageRoundDown())
	f := &a.frames[index]
	if !f.allocated {
		panic(fmt.Sprintf("memory: access to free frame %#x", uint64(pa)))
	}
	return f.data[:]
}

// FreeFrames returns the number of frames currently in the pool.
func (a *Allocator) FreeFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// TotalFrames returns the pool capacity.
func (a *Allocator) TotalFrames() int {
	return len(a.frames)
}
