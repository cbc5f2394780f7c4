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

package pagetables

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/errors/kernelerr"
	"kestrel.dev/kestrel/pkg/memory"
	"kestrel.dev/kestrel/pkg/spinlock"
)

// Allocator provides table nodes. Each node occupies one physical frame,
// so table memory is accounted against the same pool as data pages and
// table allocation can fail like any other.
type Allocator interface {
	// NewPTEs returns a zeroed table node backed by a frame, or an error
	// if no frame is available.
	NewPTEs() (*PTEs, error)

	// PhysicalFor returns the frame address backing the given node.
	PhysicalFor(ptes *PTEs) memory.PhysAddr

	// LookupPTEs returns the node backed by the given frame address.
	LookupPTEs(pa memory.PhysAddr) *PTEs

	// FreePTEs releases the node and its frame.
	FreePTEs(ptes *PTEs)
}

// RuntimeAllocator is the standard Allocator over the kernel's frame pool.
type RuntimeAllocator struct {
	pool *memory.Allocator

	mu      spinlock.SpinLock
	byPhys  map[memory.PhysAddr]*PTEs
	byTable map[*PTEs]memory.PhysAddr
}

// NewRuntimeAllocator returns a RuntimeAllocator drawing frames from pool.
func NewRuntimeAllocator(pool *memory.Allocator) *RuntimeAllocator {
	return &RuntimeAllocator{
		pool:    pool,
		byPhys:  make(map[memory.PhysAddr]*PTEs),
		byTable: make(map[*PTEs]memory.PhysAddr),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *RuntimeAllocator) NewPTEs() (*PTEs, error) {
	pa, err := a.pool.Allocate()
	if err != nil {
		return nil, kernelerr.NoMemory
	}
	ptes := new(PTEs)
	a.mu.Lock()
	a.byPhys[pa] = ptes
	a.byTable[ptes] = pa
	a.mu.Unlock()
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (a *RuntimeAllocator) PhysicalFor(ptes *PTEs) memory.PhysAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	pa, ok := a.byTable[ptes]
	if !ok {
		panic("pagetables: PhysicalFor of unknown table")
	}
	return pa
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *RuntimeAllocator) LookupPTEs(pa memory.PhysAddr) *PTEs {
	a.mu.Lock()
	defer a.mu.Unlock()
	ptes, ok := a.byPhys[pa]
	if !ok {
		panic(fmt.Sprintf("pagetables: no table at %#x", uint64(pa)))
	}
	return ptes
}

// FreePTEs implements Allocator.FreePTEs.
func (a *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	a.mu.Lock()
	pa, ok := a.byTable[ptes]
	if !ok {
		a.mu.Unlock()
		panic("pagetables: free of unknown table")
	}
	delete(a.byTable, ptes)
	delete(a.byPhys, pa)
	a.mu.Unlock()
	a.pool.Free(pa)
}
