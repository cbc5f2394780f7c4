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

// Package mmu manages per-task address spaces: 4-level radix page tables
// with copy-on-write duplication, fault resolution, and TLB coherence
// hooks.
package mmu

import (
	"kestrel.dev/kestrel/pkg/errors/kernelerr"
	"kestrel.dev/kestrel/pkg/memory"
	"kestrel.dev/kestrel/pkg/mmu/pagetables"
)

// Invalidator receives TLB maintenance requests for an address space. Any
// mutation that changes or removes a mapping another core may have cached
// goes through here before it is considered durable.
//
// The kernel implements Invalidator by broadcasting shootdown IPIs to the
// cores whose TLBs may hold the translation.
type Invalidator interface {
	// ShootdownPage invalidates the translation of a single page.
	ShootdownPage(as *AddressSpace, va uint64)

	// ShootdownAll invalidates every translation of the address space.
	ShootdownAll(as *AddressSpace)
}

type noopInvalidator struct{}

func (noopInvalidator) ShootdownPage(*AddressSpace, uint64) {}
func (noopInvalidator) ShootdownAll(*AddressSpace)          {}

// KernelSpace is the boot-built kernel half of the address space. Its
// root's upper-half entries are aliased into every task's root; the child
// tables are shared and never copied or freed.
type KernelSpace struct {
	alloc pagetables.Allocator
	root  *pagetables.PTEs
}

// NewKernelSpace builds the kernel tables.
func NewKernelSpace(alloc pagetables.Allocator) (*KernelSpace, error) {
	root, err := alloc.NewPTEs()
	if err != nil {
		return nil, err
	}
	return &KernelSpace{alloc: alloc, root: root}, nil
}

// MapBlock installs a kernel block mapping at the root level. Kernel
// memory is direct-mapped at boot; the simulation records the descriptor
// so upper-half aliasing is observable.
func (ks *KernelSpace) MapBlock(va uint64, pa memory.PhysAddr) error {
	if va < pagetables.UpperBottom {
		return kernelerr.InvalidArgument
	}
	idx := pagetables.Index(va, 0)
	ks.root[idx].Set(pa, pagetables.MapOpts{Access: pagetables.AnyAccess})
	return nil
}

// AddressSpace is one task's page tables.
type AddressSpace struct {
	alloc  pagetables.Allocator
	pool   *memory.Allocator
	refs   *memory.RefTable
	kernel *KernelSpace
	inv    Invalidator

	root *pagetables.PTEs
}

// New returns an empty address space whose upper half aliases the kernel
// tables.
func New(alloc pagetables.Allocator, pool *memory.Allocator, refs *memory.RefTable, kernel *KernelSpace, inv Invalidator) (*AddressSpace, error) {
	if inv == nil {
		inv = noopInvalidator{}
	}
	root, err := alloc.NewPTEs()
	if err != nil {
		return nil, err
	}
	as := &AddressSpace{
		alloc:  alloc,
		pool:   pool,
		refs:   refs,
		kernel: kernel,
		inv:    inv,
		root:   root,
	}
	as.aliasKernelHalf()
	return as, nil
}

// aliasKernelHalf copies the kernel root entries into this root. Child
// tables are shared, never duplicated.
func (as *AddressSpace) aliasKernelHalf() {
	for i := pagetables.UpperHalfStart; i < pagetables.EntriesPerTable; i++ {
		as.root[i] = as.kernel.root[i]
	}
}

func checkUser(va uint64) error {
	if va > pagetables.LowerTop {
		return kernelerr.InvalidArgument
	}
	return nil
}

// checkUserRange rejects ranges that wrap or escape the lower half.
func checkUserRange(va, length uint64) error {
	if err := checkUser(va); err != nil {
		return err
	}
	end := va + length
	if end < va || end > pagetables.LowerTop+1 {
		return kernelerr.InvalidArgument
	}
	return nil
}

// Walk descends L0..L3 for va and returns the leaf entry's storage
// location, so the caller can both read and overwrite its attributes.
//
// With create false, Walk returns nil if any level is missing. With create
// true, missing intermediate tables are allocated and zeroed, and a
// missing leaf is populated with a fresh refcounted frame mapped
// user-read-write.
func (as *AddressSpace) Walk(va uint64, create bool) (*pagetables.PTE, error) {
	if err := checkUser(va); err != nil {
		return nil, err
	}
	leaf, err := as.walkTables(va, create)
	if err != nil || leaf == nil {
		return nil, err
	}
	if !leaf.Valid() && create {
		if leaf.Guard() {
			return leaf, nil
		}
		frame, err := as.pool.Allocate()
		if err != nil {
			return nil, err
		}
		as.refs.Inc(frame)
		leaf.Set(frame, pagetables.MapOpts{Access: pagetables.ReadWrite, User: true})
	}
	return leaf, nil
}

// Map populates [va, va+length) page by page with the given permissions.
// If guard is true the range is reserved instead: entries are present but
// invalid, so any access faults.
//
// On allocation failure the remaining pages are abandoned and the error
// returned; pages already mapped by this call stay mapped.
func (as *AddressSpace) Map(va, length uint64, access pagetables.AccessType, guard bool) error {
	if err := checkUserRange(va, length); err != nil {
		return err
	}
	if length == 0 || va%memory.PageSize != 0 {
		return kernelerr.InvalidArgument
	}
	end := va + length

	for page := va; page < end; page += memory.PageSize {
		leaf, err := as.walkTables(page, true)
		if err != nil {
			return err
		}
		if leaf.Present() {
			return kernelerr.Exists
		}
		if guard {
			leaf.SetGuard()
			continue
		}
		frame, err := as.pool.Allocate()
		if err != nil {
			return err
		}
		as.refs.Inc(frame)
		leaf.Set(frame, pagetables.MapOpts{Access: access, User: true})
	}

	for page := va; page < end; page += memory.PageSize {
		as.inv.ShootdownPage(as, page)
	}
	return nil
}

// walkTables is Walk's intermediate-level core: it creates missing
// tables but never touches the leaf.
func (as *AddressSpace) walkTables(va uint64, create bool) (*pagetables.PTE, error) {
	table := as.root
	for level := 0; level < pagetables.NumLevels-1; level++ {
		entry := &table[pagetables.Index(va, level)]
		if !entry.Valid() {
			if !create {
				return nil, nil
			}
			child, err := as.alloc.NewPTEs()
			if err != nil {
				return nil, err
			}
			entry.SetTable(as.alloc.PhysicalFor(child))
			table = child
			continue
		}
		table = as.alloc.LookupPTEs(entry.Address())
	}
	return &table[pagetables.Index(va, pagetables.NumLevels-1)], nil
}

// Unmap removes the mappings covering [va, va+length), dropping each
// frame's reference and returning it to the pool at zero.
func (as *AddressSpace) Unmap(va, length uint64) error {
	if err := checkUserRange(va, length); err != nil {
		return err
	}
	end := va + length
	for page := va; page < end; page += memory.PageSize {
		leaf, err := as.walkTables(page, false)
		if err != nil {
			return err
		}
		if leaf == nil || !leaf.Present() {
			continue
		}
		if leaf.Valid() {
			frame := leaf.Address()
			if as.refs.Dec(frame) == 0 {
				as.pool.Free(frame)
			}
		}
		leaf.Clear()
	}
	for page := va; page < end; page += memory.PageSize {
		as.inv.ShootdownPage(as, page)
	}
	return nil
}
