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

package mmu

import (
	"kestrel.dev/kestrel/pkg/errors/kernelerr"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/memory"
	"kestrel.dev/kestrel/pkg/mmu/pagetables"
)

// Duplicate builds a child address space from as. Intermediate levels are
// copied structurally so the trees can diverge independently; every valid
// leaf is shared, its frame's refcount incremented and both sides marked
// copy-on-write. The child's upper half aliases the kernel tables like
// every address space.
//
// Because parent leaves lose write permission, the parent's cached
// translations are shot down before Duplicate returns.
func (as *AddressSpace) Duplicate() (*AddressSpace, error) {
	child, err := New(as.alloc, as.pool, as.refs, as.kernel, as.inv)
	if err != nil {
		return nil, err
	}
	for i := 0; i < pagetables.UpperHalfStart; i++ {
		entry := &as.root[i]
		if !entry.Valid() {
			continue
		}
		childTable, err := as.duplicateTable(as.alloc.LookupPTEs(entry.Address()), 1)
		if err != nil {
			child.Free()
			return nil, err
		}
		child.root[i].SetTable(as.alloc.PhysicalFor(childTable))
	}
	as.inv.ShootdownAll(as)
	return child, nil
}

// duplicateTable copies one table node at the given level, recursing to
// the leaves.
func (as *AddressSpace) duplicateTable(old *pagetables.PTEs, level int) (*pagetables.PTEs, error) {
	table, err := as.alloc.NewPTEs()
	if err != nil {
		return nil, err
	}
	for i := 0; i < pagetables.EntriesPerTable; i++ {
		entry := &old[i]
		if !entry.Present() {
			continue
		}
		if level == pagetables.NumLevels-1 {
			if entry.Guard() {
				table[i].SetGuard()
				continue
			}
			// Share the frame; writable leaves are downgraded on
			// both sides so either writer faults and copies.
			as.refs.Inc(entry.Address())
			if entry.Opts().Access.Write || entry.Shared() {
				entry.SetShared()
			}
			table[i] = *entry
			continue
		}
		childTable, err := as.duplicateTable(as.alloc.LookupPTEs(entry.Address()), level+1)
		if err != nil {
			// The caller tears down everything built so far via
			// Free on the child root; this node is not yet linked,
			// so unwind it here.
			as.freeTable(table, level)
			return nil, err
		}
		table[i].SetTable(as.alloc.PhysicalFor(childTable))
	}
	return table, nil
}

// HandleFault resolves a data abort for va.
//
//   - Access-flag fault: a valid leaf touched for the first time gets its
//     access flag set, nothing else.
//   - Copy-on-write fault: a write through a shared leaf. With other
//     references outstanding the frame is copied for the writer; a sole
//     owner simply has write permission restored.
//   - Anything else (guard page, missing translation, true permission
//     violation) is unresolvable and reported for signal delivery.
func (as *AddressSpace) HandleFault(va uint64, access pagetables.AccessType) error {
	leaf, err := as.walkTables(va, false)
	if err != nil {
		return err
	}
	if leaf == nil || !leaf.Valid() {
		return kernelerr.Fault
	}

	opts := leaf.Opts()
	if access.Execute && !opts.Access.Execute {
		return kernelerr.Fault
	}

	resolved := false
	if !leaf.Accessed() {
		leaf.SetAccessed()
		resolved = true
	}

	if access.Write && !opts.Access.Write {
		if !leaf.Shared() {
			return kernelerr.Fault
		}
		if err := as.resolveCOW(leaf, va); err != nil {
			return err
		}
		resolved = true
	}

	if !resolved {
		// Neither the access flag nor copy-on-write explains the
		// fault.
		return kernelerr.Fault
	}
	return nil
}

// resolveCOW gives the faulting task a writable copy of the shared frame.
func (as *AddressSpace) resolveCOW(leaf *pagetables.PTE, va uint64) error {
	old := leaf.Address()
	if as.refs.Get(old) > 1 {
		fresh, err := as.pool.Allocate()
		if err != nil {
			return err
		}
		copy(as.pool.Slice(fresh), as.pool.Slice(old))
		as.refs.Inc(fresh)

		opts := leaf.Opts()
		opts.Access.Write = true
		leaf.Set(fresh, opts)
		leaf.SetAccessed()

		if as.refs.Dec(old) == 0 {
			// The other references vanished while we copied; the
			// frame is ours to return.
			as.pool.Free(old)
		}
		log.Debugf("cow: va %#x copied frame %#x -> %#x", va, uint64(old), uint64(fresh))
	} else {
		leaf.ClearShared()
		log.Debugf("cow: va %#x sole owner of frame %#x, write restored", va, uint64(old))
	}
	as.inv.ShootdownPage(as, va&memory.PageMask)
	return nil
}
