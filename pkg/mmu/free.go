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
	"kestrel.dev/kestrel/pkg/mmu/pagetables"
)

// FreeUser tears down the private lower half: every leaf's frame loses a
// reference (and returns to the pool at zero), every table node below the
// root is freed, and the root's lower entries are cleared. The address
// space remains usable for fresh mappings; execve relies on that.
//
// The kernel-shared upper half is never touched.
func (as *AddressSpace) FreeUser() {
	for i := 0; i < pagetables.UpperHalfStart; i++ {
		entry := &as.root[i]
		if !entry.Valid() {
			continue
		}
		as.freeTable(as.alloc.LookupPTEs(entry.Address()), 1)
		entry.Clear()
	}
	as.inv.ShootdownAll(as)
}

// Free releases the whole address space including its root node. The
// address space must not be used afterwards.
func (as *AddressSpace) Free() {
	if as.root == nil {
		panic("mmu: double free of address space")
	}
	for i := pagetables.UpperHalfStart; i < pagetables.EntriesPerTable; i++ {
		// Dropping the aliases is all that happens to the kernel
		// half; its tables are shared and freeing them here would
		// corrupt every other address space.
		as.root[i].Clear()
	}
	as.FreeUser()
	as.alloc.FreePTEs(as.root)
	as.root = nil
}

// freeTable releases one table node and everything below it.
func (as *AddressSpace) freeTable(table *pagetables.PTEs, level int) {
	for i := 0; i < pagetables.EntriesPerTable; i++ {
		entry := &table[i]
		if !entry.Valid() {
			continue
		}
		if level == pagetables.NumLevels-1 {
			frame := entry.Address()
			if as.refs.Dec(frame) == 0 {
				as.pool.Free(frame)
			}
			continue
		}
		as.freeTable(as.alloc.LookupPTEs(entry.Address()), level+1)
	}
	as.alloc.FreePTEs(table)
}
