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

// Package pagetables provides the AArch64 page-table entry layout and the
// allocator that backs table nodes with physical frames.
//
// The address space is 48-bit with 4 KiB granules: four radix levels
// (L0..L3), 9 address bits per level, 512 entries per table. The upper
// half (TTBR1 range) belongs to the kernel and is aliased into every
// task's tables; the lower half is private per task.
package pagetables

import (
	"kestrel.dev/kestrel/pkg/memory"
)

// Table geometry.
const (
	EntriesPerTable = 512

	// NumLevels is the number of radix levels, L0 through L3.
	NumLevels = 4

	bitsPerLevel = 9
	indexMask    = EntriesPerTable - 1
)

// Shifts per level. Level 0 is the root.
var levelShift = [NumLevels]uint{39, 30, 21, 12}

// Index returns the table index of va at the given level.
func Index(va uint64, level int) int {
	return int((va >> levelShift[level]) & indexMask)
}

// Address-space split. Root indices below UpperHalfStart translate through
// a task's private lower half; the rest alias the shared kernel tables.
// LowerTop is the highest virtual address in the lower half.
const (
	LowerTop    = uint64(0x00007fffffffffff)
	UpperBottom = uint64(0xffff800000000000)

	// UpperHalfStart is the root index of the first kernel entry.
	UpperHalfStart = EntriesPerTable / 2
)

// AccessType specifies the nature of a memory access or the permissions of
// a mapping.
type AccessType struct {
	Read    bool
	Write   bool
	Execute bool
}

// Standard access types.
var (
	ReadOnly   = AccessType{Read: true}
	ReadWrite  = AccessType{Read: true, Write: true}
	Executable = AccessType{Read: true, Execute: true}
	AnyAccess  = AccessType{Read: true, Write: true, Execute: true}
	NoAccess   = AccessType{}
)

// MapOpts are the attributes of a leaf mapping.
type MapOpts struct {
	// Access is the permitted access type.
	Access AccessType

	// User indicates the mapping is EL0-accessible.
	User bool
}

// PTE bit layout (descriptor format, stage 1, 4 KiB granule).
const (
	pteValid    = uint64(1) << 0
	pteTypePage = uint64(1) << 1 // table descriptor at L0..L2, page at L3
	pteUser     = uint64(1) << 6 // AP[1]: EL0 accessible
	pteReadOnly = uint64(1) << 7 // AP[2]: write disabled
	pteShInner  = uint64(3) << 8
	pteAccessed = uint64(1) << 10 // AF
	ptePXN      = uint64(1) << 53
	pteUXN      = uint64(1) << 54

	// pteCOW is a software bit marking a leaf whose frame is shared
	// copy-on-write. The hardware ignores bits 55..58.
	pteCOW = uint64(1) << 55

	// pteGuard is a software bit marking a reserved range. The entry
	// stays invalid so any access faults, but remains syntactically
	// present.
	pteGuard = uint64(1) << 56

	pteAddrMask = uint64(0x0000fffffffff000)
)

// PTE is a single page-table entry at any level. An entry is empty,
// references a child table, or (at L3) maps a frame.
type PTE uint64

// Valid returns true iff the entry translates.
func (p *PTE) Valid() bool {
	return *p&PTE(pteValid) != 0
}

// Clear empties the entry.
func (p *PTE) Clear() {
	*p = 0
}

// Address returns the frame or child-table address held by the entry.
func (p *PTE) Address() memory.PhysAddr {
	return memory.PhysAddr(uint64(*p) & pteAddrMask)
}

// SetTable points the entry at a child table.
func (p *PTE) SetTable(pa memory.PhysAddr) {
	*p = PTE(uint64(pa)&pteAddrMask | pteValid | pteTypePage)
}

// Set installs a leaf mapping for the given frame with the given
// attributes. The access flag starts clear; the first touch faults and
// sets it.
func (p *PTE) Set(pa memory.PhysAddr, opts MapOpts) {
	v := uint64(pa)&pteAddrMask | pteValid | pteTypePage | pteShInner
	if opts.User {
		v |= pteUser
	}
	if !opts.Access.Write {
		v |= pteReadOnly
	}
	if !opts.Access.Execute {
		v |= pteUXN
	}
	if opts.User {
		// EL0 mappings are never kernel-executable.
		v |= ptePXN
	}
	*p = PTE(v)
}

// Opts returns the mapping attributes of a leaf entry.
func (p *PTE) Opts() MapOpts {
	v := uint64(*p)
	return MapOpts{
		Access: AccessType{
			Read:    v&pteValid != 0,
			Write:   v&pteReadOnly == 0,
			Execute: v&pteUXN == 0,
		},
		User: v&pteUser != 0,
	}
}

// Accessed returns the state of the access flag.
func (p *PTE) Accessed() bool {
	return *p&PTE(pteAccessed) != 0
}

// SetAccessed sets the access flag. Resolving a first-touch fault is the
// only side effect that path has.
func (p *PTE) SetAccessed() {
	*p |= PTE(pteAccessed)
}

// Shared returns true iff the leaf's frame is shared copy-on-write.
func (p *PTE) Shared() bool {
	return *p&PTE(pteCOW) != 0
}

// SetShared downgrades the leaf to read-only and marks it
// copy-on-write-shared.
func (p *PTE) SetShared() {
	*p |= PTE(pteCOW | pteReadOnly)
}

// ClearShared restores write permission and removes the copy-on-write
// mark. Callers must hold exclusive ownership of the frame.
func (p *PTE) ClearShared() {
	*p &^= PTE(pteCOW | pteReadOnly)
}

// Guard returns true iff the entry reserves its range without mapping it.
func (p *PTE) Guard() bool {
	return *p&PTE(pteGuard) != 0
}

// SetGuard marks the entry as a guard: present but invalid, so any access
// faults.
func (p *PTE) SetGuard() {
	*p = PTE(pteGuard)
}

// Present returns true iff the entry is valid or a guard.
func (p *PTE) Present() bool {
	return p.Valid() || p.Guard()
}

// PTEs is one table node: a page worth of entries.
type PTEs [EntriesPerTable]PTE
