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
	"kestrel.dev/kestrel/pkg/memory"
	"kestrel.dev/kestrel/pkg/mmu/pagetables"
	"kestrel.dev/kestrel/pkg/spinlock"
)

// TLB models one core's translation cache. Entries appear when the core
// translates user memory and disappear on local invalidation, which is
// what a shootdown IPI executes.
type TLB struct {
	mu      spinlock.SpinLock
	entries map[uint64]memory.PhysAddr
}

// NewTLB returns an empty TLB.
func NewTLB() *TLB {
	return &TLB{entries: make(map[uint64]memory.PhysAddr)}
}

func (t *TLB) insert(va uint64, pa memory.PhysAddr) {
	t.mu.Lock()
	t.entries[va&memory.PageMask] = pa
	t.mu.Unlock()
}

// Lookup returns the cached translation of va's page, if any.
func (t *TLB) Lookup(va uint64) (memory.PhysAddr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pa, ok := t.entries[va&memory.PageMask]
	return pa, ok
}

// InvalidatePage drops the cached translation of va's page.
func (t *TLB) InvalidatePage(va uint64) {
	t.mu.Lock()
	delete(t.entries, va&memory.PageMask)
	t.mu.Unlock()
}

// InvalidateAll drops every cached translation.
func (t *TLB) InvalidateAll() {
	t.mu.Lock()
	clear(t.entries)
	t.mu.Unlock()
}

// Len returns the number of cached translations.
func (t *TLB) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Translate resolves va for the given access, handling access-flag and
// copy-on-write faults on the way, and returns the frame address of va's
// page. The translation is cached in tlb if one is supplied.
func (as *AddressSpace) Translate(tlb *TLB, va uint64, access pagetables.AccessType) (memory.PhysAddr, error) {
	if err := checkUser(va); err != nil {
		return 0, err
	}
	leaf, err := as.walkTables(va, false)
	if err != nil {
		return 0, err
	}
	if leaf == nil || !leaf.Valid() {
		return 0, kernelerr.Fault
	}
	opts := leaf.Opts()
	needFault := !leaf.Accessed() ||
		(access.Write && !opts.Access.Write) ||
		(access.Execute && !opts.Access.Execute)
	if needFault {
		if err := as.HandleFault(va, access); err != nil {
			return 0, err
		}
	}
	pa := leaf.Address()
	if tlb != nil {
		tlb.insert(va, pa)
	}
	return pa, nil
}

// CopyOut writes b to user memory at va, page by page, resolving faults
// as a store by the owning task would.
func (as *AddressSpace) CopyOut(tlb *TLB, va uint64, b []byte) error {
	for len(b) > 0 {
		pa, err := as.Translate(tlb, va, pagetables.AccessType{Read: true, Write: true})
		if err != nil {
			return err
		}
		off := va & ^memory.PageMask
		n := copy(as.pool.Slice(pa)[off:], b)
		b = b[n:]
		va += uint64(n)
	}
	return nil
}

// KernelCopyOut writes b through the direct map of the frames backing
// [va, va+len(b)), regardless of the leaves' user permissions. The loader
// populates freshly mapped read-only segments this way; the range must be
// mapped and exclusively owned (not copy-on-write shared).
func (as *AddressSpace) KernelCopyOut(va uint64, b []byte) error {
	for len(b) > 0 {
		leaf, err := as.walkTables(va, false)
		if err != nil {
			return err
		}
		if leaf == nil || !leaf.Valid() {
			return kernelerr.Fault
		}
		if leaf.Shared() {
			panic("mmu: kernel store through a copy-on-write leaf")
		}
		off := va & ^memory.PageMask
		n := copy(as.pool.Slice(leaf.Address())[off:], b)
		b = b[n:]
		va += uint64(n)
	}
	return nil
}

// CopyIn reads len(b) bytes of user memory at va into b.
func (as *AddressSpace) CopyIn(tlb *TLB, va uint64, b []byte) error {
	for len(b) > 0 {
		pa, err := as.Translate(tlb, va, pagetables.AccessType{Read: true})
		if err != nil {
			return err
		}
		off := va & ^memory.PageMask
		n := copy(b, as.pool.Slice(pa)[off:])
		b = b[n:]
		va += uint64(n)
	}
	return nil
}
