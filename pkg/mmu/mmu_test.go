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
	"bytes"
	"testing"

	"kestrel.dev/kestrel/pkg/errors/kernelerr"
	"kestrel.dev/kestrel/pkg/memory"
	"kestrel.dev/kestrel/pkg/mmu/pagetables"
)

type countingInvalidator struct {
	pages int
	alls  int
}

func (c *countingInvalidator) ShootdownPage(*AddressSpace, uint64) { c.pages++ }
func (c *countingInvalidator) ShootdownAll(*AddressSpace)          { c.alls++ }

type env struct {
	pool   *memory.Allocator
	refs   *memory.RefTable
	alloc  *pagetables.RuntimeAllocator
	kernel *KernelSpace
	inv    *countingInvalidator
}

func newEnv(t *testing.T, frames int) *env {
	t.Helper()
	e := &env{
		pool: memory.NewAllocator(frames),
		refs: memory.NewRefTable(),
		inv:  &countingInvalidator{},
	}
	e.alloc = pagetables.NewRuntimeAllocator(e.pool)
	ks, err := NewKernelSpace(e.alloc)
	if err != nil {
		t.Fatalf("NewKernelSpace: %v", err)
	}
	if err := ks.MapBlock(pagetables.UpperBottom, memory.PhysAddr(0x1000)); err != nil {
		t.Fatalf("MapBlock: %v", err)
	}
	e.kernel = ks
	return e
}

func (e *env) newAS(t *testing.T) *AddressSpace {
	t.Helper()
	as, err := New(e.alloc, e.pool, e.refs, e.kernel, e.inv)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return as
}

const testVA = uint64(0x4000_0000) // L1-aligned user address

func TestWalkNoCreate(t *testing.T) {
	e := newEnv(t, 32)
	as := e.newAS(t)

	leaf, err := as.Walk(testVA, false)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if leaf != nil {
		t.Fatalf("Walk(no create) on empty space = %v, want nil", leaf)
	}

	// Kernel-half addresses are rejected outright.
	if _, err := as.Walk(pagetables.UpperBottom, false); err != kernelerr.InvalidArgument {
		t.Errorf("Walk(kernel half) err = %v, want InvalidArgument", err)
	}
}

func TestWalkCreateAllocatesLeafOnly(t *testing.T) {
	e := newEnv(t, 32)
	as := e.newAS(t)
	before := e.pool.FreeFrames()

	leaf, err := as.Walk(testVA, true)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if leaf == nil || !leaf.Valid() {
		t.Fatal("Walk(create) did not produce a valid leaf")
	}
	// Three intermediate tables plus one data frame.
	if got := before - e.pool.FreeFrames(); got != 4 {
		t.Errorf("walk consumed %d frames, want 4", got)
	}
	if got := e.refs.Get(leaf.Address()); got != 1 {
		t.Errorf("leaf frame refcount = %d, want 1", got)
	}

	// A second walk finds the same entry without allocating.
	again, err := as.Walk(testVA, true)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if again != leaf {
		t.Error("second walk returned a different entry")
	}
}

func TestMapGuardAndFault(t *testing.T) {
	e := newEnv(t, 64)
	as := e.newAS(t)

	if err := as.Map(testVA, 2*memory.PageSize, pagetables.ReadWrite, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.Map(testVA+2*memory.PageSize, memory.PageSize, pagetables.NoAccess, true); err != nil {
		t.Fatalf("Map(guard): %v", err)
	}

	// The guard entry is present but does not translate.
	leaf, err := as.Walk(testVA+2*memory.PageSize, false)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if leaf == nil || !leaf.Guard() || leaf.Valid() {
		t.Fatalf("guard leaf = %v, want present invalid guard", leaf)
	}

	// Touching it is an unresolvable fault.
	if err := as.HandleFault(testVA+2*memory.PageSize, pagetables.ReadOnly); err != kernelerr.Fault {
		t.Errorf("HandleFault(guard) = %v, want Fault", err)
	}

	// Mapping over an existing page is rejected.
	if err := as.Map(testVA, memory.PageSize, pagetables.ReadWrite, false); err != kernelerr.Exists {
		t.Errorf("Map over existing = %v, want Exists", err)
	}
}

func TestAccessFlagFault(t *testing.T) {
	e := newEnv(t, 64)
	as := e.newAS(t)
	if err := as.Map(testVA, memory.PageSize, pagetables.ReadWrite, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	leaf, _ := as.Walk(testVA, false)
	if leaf.Accessed() {
		t.Fatal("access flag set before first touch")
	}
	if err := as.HandleFault(testVA, pagetables.ReadOnly); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if !leaf.Accessed() {
		t.Error("access flag not set by fault")
	}
	// No copy, no refcount change.
	if got := e.refs.Get(leaf.Address()); got != 1 {
		t.Errorf("refcount = %d after access-flag fault, want 1", got)
	}
}

func TestDuplicateSharesLeaves(t *testing.T) {
	e := newEnv(t, 128)
	parent := e.newAS(t)
	if err := parent.Map(testVA, 3*memory.PageSize, pagetables.ReadWrite, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	parentLeaf, _ := parent.Walk(testVA, false)
	frame := parentLeaf.Address()

	child, err := parent.Duplicate()
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}

	childLeaf, err := child.Walk(testVA, false)
	if err != nil || childLeaf == nil {
		t.Fatalf("child Walk = (%v, %v), want valid leaf", childLeaf, err)
	}
	if childLeaf == parentLeaf {
		t.Fatal("child leaf is parent's storage; trees are not independent")
	}
	if childLeaf.Address() != frame {
		t.Errorf("child frame = %#x, want alias of %#x", uint64(childLeaf.Address()), uint64(frame))
	}
	if got := e.refs.Get(frame); got != 2 {
		t.Errorf("shared frame refcount = %d, want 2", got)
	}
	if !parentLeaf.Shared() || !childLeaf.Shared() {
		t.Error("leaves not marked copy-on-write on both sides")
	}
	if parentLeaf.Opts().Access.Write || childLeaf.Opts().Access.Write {
		t.Error("shared leaves still writable")
	}
	if e.inv.alls == 0 {
		t.Error("parent translations not shot down after downgrade")
	}
}

func TestCOWWriteFaultCopies(t *testing.T) {
	e := newEnv(t, 128)
	parent := e.newAS(t)
	if err := parent.Map(testVA, memory.PageSize, pagetables.ReadWrite, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	// Give the page recognizable contents.
	want := bytes.Repeat([]byte{0x5a}, 64)
	if err := parent.CopyOut(nil, testVA, want); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	child, err := parent.Duplicate()
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	parentLeaf, _ := parent.Walk(testVA, false)
	oldFrame := parentLeaf.Address()

	// Child writes: exactly one copy, old frame's count drops by one.
	if err := child.HandleFault(testVA, pagetables.ReadWrite); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	childLeaf, _ := child.Walk(testVA, false)
	if childLeaf.Address() == oldFrame {
		t.Fatal("child still aliases the old frame after write fault")
	}
	if !childLeaf.Opts().Access.Write || childLeaf.Shared() {
		t.Error("child leaf not writable-private after resolution")
	}
	if got := e.refs.Get(oldFrame); got != 1 {
		t.Errorf("old frame refcount = %d, want 1", got)
	}
	if got := e.refs.Get(childLeaf.Address()); got != 1 {
		t.Errorf("new frame refcount = %d, want 1", got)
	}

	// Contents were carried over.
	got := make([]byte, 64)
	if err := child.CopyIn(nil, testVA, got); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("copied frame does not carry the original contents")
	}

	// Parent is now sole owner: its write fault restores permission
	// without a copy.
	framesBefore := e.pool.FreeFrames()
	if err := parent.HandleFault(testVA, pagetables.ReadWrite); err != nil {
		t.Fatalf("HandleFault(parent): %v", err)
	}
	if parentLeaf.Address() != oldFrame {
		t.Error("sole-owner resolution replaced the frame")
	}
	if !parentLeaf.Opts().Access.Write {
		t.Error("sole-owner resolution did not restore write permission")
	}
	if e.pool.FreeFrames() != framesBefore {
		t.Error("sole-owner resolution allocated a frame")
	}
}

func TestMapFreeNoLeak(t *testing.T) {
	e := newEnv(t, 128)
	framesBefore := e.pool.FreeFrames()
	as := e.newAS(t)
	if err := as.Map(testVA, 5*memory.PageSize, pagetables.ReadWrite, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.Map(testVA+8*memory.PageSize, memory.PageSize, pagetables.NoAccess, true); err != nil {
		t.Fatalf("Map(guard): %v", err)
	}
	as.Free()

	if got := e.refs.Tracked(); got != 0 {
		t.Errorf("tracked frames after Free = %d, want 0", got)
	}
	if got := e.pool.FreeFrames(); got != framesBefore {
		t.Errorf("free frames after Free = %d, want %d", got, framesBefore)
	}
}

func TestDuplicateFreeRoundTrip(t *testing.T) {
	e := newEnv(t, 128)
	parent := e.newAS(t)
	if err := parent.Map(testVA, 4*memory.PageSize, pagetables.ReadWrite, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	parentLeaf, _ := parent.Walk(testVA, false)
	frame := parentLeaf.Address()

	framesBefore := e.pool.FreeFrames()
	trackedBefore := e.refs.Tracked()

	child, err := parent.Duplicate()
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	child.Free()

	if got := e.pool.FreeFrames(); got != framesBefore {
		t.Errorf("free frames = %d after duplicate+free, want %d", got, framesBefore)
	}
	if got := e.refs.Tracked(); got != trackedBefore {
		t.Errorf("tracked frames = %d after duplicate+free, want %d", got, trackedBefore)
	}
	if got := e.refs.Get(frame); got != 1 {
		t.Errorf("parent frame refcount = %d, want 1", got)
	}
	// Parent's leaves survive and still translate.
	if _, err := parent.Translate(nil, testVA, pagetables.ReadOnly); err != nil {
		t.Errorf("parent Translate after child Free: %v", err)
	}
}

func TestUnmapDropsReferences(t *testing.T) {
	e := newEnv(t, 64)
	as := e.newAS(t)
	if err := as.Map(testVA, 2*memory.PageSize, pagetables.ReadWrite, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	leaf, _ := as.Walk(testVA, false)
	frame := leaf.Address()

	if err := as.Unmap(testVA, 2*memory.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := e.refs.Get(frame); got != 0 {
		t.Errorf("refcount after Unmap = %d, want 0", got)
	}
	if leaf.Present() {
		t.Error("leaf still present after Unmap")
	}
}

func TestTLBFillAndInvalidate(t *testing.T) {
	e := newEnv(t, 64)
	as := e.newAS(t)
	tlb := NewTLB()
	if err := as.Map(testVA, memory.PageSize, pagetables.ReadWrite, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, err := as.Translate(tlb, testVA+12, pagetables.ReadOnly); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if _, ok := tlb.Lookup(testVA); !ok {
		t.Fatal("translation not cached")
	}
	tlb.InvalidatePage(testVA)
	if _, ok := tlb.Lookup(testVA); ok {
		t.Fatal("translation survived single-page invalidate")
	}

	if _, err := as.Translate(tlb, testVA, pagetables.ReadOnly); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	tlb.InvalidateAll()
	if tlb.Len() != 0 {
		t.Fatal("translations survived full invalidate")
	}
}

func TestHighUserMappingSurvivesDuplicate(t *testing.T) {
	e := newEnv(t, 128)
	framesBefore := e.pool.FreeFrames()
	parent := e.newAS(t)

	// The last mappable page of the user half.
	top := pagetables.LowerTop + 1 - memory.PageSize
	if err := parent.Map(top, memory.PageSize, pagetables.ReadWrite, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	want := []byte("near the top")
	if err := parent.CopyOut(nil, top, want); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	child, err := parent.Duplicate()
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	got := make([]byte, len(want))
	if err := child.CopyIn(nil, top, got); err != nil {
		t.Fatalf("child CopyIn: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("child read %q, want %q", got, want)
	}

	child.Free()
	parent.Free()
	if got := e.pool.FreeFrames(); got != framesBefore {
		t.Errorf("free frames after teardown = %d, want %d", got, framesBefore)
	}
	if got := e.refs.Tracked(); got != 0 {
		t.Errorf("tracked frames after teardown = %d, want 0", got)
	}
}

func TestMapRejectsBadRanges(t *testing.T) {
	e := newEnv(t, 64)
	as := e.newAS(t)
	framesBefore := e.pool.FreeFrames()

	for _, tc := range []struct {
		name       string
		va, length uint64
	}{
		{"kernel half alias", 0x0000_ffff_ffff_f000, memory.PageSize},
		{"length wraps", testVA, ^uint64(0)},
		{"end past user half", pagetables.LowerTop + 1 - memory.PageSize, 2 * memory.PageSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := as.Map(tc.va, tc.length, pagetables.ReadWrite, false); err != kernelerr.InvalidArgument {
				t.Errorf("Map(%#x, %#x) = %v, want InvalidArgument", tc.va, tc.length, err)
			}
		})
	}
	if got := e.pool.FreeFrames(); got != framesBefore {
		t.Errorf("rejected maps consumed %d frames", framesBefore-got)
	}

	// Unmap is bounded the same way.
	if err := as.Unmap(testVA, ^uint64(0)); err != kernelerr.InvalidArgument {
		t.Errorf("Unmap(wrapping length) = %v, want InvalidArgument", err)
	}
}

func TestMapAllocationFailureAborts(t *testing.T) {
	// Room for the root, three intermediates and two data frames only.
	e := newEnv(t, 8)
	as := e.newAS(t)
	err := as.Map(testVA, 16*memory.PageSize, pagetables.ReadWrite, false)
	if err != kernelerr.NoMemory {
		t.Fatalf("Map = %v, want NoMemory", err)
	}
}
