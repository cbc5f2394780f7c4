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

// Package arch holds the architecture-specific execution state of a task:
// the trap frame saved and restored at a context switch.
//
// Portable code (queue management, copy-on-write, refcounting) depends
// only on Context's save/restore pair and the named accessors, never on
// the register layout.
package arch

// Registers is the AArch64 register file a core exposes to the kernel at
// an exception: the 31 general-purpose registers plus the execution-state
// registers of the interrupted EL0 context.
type Registers struct {
	// Regs are X0 through X30. X30 doubles as the link register.
	Regs [31]uint64

	// SPEL0 is the user stack pointer.
	SPEL0 uint64

	// ELREL1 is the exception link register: the address execution
	// resumes at on exception return.
	ELREL1 uint64

	// SPSREL1 is the saved processor state to restore on exception
	// return.
	SPSREL1 uint64
}

// PSR for a fresh EL0 context: AArch64 EL0t, all interrupts unmasked.
const spsrEL0t = uint64(0)

// Context is one task's saved trap frame. It is the only execution state
// a context switch moves.
type Context struct {
	Registers
}

// NewContext returns a Context that begins execution at entry with the
// given user stack pointer and zeroed general-purpose state.
func NewContext(entry, userSP uint64) *Context {
	c := &Context{}
	c.ELREL1 = entry
	c.SPEL0 = userSP
	c.SPSREL1 = spsrEL0t
	return c
}

// Fork returns an identical copy of the context.
func (c *Context) Fork() *Context {
	n := *c
	return &n
}

// SaveFrom captures the outgoing task's state from the core's register
// file.
func (c *Context) SaveFrom(r *Registers) {
	c.Registers = *r
}

// RestoreTo loads the context into the core's register file for exception
// return.
func (c *Context) RestoreTo(r *Registers) {
	*r = c.Registers
}

// Return returns the syscall return-value register (X0).
func (c *Context) Return() uint64 {
	return c.Regs[0]
}

// SetReturn sets the syscall return-value register (X0).
func (c *Context) SetReturn(v uint64) {
	c.Regs[0] = v
}

// StackPointer returns the user stack pointer.
func (c *Context) StackPointer() uint64 {
	return c.SPEL0
}

// SetStackPointer sets the user stack pointer.
func (c *Context) SetStackPointer(sp uint64) {
	c.SPEL0 = sp
}

// PC returns the address the context resumes at.
func (c *Context) PC() uint64 {
	return c.ELREL1
}

// SetPC sets the resume address.
func (c *Context) SetPC(pc uint64) {
	c.ELREL1 = pc
}
