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

package kernel

import (
	"kestrel.dev/kestrel/pkg/arch"
	"kestrel.dev/kestrel/pkg/mmu"
	"kestrel.dev/kestrel/pkg/spinlock"
)

// CPU is the per-core state: the live register file, the translation
// cache, and the core's scheduler.
//
// Each core has its own run queue and scheduler lock; cross-core task
// placement takes the target core's lock.
type CPU struct {
	id int

	// regs is the live trap frame of the current task. Only the core's
	// own scheduler moves state between regs and a task's context.
	regs arch.Registers

	// tlb caches translations for the current task's address space.
	tlb *mmu.TLB

	// irqEnabled models the core's interrupt-enable flag for the
	// spinlock save/restore protocol.
	irqEnabled bool

	// mu protects the fields below and the scheduling fields of every
	// task owned by this core.
	mu spinlock.SpinLock

	queue   runQueue
	current *Task
	idle    *Task

	// switches counts context switches taken on this core.
	switches uint64
}

// ID returns the core's index.
func (c *CPU) ID() int { return c.id }

// Registers returns the core's live register file.
func (c *CPU) Registers() *arch.Registers { return &c.regs }

// TLB returns the core's translation cache.
func (c *CPU) TLB() *mmu.TLB { return c.tlb }

// Current returns the task the core is executing. Never nil after
// Start; the idle task stands in when the queue is empty.
func (c *CPU) Current() *Task {
	c.mu.Lock()
	t := c.current
	c.mu.Unlock()
	return t
}

// IsIdle reports whether the core is running its idle task.
func (c *CPU) IsIdle() bool {
	c.mu.Lock()
	idle := c.current == c.idle
	c.mu.Unlock()
	return idle
}

// Switches returns the number of context switches taken on this core.
func (c *CPU) Switches() uint64 {
	c.mu.Lock()
	n := c.switches
	c.mu.Unlock()
	return n
}

// DisableInterrupts implements spinlock.IRQState.
func (c *CPU) DisableInterrupts() bool {
	was := c.irqEnabled
	c.irqEnabled = false
	return was
}

// RestoreInterrupts implements spinlock.IRQState.
func (c *CPU) RestoreInterrupts(enabled bool) {
	c.irqEnabled = enabled
}
