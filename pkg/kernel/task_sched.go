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
	"kestrel.dev/kestrel/pkg/cpumask"
	"kestrel.dev/kestrel/pkg/ipi"
	"kestrel.dev/kestrel/pkg/log"
)

// schedule picks the next task for c and switches to it. The caller
// must hold c.mu with interrupts disabled.
//
// The outgoing task is requeued only if it is still running: a task
// that blocked or exited stays off the queue. The idle task is never
// enqueued; it runs exactly when the queue is empty.
func (k *Kernel) schedule(c *CPU) {
	prev := c.current
	if prev != c.idle && prev.state == TaskRunning {
		prev.state = TaskReady
		c.queue.Enqueue(prev)
	}

	next := c.queue.Dequeue()
	if next == nil {
		next = c.idle
	}
	next.state = TaskRunning
	next.cpu = c.id

	if next == prev {
		return
	}
	c.switches++

	// The outgoing frame is live in the core's register file; park it
	// in prev's context before loading next's. A zombie's context is
	// dead state but saving it is harmless.
	prev.ctx.SaveFrom(&c.regs)
	next.ctx.RestoreTo(&c.regs)
	c.current = next

	if prev.as != next.as {
		c.tlb.InvalidateAll()
	}

	log.Debugf("cpu%d: switch %v -> %v", c.id, prev, next)
}

// Tick is the core's timer interrupt: preempt the current task and
// reschedule. Equal-priority tasks round-robin because the preempted
// task requeues behind its priority band.
func (k *Kernel) Tick(c *CPU) {
	flags := c.mu.LockIRQSave(c)
	k.schedule(c)
	c.mu.UnlockIRQRestore(c, flags)
	k.deliverPending(c)
}

// Yield voluntarily gives up the core. The caller keeps its READY
// state and requeues behind equal-priority tasks.
func (k *Kernel) Yield(c *CPU) {
	k.Tick(c)
}

// Block marks c's current task blocked and schedules away from it.
// Idle cannot block. The task next runs after a Wakeup.
func (k *Kernel) Block(c *CPU) {
	flags := c.mu.LockIRQSave(c)
	if c.current == c.idle {
		c.mu.UnlockIRQRestore(c, flags)
		panic("kernel: idle task cannot block")
	}
	c.current.state = TaskBlocked
	k.schedule(c)
	c.mu.UnlockIRQRestore(c, flags)
}

// Wakeup makes a blocked task runnable on the lowest-numbered core in
// its affinity mask and, if that core is sitting idle, kicks it with a
// reschedule IPI so the wakeup takes effect before its next timer
// tick.
//
// Waking a task that is not blocked is a no-op. The caller must not
// hold any scheduler lock.
func (k *Kernel) Wakeup(t *Task) {
	// A blocked task is owned by the core it blocked on. The transition
	// out of BLOCKED happens under that core's lock, so concurrent
	// wakers race for it and exactly one proceeds to requeue.
	owner := k.cpus[t.cpu]
	owner.mu.Lock()
	if t.state != TaskBlocked {
		owner.mu.Unlock()
		return
	}
	t.state = TaskReady
	owner.mu.Unlock()

	target := k.cpus[t.affinity.Intersect(k.OnlineCPUs()).First()]
	target.mu.Lock()
	t.cpu = target.id
	target.queue.Enqueue(t)
	wasIdle := target.current == target.idle
	target.mu.Unlock()

	// The IPI handler takes target.mu again, so the lock must be
	// dropped first.
	if wasIdle {
		k.ipis.Send(ipi.Message{Mask: cpumask.FromCPU(target.id), Kind: ipi.Reschedule})
	}
}

// enqueue places a newly runnable task on core c.
func (k *Kernel) enqueue(c *CPU, t *Task) {
	c.mu.Lock()
	t.state = TaskReady
	t.cpu = c.id
	c.queue.Enqueue(t)
	c.mu.Unlock()
}
