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
	"fmt"

	"kestrel.dev/kestrel/pkg/arch"
	"kestrel.dev/kestrel/pkg/cpumask"
	"kestrel.dev/kestrel/pkg/memory"
	"kestrel.dev/kestrel/pkg/mmu"
)

// PID identifies a task. PIDs increase monotonically and are never
// reused within a kernel's lifetime.
type PID int32

// TaskState is a task's scheduling state.
type TaskState int32

const (
	// TaskRunning is the core's current task, exactly one per core.
	TaskRunning TaskState = iota

	// TaskReady means enqueued in a run queue, eligible to run.
	TaskReady

	// TaskBlocked means removed from every run queue, held by a
	// collaborator awaiting an event.
	TaskBlocked

	// TaskZombie is terminal: exited, awaiting reclamation by wait.
	TaskZombie
)

func (s TaskState) String() string {
	switch s {
	case TaskRunning:
		return "running"
	case TaskReady:
		return "ready"
	case TaskBlocked:
		return "blocked"
	case TaskZombie:
		return "zombie"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Priority bounds. Lower values run first.
const (
	MinPriority  = 0
	MaxPriority  = 255
	IdlePriority = MaxPriority
)

// TaskNameLen bounds task names.
const TaskNameLen = 32

// Task is one unit of execution: its identity, saved execution context,
// memory, and kinship.
//
// Scheduling fields (state, run-queue links, cpu) are protected by the
// owning core's scheduler lock; kinship fields (parent, children,
// exitStatus) by the kernel's TaskSet lock.
type Task struct {
	taskEntry // run-queue links

	pid  PID
	name string

	// priority is the static priority, 0 highest. Immutable after
	// creation.
	priority int

	// affinity restricts the cores that may run the task. Immutable
	// after creation.
	affinity cpumask.CPUSet

	state TaskState

	// queued is true iff the task is in a run queue. A task is a member
	// of at most one queue; state and queue membership move together.
	queued bool

	// cpu is the index of the core the task is running or queued on.
	cpu int

	// ctx is the saved trap frame. Owned by the scheduler except while
	// the task is the current task of a core, when the live frame is in
	// the core's register file instead.
	ctx *arch.Context

	// as is the task's address space. nil for per-core idle tasks,
	// which never touch user memory.
	as *mmu.AddressSpace

	// kstack holds the frames backing the task's kernel stack.
	kstack []memory.PhysAddr

	parent     *Task
	children   []*Task
	exitStatus int

	// waitFor is the pid a blocked waitpid caller is waiting on, or 0
	// for any child.
	waitFor PID

	// waiting is true while the task is blocked in wait/waitpid.
	waiting bool

	signal signalState
	fds    *FDTable
}

// PID returns the task's identifier.
func (t *Task) PID() PID { return t.pid }

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// Priority returns the task's static priority.
func (t *Task) Priority() int { return t.priority }

// Affinity returns the task's CPU affinity mask.
func (t *Task) Affinity() cpumask.CPUSet { return t.affinity }

// Context returns the task's saved trap frame.
func (t *Task) Context() *arch.Context { return t.ctx }

// AddressSpace returns the task's address space.
func (t *Task) AddressSpace() *mmu.AddressSpace { return t.as }

// FDTable returns the task's descriptor table.
func (t *Task) FDTable() *FDTable { return t.fds }

func (t *Task) String() string {
	return fmt.Sprintf("%s(%d)", t.name, t.pid)
}
