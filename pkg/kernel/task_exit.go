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
	"kestrel.dev/kestrel/pkg/errors/kernelerr"
	"kestrel.dev/kestrel/pkg/log"
)

// taskState reads t's scheduling state under its owning core's lock.
func (k *Kernel) taskState(t *Task) TaskState {
	c := k.cpus[t.cpu]
	c.mu.Lock()
	s := t.state
	c.mu.Unlock()
	return s
}

// Exit terminates c's current task with the given status and schedules
// away from it.
//
// The task's memory, stacks and descriptors are released immediately;
// the task object lingers as a zombie holding the exit status until
// the parent reaps it with Waitpid. Children are reparented to init,
// or detached if init is gone. The parent gets SIGCHLD and, if it is
// blocked in wait, a wakeup.
func (k *Kernel) Exit(c *CPU, status int) {
	t := c.Current()
	if t == c.idle {
		panic("kernel: idle task cannot exit")
	}
	log.Infof("exit %v status=%d", t, status)

	t.fds.CloseAll()
	t.as.Free()
	t.as = nil
	c.tlb.InvalidateAll()
	k.freeKernelStack(t.kstack)
	t.kstack = nil

	// The zombie transition and the waiting-parent check are one
	// critical section, so a parent scanning its children either sees
	// the zombie or is already blocked when the wakeup check runs.
	k.tasks.mu.Lock()
	t.exitStatus = status
	parent := t.parent
	k.reparentLocked(t)
	if parent == nil {
		// Nobody will wait. Drop the zombie now.
		k.tasks.remove(t)
	}
	flags := c.mu.LockIRQSave(c)
	t.state = TaskZombie
	k.schedule(c)
	c.mu.UnlockIRQRestore(c, flags)
	wake := parent != nil && parent.waiting &&
		(parent.waitFor == 0 || parent.waitFor == t.pid)
	k.tasks.mu.Unlock()

	if parent != nil {
		parent.signal.post(SIGCHLD)
		if wake {
			k.Wakeup(parent)
		}
	}
}

// reparentLocked hands t's children to init. If init does not exist or
// is t itself, live children are detached and zombie children dropped.
// The caller must hold the TaskSet lock.
func (k *Kernel) reparentLocked(t *Task) {
	init := k.tasks.lookup(InitPID)
	if init == t {
		init = nil
	}
	for _, child := range t.children {
		child.parent = init
		if init != nil {
			init.children = append(init.children, child)
		} else if k.taskState(child) == TaskZombie {
			k.tasks.remove(child)
		}
	}
	t.children = nil
}

// Wait waits for any child. See Waitpid.
func (k *Kernel) Wait(c *CPU) (PID, int, error) {
	return k.Waitpid(c, 0)
}

// Waitpid reaps a zombie child of c's current task. pid selects a
// specific child; zero means any.
//
// If a matching zombie exists it is reclaimed and its pid and exit
// status returned. If matching children exist but none has exited the
// task blocks and Restart is returned; the caller retries after the
// task is rescheduled. With nothing to wait for the result is
// NotChild.
func (k *Kernel) Waitpid(c *CPU, pid PID) (PID, int, error) {
	t := c.Current()
	if t == c.idle {
		panic("kernel: idle task cannot wait")
	}

	k.tasks.mu.Lock()
	matched := false
	for i, child := range t.children {
		if pid != 0 && child.pid != pid {
			continue
		}
		matched = true
		if k.taskState(child) != TaskZombie {
			continue
		}
		t.children = append(t.children[:i], t.children[i+1:]...)
		t.waiting = false
		k.tasks.remove(child)
		k.tasks.mu.Unlock()
		log.Debugf("%v reaped %v status=%d", t, child, child.exitStatus)
		return child.pid, child.exitStatus, nil
	}
	if !matched {
		t.waiting = false
		k.tasks.mu.Unlock()
		return 0, 0, kernelerr.NotChild
	}
	// Block while still holding the TaskSet lock; see Exit for the
	// pairing that makes the wakeup reliable.
	t.waiting = true
	t.waitFor = pid
	flags := c.mu.LockIRQSave(c)
	t.state = TaskBlocked
	k.schedule(c)
	c.mu.UnlockIRQRestore(c, flags)
	k.tasks.mu.Unlock()
	return 0, 0, kernelerr.Restart
}
