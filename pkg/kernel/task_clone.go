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
	"kestrel.dev/kestrel/pkg/log"
)

// Fork clones c's current task. The child shares the parent's memory
// copy-on-write, inherits its descriptors, dispositions, priority and
// affinity, and is enqueued on the calling core.
//
// Both tasks resume at the same user PC. The child's return register
// is zero; the parent's carries the child's pid, in the live frame and
// in the returned value.
func (k *Kernel) Fork(c *CPU) (PID, error) {
	parent := c.Current()
	if parent == c.idle {
		panic("kernel: idle task cannot fork")
	}

	kstack, err := k.allocKernelStack()
	if err != nil {
		return 0, fmt.Errorf("fork %v: kernel stack: %w", parent, err)
	}
	as, err := parent.as.Duplicate()
	if err != nil {
		k.freeKernelStack(kstack)
		return 0, fmt.Errorf("fork %v: address space: %w", parent, err)
	}

	// The parent's live frame is the frame the child resumes from.
	ctx := &arch.Context{}
	ctx.SaveFrom(&c.regs)
	ctx.SetReturn(0)

	child := &Task{
		pid:      k.allocatePID(),
		name:     parent.name,
		priority: parent.priority,
		affinity: parent.affinity,
		ctx:      ctx,
		as:       as,
		kstack:   kstack,
		fds:      parent.fds.Fork(),
	}
	parent.signal.forkInto(&child.signal)

	k.tasks.mu.Lock()
	child.parent = parent
	parent.children = append(parent.children, child)
	k.tasks.add(child)
	k.tasks.mu.Unlock()

	k.enqueue(c, child)

	c.regs.Regs[0] = uint64(child.pid)
	log.Debugf("fork %v -> %v", parent, child)
	return child.pid, nil
}
