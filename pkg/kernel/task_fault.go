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
	"kestrel.dev/kestrel/pkg/mmu/pagetables"
)

// PageFault is the abort path for c's current task. Resolvable faults
// (first-touch access flag, copy-on-write store) are fixed up in the
// task's address space and the task resumes; anything else, a guard
// page hit included, becomes SIGSEGV. A fault never takes down a
// sibling task or the kernel.
func (k *Kernel) PageFault(c *CPU, va uint64, access pagetables.AccessType) {
	t := c.Current()
	if t == c.idle {
		panic("kernel: page fault in idle task")
	}
	if err := t.as.HandleFault(va, access); err != nil {
		k.faultLog.Infof("%v: unresolvable fault at %#x: %v", t, va, err)
		t.signal.post(SIGSEGV)
		k.deliverPending(c)
	}
}
