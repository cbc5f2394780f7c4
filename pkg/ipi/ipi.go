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

// Package ipi carries inter-processor interrupts, the only inter-core
// communication channel in the kernel.
//
// Delivery is fire-and-forget: a send is one software-generated interrupt
// per targeted core, executed as the target core's interrupt handler, with
// no acknowledgment. The memory barrier implied by the dispatch lock
// makes everything written before the send visible to the handler.
package ipi

import (
	"fmt"

	"kestrel.dev/kestrel/pkg/cpumask"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/spinlock"
)

// Kind identifies the purpose of an IPI.
type Kind int

const (
	// Reschedule asks the target core to run its scheduler.
	Reschedule Kind = iota + 1

	// TLBShootdown asks the target core to invalidate translations:
	// the whole TLB when the argument is 0, otherwise the single page
	// containing the argument address.
	TLBShootdown
)

func (k Kind) String() string {
	switch k {
	case Reschedule:
		return "reschedule"
	case TLBShootdown:
		return "tlb-shootdown"
	default:
		return fmt.Sprintf("ipi(%d)", int(k))
	}
}

// Message is one IPI in flight. Messages are transient: dispatched and
// consumed synchronously, never stored.
type Message struct {
	Mask cpumask.CPUSet
	Kind Kind
	Arg  uint64
}

// Handler runs in the target core's interrupt context.
type Handler func(kind Kind, arg uint64)

// Controller routes IPIs to per-core handlers. It stands in for the
// interrupt controller's software-generated-interrupt primitive.
type Controller struct {
	mu       spinlock.SpinLock
	handlers []Handler
}

// NewController returns a Controller for ncpus cores.
func NewController(ncpus int) *Controller {
	return &Controller{handlers: make([]Handler, ncpus)}
}

// Register installs the handler for the given core. Must be called before
// any Send targeting that core.
func (c *Controller) Register(cpu int, h Handler) {
	c.mu.Lock()
	c.handlers[cpu] = h
	c.mu.Unlock()
}

// Send issues one interrupt per set bit in m.Mask. The handler of each
// targeted core runs before Send returns to the caller, standing in for
// the asynchronous interrupt delivery of the hardware; senders must not
// hold locks the handlers take.
func (c *Controller) Send(m Message) {
	for cpu := 0; cpu < len(c.handlers); cpu++ {
		if !m.Mask.IsSet(cpu) {
			continue
		}
		c.mu.Lock()
		h := c.handlers[cpu]
		c.mu.Unlock()
		if h == nil {
			log.Warningf("ipi: %v to core %d dropped, no handler", m.Kind, cpu)
			continue
		}
		h(m.Kind, m.Arg)
	}
}
