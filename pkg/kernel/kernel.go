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

// Package kernel implements task lifecycle and multi-core scheduling
// on top of the mmu and ipi packages.
//
// Each core owns a priority-ordered run queue and schedules
// independently; cross-core interaction goes through the target core's
// scheduler lock and, where a sleeping core must be prodded,
// reschedule IPIs. Address-space changes that affect mapped pages are
// broadcast to every core running the affected space as TLB shootdown
// IPIs.
package kernel

import (
	"fmt"
	"sync/atomic"
	"time"

	"kestrel.dev/kestrel/pkg/arch"
	"kestrel.dev/kestrel/pkg/cpumask"
	"kestrel.dev/kestrel/pkg/errors/kernelerr"
	"kestrel.dev/kestrel/pkg/ipi"
	"kestrel.dev/kestrel/pkg/loader"
	"kestrel.dev/kestrel/pkg/log"
	"kestrel.dev/kestrel/pkg/memory"
	"kestrel.dev/kestrel/pkg/mmu"
	"kestrel.dev/kestrel/pkg/mmu/pagetables"
)

// Memory layout constants.
const (
	// UserStackTop is the exclusive upper bound of every task's user
	// stack. The page at UserStackTop itself is never mapped.
	UserStackTop = 0x0000_7fff_ffff_f000

	// DefaultKernelStackPages backs each task's kernel stack.
	DefaultKernelStackPages = 4

	// DefaultUserStackPages is the initial user stack mapping.
	DefaultUserStackPages = 8
)

// KernelArgs configures a Kernel.
type KernelArgs struct {
	// CPUs is the number of cores. Must be in [1, cpumask.MaxCPUs].
	CPUs int

	// MemoryFrames sizes the physical frame pool shared by page
	// tables, kernel stacks and user pages.
	MemoryFrames int

	// KernelStackPages and UserStackPages size per-task stacks.
	// Zero selects the defaults.
	KernelStackPages int
	UserStackPages   int

	// Images resolves execve paths to executable images. If nil an
	// empty registry is used.
	Images *loader.Registry
}

// Kernel ties together the frame pool, the shared kernel address-space
// half, the task registry and the per-core schedulers.
type Kernel struct {
	pool    *memory.Allocator
	refs    *memory.RefTable
	ptalloc *pagetables.RuntimeAllocator
	kspace  *mmu.KernelSpace

	cpus []*CPU
	ipis *ipi.Controller

	tasks   *TaskSet
	nextPID atomic.Int32

	kstackPages int
	ustackPages int
	images      *loader.Registry

	// faultLog throttles unresolvable-fault reports so a task
	// hammering a bad address cannot flood the console.
	faultLog log.Logger
}

// New constructs a stopped kernel. Start boots the cores.
func New(args KernelArgs) (*Kernel, error) {
	if args.CPUs < 1 || args.CPUs > cpumask.MaxCPUs {
		return nil, fmt.Errorf("cpu count %d: %w", args.CPUs, kernelerr.InvalidArgument)
	}
	if args.MemoryFrames < 1 {
		return nil, fmt.Errorf("memory frames %d: %w", args.MemoryFrames, kernelerr.InvalidArgument)
	}
	if args.KernelStackPages == 0 {
		args.KernelStackPages = DefaultKernelStackPages
	}
	if args.UserStackPages == 0 {
		args.UserStackPages = DefaultUserStackPages
	}
	if args.Images == nil {
		args.Images = loader.NewRegistry()
	}

	pool := memory.NewAllocator(args.MemoryFrames)
	ptalloc := pagetables.NewRuntimeAllocator(pool)
	kspace, err := mmu.NewKernelSpace(ptalloc)
	if err != nil {
		return nil, fmt.Errorf("kernel space: %w", err)
	}

	k := &Kernel{
		pool:        pool,
		refs:        memory.NewRefTable(),
		ptalloc:     ptalloc,
		kspace:      kspace,
		ipis:        ipi.NewController(args.CPUs),
		tasks:       newTaskSet(),
		kstackPages: args.KernelStackPages,
		ustackPages: args.UserStackPages,
		images:      args.Images,
		faultLog:    log.BasicRateLimitedLogger(time.Second),
	}
	for i := 0; i < args.CPUs; i++ {
		k.cpus = append(k.cpus, &CPU{
			id:         i,
			tlb:        mmu.NewTLB(),
			irqEnabled: true,
		})
	}
	return k, nil
}

// CPU returns core i.
func (k *Kernel) CPU(i int) *CPU { return k.cpus[i] }

// NumCPUs returns the core count.
func (k *Kernel) NumCPUs() int { return len(k.cpus) }

// OnlineCPUs returns the mask of all cores.
func (k *Kernel) OnlineCPUs() cpumask.CPUSet {
	return cpumask.All(len(k.cpus))
}

// MemoryPool returns the physical frame pool.
func (k *Kernel) MemoryPool() *memory.Allocator { return k.pool }

// Images returns the executable image registry.
func (k *Kernel) Images() *loader.Registry { return k.images }

// Start brings every core online: each gets an idle task and an IPI
// handler, and begins running idle.
func (k *Kernel) Start() {
	for _, c := range k.cpus {
		idle := &Task{
			pid:      PID(-1 - c.id),
			name:     fmt.Sprintf("idle/%d", c.id),
			priority: IdlePriority,
			affinity: cpumask.FromCPU(c.id),
			state:    TaskRunning,
			cpu:      c.id,
			ctx:      arch.NewContext(0, 0),
		}
		c.idle = idle
		c.current = idle
		idle.ctx.RestoreTo(&c.regs)
		k.ipis.Register(c.id, k.ipiHandler(c))
	}
}

func (k *Kernel) ipiHandler(c *CPU) ipi.Handler {
	return func(kind ipi.Kind, arg uint64) {
		switch kind {
		case ipi.Reschedule:
			flags := c.mu.LockIRQSave(c)
			k.schedule(c)
			c.mu.UnlockIRQRestore(c, flags)
		case ipi.TLBShootdown:
			if arg == 0 {
				c.tlb.InvalidateAll()
			} else {
				c.tlb.InvalidatePage(arg)
			}
		}
	}
}

// shootdownMask returns the cores currently executing a task in as.
func (k *Kernel) shootdownMask(as *mmu.AddressSpace) cpumask.CPUSet {
	var mask cpumask.CPUSet
	for _, c := range k.cpus {
		c.mu.Lock()
		if c.current != nil && c.current.as == as {
			mask = mask.Set(c.id)
		}
		c.mu.Unlock()
	}
	return mask
}

// ShootdownPage implements mmu.Invalidator.
func (k *Kernel) ShootdownPage(as *mmu.AddressSpace, va uint64) {
	if mask := k.shootdownMask(as); !mask.Empty() {
		k.ipis.Send(ipi.Message{Mask: mask, Kind: ipi.TLBShootdown, Arg: va})
	}
}

// ShootdownAll implements mmu.Invalidator.
func (k *Kernel) ShootdownAll(as *mmu.AddressSpace) {
	if mask := k.shootdownMask(as); !mask.Empty() {
		k.ipis.Send(ipi.Message{Mask: mask, Kind: ipi.TLBShootdown})
	}
}

// newAddressSpace builds a user address space wired to this kernel's
// pools and shootdown machinery.
func (k *Kernel) newAddressSpace() (*mmu.AddressSpace, error) {
	return mmu.New(k.ptalloc, k.pool, k.refs, k.kspace, k)
}

// allocKernelStack grabs the frames backing a task's kernel stack.
func (k *Kernel) allocKernelStack() ([]memory.PhysAddr, error) {
	frames := make([]memory.PhysAddr, 0, k.kstackPages)
	for i := 0; i < k.kstackPages; i++ {
		pa, err := k.pool.Allocate()
		if err != nil {
			k.freeKernelStack(frames)
			return nil, err
		}
		frames = append(frames, pa)
	}
	return frames, nil
}

func (k *Kernel) freeKernelStack(frames []memory.PhysAddr) {
	for _, pa := range frames {
		k.pool.Free(pa)
	}
}

// mapUserStack maps the stack below UserStackTop plus a guard page
// under it, so runaway growth faults instead of corrupting the
// adjacent mapping.
func (k *Kernel) mapUserStack(as *mmu.AddressSpace) error {
	size := uint64(k.ustackPages) * memory.PageSize
	base := UserStackTop - size
	if err := as.Map(base, size, pagetables.ReadWrite, false); err != nil {
		return err
	}
	return as.Map(base-memory.PageSize, memory.PageSize, pagetables.NoAccess, true)
}

func (k *Kernel) allocatePID() PID {
	return PID(k.nextPID.Add(1))
}
