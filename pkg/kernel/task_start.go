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
	"kestrel.dev/kestrel/pkg/errors/kernelerr"
	"kestrel.dev/kestrel/pkg/log"
)

// TaskConfig describes a task to create.
type TaskConfig struct {
	Name string

	// Entry is the user address execution starts at.
	Entry uint64

	// Priority is the static priority, 0 highest. Must be in
	// [MinPriority, MaxPriority].
	Priority int

	// Affinity restricts the cores that may run the task. The empty
	// set means every online core.
	Affinity cpumask.CPUSet
}

// CreateTask builds a task with a fresh address space and user stack
// and enqueues it on the lowest core in its affinity mask.
//
// Creation is all or nothing: on any failure every resource already
// acquired is released and no task is registered.
func (k *Kernel) CreateTask(cfg TaskConfig) (*Task, error) {
	if cfg.Name == "" || len(cfg.Name) > TaskNameLen {
		return nil, fmt.Errorf("task name %q: %w", cfg.Name, kernelerr.InvalidArgument)
	}
	if cfg.Priority < MinPriority || cfg.Priority > MaxPriority {
		return nil, fmt.Errorf("priority %d: %w", cfg.Priority, kernelerr.InvalidArgument)
	}
	affinity := cfg.Affinity
	if affinity.Empty() {
		affinity = k.OnlineCPUs()
	}
	if affinity.Intersect(k.OnlineCPUs()).Empty() {
		return nil, fmt.Errorf("affinity %v: %w", cfg.Affinity, kernelerr.InvalidArgument)
	}

	kstack, err := k.allocKernelStack()
	if err != nil {
		return nil, fmt.Errorf("kernel stack: %w", err)
	}
	as, err := k.newAddressSpace()
	if err != nil {
		k.freeKernelStack(kstack)
		return nil, fmt.Errorf("address space: %w", err)
	}
	if err := k.mapUserStack(as); err != nil {
		as.Free()
		k.freeKernelStack(kstack)
		return nil, fmt.Errorf("user stack: %w", err)
	}

	t := &Task{
		pid:      k.allocatePID(),
		name:     cfg.Name,
		priority: cfg.Priority,
		affinity: affinity,
		ctx:      arch.NewContext(cfg.Entry, UserStackTop),
		as:       as,
		kstack:   kstack,
		fds:      NewFDTable(),
	}

	k.tasks.mu.Lock()
	k.tasks.add(t)
	k.tasks.mu.Unlock()

	k.enqueue(k.cpus[affinity.Intersect(k.OnlineCPUs()).First()], t)
	log.Infof("created %v priority=%d affinity=%v", t, t.priority, t.affinity)
	return t, nil
}
