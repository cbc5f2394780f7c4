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
	"sync"

	"github.com/google/btree"
)

// InitPID is the pid of the first created task. Orphans are reparented
// to it.
const InitPID PID = 1

// TaskSet is the kernel's registry of live tasks, keyed by pid.
//
// Its lock also protects task kinship: parent and children links, exit
// status, and the wait bookkeeping of blocked waiters.
type TaskSet struct {
	mu sync.RWMutex

	tasks *btree.BTreeG[*Task]
}

func newTaskSet() *TaskSet {
	return &TaskSet{
		tasks: btree.NewG(8, func(a, b *Task) bool { return a.pid < b.pid }),
	}
}

// add registers t. The caller must hold mu.
func (ts *TaskSet) add(t *Task) {
	ts.tasks.ReplaceOrInsert(t)
}

// remove unregisters t. The caller must hold mu.
func (ts *TaskSet) remove(t *Task) {
	ts.tasks.Delete(t)
}

// lookup returns the task with the given pid, or nil. The caller must
// hold mu.
func (ts *TaskSet) lookup(pid PID) *Task {
	t, ok := ts.tasks.Get(&Task{pid: pid})
	if !ok {
		return nil
	}
	return t
}

// TaskByPID returns the live task with the given pid, or nil.
func (k *Kernel) TaskByPID(pid PID) *Task {
	k.tasks.mu.RLock()
	defer k.tasks.mu.RUnlock()
	return k.tasks.lookup(pid)
}

// TaskCount returns the number of live tasks, zombies included.
func (k *Kernel) TaskCount() int {
	k.tasks.mu.RLock()
	defer k.tasks.mu.RUnlock()
	return k.tasks.tasks.Len()
}

// Tasks returns a snapshot of the live tasks in pid order, zombies
// included.
func (k *Kernel) Tasks() []*Task {
	k.tasks.mu.RLock()
	defer k.tasks.mu.RUnlock()
	out := make([]*Task, 0, k.tasks.tasks.Len())
	k.tasks.tasks.Ascend(func(t *Task) bool {
		out = append(out, t)
		return true
	})
	return out
}
