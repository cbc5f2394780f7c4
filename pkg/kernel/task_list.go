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

// taskEntry embeds run-queue links directly in the Task so that queue
// operations never allocate.
type taskEntry struct {
	next *Task
	prev *Task
}

// taskList is an intrusive doubly-linked list of tasks. The zero value
// is an empty list.
type taskList struct {
	head *Task
	tail *Task
}

func (l *taskList) Empty() bool {
	return l.head == nil
}

func (l *taskList) Front() *Task {
	return l.head
}

// PushBack appends t.
func (l *taskList) PushBack(t *Task) {
	t.prev = l.tail
	t.next = nil
	if l.tail != nil {
		l.tail.next = t
	} else {
		l.head = t
	}
	l.tail = t
}

// InsertBefore inserts t before pos, which must be a member.
func (l *taskList) InsertBefore(pos, t *Task) {
	t.next = pos
	t.prev = pos.prev
	if pos.prev != nil {
		pos.prev.next = t
	} else {
		l.head = t
	}
	pos.prev = t
}

// Remove unlinks t, which must be a member.
func (l *taskList) Remove(t *Task) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		l.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		l.tail = t.prev
	}
	t.next = nil
	t.prev = nil
}

// runQueue is a priority-ordered ready queue. Tasks are kept in
// ascending priority order; within one priority they run in FIFO
// order of insertion.
type runQueue struct {
	list taskList
}

// Enqueue inserts t behind every queued task of priority less than or
// equal to t's.
func (q *runQueue) Enqueue(t *Task) {
	if t.queued {
		panic("kernel: task already queued")
	}
	t.queued = true
	for cur := q.list.Front(); cur != nil; cur = cur.next {
		if cur.priority > t.priority {
			q.list.InsertBefore(cur, t)
			return
		}
	}
	q.list.PushBack(t)
}

// Dequeue removes and returns the highest-priority task, or nil if the
// queue is empty.
func (q *runQueue) Dequeue() *Task {
	t := q.list.Front()
	if t == nil {
		return nil
	}
	q.list.Remove(t)
	t.queued = false
	return t
}

// Remove unlinks t, which must be queued.
func (q *runQueue) Remove(t *Task) {
	if !t.queued {
		panic("kernel: task not queued")
	}
	q.list.Remove(t)
	t.queued = false
}

func (q *runQueue) Empty() bool {
	return q.list.Empty()
}
