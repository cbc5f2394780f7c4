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

// Package spinlock provides the mutual exclusion primitive protecting all
// shared kernel structures.
//
// A SpinLock never suspends its caller: contended acquisition busy-waits.
// Only fixed, short critical sections may run under a SpinLock; in
// particular nothing that can fault or call back into the scheduler.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a busy-waiting mutual exclusion lock. The zero value is
// unlocked.
type SpinLock struct {
	v atomic.Uint32
}

// Lock acquires the lock, spinning until it is available.
func (l *SpinLock) Lock() {
	for !l.v.CompareAndSwap(0, 1) {
		// The simulated core spins; the hosting goroutine must still
		// let the holder make progress.
		runtime.Gosched()
	}
}

// TryLock acquires the lock iff it is immediately available.
func (l *SpinLock) TryLock() bool {
	return l.v.CompareAndSwap(0, 1)
}

// Unlock releases the lock. It panics if the lock is not held.
func (l *SpinLock) Unlock() {
	if !l.v.CompareAndSwap(1, 0) {
		panic("spinlock: unlock of unlocked lock")
	}
}

// IRQState is local interrupt delivery control for the core the caller is
// executing on. Implemented by the kernel's CPU type.
type IRQState interface {
	// DisableInterrupts disables local interrupt delivery and returns
	// whether it was previously enabled.
	DisableInterrupts() bool

	// RestoreInterrupts restores a previously saved enable state.
	RestoreInterrupts(enabled bool)
}

// LockIRQSave disables local interrupts, acquires the lock, and returns
// the saved interrupt-enable state. It prevents a local interrupt handler
// from re-entering a lock its own core already holds.
func (l *SpinLock) LockIRQSave(irq IRQState) bool {
	flags := irq.DisableInterrupts()
	l.Lock()
	return flags
}

// UnlockIRQRestore releases the lock and restores the saved
// interrupt-enable state.
func (l *SpinLock) UnlockIRQRestore(irq IRQState, flags bool) {
	l.Unlock()
	irq.RestoreInterrupts(flags)
}
