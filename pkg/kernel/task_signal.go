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
	"sync"

	"kestrel.dev/kestrel/pkg/arch"
	"kestrel.dev/kestrel/pkg/errors/kernelerr"
	"kestrel.dev/kestrel/pkg/log"
)

// Signal numbers, a subset of the usual set.
type Signal int

const (
	SIGHUP  Signal = 1
	SIGINT  Signal = 2
	SIGKILL Signal = 9
	SIGSEGV Signal = 11
	SIGTERM Signal = 15
	SIGCHLD Signal = 17
	SIGSTOP Signal = 19
	SIGUSR1 Signal = 30
	SIGUSR2 Signal = 31

	numSignals = 32
)

// Disposition sentinels. Any other value is the user address of a
// handler.
const (
	// SigDfl selects the default action.
	SigDfl uint64 = 0

	// SigIgn discards the signal.
	SigIgn uint64 = 1
)

func (s Signal) valid() bool {
	return s >= 1 && s < numSignals
}

// signalState is a task's pending set and dispositions. Protected by
// its own lock so senders never contend with the scheduler.
type signalState struct {
	mu sync.Mutex

	pending  uint32
	blocked  uint32
	handlers [numSignals]uint64

	// saved holds the interrupted frame while a handler runs, restored
	// by Sigreturn. Only one handler frame is outstanding at a time.
	saved *arch.Context
}

func (ss *signalState) post(sig Signal) {
	ss.mu.Lock()
	ss.pending |= 1 << uint(sig)
	ss.mu.Unlock()
}

// take removes and returns the lowest deliverable pending signal, or 0.
// Blocked signals stay pending until unblocked.
func (ss *signalState) take() Signal {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for sig := Signal(1); sig < numSignals; sig++ {
		bit := uint32(1) << uint(sig)
		if ss.pending&bit != 0 && ss.blocked&bit == 0 {
			ss.pending &^= bit
			return sig
		}
	}
	return 0
}

func (ss *signalState) disposition(sig Signal) uint64 {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.handlers[sig]
}

// forkInto copies dispositions and the blocked mask into ns. The
// pending set is not inherited.
func (ss *signalState) forkInto(ns *signalState) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ns.handlers = ss.handlers
	ns.blocked = ss.blocked
}

// reset restores every disposition to the default, as execve does. The
// blocked mask survives exec.
func (ss *signalState) reset() {
	ss.mu.Lock()
	ss.handlers = [numSignals]uint64{}
	ss.saved = nil
	ss.mu.Unlock()
}

// defaultIgnored reports whether sig's default action is to discard.
func defaultIgnored(sig Signal) bool {
	return sig == SIGCHLD
}

// Signal sets the disposition for sig and returns the old one.
// SIGKILL and SIGSTOP cannot be caught or ignored.
func (k *Kernel) Signal(c *CPU, sig Signal, handler uint64) (uint64, error) {
	if !sig.valid() || sig == SIGKILL || sig == SIGSTOP {
		return 0, fmt.Errorf("signal %d: %w", sig, kernelerr.InvalidArgument)
	}
	t := c.Current()
	t.signal.mu.Lock()
	old := t.signal.handlers[sig]
	t.signal.handlers[sig] = handler
	t.signal.mu.Unlock()
	return old, nil
}

// SigmaskHow selects how SigprocMask combines the given mask with the
// current one.
type SigmaskHow int

const (
	// SigBlock adds mask to the blocked set.
	SigBlock SigmaskHow = iota

	// SigUnblock removes mask from the blocked set.
	SigUnblock

	// SigSetmask replaces the blocked set.
	SigSetmask
)

// uncatchableMask covers the signals that can never be blocked.
const uncatchableMask = 1<<uint(SIGKILL) | 1<<uint(SIGSTOP)

// SigprocMask adjusts the current task's blocked set and returns the
// previous one. Attempts to block SIGKILL or SIGSTOP are silently
// dropped.
func (k *Kernel) SigprocMask(c *CPU, how SigmaskHow, mask uint32) (uint32, error) {
	t := c.Current()
	t.signal.mu.Lock()
	defer t.signal.mu.Unlock()
	old := t.signal.blocked
	switch how {
	case SigBlock:
		t.signal.blocked |= mask
	case SigUnblock:
		t.signal.blocked &^= mask
	case SigSetmask:
		t.signal.blocked = mask
	default:
		return 0, fmt.Errorf("sigprocmask how %d: %w", how, kernelerr.InvalidArgument)
	}
	t.signal.blocked &^= uncatchableMask
	return old, nil
}

// Kill posts sig to the task with the given pid and wakes it if it is
// blocked, so the signal is acted on at the target's next scheduling
// point.
func (k *Kernel) Kill(pid PID, sig Signal) error {
	if !sig.valid() {
		return fmt.Errorf("signal %d: %w", sig, kernelerr.InvalidArgument)
	}
	t := k.TaskByPID(pid)
	if t == nil {
		return kernelerr.NotFound
	}
	if k.taskState(t) == TaskZombie {
		return nil
	}
	t.signal.post(sig)
	k.Wakeup(t)
	return nil
}

// deliverPending acts on the current task's pending signals. Called
// with no scheduler lock held, after every scheduling decision on c.
//
// Default action is termination with status 128+sig, except for
// signals whose default is to ignore. A caught signal redirects the
// task to its handler with the signal number in the first argument
// register; the interrupted frame is squirreled away for Sigreturn.
func (k *Kernel) deliverPending(c *CPU) {
	for {
		t := c.Current()
		if t == c.idle {
			return
		}
		sig := t.signal.take()
		if sig == 0 {
			return
		}

		disp := t.signal.disposition(sig)
		switch {
		case disp == SigIgn:
			continue
		case disp == SigDfl && defaultIgnored(sig):
			continue
		case disp == SigDfl:
			log.Debugf("%v: killed by signal %d", t, sig)
			k.Exit(c, 128+int(sig))
			return
		default:
			t.signal.mu.Lock()
			if t.signal.saved == nil {
				saved := &arch.Context{}
				saved.SaveFrom(&c.regs)
				t.signal.saved = saved
			}
			t.signal.mu.Unlock()
			c.regs.Regs[0] = uint64(sig)
			c.regs.ELREL1 = disp
			return
		}
	}
}

// Sigreturn restores the frame interrupted by signal delivery.
func (k *Kernel) Sigreturn(c *CPU) error {
	t := c.Current()
	t.signal.mu.Lock()
	saved := t.signal.saved
	t.signal.saved = nil
	t.signal.mu.Unlock()
	if saved == nil {
		return kernelerr.InvalidArgument
	}
	saved.RestoreTo(&c.regs)
	return nil
}
