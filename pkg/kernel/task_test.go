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
	"debug/elf"
	"encoding/binary"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"kestrel.dev/kestrel/pkg/cpumask"
	"kestrel.dev/kestrel/pkg/errors/kernelerr"
	"kestrel.dev/kestrel/pkg/loader"
)

func TestCreateTaskValidation(t *testing.T) {
	k := newKernel(t, 1)

	for _, tc := range []struct {
		name string
		cfg  TaskConfig
	}{
		{"empty name", TaskConfig{Priority: 5}},
		{"long name", TaskConfig{Name: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Priority: 5}},
		{"negative priority", TaskConfig{Name: "x", Priority: -1}},
		{"priority too high", TaskConfig{Name: "x", Priority: MaxPriority + 1}},
		{"offline affinity", TaskConfig{Name: "x", Priority: 5, Affinity: cpumask.FromCPU(3)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := k.CreateTask(tc.cfg)
			require.ErrorIs(t, err, kernelerr.InvalidArgument)
		})
	}
	require.Zero(t, k.TaskCount())
}

func TestCreateTaskFailClosed(t *testing.T) {
	// Enough for the kernel root plus the kernel stack, not for the
	// task's address space and user stack.
	k, err := New(KernelArgs{CPUs: 1, MemoryFrames: 10})
	require.NoError(t, err)
	k.Start()
	before := k.MemoryPool().FreeFrames()

	_, err = k.CreateTask(TaskConfig{Name: "x", Priority: 5})
	require.ErrorIs(t, err, kernelerr.NoMemory)
	require.Zero(t, k.TaskCount(), "a failed create must not register a task")
	require.Equal(t, before, k.MemoryPool().FreeFrames(), "a failed create must leak nothing")
	require.True(t, k.CPU(0).IsIdle())
}

func TestPIDsAreUnique(t *testing.T) {
	k := newKernel(t, 1)
	c := k.CPU(0)

	a := mustCreate(t, k, "a", 5, 0)
	require.Equal(t, InitPID, a.PID())
	b := mustCreate(t, k, "b", 5, 0)
	require.Greater(t, b.PID(), a.PID())

	k.Tick(c)
	k.Exit(c, 0) // a
	cc := mustCreate(t, k, "c", 5, 0)
	require.Greater(t, cc.PID(), b.PID(), "pids are not reused")
}

func TestTasksSnapshot(t *testing.T) {
	k := newKernel(t, 1)

	a := mustCreate(t, k, "a", 5, 0)
	b := mustCreate(t, k, "b", 3, 0)

	got := k.Tasks()
	require.Equal(t, []*Task{a, b}, got, "pid order, idle tasks excluded")
	require.Equal(t, a, k.TaskByPID(a.PID()))
	require.Nil(t, k.TaskByPID(PID(-1)))
}

func TestForkChildState(t *testing.T) {
	k := newKernel(t, 1)
	c := k.CPU(0)

	p := mustCreate(t, k, "parent", 5, 0)
	k.Tick(c)
	require.Equal(t, p, c.Current())

	// Seed user state in the parent's stack and live frame.
	stackVA := uint64(UserStackTop - 16)
	require.NoError(t, p.AddressSpace().CopyOut(c.TLB(), stackVA, []byte("hello")))
	c.Registers().Regs[1] = 42
	c.Registers().ELREL1 = 0x40_0100
	c.Registers().SPEL0 = stackVA

	pid, err := k.Fork(c)
	require.NoError(t, err)
	child := k.TaskByPID(pid)
	require.NotNil(t, child)

	// The child resumes from the parent's frame with a zero return
	// register; the parent's carries the child's pid.
	require.Equal(t, uint64(pid), c.Registers().Regs[0])
	want := *c.Registers()
	want.Regs[0] = 0
	require.Equal(t, want, child.Context().Registers)
	require.Equal(t, p.Priority(), child.Priority())
	require.Equal(t, p.Affinity(), child.Affinity())

	// Memory is copy-on-write: the parent's later store must not bleed
	// into the child.
	require.NoError(t, p.AddressSpace().CopyOut(c.TLB(), stackVA, []byte("world")))
	buf := make([]byte, 5)
	require.NoError(t, child.AddressSpace().CopyIn(nil, stackVA, buf))
	require.Equal(t, "hello", string(buf))
}

func TestForkExitReturnsAllFrames(t *testing.T) {
	k := newKernel(t, 1)
	c := k.CPU(0)

	mustCreate(t, k, "parent", 5, 0)
	k.Tick(c)
	stackVA := uint64(UserStackTop - 16)
	require.NoError(t, c.Current().AddressSpace().CopyOut(c.TLB(), stackVA, []byte("live")))

	free := k.MemoryPool().FreeFrames()
	pid, err := k.Fork(c)
	require.NoError(t, err)

	k.Yield(c)
	require.Equal(t, pid, c.Current().PID())
	k.Exit(c, 0)

	got, _, err := k.Waitpid(c, pid)
	require.NoError(t, err)
	require.Equal(t, pid, got)
	require.Equal(t, free, k.MemoryPool().FreeFrames(),
		"the child's tables, stacks and copy-on-write references must all come back")
}

func TestForkChildRunsOnCallingCore(t *testing.T) {
	k := newKernel(t, 2)
	c := k.CPU(0)

	p, err := k.CreateTask(TaskConfig{Name: "p", Entry: 0x40_0000, Priority: 5, Affinity: cpumask.FromCPU(0)})
	require.NoError(t, err)
	k.Tick(c)
	require.Equal(t, p, c.Current())

	pid, err := k.Fork(c)
	require.NoError(t, err)

	k.Yield(c)
	require.Equal(t, pid, c.Current().PID())
	require.True(t, k.CPU(1).IsIdle())
}

type testSegment struct {
	vaddr uint64
	data  []byte
	flags elf.ProgFlag
}

// buildImage assembles a minimal ELF64 AArch64 executable.
func buildImage(entry uint64, segs []testSegment) []byte {
	const ehdrSize, phdrSize = 64, 56
	le := binary.LittleEndian
	dataOff := uint64(ehdrSize + len(segs)*phdrSize)

	image := make([]byte, ehdrSize)
	copy(image, elf.ELFMAG)
	image[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	image[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	image[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(image[16:], uint16(elf.ET_EXEC))
	le.PutUint16(image[18:], uint16(elf.EM_AARCH64))
	le.PutUint32(image[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(image[24:], entry)
	le.PutUint64(image[32:], ehdrSize)
	le.PutUint16(image[52:], ehdrSize)
	le.PutUint16(image[54:], phdrSize)
	le.PutUint16(image[56:], uint16(len(segs)))

	var data []byte
	for _, s := range segs {
		ph := make([]byte, phdrSize)
		le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
		le.PutUint32(ph[4:], uint32(s.flags))
		le.PutUint64(ph[8:], dataOff+uint64(len(data)))
		le.PutUint64(ph[16:], s.vaddr)
		le.PutUint64(ph[32:], uint64(len(s.data)))
		le.PutUint64(ph[40:], uint64(len(s.data)))
		le.PutUint64(ph[48:], 0x1000)
		image = append(image, ph...)
		data = append(data, s.data...)
	}
	return append(image, data...)
}

func newExecKernel(t *testing.T) (*Kernel, []byte) {
	t.Helper()
	text := []byte{0xd5, 0x03, 0x20, 0x1f} // nop
	image := buildImage(0x40_0000, []testSegment{
		{vaddr: 0x40_0000, data: text, flags: elf.PF_R | elf.PF_X},
	})
	images := loader.NewRegistry()
	images.Register("/bin/hello", image)

	k, err := New(KernelArgs{CPUs: 1, MemoryFrames: 512, Images: images})
	require.NoError(t, err)
	k.Start()
	return k, text
}

func TestExecveReplacesImage(t *testing.T) {
	k, text := newExecKernel(t)
	c := k.CPU(0)

	task := mustCreate(t, k, "stub", 5, 0)
	k.Tick(c)
	require.Equal(t, task, c.Current())

	require.NoError(t, k.Execve(c, "/bin/hello", []string{"/bin/hello", "-v"}, []string{"TERM=dumb"}))

	require.Equal(t, "/bin/hello", task.Name())
	require.Equal(t, uint64(0x40_0000), c.Registers().ELREL1)

	// Text is mapped and populated.
	got := make([]byte, len(text))
	require.NoError(t, task.AddressSpace().CopyIn(c.TLB(), 0x40_0000, got))
	require.Equal(t, text, got)

	// argc sits at the new stack pointer.
	sp := c.Registers().SPEL0
	require.Zero(t, sp%16)
	var word [8]byte
	require.NoError(t, task.AddressSpace().CopyIn(c.TLB(), sp, word[:]))
	require.Equal(t, uint64(2), binary.LittleEndian.Uint64(word[:]))
}

func TestExecveBadImageLeavesCaller(t *testing.T) {
	k, _ := newExecKernel(t)
	c := k.CPU(0)
	bad := buildImage(0x40_0000, []testSegment{
		{vaddr: 0x40_0000, data: []byte{1}, flags: elf.PF_R | elf.PF_X},
	})
	bad[0] = 'X'
	k.Images().Register("/bin/bad", bad)

	task := mustCreate(t, k, "stub", 5, 0)
	k.Tick(c)

	stackVA := uint64(UserStackTop - 16)
	require.NoError(t, task.AddressSpace().CopyOut(c.TLB(), stackVA, []byte("keep")))
	oldAS := task.AddressSpace()
	c.Registers().ELREL1 = 0x40_0abc
	free := k.MemoryPool().FreeFrames()

	err := k.Execve(c, "/bin/bad", nil, nil)
	require.ErrorIs(t, err, kernelerr.BadExecutable)

	require.Same(t, oldAS, task.AddressSpace())
	require.Equal(t, uint64(0x40_0abc), c.Registers().ELREL1)
	require.Equal(t, free, k.MemoryPool().FreeFrames())
	buf := make([]byte, 4)
	require.NoError(t, task.AddressSpace().CopyIn(c.TLB(), stackVA, buf))
	require.Equal(t, "keep", string(buf))

	err = k.Execve(c, "/no/such/path", nil, nil)
	require.ErrorIs(t, err, kernelerr.NotFound)
}

func TestWaitReapsZombie(t *testing.T) {
	k := newKernel(t, 1)
	c := k.CPU(0)

	p := mustCreate(t, k, "parent", 5, 0)
	k.Tick(c)
	pid, err := k.Fork(c)
	require.NoError(t, err)

	k.Yield(c)
	require.Equal(t, pid, c.Current().PID())
	k.Exit(c, 7)
	require.Equal(t, p, c.Current())

	got, status, err := k.Waitpid(c, pid)
	require.NoError(t, err)
	require.Equal(t, pid, got)
	require.Equal(t, 7, status)
	require.Equal(t, 1, k.TaskCount(), "the zombie is gone")
	require.Nil(t, k.TaskByPID(pid))
}

func TestWaitBlocksUntilChildExits(t *testing.T) {
	k := newKernel(t, 1)
	c := k.CPU(0)

	p := mustCreate(t, k, "parent", 5, 0)
	k.Tick(c)
	pid, err := k.Fork(c)
	require.NoError(t, err)

	_, _, err = k.Waitpid(c, 0)
	require.ErrorIs(t, err, kernelerr.Restart)
	require.Equal(t, pid, c.Current().PID(), "the parent blocked; the child runs")

	k.Exit(c, 3)
	require.Equal(t, p, c.Current(), "the exit woke the waiting parent")

	got, status, err := k.Waitpid(c, 0)
	require.NoError(t, err)
	require.Equal(t, pid, got)
	require.Equal(t, 3, status)
}

func TestWaitWithoutChildren(t *testing.T) {
	k := newKernel(t, 1)
	c := k.CPU(0)

	mustCreate(t, k, "loner", 5, 0)
	k.Tick(c)
	_, _, err := k.Wait(c)
	require.ErrorIs(t, err, kernelerr.NotChild)

	// Waiting on a pid that is not a child fails the same way.
	pid, err := k.Fork(c)
	require.NoError(t, err)
	_, _, err = k.Waitpid(c, pid+100)
	require.ErrorIs(t, err, kernelerr.NotChild)
}

func TestOrphanReparentedToInit(t *testing.T) {
	k := newKernel(t, 1)
	c := k.CPU(0)

	init := mustCreate(t, k, "init", 5, 0)
	require.Equal(t, InitPID, init.PID())
	k.Tick(c)

	childPID, err := k.Fork(c)
	require.NoError(t, err)
	k.Yield(c)
	require.Equal(t, childPID, c.Current().PID())

	grandPID, err := k.Fork(c)
	require.NoError(t, err)
	k.Exit(c, 0) // the child dies first; the grandchild lives on
	require.Equal(t, init, c.Current())

	got, _, err := k.Waitpid(c, 0)
	require.NoError(t, err)
	require.Equal(t, childPID, got)

	k.Yield(c)
	require.Equal(t, grandPID, c.Current().PID())
	k.Exit(c, 9)
	require.Equal(t, init, c.Current())

	got, status, err := k.Waitpid(c, 0)
	require.NoError(t, err)
	require.Equal(t, grandPID, got, "the orphan is init's to reap")
	require.Equal(t, 9, status)
}

type testFile struct {
	closed atomic.Int32
}

func (f *testFile) Read(b []byte) (int, error)  { return 0, nil }
func (f *testFile) Write(b []byte) (int, error) { return len(b), nil }
func (f *testFile) Poll() FileEvents            { return EventIn }
func (f *testFile) Close() error {
	f.closed.Add(1)
	return nil
}

func TestFDTableSharedAcrossFork(t *testing.T) {
	k := newKernel(t, 1)
	c := k.CPU(0)

	p := mustCreate(t, k, "parent", 5, 0)
	f := &testFile{}
	fd, err := p.FDTable().Install(f)
	require.NoError(t, err)

	k.Tick(c)
	pid, err := k.Fork(c)
	require.NoError(t, err)
	child := k.TaskByPID(pid)

	got, err := child.FDTable().Get(fd)
	require.NoError(t, err)
	require.Same(t, f, got, "descriptions are shared, not copied")

	// Closing in the child does not disturb the parent's descriptor.
	require.NoError(t, child.FDTable().Close(fd))
	_, err = child.FDTable().Get(fd)
	require.ErrorIs(t, err, kernelerr.BadFD)
	_, err = p.FDTable().Get(fd)
	require.NoError(t, err)

	// Exit closes what is still open.
	k.Yield(c)
	require.Equal(t, pid, c.Current().PID())
	k.Exit(c, 0)
	k.Exit(c, 0) // parent
	require.Equal(t, int32(2), f.closed.Load())
}
