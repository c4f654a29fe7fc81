// Copyright 2025 The gVisor Authors.
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

package ring0

import (
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/ring0/pagetables"
	"gvisor.dev/rvsentry/pkg/rvasm"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
	"gvisor.dev/rvsentry/pkg/sentry/pgalloc"
)

const (
	testEntry    = hostarch.Addr(0x1000)
	testStackTop = hostarch.Addr(0x20000)
)

var (
	userCode = pagetables.MapOpts{AccessType: hostarch.ReadExecute, User: true}
	userData = pagetables.MapOpts{AccessType: hostarch.ReadWrite, User: true}
)

// trapRecord is the hart state observed by a test handler.
type trapRecord struct {
	cause    Vector
	tval     uint64
	sepc     uint64
	mode     Mode
	sscratch uint64
	frame    arch.Registers
}

type testMachine struct {
	mem   *pgalloc.MemoryFile
	alloc *pagetables.FrameAllocator
	pt    *pagetables.PageTables
	k     Kernel

	// onTrap is called by the kernel's handler with the current stack.
	onTrap func(c *CPU, ks *KernelStack)
}

func newTestMachine(t *testing.T) *testMachine {
	t.Helper()
	mem, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: 64 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("NewMemoryFile: %v", err)
	}
	m := &testMachine{mem: mem, alloc: pagetables.NewFrameAllocator(mem)}
	if m.pt, err = pagetables.New(m.alloc); err != nil {
		t.Fatalf("pagetables.New: %v", err)
	}
	m.k.Init(KernelOpts{
		Handler: func(c *CPU) { m.onTrap(c, c.CurrentStack()) },
		Tables:  m.alloc,
		Memory:  mem,
	})
	return m
}

// mapPage maps a fresh data frame at addr and returns it.
func (m *testMachine) mapPage(t *testing.T, addr hostarch.Addr, opts pagetables.MapOpts) hostarch.PhysAddr {
	t.Helper()
	pa, err := m.mem.AllocateFrame(pgalloc.DataFrame)
	if err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	if err := m.pt.Map(addr, hostarch.PageSize, opts, pa); err != nil {
		t.Fatalf("Map(%v): %v", addr, err)
	}
	return pa
}

// loadProgram maps prog at testEntry and a stack below testStackTop.
func (m *testMachine) loadProgram(t *testing.T, prog []byte) {
	t.Helper()
	for off := 0; off < len(prog); off += hostarch.PageSize {
		pa := m.mapPage(t, testEntry+hostarch.Addr(off), userCode)
		end := min(off+hostarch.PageSize, len(prog))
		if _, err := m.mem.WriteAt(prog[off:end], pa); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
	}
	m.mapPage(t, testStackTop-hostarch.PageSize, userData)
}

// run enters uctx on a new hart and waits for the handler to end the
// goroutine.
func (m *testMachine) run(t *testing.T, uctx *arch.Context64, opts CPUOpts) (*CPU, *KernelStack) {
	t.Helper()
	ks, err := m.k.NewKernelStack(2*hostarch.PageSize, m.pt.RootPhysical())
	if err != nil {
		t.Fatalf("NewKernelStack: %v", err)
	}
	c := m.k.NewCPU(opts)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.EnterUser(uctx, hostarch.Addr(uctx.Regs.Pc), ks)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("user context did not stop")
	}
	return c, ks
}

// record returns a trap handler that saves the first trap into rec and
// ends the task.
func record(rec *trapRecord) func(c *CPU, ks *KernelStack) {
	return func(c *CPU, ks *KernelStack) {
		rec.cause = c.Cause()
		rec.tval = c.FaultAddr()
		rec.sepc = c.SEPC()
		rec.mode = c.Mode()
		rec.sscratch = c.Sscratch()
		ks.LoadFrame(&rec.frame)
		runtime.Goexit()
	}
}

// runProgram runs prog from a fresh user context until its first trap.
func runProgram(t *testing.T, build func(b *rvasm.ProgramBuilder)) trapRecord {
	t.Helper()
	b := rvasm.NewProgramBuilder()
	build(b)
	prog, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	m := newTestMachine(t)
	m.loadProgram(t, prog)
	var rec trapRecord
	m.onTrap = record(&rec)
	m.run(t, arch.NewUserContext(uintptr(testEntry), uintptr(testStackTop)), CPUOpts{})
	return rec
}

func TestEnterUserSyscallTrap(t *testing.T) {
	b := rvasm.NewProgramBuilder()
	b.LI(rvasm.A0, 42)
	b.LI(rvasm.A7, 93)
	b.ECALL()
	m := newTestMachine(t)
	m.loadProgram(t, rvasm.MustBytes(b))

	var rec trapRecord
	m.onTrap = record(&rec)
	_, ks := m.run(t, arch.NewUserContext(uintptr(testEntry), uintptr(testStackTop)), CPUOpts{})

	if rec.cause != UserEnvCall {
		t.Errorf("cause = %v, want %v", rec.cause, UserEnvCall)
	}
	if rec.mode != SupervisorMode {
		t.Errorf("mode in handler = %v, want %v", rec.mode, SupervisorMode)
	}
	if rec.sscratch != ks.Top() {
		t.Errorf("sscratch = %#x, want kernel stack top %#x", rec.sscratch, ks.Top())
	}
	wantPC := uint64(testEntry) + 2*hostarch.InstructionSize
	if rec.sepc != wantPC || rec.frame.Pc != wantPC {
		t.Errorf("sepc = %#x, frame pc = %#x, want %#x", rec.sepc, rec.frame.Pc, wantPC)
	}
	if got := rec.frame.Regs[arch.RegA0]; got != 42 {
		t.Errorf("frame a0 = %d, want 42", got)
	}
	if got := rec.frame.Regs[arch.RegSP]; got != uint64(testStackTop) {
		t.Errorf("frame sp = %#x, want %#x", got, testStackTop)
	}
	if rec.frame.Sstatus&arch.SstatusSPP != 0 {
		t.Errorf("frame sstatus %#x has SPP set for a user trap", rec.frame.Sstatus)
	}
	if rec.frame.Sstatus&arch.SstatusSIE != 0 || rec.frame.Sstatus&arch.SstatusSPIE == 0 {
		t.Errorf("frame sstatus %#x, want SIE clear and SPIE set", rec.frame.Sstatus)
	}

	// The trap frame is the top of the kernel stack, in register order.
	frame := ks.TrapFrame()
	if got, want := len(frame), rec.frame.SizeBytes(); got != want {
		t.Fatalf("trap frame is %d bytes, want %d", got, want)
	}
	if got := hostarch.ByteOrder.Uint64(frame[arch.RegA7*8:]); got != 93 {
		t.Errorf("a7 slot = %d, want 93", got)
	}
	if got := hostarch.ByteOrder.Uint64(frame[arch.NumRegs*8:]); got != wantPC {
		t.Errorf("pc slot = %#x, want %#x", got, wantPC)
	}
}

func TestEnterUserLoadsEveryRegister(t *testing.T) {
	b := rvasm.NewProgramBuilder()
	b.ECALL()
	m := newTestMachine(t)
	m.loadProgram(t, rvasm.MustBytes(b))

	uctx := arch.NewUserContext(uintptr(testEntry), uintptr(testStackTop))
	for i := 1; i < arch.NumRegs; i++ {
		if i != arch.RegSP {
			uctx.Regs.Regs[i] = uint64(i) * 0x1111
		}
	}
	var rec trapRecord
	m.onTrap = record(&rec)
	m.run(t, uctx, CPUOpts{})

	if diff := cmp.Diff(uctx.Regs.Regs, rec.frame.Regs); diff != "" {
		t.Errorf("saved registers mismatch (-want +got):\n%s", diff)
	}
}

func TestResumeFromTrapFrame(t *testing.T) {
	b := rvasm.NewProgramBuilder()
	b.ECALL()
	b.ADDI(rvasm.A0, rvasm.A0, 1)
	b.ECALL()
	m := newTestMachine(t)
	m.loadProgram(t, rvasm.MustBytes(b))

	var (
		rec   trapRecord
		traps int
	)
	stop := record(&rec)
	m.onTrap = func(c *CPU, ks *KernelStack) {
		traps++
		if traps == 1 {
			var regs arch.Registers
			ks.LoadFrame(&regs)
			regs.Regs[arch.RegA0] = 41
			regs.Pc += hostarch.InstructionSize
			ks.StoreFrame(&regs)
			return
		}
		stop(c, ks)
	}
	m.run(t, arch.NewUserContext(uintptr(testEntry), uintptr(testStackTop)), CPUOpts{})

	if traps != 2 {
		t.Fatalf("got %d traps, want 2", traps)
	}
	if got := rec.frame.Regs[arch.RegA0]; got != 42 {
		t.Errorf("a0 = %d, want 42", got)
	}
	if want := uint64(testEntry) + 2*hostarch.InstructionSize; rec.sepc != want {
		t.Errorf("sepc = %#x, want %#x", rec.sepc, want)
	}
}

func TestTimerInterrupt(t *testing.T) {
	b := rvasm.NewProgramBuilder()
	if err := b.AddLabel("top"); err != nil {
		t.Fatalf("AddLabel: %v", err)
	}
	b.ADDI(rvasm.A0, rvasm.A0, 1)
	b.J("top")
	m := newTestMachine(t)
	m.loadProgram(t, rvasm.MustBytes(b))

	var (
		rec    trapRecord
		ticks  int
		causes []Vector
	)
	stop := record(&rec)
	m.onTrap = func(c *CPU, ks *KernelStack) {
		causes = append(causes, c.Cause())
		if ticks++; ticks == 3 {
			stop(c, ks)
		}
	}
	c, _ := m.run(t, arch.NewUserContext(uintptr(testEntry), uintptr(testStackTop)), CPUOpts{Quantum: 10})

	want := []Vector{SupervisorTimer, SupervisorTimer, SupervisorTimer}
	if diff := cmp.Diff(want, causes); diff != "" {
		t.Errorf("trap causes mismatch (-want +got):\n%s", diff)
	}
	if got := c.Retired(); got != 30 {
		t.Errorf("Retired() = %d, want 30", got)
	}
	if got := rec.frame.Regs[arch.RegA0]; got != 15 {
		t.Errorf("a0 = %d, want 15", got)
	}
	if rec.frame.Pc != uint64(testEntry) {
		t.Errorf("interrupted pc = %#x, want %#x", rec.frame.Pc, testEntry)
	}
}

func TestQuantumRestartsAfterSwitch(t *testing.T) {
	b := rvasm.NewProgramBuilder()
	// First task: use 7 of its 10 ticks, trap, then spin.
	for i := 0; i < 7; i++ {
		b.ADDI(rvasm.A0, rvasm.A0, 1)
	}
	b.ECALL()
	if err := b.AddLabel("spin"); err != nil {
		t.Fatalf("AddLabel: %v", err)
	}
	b.ADDI(rvasm.A0, rvasm.A0, 1)
	b.J("spin")
	// Second task, at instruction 10: two instructions and a trap.
	b.ADDI(rvasm.A1, rvasm.A1, 1)
	b.ADDI(rvasm.A1, rvasm.A1, 1)
	b.ECALL()
	m := newTestMachine(t)
	m.loadProgram(t, rvasm.MustBytes(b))
	secondEntry := testEntry + 10*hostarch.InstructionSize

	second, err := m.k.NewKernelStack(2*hostarch.PageSize, m.pt.RootPhysical())
	if err != nil {
		t.Fatalf("NewKernelStack: %v", err)
	}
	var (
		resumedAt uint64
		ranFor    uint64
		causes    []Vector
	)
	m.onTrap = func(c *CPU, ks *KernelStack) {
		causes = append(causes, c.Cause())
		switch {
		case ks == second:
			// The second task is done; the first resumes.
			runtime.Goexit()
		case c.Cause() == UserEnvCall:
			var regs arch.Registers
			ks.LoadFrame(&regs)
			regs.Pc += hostarch.InstructionSize
			ks.StoreFrame(&regs)
			done := make(chan struct{})
			go func() {
				defer close(done)
				c.EnterUser(arch.NewUserContext(uintptr(secondEntry), uintptr(testStackTop)), secondEntry, second)
			}()
			<-done
			resumedAt = c.Retired()
		default:
			ranFor = c.Retired() - resumedAt
			runtime.Goexit()
		}
	}
	m.run(t, arch.NewUserContext(uintptr(testEntry), uintptr(testStackTop)), CPUOpts{Quantum: 10})

	want := []Vector{UserEnvCall, UserEnvCall, SupervisorTimer}
	if diff := cmp.Diff(want, causes); diff != "" {
		t.Errorf("trap causes mismatch (-want +got):\n%s", diff)
	}
	if ranFor != 10 {
		t.Errorf("resumed task ran %d instructions before the timer, want a full quantum of 10", ranFor)
	}
}

func TestSupervisorTrapIsReported(t *testing.T) {
	b := rvasm.NewProgramBuilder()
	b.ECALL()
	m := newTestMachine(t)
	m.loadProgram(t, rvasm.MustBytes(b))

	// A context that srets to supervisor mode cannot fetch from user pages.
	uctx := arch.NewUserContext(uintptr(testEntry), uintptr(testStackTop))
	uctx.Regs.Sstatus |= arch.SstatusSPP
	var rec trapRecord
	m.onTrap = record(&rec)
	m.run(t, uctx, CPUOpts{})

	if rec.cause != InstructionPageFault {
		t.Errorf("cause = %v, want %v", rec.cause, InstructionPageFault)
	}
	if rec.tval != uint64(testEntry) {
		t.Errorf("stval = %#x, want %#x", rec.tval, testEntry)
	}
	if rec.frame.Sstatus&arch.SstatusSPP == 0 {
		t.Errorf("frame sstatus %#x does not record a supervisor trap", rec.frame.Sstatus)
	}
}

func TestInitTwicePanics(t *testing.T) {
	var k Kernel
	k.Init(KernelOpts{Handler: func(*CPU) {}})
	defer func() {
		if recover() == nil {
			t.Errorf("second Init did not panic")
		}
	}()
	k.Init(KernelOpts{Handler: func(*CPU) {}})
}

func TestInitNilHandlerPanics(t *testing.T) {
	var k Kernel
	defer func() {
		if recover() == nil {
			t.Errorf("Init with nil handler did not panic")
		}
	}()
	k.Init(KernelOpts{})
}

func TestKernelStacks(t *testing.T) {
	var k Kernel
	k.Init(KernelOpts{Handler: func(*CPU) {}})
	if _, err := k.NewKernelStack(16, 0); err == nil {
		t.Errorf("NewKernelStack(16) succeeded, want error")
	}
	a, err := k.NewKernelStack(300, 0)
	if err != nil {
		t.Fatalf("NewKernelStack: %v", err)
	}
	b, err := k.NewKernelStack(hostarch.PageSize+1, 0)
	if err != nil {
		t.Fatalf("NewKernelStack: %v", err)
	}
	if a.Size() != hostarch.PageSize || b.Size() != 2*hostarch.PageSize {
		t.Errorf("sizes = %d, %d, want %d, %d", a.Size(), b.Size(), hostarch.PageSize, 2*hostarch.PageSize)
	}
	// A guard page separates the stacks.
	if got, want := b.Top()-uint64(b.Size()), a.Top()+hostarch.PageSize; got != want {
		t.Errorf("second stack base = %#x, want %#x", got, want)
	}
	if got := k.KernelStacks(); got != 2 {
		t.Errorf("KernelStacks() = %d, want 2", got)
	}
	k.ReleaseKernelStack(a)
	if got := k.KernelStacks(); got != 1 {
		t.Errorf("KernelStacks() after release = %d, want 1", got)
	}
}
