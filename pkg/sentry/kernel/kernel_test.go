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

package kernel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/rvsentry/pkg/abi/linux"
	"gvisor.dev/rvsentry/pkg/abi/linux/errno"
	"gvisor.dev/rvsentry/pkg/errors/linuxerr"
	"gvisor.dev/rvsentry/pkg/ring0"
	"gvisor.dev/rvsentry/pkg/rvasm"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
	"gvisor.dev/rvsentry/pkg/sentry/loader"
)

// Syscall numbers of the test table.
const (
	sysExit   = linux.SYS_EXIT
	sysValue  = 500
	sysPanic  = 501
	sysOpaque = 502
	sysBadf   = 503
	sysYield  = 504
	sysMark   = 505
	sysGate   = 506
	sysAbsent = 999
)

// testSyscalls provides a syscall table whose handlers exercise every path
// of doSyscall.
type testSyscalls struct {
	// gate blocks sysGate until it is closed.
	gate chan struct{}

	// marks is appended to by sysMark. Only the task holding the core
	// touches it.
	marks []byte
}

func newTestSyscalls() *testSyscalls {
	return &testSyscalls{gate: make(chan struct{})}
}

func (s *testSyscalls) table() *SyscallTable {
	return &SyscallTable{
		Arch: arch.RISCV64,
		Table: map[uintptr]Syscall{
			sysExit: {Name: "exit", Fn: func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				t.PrepareExit(args[0].Int())
				return 0, CtrlDoExit, nil
			}},
			sysValue: {Name: "value", Fn: func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				return args[0].Value + 1, nil, nil
			}},
			sysPanic: {Name: "panic", Fn: func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				panic("handler bug")
			}},
			sysOpaque: {Name: "opaque", Fn: func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				return 0, nil, errors.New("no errno here")
			}},
			sysBadf: {Name: "badf", Fn: func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				return 0, nil, linuxerr.EBADF
			}},
			sysYield: {Name: "yield", Fn: func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				return 0, CtrlYield, nil
			}},
			sysMark: {Name: "mark", Fn: func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				s.marks = append(s.marks, byte(args[0].Value))
				return 0, nil, nil
			}},
			sysGate: {Name: "gate", Fn: func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *SyscallControl, error) {
				<-s.gate
				return 0, nil, nil
			}},
		},
		Missing: func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, error) {
			return 0, linuxerr.ENOSYS
		},
	}
}

func newTestKernel(t *testing.T, s *testSyscalls, opts Opts) *Kernel {
	t.Helper()
	opts.SyscallTable = s.table()
	if opts.MemoryBytes == 0 {
		opts.MemoryBytes = 4 << 20
	}
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	k, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func program(build func(b *rvasm.ProgramBuilder)) []byte {
	b := rvasm.NewProgramBuilder()
	build(b)
	return rvasm.MustBytes(b)
}

// exitWithA0 ends a program with exit(a0).
func exitWithA0(b *rvasm.ProgramBuilder) {
	b.LI(rvasm.A7, sysExit)
	b.ECALL()
}

func launch(t *testing.T, k *Kernel, image []byte) *TaskHandle {
	t.Helper()
	h, err := k.Launch(context.Background(), LaunchOpts{Name: t.Name(), Image: bytes.NewReader(image)})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return h
}

func join(t *testing.T, h *TaskHandle) (int32, bool) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("task %s did not terminate", h.Name())
	}
	return h.Join()
}

func TestExitCodes(t *testing.T) {
	for _, code := range []int64{0, 1, -1, 255, 1 << 31, 1<<32 + 3} {
		s := newTestSyscalls()
		k := newTestKernel(t, s, Opts{})
		got, ok := join(t, launch(t, k, rvasm.Exit(code)))
		if want := int32(code); got != want || !ok {
			t.Errorf("exit(%#x): Join() = (%d, %t), want (%d, true)", code, got, ok, want)
		}
	}
}

func TestSyscallResults(t *testing.T) {
	for _, tc := range []struct {
		name  string
		sysno int64
		arg   int64
		want  int32
	}{
		{name: "success", sysno: sysValue, arg: 41, want: 42},
		{name: "errno", sysno: sysBadf, want: -int32(errno.EBADF)},
		{name: "error without errno", sysno: sysOpaque, want: -int32(errno.EINVAL)},
		{name: "panic", sysno: sysPanic, want: -int32(errno.EFAULT)},
		{name: "missing", sysno: sysAbsent, want: -int32(errno.ENOSYS)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newTestKernel(t, newTestSyscalls(), Opts{})
			h := launch(t, k, program(func(b *rvasm.ProgramBuilder) {
				b.LI(rvasm.A0, tc.arg)
				b.LI(rvasm.A7, tc.sysno)
				b.ECALL()
				exitWithA0(b)
			}))
			if got, ok := join(t, h); got != tc.want || !ok {
				t.Errorf("Join() = (%d, %t), want (%d, true)", got, ok, tc.want)
			}
		})
	}
}

func TestSyscallResumesAfterEcall(t *testing.T) {
	k := newTestKernel(t, newTestSyscalls(), Opts{})
	// Two calls in a row: the second sees the first's result in a0.
	h := launch(t, k, program(func(b *rvasm.ProgramBuilder) {
		b.LI(rvasm.A0, 1)
		b.LI(rvasm.A7, sysValue)
		b.ECALL()
		b.ECALL()
		b.ADDI(rvasm.A0, rvasm.A0, 10)
		exitWithA0(b)
	}))
	if got, _ := join(t, h); got != 13 {
		t.Errorf("Join() = %d, want 13", got)
	}
}

func TestTraps(t *testing.T) {
	for _, tc := range []struct {
		name  string
		build func(b *rvasm.ProgramBuilder)
		want  int32
	}{
		{
			name: "breakpoint is skipped",
			build: func(b *rvasm.ProgramBuilder) {
				b.LI(rvasm.A0, 5)
				b.EBREAK()
				b.ADDI(rvasm.A0, rvasm.A0, 1)
				exitWithA0(b)
			},
			want: 6,
		},
		{
			name: "stack is faulted in",
			build: func(b *rvasm.ProgramBuilder) {
				b.LI(rvasm.T0, 77)
				b.SD(rvasm.T0, -8, rvasm.SP)
				b.LD(rvasm.A0, -8, rvasm.SP)
				exitWithA0(b)
			},
			want: 77,
		},
		{
			name: "unmapped load",
			build: func(b *rvasm.ProgramBuilder) {
				b.LI(rvasm.T0, 0x5000)
				b.LD(rvasm.A0, 0, rvasm.T0)
				exitWithA0(b)
			},
			want: linux.SIGSEGV.ExitCode(),
		},
		{
			name: "jump to kernel half",
			build: func(b *rvasm.ProgramBuilder) {
				b.LI(rvasm.T0, -4096)
				b.JALR(rvasm.Zero, rvasm.T0, 0)
			},
			want: linux.SIGSEGV.ExitCode(),
		},
		{
			name: "illegal instruction",
			build: func(b *rvasm.ProgramBuilder) {
				b.Emit(0xffffffff)
			},
			want: linux.SIGILL.ExitCode(),
		},
		{
			name: "misaligned load",
			build: func(b *rvasm.ProgramBuilder) {
				b.LW(rvasm.A0, -3, rvasm.SP)
				exitWithA0(b)
			},
			want: linux.SIGBUS.ExitCode(),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newTestKernel(t, newTestSyscalls(), Opts{})
			if got, ok := join(t, launch(t, k, program(tc.build))); got != tc.want || !ok {
				t.Errorf("Join() = (%d, %t), want (%d, true)", got, ok, tc.want)
			}
		})
	}
}

func TestExitReleasesEverything(t *testing.T) {
	k := newTestKernel(t, newTestSyscalls(), Opts{})
	h := launch(t, k, program(func(b *rvasm.ProgramBuilder) {
		b.SD(rvasm.Zero, -8, rvasm.SP)
		b.LI(rvasm.A0, 0)
		exitWithA0(b)
	}))
	join(t, h)
	if got := k.KernelStacks(); got != 0 {
		t.Errorf("KernelStacks() = %d, want 0", got)
	}
	if got := k.Tasks(); got != 0 {
		t.Errorf("Tasks() = %d, want 0", got)
	}
	if got := k.TaskWithID(h.ThreadID()); got != nil {
		t.Errorf("TaskWithID(%d) = %v, want nil", h.ThreadID(), got)
	}
	if allocated, _ := k.MemoryFile().Usage(); allocated != 0 {
		t.Errorf("%d frames still allocated", allocated)
	}
}

func TestYieldAlternates(t *testing.T) {
	s := newTestSyscalls()
	k := newTestKernel(t, s, Opts{Quantum: -1})
	build := func(c byte) []byte {
		return program(func(b *rvasm.ProgramBuilder) {
			b.LI(rvasm.A7, sysGate)
			b.ECALL()
			for i := 0; i < 2; i++ {
				b.LI(rvasm.A0, int64(c))
				b.LI(rvasm.A7, sysMark)
				b.ECALL()
				b.LI(rvasm.A7, sysYield)
				b.ECALL()
			}
			b.LI(rvasm.A0, 0)
			exitWithA0(b)
		})
	}
	// The first task holds the core in the gate until both are queued.
	a := launch(t, k, build('a'))
	b := launch(t, k, build('b'))
	close(s.gate)
	join(t, a)
	join(t, b)
	if got, want := string(s.marks), "abab"; got != want {
		t.Errorf("marks = %q, want %q", got, want)
	}
}

func TestAddressSpacesIsolateData(t *testing.T) {
	s := newTestSyscalls()
	k := newTestKernel(t, s, Opts{Quantum: -1})
	// Both tasks store to the same virtual address, let the other one run,
	// then exit with what they read back.
	build := func(c byte) []byte {
		return program(func(b *rvasm.ProgramBuilder) {
			b.LI(rvasm.A7, sysGate)
			b.ECALL()
			b.LI(rvasm.T0, int64(c))
			b.SB(rvasm.T0, -8, rvasm.SP)
			b.LI(rvasm.A0, int64(c))
			b.LI(rvasm.A7, sysMark)
			b.ECALL()
			b.LI(rvasm.A7, sysYield)
			b.ECALL()
			b.LBU(rvasm.A0, -8, rvasm.SP)
			exitWithA0(b)
		})
	}
	a := launch(t, k, build('a'))
	b := launch(t, k, build('b'))
	close(s.gate)
	if got, ok := join(t, a); got != 'a' || !ok {
		t.Errorf("task a Join() = (%q, %t), want ('a', true)", rune(got), ok)
	}
	if got, ok := join(t, b); got != 'b' || !ok {
		t.Errorf("task b Join() = (%q, %t), want ('b', true)", rune(got), ok)
	}
	// Both stores happened before either load.
	if got, want := string(s.marks), "ab"; got != want {
		t.Errorf("marks = %q, want %q", got, want)
	}
}

func TestTimerPreemptsSpinningTask(t *testing.T) {
	k := newTestKernel(t, newTestSyscalls(), Opts{Quantum: 50})
	spinner := launch(t, k, program(func(b *rvasm.ProgramBuilder) {
		if err := b.AddLabel("spin"); err != nil {
			t.Fatalf("AddLabel: %v", err)
		}
		b.J("spin")
	}))
	counter := launch(t, k, program(func(b *rvasm.ProgramBuilder) {
		b.LI(rvasm.A0, 0)
		b.LI(rvasm.T0, 1000)
		if err := b.AddLabel("loop"); err != nil {
			t.Fatalf("AddLabel: %v", err)
		}
		b.ADDI(rvasm.A0, rvasm.A0, 1)
		b.BNE(rvasm.A0, rvasm.T0, "loop")
		exitWithA0(b)
	}))
	if got, ok := join(t, counter); got != 1000 || !ok {
		t.Errorf("counter Join() = (%d, %t), want (1000, true)", got, ok)
	}

	// The spinner never exits; halting the kernel releases its joiners.
	k.Halt(&KernelFault{Cause: ring0.SupervisorSoftware, Task: "test"})
	if got, ok := join(t, spinner); got != 0 || ok {
		t.Errorf("spinner Join() = (%d, %t), want (0, false)", got, ok)
	}
}

func TestKernelFaultHalts(t *testing.T) {
	k := newTestKernel(t, newTestSyscalls(), Opts{})
	task, err := k.newTask(context.Background(), LaunchOpts{Name: "supervisor", Image: bytes.NewReader(rvasm.Exit(0))})
	if err != nil {
		t.Fatalf("newTask: %v", err)
	}
	// Returning to supervisor mode makes the first fetch of a user page
	// fault with the hart in supervisor mode.
	task.ctx.Regs.Sstatus |= arch.SstatusSPP
	h := k.Spawn(task)

	if got, ok := join(t, h); got != 0 || ok {
		t.Errorf("Join() = (%d, %t), want (0, false)", got, ok)
	}
	want := &KernelFault{
		Cause: ring0.InstructionPageFault,
		Addr:  uint64(loader.DefaultEntry),
		PC:    uint64(loader.DefaultEntry),
		Task:  task.String(),
	}
	if diff := cmp.Diff(want, k.Halted()); diff != "" {
		t.Errorf("Halted() mismatch (-want +got):\n%s", diff)
	}
	if _, err := k.Launch(context.Background(), LaunchOpts{Image: bytes.NewReader(rvasm.Exit(0))}); !errors.Is(err, ErrHalted) {
		t.Errorf("Launch after halt = %v, want %v", err, ErrHalted)
	}
}

func TestLaunchFailureLeavesNothing(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	for _, tc := range []struct {
		name    string
		ctx     context.Context
		opts    LaunchOpts
		wantErr error
	}{
		{
			name:    "empty image",
			ctx:     context.Background(),
			opts:    LaunchOpts{Image: bytes.NewReader(nil)},
			wantErr: loader.ErrLoad,
		},
		{
			name:    "no image",
			ctx:     context.Background(),
			wantErr: loader.ErrLoad,
		},
		{
			name:    "misaligned entry",
			ctx:     context.Background(),
			opts:    LaunchOpts{Image: bytes.NewReader(rvasm.Exit(0)), Entry: 0x1004},
			wantErr: linuxerr.EINVAL,
		},
		{
			name:    "kernel stack too small",
			ctx:     context.Background(),
			opts:    LaunchOpts{Image: bytes.NewReader(rvasm.Exit(0)), KernelStackSize: 16},
			wantErr: nil,
		},
		{
			name:    "out of memory",
			ctx:     context.Background(),
			opts:    LaunchOpts{Image: bytes.NewReader(rvasm.Exit(0)), StackSize: 8 << 20, Populate: true},
			wantErr: linuxerr.ENOMEM,
		},
		{
			name:    "canceled",
			ctx:     canceled,
			opts:    LaunchOpts{Image: bytes.NewReader(rvasm.Exit(0))},
			wantErr: context.Canceled,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newTestKernel(t, newTestSyscalls(), Opts{})
			h, err := k.Launch(tc.ctx, tc.opts)
			if err == nil {
				join(t, h)
				t.Fatalf("Launch succeeded, want error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("Launch = %v, want %v", err, tc.wantErr)
			}
			if got := k.KernelStacks(); got != 0 {
				t.Errorf("KernelStacks() = %d, want 0", got)
			}
			if got := k.Tasks(); got != 0 {
				t.Errorf("Tasks() = %d, want 0", got)
			}
			if allocated, _ := k.MemoryFile().Usage(); allocated != 0 {
				t.Errorf("%d frames still allocated", allocated)
			}
		})
	}
}

// recordingStracer records the syscalls it sees.
type recordingStracer struct {
	enter []uintptr
	exit  []uintptr
}

func (r *recordingStracer) SyscallEnter(t *Task, sysno uintptr, args arch.SyscallArguments) any {
	r.enter = append(r.enter, sysno)
	return sysno
}

func (r *recordingStracer) SyscallExit(context any, t *Task, sysno, rval uintptr, err error) {
	if context.(uintptr) != sysno {
		panic("stracer context mismatch")
	}
	r.exit = append(r.exit, sysno)
}

func TestStracer(t *testing.T) {
	var r recordingStracer
	k := newTestKernel(t, newTestSyscalls(), Opts{Stracer: &r})
	join(t, launch(t, k, program(func(b *rvasm.ProgramBuilder) {
		b.LI(rvasm.A7, sysValue)
		b.ECALL()
		b.LI(rvasm.A7, sysAbsent)
		b.ECALL()
		exitWithA0(b)
	})))
	if diff := cmp.Diff([]uintptr{sysValue, sysAbsent, sysExit}, r.enter); diff != "" {
		t.Errorf("entered syscalls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uintptr{sysValue, sysAbsent}, r.exit); diff != "" {
		t.Errorf("exited syscalls mismatch (-want +got):\n%s", diff)
	}
}

func TestTaskStateTransitions(t *testing.T) {
	task := &Task{name: "state"}
	for _, s := range []TaskState{TaskRunningUser, TaskTrapped, TaskRunningUser, TaskTrapped, TaskTerminated} {
		task.setState(s)
	}
	if got := task.State(); got != TaskTerminated {
		t.Fatalf("State() = %v, want %v", got, TaskTerminated)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Terminated -> RunningUser did not panic")
		}
	}()
	task.setState(TaskRunningUser)
}

func TestSyscallTableLookup(t *testing.T) {
	st := newTestSyscalls().table()
	if got := st.LookupName(sysValue); got != "value" {
		t.Errorf("LookupName(%d) = %q, want %q", sysValue, got, "value")
	}
	if got := st.LookupName(sysAbsent); got != "sys_999" {
		t.Errorf("LookupName(%d) = %q, want %q", sysAbsent, got, "sys_999")
	}
	if no, err := st.LookupNo("mark"); err != nil || no != sysMark {
		t.Errorf("LookupNo(mark) = (%d, %v), want (%d, nil)", no, err, sysMark)
	}
	if st.Lookup(sysAbsent) != nil {
		t.Errorf("Lookup(%d) found a handler", sysAbsent)
	}
	want := []uintptr{sysExit, sysValue, sysPanic, sysOpaque, sysBadf, sysYield, sysMark, sysGate}
	if diff := cmp.Diff(want, st.Numbers()); diff != "" {
		t.Errorf("Numbers() mismatch (-want +got):\n%s", diff)
	}
}
