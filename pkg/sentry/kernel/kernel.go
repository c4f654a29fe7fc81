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

// Package kernel provides an emulation of the kernel side of a user task:
// the task lifecycle, a single-core scheduler, trap classification and
// syscall dispatch.
//
// Lock order:
//
//	Kernel.mu
//	  scheduler.mu
//	  Task.mu
package kernel

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"gvisor.dev/rvsentry/pkg/fd"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/metric"
	"gvisor.dev/rvsentry/pkg/ring0"
	"gvisor.dev/rvsentry/pkg/ring0/pagetables"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
	"gvisor.dev/rvsentry/pkg/sentry/pgalloc"
)

const (
	// DefaultMemoryBytes is the size of RAM.
	DefaultMemoryBytes = 16 << 20

	// DefaultQuantum is the number of user instructions between timer
	// interrupts.
	DefaultQuantum = 10000

	// DefaultKernelStackSize is the size of each task's kernel stack.
	DefaultKernelStackSize = 0x40000
)

// ErrHalted is returned by Launch once the kernel has halted.
var ErrHalted = errors.New("kernel halted")

var (
	syscallCount = metric.MustCreateNewUint64Metric("/kernel/syscalls", "Number of syscalls dispatched, by outcome.",
		metric.NewField("outcome", "success", "error", "missing", "panic"))
	trapCount  = metric.MustCreateNewUint64Metric("/kernel/traps", "Number of traps handled, by cause.", trapCauseField())
	taskExits  = metric.MustCreateNewUint64Metric("/kernel/task_exits", "Number of terminated tasks, by reason.", metric.NewField("reason", "exit", "signal", "halt"))
	taskLaunch = metric.MustCreateNewUint64Metric("/kernel/task_launches", "Number of tasks submitted to the scheduler.")
)

// trapCauses are the causes the hart can raise.
var trapCauses = []ring0.Vector{
	ring0.InstructionMisaligned,
	ring0.InstructionAccessFault,
	ring0.IllegalInstruction,
	ring0.Breakpoint,
	ring0.LoadMisaligned,
	ring0.LoadAccessFault,
	ring0.StoreMisaligned,
	ring0.StoreAccessFault,
	ring0.UserEnvCall,
	ring0.SupervisorEnvCall,
	ring0.InstructionPageFault,
	ring0.LoadPageFault,
	ring0.StorePageFault,
	ring0.SupervisorSoftware,
	ring0.SupervisorTimer,
	ring0.SupervisorExternal,
}

func trapCauseField() metric.Field {
	names := make([]string, 0, len(trapCauses)+1)
	for _, v := range trapCauses {
		names = append(names, v.String())
	}
	return metric.NewField("cause", append(names, "other")...)
}

func trapCauseName(v ring0.Vector) string {
	for _, c := range trapCauses {
		if c == v {
			return v.String()
		}
	}
	return "other"
}

// Opts configures a Kernel.
type Opts struct {
	// MemoryBytes is the size of RAM. Zero selects DefaultMemoryBytes.
	MemoryBytes uint64

	// Quantum is the timer period in user instructions. Zero selects
	// DefaultQuantum. Use a negative value to disable preemption.
	Quantum int64

	// SyscallTable is the syscall table tasks use. If nil, the table
	// registered for RISCV64 is used.
	SyscallTable *SyscallTable

	// Stracer, if set, traces every syscall.
	Stracer Stracer

	// Stdout and Stderr are the default output channels of tasks. They
	// default to the host's standard output and error.
	Stdout io.Writer
	Stderr io.Writer
}

// Kernel represents an emulated kernel running a set of user tasks on a
// single hart.
type Kernel struct {
	// These are immutable after New.
	mf      *pgalloc.MemoryFile
	tables  *pagetables.FrameAllocator
	ring0   ring0.Kernel
	cpu     *ring0.CPU
	st      *SyscallTable
	stracer Stracer
	stdout  io.Writer
	stderr  io.Writer

	// faultLog reports unhandled user faults without flooding the log.
	faultLog log.Logger

	sched scheduler

	mu sync.Mutex

	// tasks are the live tasks, by thread ID.
	tasks map[ThreadID]*Task

	// nextTID is the ID of the next launched task.
	nextTID ThreadID

	// fault is set once the kernel has halted.
	fault *KernelFault
}

// New returns a kernel with its own RAM, page table allocator and hart. The
// trap handler is registered with ring0 here, once.
func New(opts Opts) (*Kernel, error) {
	st := opts.SyscallTable
	if st == nil {
		var ok bool
		if st, ok = LookupSyscallTable(arch.RISCV64); !ok {
			return nil, fmt.Errorf("no syscall table registered for %v", arch.RISCV64)
		}
	}
	if opts.MemoryBytes == 0 {
		opts.MemoryBytes = DefaultMemoryBytes
	}
	var quantum uint64
	switch {
	case opts.Quantum == 0:
		quantum = DefaultQuantum
	case opts.Quantum > 0:
		quantum = uint64(opts.Quantum)
	}
	if opts.Stdout == nil {
		opts.Stdout = fd.Stdout()
	}
	if opts.Stderr == nil {
		opts.Stderr = fd.Stderr()
	}

	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: opts.MemoryBytes})
	if err != nil {
		return nil, fmt.Errorf("creating memory file: %w", err)
	}
	k := &Kernel{
		mf:       mf,
		tables:   pagetables.NewFrameAllocator(mf),
		st:       st,
		stracer:  opts.Stracer,
		stdout:   opts.Stdout,
		stderr:   opts.Stderr,
		faultLog: log.BasicRateLimitedLogger(time.Second),
		tasks:    make(map[ThreadID]*Task),
		nextTID:  1,
	}
	k.sched.init()
	k.ring0.Init(ring0.KernelOpts{
		Handler: k.handleTrap,
		Tables:  k.tables,
		Memory:  mf,
	})
	k.cpu = k.ring0.NewCPU(ring0.CPUOpts{Quantum: quantum})
	log.Infof("Kernel created: %d bytes of RAM at %#x, quantum %d, syscall table %v", opts.MemoryBytes, uint64(mf.Base()), quantum, st.Arch)
	return k, nil
}

// SyscallTable returns the syscall table tasks use.
func (k *Kernel) SyscallTable() *SyscallTable {
	return k.st
}

// MemoryFile returns RAM.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// CPU returns the hart tasks run on.
func (k *Kernel) CPU() *ring0.CPU {
	return k.cpu
}

// KernelStacks returns the number of registered kernel stacks, one per live
// task.
func (k *Kernel) KernelStacks() int {
	return k.ring0.KernelStacks()
}

// Tasks returns the number of live tasks.
func (k *Kernel) Tasks() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tasks)
}

// TaskWithID returns the live task with the given ID, or nil.
func (k *Kernel) TaskWithID(tid ThreadID) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tasks[tid]
}

// Current returns the task holding the core, or nil.
func (k *Kernel) Current() *Task {
	return k.sched.current()
}

// KernelFault describes a trap taken while the hart was in supervisor mode.
// Nothing can recover from it, so it halts the kernel.
type KernelFault struct {
	// Cause is scause.
	Cause ring0.Vector

	// Addr is stval.
	Addr uint64

	// PC is sepc.
	PC uint64

	// Task names the task whose kernel stack was current.
	Task string
}

// Error implements error.Error.
func (f *KernelFault) Error() string {
	return fmt.Sprintf("kernel fault: %v at pc %#x, addr %#x, task %s", f.Cause, f.PC, f.Addr, f.Task)
}

// Halt stops the machine. No task is scheduled again, every joiner is woken
// with ok set to false, and later launches fail with ErrHalted. Only the
// first fault is kept.
//
// Halt does not stop the caller. A task halting the kernel from its trap
// handler must end its goroutine itself.
func (k *Kernel) Halt(fault *KernelFault) {
	k.mu.Lock()
	if k.fault != nil {
		k.mu.Unlock()
		return
	}
	k.fault = fault
	tasks := make([]*Task, 0, len(k.tasks))
	for _, t := range k.tasks {
		tasks = append(tasks, t)
	}
	k.mu.Unlock()

	log.Warningf("Kernel halted: %v", fault)
	k.sched.halt()
	for _, t := range tasks {
		taskExits.Increment("halt")
		t.handle.finish(0, false)
	}
}

// Halted returns the fault that halted the kernel, or nil.
func (k *Kernel) Halted() *KernelFault {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.fault
}

// registerTask assigns t an ID and a handle, and adds it to the live set.
func (k *Kernel) registerTask(t *Task) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.fault != nil {
		return ErrHalted
	}
	t.tid = k.nextTID
	k.nextTID++
	t.handle = newTaskHandle(t)
	k.tasks[t.tid] = t
	return nil
}

// unregisterTask removes t from the live set.
func (k *Kernel) unregisterTask(t *Task) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.tasks, t.tid)
}
