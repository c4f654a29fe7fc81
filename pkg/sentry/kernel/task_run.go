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
	"fmt"
	"runtime"

	"gvisor.dev/rvsentry/pkg/abi/linux"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/ring0"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
)

// run is the task goroutine. It waits for the core and then enters user
// mode, never to return: the goroutine ends from within the trap handler.
func (t *Task) run() {
	t.k.sched.wait(t)
	t.setState(TaskRunningUser)
	log.Debugf("%v entering user mode at %v, sp %#x", t, t.entry, t.ctx.Stack())
	t.k.cpu.EnterUser(t.ctx, t.entry, t.kstack)
	panic(fmt.Sprintf("%v returned from user mode", t))
}

// handleTrap is the ring0 trap handler. It runs on the goroutine of the task
// that holds the core, with the interrupted context in that task's trap
// frame. On return the hart resumes from the trap frame.
func (k *Kernel) handleTrap(c *ring0.CPU) {
	t := k.sched.current()
	if t == nil || c.CurrentStack() != t.kstack {
		panic(fmt.Sprintf("trap %v taken on kernel stack %#x held by no running task", c.Cause(), c.Sscratch()))
	}
	t.setState(TaskTrapped)
	t.kstack.LoadFrame(&t.ctx.Regs)

	cause := c.Cause()
	trapCount.Increment(trapCauseName(cause))
	if t.ctx.Regs.Sstatus&arch.SstatusSPP != 0 {
		k.Halt(&KernelFault{
			Cause: cause,
			Addr:  c.FaultAddr(),
			PC:    t.ctx.Regs.Pc,
			Task:  t.String(),
		})
		t.setState(TaskTerminated)
		runtime.Goexit()
	}
	if k.sched.isHalted() {
		t.setState(TaskTerminated)
		runtime.Goexit()
	}

	t.handleUserTrap(cause, c.FaultAddr())

	t.kstack.StoreFrame(&t.ctx.Regs)
	t.setState(TaskRunningUser)
}

// handleUserTrap classifies a trap taken from user mode. It returns only if
// the task is to resume; the resume point is the pc of the saved context.
func (t *Task) handleUserTrap(cause ring0.Vector, tval uint64) {
	switch cause {
	case ring0.UserEnvCall:
		t.doSyscall()

	case ring0.InstructionPageFault, ring0.LoadPageFault, ring0.StorePageFault:
		addr := hostarch.Addr(tval)
		if err := t.mm.HandleUserFault(addr, cause.AccessType()); err != nil {
			t.k.faultLog.Warningf("%v: unhandled %v at %v, pc %#x: %v", t, cause, addr, t.ctx.Regs.Pc, err)
			t.kill(linux.SIGSEGV)
		}
		// The faulting instruction is retried.

	case ring0.Breakpoint:
		t.ctx.SetIP(t.ctx.IP() + hostarch.InstructionSize)

	case ring0.IllegalInstruction:
		t.k.faultLog.Warningf("%v: illegal instruction %#x at pc %#x", t, tval, t.ctx.Regs.Pc)
		t.kill(linux.SIGILL)

	case ring0.InstructionMisaligned, ring0.LoadMisaligned, ring0.StoreMisaligned,
		ring0.InstructionAccessFault, ring0.LoadAccessFault, ring0.StoreAccessFault:
		t.k.faultLog.Warningf("%v: %v at %#x, pc %#x", t, cause, tval, t.ctx.Regs.Pc)
		t.kill(linux.SIGBUS)

	case ring0.SupervisorTimer:
		t.Yield()

	case ring0.SupervisorSoftware, ring0.SupervisorExternal:
		// Nothing raises these; ignore them.
		log.Debugf("%v: spurious %v", t, cause)

	default:
		log.Warningf("%v: unexpected trap %v at pc %#x", t, cause, t.ctx.Regs.Pc)
		t.kill(linux.SIGILL)
	}
}

// kill terminates t as if by the uncatchable signal sig.
func (t *Task) kill(sig linux.Signal) {
	log.Infof("%v killed by %v", t, sig)
	t.PrepareExit(sig.ExitCode())
	t.exit("signal")
}

// exit terminates t with the status recorded by PrepareExit. It drops the
// address space, unregisters the kernel stack, wakes joiners, releases the
// core and ends the task goroutine.
func (t *Task) exit(reason string) {
	code := t.ExitCode()
	t.setState(TaskTerminated)
	t.mm.DecRef()
	t.k.ring0.ReleaseKernelStack(t.kstack)
	t.k.unregisterTask(t)
	taskExits.Increment(reason)
	log.Infof("%v exited with status %d", t, code)
	t.handle.finish(code, true)
	t.k.sched.release(t)
	runtime.Goexit()
}
