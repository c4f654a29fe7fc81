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
	"fmt"

	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
)

// CPU is a simulated RV64 hart.
//
// A CPU is driven by one goroutine at a time.
type CPU struct {
	kernel *Kernel

	// regs are the live integer registers. regs[0] is always zero.
	regs [arch.NumRegs]uint64
	pc   uint64
	mode Mode

	// Supervisor CSRs.
	sstatus  uint64
	sepc     uint64
	scause   uint64
	stval    uint64
	sscratch uint64
	satp     uint64

	tlb TLB

	// quantum is the timer period in user instructions, ticks counts
	// towards it.
	quantum uint64
	ticks   uint64

	// retired counts executed instructions.
	retired uint64
}

// EnterUser switches the hart to the user context uctx at entry and runs it.
// ks is the task's kernel stack: its top goes into sscratch, so that trap
// entry can save the user state, and it is where the hart resumes from.
//
// The switch sequence is fixed:
//
//  1. Clear sstatus.SIE so that nothing interrupts the switch.
//  2. Write the kernel stack top to sscratch.
//  3. Write entry to sepc.
//  4. Load every register from uctx.
//  5. Activate the task's page tables and sret.
//
// EnterUser never returns. Every trap is handed to the kernel's handler, and
// the hart then resumes from the trap frame. A task leaves the loop only by
// ending its goroutine from inside the handler.
func (c *CPU) EnterUser(uctx *arch.Context64, entry hostarch.Addr, ks *KernelStack) {
	c.sstatus &^= arch.SstatusSIE
	c.sscratch = ks.Top()
	c.ticks = 0
	c.sepc = uint64(entry)
	c.loadContext(&uctx.Regs)
	for {
		c.activate(ks.Root)
		c.sret()
		c.run()
		c.kernel.Handler(c)
		c.restore(ks)
	}
}

// loadContext loads hart state from regs. It is the only place where saved
// state turns back into live registers. The pc is taken from sepc by sret,
// and of sstatus only SPP and SPIE are taken.
func (c *CPU) loadContext(regs *arch.Registers) {
	c.regs = regs.Regs
	c.regs[0] = 0
	const mask = arch.SstatusSPP | arch.SstatusSPIE
	c.sstatus = c.sstatus&^mask | regs.Sstatus&mask
}

// activate is the only writer of satp. The TLB is flushed when the root
// changes.
func (c *CPU) activate(root hostarch.PhysAddr) {
	satp := makeSatp(root)
	if satp == c.satp {
		return
	}
	c.satp = satp
	c.tlb.FlushAll()
}

// sret returns to the privilege in SPP with SIE restored from SPIE, and
// jumps to sepc.
func (c *CPU) sret() {
	if c.sstatus&arch.SstatusSPP != 0 {
		c.mode = SupervisorMode
	} else {
		c.mode = UserMode
	}
	if c.sstatus&arch.SstatusSPIE != 0 {
		c.sstatus |= arch.SstatusSIE
	} else {
		c.sstatus &^= arch.SstatusSIE
	}
	c.sstatus |= arch.SstatusSPIE
	c.sstatus &^= arch.SstatusSPP
	c.pc = c.sepc
}

// run executes instructions until one traps. On return the trap has been
// taken: the hart is in supervisor mode and the trap frame is written.
func (c *CPU) run() {
	for {
		if cause, tval, trapped := c.step(); trapped {
			c.trap(cause, tval)
			return
		}
	}
}

// trap takes a trap the way the hardware does and then runs the trap vector.
func (c *CPU) trap(cause Vector, tval uint64) {
	c.sepc = c.pc
	c.scause = uint64(cause)
	c.stval = tval
	if c.sstatus&arch.SstatusSIE != 0 {
		c.sstatus |= arch.SstatusSPIE
	} else {
		c.sstatus &^= arch.SstatusSPIE
	}
	c.sstatus &^= arch.SstatusSIE
	if c.mode == SupervisorMode {
		c.sstatus |= arch.SstatusSPP
	} else {
		c.sstatus &^= arch.SstatusSPP
	}
	c.mode = SupervisorMode
	c.saveContext()
}

// saveContext is the trap vector. It finds the kernel stack through
// sscratch alone and saves the complete interrupted context into the trap
// frame before anything else runs.
func (c *CPU) saveContext() {
	ks := c.kernel.stackAt(c.sscratch)
	if ks == nil {
		panic(fmt.Sprintf("ring0: trap %v at pc %#x with no kernel stack at sscratch %#x", Vector(c.scause), c.sepc, c.sscratch))
	}
	regs := arch.Registers{
		Regs:    c.regs,
		Pc:      c.sepc,
		Sstatus: c.sstatus,
	}
	ks.StoreFrame(&regs)
}

// restore reloads the hart from the trap frame of ks after the handler
// returns. sscratch is pointed back at ks since another task may have run
// on this hart in the meantime. If one did, the timer starts a fresh
// quantum.
func (c *CPU) restore(ks *KernelStack) {
	var regs arch.Registers
	ks.LoadFrame(&regs)
	if c.sscratch != ks.Top() {
		c.ticks = 0
	}
	c.sscratch = ks.Top()
	c.sepc = regs.Pc
	c.loadContext(&regs)
}

// Kernel returns the kernel the hart belongs to.
func (c *CPU) Kernel() *Kernel {
	return c.kernel
}

// Mode returns the current privilege.
func (c *CPU) Mode() Mode {
	return c.mode
}

// Cause returns scause.
func (c *CPU) Cause() Vector {
	return Vector(c.scause)
}

// FaultAddr returns stval.
func (c *CPU) FaultAddr() uint64 {
	return c.stval
}

// SEPC returns sepc.
func (c *CPU) SEPC() uint64 {
	return c.sepc
}

// Sscratch returns sscratch.
func (c *CPU) Sscratch() uint64 {
	return c.sscratch
}

// Sstatus returns sstatus.
func (c *CPU) Sstatus() uint64 {
	return c.sstatus
}

// Satp returns satp.
func (c *CPU) Satp() uint64 {
	return c.satp
}

// Retired returns the number of instructions executed.
func (c *CPU) Retired() uint64 {
	return c.retired
}

// TLB returns the hart's TLB.
func (c *CPU) TLB() *TLB {
	return &c.tlb
}

// CurrentStack returns the kernel stack named by sscratch, or nil.
func (c *CPU) CurrentStack() *KernelStack {
	return c.kernel.stackAt(c.sscratch)
}
