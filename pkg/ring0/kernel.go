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

// Package ring0 implements the privileged half of the machine: a simulated
// RV64 hart with an Sv39 MMU, the trap entry path and the transition into
// user mode.
package ring0

import (
	"fmt"
	"sync"

	"gvisor.dev/rvsentry/pkg/bits"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/ring0/pagetables"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
)

// Handler is called on the hart after every trap, in supervisor mode, with
// the user state already saved in the trap frame of the current kernel
// stack. When it returns the hart resumes from that trap frame.
type Handler func(c *CPU)

// PhysicalMemory is RAM as seen by the hart.
type PhysicalMemory interface {
	ReadAt(dst []byte, pa hostarch.PhysAddr) (int, error)
	WriteAt(src []byte, pa hostarch.PhysAddr) (int, error)
}

// KernelOpts has initialization options for the kernel.
type KernelOpts struct {
	// Handler is the single trap handler.
	Handler Handler

	// Tables is the page table registry walked by the MMU.
	Tables pagetables.Allocator

	// Memory is the physical memory behind every translation.
	Memory PhysicalMemory
}

// Kernel is a global kernel object.
//
// This contains global state, shared by multiple CPUs.
type Kernel struct {
	// KernelOpts is the initial state for the kernel.
	KernelOpts

	mu sync.Mutex

	// stacks maps the top of each live kernel stack to the stack. Trap
	// entry finds the current stack here from sscratch.
	stacks map[uint64]*KernelStack

	// nextStack is the next free kernel stack address.
	nextStack uint64

	// cpus are the harts created by NewCPU.
	cpus []*CPU
}

// Init initializes a new kernel. The trap handler can be registered only
// once.
func (k *Kernel) Init(opts KernelOpts) {
	if opts.Handler == nil {
		panic("ring0: nil trap handler")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.Handler != nil {
		panic("ring0: trap handler registered twice")
	}
	k.KernelOpts = opts
	k.stacks = make(map[uint64]*KernelStack)
	k.nextStack = kernelStackBase
}

// CPUOpts configures a hart.
type CPUOpts struct {
	// Quantum is the number of user instructions between timer interrupts.
	// Zero disables the timer.
	Quantum uint64
}

// NewCPU creates a hart attached to k.
func (k *Kernel) NewCPU(opts CPUOpts) *CPU {
	c := &CPU{
		kernel:  k,
		mode:    SupervisorMode,
		quantum: opts.Quantum,
	}
	c.tlb.init()
	k.mu.Lock()
	k.cpus = append(k.cpus, c)
	k.mu.Unlock()
	return c
}

// InvalidateAddr implements pagetables.Invalidator.InvalidateAddr. It drops
// the translation from the TLB of every hart.
func (k *Kernel) InvalidateAddr(root hostarch.PhysAddr, addr hostarch.Addr) {
	k.mu.Lock()
	cpus := k.cpus
	k.mu.Unlock()
	for _, c := range cpus {
		c.tlb.FlushAddr(root, addr)
	}
}

// trapFrameSize is the size of a saved user context.
var trapFrameSize = (&arch.Registers{}).SizeBytes()

// KernelStack is the private supervisor stack of one task. The top
// SizeBytes of the stack is the trap frame slot.
type KernelStack struct {
	// mem is the stack region.
	mem []byte

	// top is the address one past the highest byte.
	top uint64

	// Root is the page table root the task runs under. sret activates it.
	Root hostarch.PhysAddr
}

// NewKernelStack allocates a kernel stack of at least size bytes for a task
// running under root, and registers it for trap entry.
func (k *Kernel) NewKernelStack(size uint64, root hostarch.PhysAddr) (*KernelStack, error) {
	if size < uint64(trapFrameSize) {
		return nil, fmt.Errorf("kernel stack of %d bytes cannot hold a %d byte trap frame", size, trapFrameSize)
	}
	size = bits.AlignUp(size, uint64(hostarch.PageSize))
	ks := &KernelStack{
		mem:  make([]byte, size),
		Root: root,
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	// One unmapped guard page sits below every stack.
	k.nextStack += hostarch.PageSize + size
	ks.top = k.nextStack
	k.stacks[ks.top] = ks
	return ks, nil
}

// ReleaseKernelStack unregisters ks.
func (k *Kernel) ReleaseKernelStack(ks *KernelStack) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.stacks, ks.top)
}

// KernelStacks returns the number of registered kernel stacks.
func (k *Kernel) KernelStacks() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.stacks)
}

// stackAt returns the stack whose top is top.
func (k *Kernel) stackAt(top uint64) *KernelStack {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stacks[top]
}

// Top returns the address of the top of the stack, the value held in
// sscratch while the task runs in user mode.
func (ks *KernelStack) Top() uint64 {
	return ks.top
}

// Size returns the size of the stack in bytes.
func (ks *KernelStack) Size() int {
	return len(ks.mem)
}

// TrapFrame returns the trap frame slot.
func (ks *KernelStack) TrapFrame() []byte {
	return ks.mem[len(ks.mem)-trapFrameSize:]
}

// LoadFrame copies the trap frame into regs.
func (ks *KernelStack) LoadFrame(regs *arch.Registers) {
	regs.UnmarshalBytes(ks.TrapFrame())
}

// StoreFrame writes regs into the trap frame. The hart resumes from it.
func (ks *KernelStack) StoreFrame(regs *arch.Registers) {
	regs.MarshalBytes(ks.TrapFrame())
}
