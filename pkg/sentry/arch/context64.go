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

package arch

import (
	"fmt"
	"strings"
)

// Context64 represents the saved user state of one task.
type Context64 struct {
	Regs Registers
}

var _ Context = (*Context64)(nil)

// NewUserContext returns the context a task starts with: pc at entry, sp at
// the stack top, every other register zero, and sstatus set so that sret
// drops to user mode with interrupts enabled.
func NewUserContext(entry, stackTop uintptr) *Context64 {
	c := &Context64{}
	c.Regs.Pc = uint64(entry)
	c.Regs.Regs[RegSP] = uint64(stackTop)
	c.Regs.Sstatus = SstatusSPIE
	return c
}

// Arch implements Context.Arch.
func (c *Context64) Arch() Arch {
	return RISCV64
}

// SyscallNo returns the syscall number, held in a7.
func (c *Context64) SyscallNo() uintptr {
	return uintptr(c.Regs.Regs[RegA7])
}

// SyscallArgs provides syscall arguments according to the RISC-V Linux
// convention: a0 through a5 in order.
func (c *Context64) SyscallArgs() SyscallArguments {
	var args SyscallArguments
	for i := range args {
		args[i].Value = uintptr(c.Regs.Regs[RegA0+i])
	}
	return args
}

// Return returns the current syscall return value, held in a0.
func (c *Context64) Return() uintptr {
	return uintptr(c.Regs.Regs[RegA0])
}

// SetReturn sets the syscall return value.
func (c *Context64) SetReturn(value uintptr) {
	c.Regs.Regs[RegA0] = uint64(value)
}

// IP returns the current instruction pointer.
func (c *Context64) IP() uintptr {
	return uintptr(c.Regs.Pc)
}

// SetIP sets the current instruction pointer.
func (c *Context64) SetIP(value uintptr) {
	c.Regs.Pc = uint64(value)
}

// Stack returns the current stack pointer.
func (c *Context64) Stack() uintptr {
	return uintptr(c.Regs.Regs[RegSP])
}

// String implements fmt.Stringer.String. It lists pc, sstatus and every
// nonzero general purpose register by ABI name.
func (c *Context64) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pc=%#x sstatus=%#x", c.Regs.Pc, c.Regs.Sstatus)
	for i, v := range c.Regs.Regs {
		if v != 0 {
			fmt.Fprintf(&b, " %s=%#x", RegisterName(i), v)
		}
	}
	return b.String()
}
