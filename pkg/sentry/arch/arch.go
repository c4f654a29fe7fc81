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

// Package arch describes the user-visible RISC-V machine state of a task and
// the Linux syscall calling convention on top of it.
package arch

import (
	"fmt"

	"gvisor.dev/rvsentry/pkg/hostarch"
)

// Arch identifies an architecture. Only RISCV64 exists.
type Arch int

// RISCV64 is RV64 with the Linux syscall ABI.
const RISCV64 Arch = 0

// String implements fmt.Stringer.
func (a Arch) String() string {
	if a == RISCV64 {
		return "riscv64"
	}
	return fmt.Sprintf("Arch(%d)", a)
}

// Context is the saved user state of a task, as seen by syscall handling.
type Context interface {
	Arch() Arch

	// SyscallNo and SyscallArgs decode the request raised by ecall.
	SyscallNo() uintptr
	SyscallArgs() SyscallArguments

	// SetReturn stores a syscall result, or a negated errno.
	SetReturn(value uintptr)

	IP() uintptr
	SetIP(value uintptr)
	Stack() uintptr
}

// SyscallArgument is one raw argument register. The accessors are named
// after the C type the handler expects and truncate or extend accordingly.
type SyscallArgument struct {
	Value uintptr
}

// SyscallArguments holds a0 through a5.
type SyscallArguments [6]SyscallArgument

// Pointer returns the argument as a user address.
func (a SyscallArgument) Pointer() hostarch.Addr { return hostarch.Addr(a.Value) }

// Int returns the low 32 bits as an int.
func (a SyscallArgument) Int() int32 { return int32(a.Value) }

// Uint returns the low 32 bits as an unsigned int.
func (a SyscallArgument) Uint() uint32 { return uint32(a.Value) }

// Int64 returns the argument as a long.
func (a SyscallArgument) Int64() int64 { return int64(a.Value) }

// SizeT returns the argument as a size_t.
func (a SyscallArgument) SizeT() uint { return uint(a.Value) }

// SyscallRequest is a decoded system call.
type SyscallRequest struct {
	Sysno uintptr
	Args  SyscallArguments
}

// DecodeSyscall extracts the request raised by ecall from c.
func DecodeSyscall(c Context) SyscallRequest {
	return SyscallRequest{Sysno: c.SyscallNo(), Args: c.SyscallArgs()}
}

// String implements fmt.Stringer.String.
func (r SyscallRequest) String() string {
	a := r.Args
	return fmt.Sprintf("%d(%#x, %#x, %#x, %#x, %#x, %#x)", r.Sysno,
		a[0].Value, a[1].Value, a[2].Value, a[3].Value, a[4].Value, a[5].Value)
}
