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

package strace

import (
	"gvisor.dev/rvsentry/pkg/abi/linux"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
)

// FormatSpecifier values describe how an individual syscall argument should be
// formatted.
type FormatSpecifier int

// Valid FormatSpecifiers.
//
// Unless otherwise specified, values are formatted before syscall execution
// and not updated after syscall execution (the same value is output).
const (
	// Hex is just a hexadecimal number.
	Hex FormatSpecifier = iota

	// Int is a signed decimal number.
	Int

	// FD is a file descriptor.
	FD

	// WriteBuffer is a buffer for a write-style call. The following arg is
	// used for the length.
	//
	// Contents omitted after syscall execution.
	WriteBuffer
)

// defaultFormat is the syscall argument format to use if the actual format is
// not known. It formats all six arguments as hex.
var defaultFormat = []FormatSpecifier{Hex, Hex, Hex, Hex, Hex, Hex}

// SyscallInfo captures the name and printing format of a syscall.
type SyscallInfo struct {
	// name is the name of the syscall.
	name string

	// format contains the format specifiers for each argument.
	//
	// Syscall calls can have up to six arguments. Arguments without a
	// corresponding entry in format will not be printed.
	format []FormatSpecifier
}

// makeSyscallInfo returns a SyscallInfo for a syscall.
func makeSyscallInfo(name string, f ...FormatSpecifier) SyscallInfo {
	return SyscallInfo{name: name, format: f}
}

// Name returns the name of the syscall.
func (i SyscallInfo) Name() string {
	return i.name
}

// SyscallMap maps syscalls into names and printing formats.
type SyscallMap map[uintptr]SyscallInfo

// linuxRISCV64 maps the riscv64 syscall numbers to their formats.
var linuxRISCV64 = SyscallMap{
	linux.SYS_WRITE:       makeSyscallInfo("write", FD, WriteBuffer, Hex),
	linux.SYS_EXIT:        makeSyscallInfo("exit", Int),
	linux.SYS_EXIT_GROUP:  makeSyscallInfo("exit_group", Int),
	linux.SYS_SCHED_YIELD: makeSyscallInfo("sched_yield"),
	linux.SYS_GETPID:      makeSyscallInfo("getpid"),
	linux.SYS_GETTID:      makeSyscallInfo("gettid"),
}

// syscallTables contains all syscall tables.
var syscallTables = map[arch.Arch]SyscallMap{
	arch.RISCV64: linuxRISCV64,
}

// Lookup returns the SyscallMap for the Arch. The returned map must not be
// changed.
func Lookup(a arch.Arch) (SyscallMap, bool) {
	m, ok := syscallTables[a]
	return m, ok
}
