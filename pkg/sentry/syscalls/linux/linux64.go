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

// Package linux provides syscall tables for riscv64 Linux.
package linux

import (
	"gvisor.dev/rvsentry/pkg/abi/linux"
	"gvisor.dev/rvsentry/pkg/errors/linuxerr"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
	"gvisor.dev/rvsentry/pkg/sentry/kernel"
	"gvisor.dev/rvsentry/pkg/sentry/syscalls"
)

// RISCV64 is a table of Linux riscv64 syscall API with the corresponding
// syscall numbers from the generic syscall list.
var RISCV64 = &kernel.SyscallTable{
	Arch: arch.RISCV64,
	Table: map[uintptr]kernel.Syscall{
		linux.SYS_WRITE:       syscalls.PartiallySupported("write", Write, "Only standard output and standard error are open.", nil),
		linux.SYS_EXIT:        syscalls.Supported("exit", Exit),
		linux.SYS_EXIT_GROUP:  syscalls.Supported("exit_group", ExitGroup),
		linux.SYS_SCHED_YIELD: syscalls.Supported("sched_yield", SchedYield),
		linux.SYS_GETPID:      syscalls.Supported("getpid", Getpid),
		linux.SYS_GETTID:      syscalls.Supported("gettid", Gettid),
	},
	Missing: func(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, error) {
		return 0, linuxerr.ENOSYS
	},
}

func init() {
	kernel.RegisterSyscallTable(RISCV64)
}
