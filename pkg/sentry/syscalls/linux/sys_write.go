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

package linux

import (
	"io"

	"gvisor.dev/rvsentry/pkg/abi/linux"
	"gvisor.dev/rvsentry/pkg/errors/linuxerr"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
	"gvisor.dev/rvsentry/pkg/sentry/kernel"
)

// Write implements linux syscall write(2).
//
// Only the standard output and standard error descriptors exist. The whole
// buffer is validated against the task's address space before any of it is
// read.
func Write(t *kernel.Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *kernel.SyscallControl, error) {
	fd := args[0].Int()
	addr := args[1].Pointer()
	size := args[2].SizeT()

	var w io.Writer
	switch fd {
	case linux.STDOUT_FILENO:
		w = t.Stdout()
	case linux.STDERR_FILENO:
		w = t.Stderr()
	default:
		return 0, nil, linuxerr.EINVAL
	}

	if _, ok := t.MemoryManager().CheckIORange(addr, uint64(size)); !ok {
		return 0, nil, linuxerr.EFAULT
	}
	n, err := t.MemoryManager().WriteTo(w, addr, uint64(size))
	if err != nil {
		if _, ok := linuxerr.ToError(err); ok {
			return 0, nil, err
		}
		// The output channel failed.
		log.Warningf("%v: write to fd %d failed after %d bytes: %v", t, fd, n, err)
		if n > 0 {
			return uintptr(n), nil, nil
		}
		return 0, nil, linuxerr.EIO
	}
	return uintptr(n), nil, nil
}
