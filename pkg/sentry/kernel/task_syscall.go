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
	"runtime/debug"

	"gvisor.dev/rvsentry/pkg/errors/linuxerr"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
)

// doSyscall invokes the syscall raised by ecall, writes the result to a0 and
// steps over the ecall. It runs synchronously on the task goroutine.
//
// A syscall that returns CtrlDoExit terminates the task instead, and
// doSyscall never returns.
func (t *Task) doSyscall() {
	req := arch.DecodeSyscall(t.ctx)
	sysno, args := req.Sysno, req.Args

	var straceContext any
	if t.k.stracer != nil {
		straceContext = t.k.stracer.SyscallEnter(t, sysno, args)
	}

	rval, ctrl, err := t.executeSyscall(sysno, args)
	if ctrl != nil && ctrl.exit {
		t.exit("exit")
	}

	if t.k.stracer != nil {
		t.k.stracer.SyscallExit(straceContext, t, sysno, rval, err)
	}
	if err != nil {
		rval = uintptr(-int64(linuxerr.ToErrno(err)))
	}
	t.ctx.SetReturn(rval)
	t.ctx.SetIP(t.ctx.IP() + hostarch.InstructionSize)

	if ctrl != nil && ctrl.yield {
		t.Yield()
	}
}

// executeSyscall runs the handler for sysno. A handler that panics is
// reported as EFAULT: nothing a task passes in can bring the kernel down.
func (t *Task) executeSyscall(sysno uintptr, args arch.SyscallArguments) (rval uintptr, ctrl *SyscallControl, err error) {
	s := t.k.st
	defer func() {
		if r := recover(); r != nil {
			syscallCount.Increment("panic")
			log.Warningf("%v: syscall %s panicked: %v\n%s", t, s.LookupName(sysno), r, debug.Stack())
			rval, ctrl, err = 0, nil, linuxerr.EFAULT
		}
	}()

	fn := s.Lookup(sysno)
	if fn == nil {
		syscallCount.Increment("missing")
		log.Debugf("%v: unknown syscall %d", t, sysno)
		rval, err = s.Missing(t, sysno, args)
		return rval, nil, err
	}

	log.Debugf("%v: %s %v", t, s.LookupName(sysno), arch.SyscallRequest{Sysno: sysno, Args: args})
	rval, ctrl, err = fn(t, sysno, args)
	if err != nil {
		syscallCount.Increment("error")
	} else {
		syscallCount.Increment("success")
	}
	return rval, ctrl, err
}
