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

// Package strace implements the logic to print out the input and the return value
// of each traced syscall.
package strace

import (
	"fmt"
	"strings"
	"time"

	"gvisor.dev/rvsentry/pkg/errors/linuxerr"
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/log"
	"gvisor.dev/rvsentry/pkg/sentry/arch"
	"gvisor.dev/rvsentry/pkg/sentry/kernel"
)

// DefaultLogMaximumSize is the default LogMaximumSize.
const DefaultLogMaximumSize = 1024

// LogMaximumSize determines the maximum display size for data blobs (read,
// write, etc.).
var LogMaximumSize uint = DefaultLogMaximumSize

// Tracer logs syscall entry and exit through pkg/log at Info level.
type Tracer struct {
	syscalls SyscallMap

	// only, if not nil, is the set of syscall numbers that are traced.
	only map[uintptr]struct{}
}

var _ kernel.Stracer = (*Tracer)(nil)

// New returns a Tracer for a. If names is not empty only the named syscalls
// are traced.
func New(a arch.Arch, names []string) (*Tracer, error) {
	m, ok := Lookup(a)
	if !ok {
		return nil, fmt.Errorf("no syscall formats for %v", a)
	}
	t := &Tracer{syscalls: m}
	if len(names) == 0 {
		return t, nil
	}
	t.only = make(map[uintptr]struct{})
	for _, name := range names {
		sysno, ok := m.ConvertToSysno(name)
		if !ok {
			return nil, fmt.Errorf("syscall %q not found", name)
		}
		t.only[sysno] = struct{}{}
	}
	return t, nil
}

// ConvertToSysno converts the name to system call number. Returns false if
// name is not found.
func (s SyscallMap) ConvertToSysno(syscall string) (uintptr, bool) {
	for sysno, info := range s {
		if info.name == syscall {
			return sysno, true
		}
	}
	return 0, false
}

// Name returns the syscall name.
func (s SyscallMap) Name(sysno uintptr) string {
	if info, ok := s[sysno]; ok {
		return info.name
	}
	return fmt.Sprintf("sys_%d", sysno)
}

func (t *Tracer) traced(sysno uintptr) bool {
	if t.only == nil {
		return true
	}
	_, ok := t.only[sysno]
	return ok
}

func (t *Tracer) info(sysno uintptr) SyscallInfo {
	if info, ok := t.syscalls[sysno]; ok {
		return info
	}
	return SyscallInfo{name: t.syscalls.Name(sysno), format: defaultFormat}
}

// syscallContext is passed from SyscallEnter to SyscallExit.
type syscallContext struct {
	info   SyscallInfo
	args   string
	start  time.Time
	traced bool
}

// SyscallEnter implements kernel.Stracer.SyscallEnter.
func (t *Tracer) SyscallEnter(task *kernel.Task, sysno uintptr, args arch.SyscallArguments) any {
	if !t.traced(sysno) {
		return &syscallContext{}
	}
	info := t.info(sysno)
	c := &syscallContext{
		info:   info,
		args:   strings.Join(info.pre(task, args, LogMaximumSize), ", "),
		start:  time.Now(),
		traced: true,
	}
	log.Infof("%s E %s(%s)", task, info.name, c.args)
	return c
}

// SyscallExit implements kernel.Stracer.SyscallExit.
func (t *Tracer) SyscallExit(context any, task *kernel.Task, sysno, rval uintptr, err error) {
	c := context.(*syscallContext)
	if !c.traced {
		return
	}
	elapsed := time.Since(c.start)
	if err != nil {
		log.Infof("%s X %s(%s) = %d (%#x) errno=%d (%v) (%v)", task, c.info.name, c.args, int64(rval), rval, linuxerr.ToErrno(err), err, elapsed)
		return
	}
	log.Infof("%s X %s(%s) = %d (%#x) (%v)", task, c.info.name, c.args, int64(rval), rval, elapsed)
}

// pre formats the arguments before the syscall runs.
func (i SyscallInfo) pre(t *kernel.Task, args arch.SyscallArguments, maximumBlobSize uint) []string {
	var output []string
	for arg := range args {
		if arg >= len(i.format) {
			break
		}
		switch i.format[arg] {
		case Int:
			output = append(output, fmt.Sprintf("%d", args[arg].Int()))
		case FD:
			output = append(output, fd(args[arg].Int()))
		case WriteBuffer:
			if arg+1 >= len(args) {
				output = append(output, fmt.Sprintf("%#x", args[arg].Value))
				continue
			}
			output = append(output, dump(t, args[arg].Pointer(), args[arg+1].SizeT(), maximumBlobSize))
		default:
			output = append(output, fmt.Sprintf("%#x", args[arg].Value))
		}
	}
	return output
}

func fd(fd int32) string {
	switch fd {
	case 1:
		return "1 (stdout)"
	case 2:
		return "2 (stderr)"
	default:
		return fmt.Sprintf("%d (bad FD)", fd)
	}
}

// dump reads the user buffer at addr. Only the range is checked; a buffer
// that is not mapped yet is not faulted in.
func dump(t *kernel.Task, addr hostarch.Addr, size uint, maximumBlobSize uint) string {
	origSize := size
	if size > maximumBlobSize {
		size = maximumBlobSize
	}
	if size == 0 {
		return fmt.Sprintf("%#x \"\"", uint64(addr))
	}
	b, err := t.MemoryManager().Peek(addr, uint64(size))
	if err != nil {
		return fmt.Sprintf("%#x (error decoding string: %v)", uint64(addr), err)
	}
	dot := ""
	if uint(len(b)) < origSize {
		dot = "..."
	}
	return fmt.Sprintf("%#x %q%s", uint64(addr), b, dot)
}
