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
	"sort"
	"sync"

	"gvisor.dev/rvsentry/pkg/sentry/arch"
)

// SyscallSupportLevel is a syscall support levels.
type SyscallSupportLevel int

// String returns a human readable representation of the support level.
func (l SyscallSupportLevel) String() string {
	switch l {
	case SupportUnimplemented:
		return "Unimplemented"
	case SupportPartial:
		return "Partial Support"
	case SupportFull:
		return "Full Support"
	default:
		return "Undocumented"
	}
}

const (
	// SupportUndocumented indicates the syscall is not documented.
	SupportUndocumented SyscallSupportLevel = iota

	// SupportUnimplemented indicates the syscall is unimplemented.
	SupportUnimplemented

	// SupportPartial indicates the syscall is partially supported.
	SupportPartial

	// SupportFull indicates the syscall is fully supported.
	SupportFull
)

// Syscall includes the syscall implementation and compatibility information.
type Syscall struct {
	// Name is the syscall name.
	Name string

	// Fn is the implementation of the syscall.
	Fn SyscallFn

	// SupportLevel is the level of support implemented.
	SupportLevel SyscallSupportLevel

	// Note describes the compatibility of the syscall.
	Note string

	// URLs is set of URLs to any relevant bugs or issues.
	URLs []string
}

// SyscallFn is a syscall implementation.
type SyscallFn func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, *SyscallControl, error)

// MissingFn is a syscall to be called when an implementation is missing.
type MissingFn func(t *Task, sysno uintptr, args arch.SyscallArguments) (uintptr, error)

// SyscallControl is returned by syscalls to control the behavior of
// (*Task).doSyscall.
type SyscallControl struct {
	// exit terminates the task with the status set by PrepareExit. The
	// task never returns to user mode.
	exit bool

	// yield gives up the core once the return value has been written.
	yield bool
}

var (
	// CtrlDoExit is returned by the implementations of the exit and
	// exit_group syscalls.
	CtrlDoExit = &SyscallControl{exit: true}

	// CtrlYield is returned by syscalls that give up the core.
	CtrlYield = &SyscallControl{yield: true}
)

// Stracer traces syscall execution.
type Stracer interface {
	// SyscallEnter is called on syscall entry.
	//
	// The returned private data is passed to SyscallExit.
	SyscallEnter(t *Task, sysno uintptr, args arch.SyscallArguments) any

	// SyscallExit is called on syscall exit. An exiting syscall is never
	// reported here.
	SyscallExit(context any, t *Task, sysno, rval uintptr, err error)
}

// SyscallTable is a lookup table of system calls.
type SyscallTable struct {
	// Arch is the architecture that this syscall table targets.
	Arch arch.Arch

	// Table is the collection of functions.
	Table map[uintptr]Syscall

	// Missing is the function to call when there is no implementation in
	// Table.
	Missing MissingFn
}

// allSyscallTables contains all known tables.
var (
	allSyscallTablesMu sync.Mutex
	allSyscallTables   []*SyscallTable
)

// SyscallTables returns a read-only slice of registered SyscallTables.
func SyscallTables() []*SyscallTable {
	allSyscallTablesMu.Lock()
	defer allSyscallTablesMu.Unlock()
	return append([]*SyscallTable(nil), allSyscallTables...)
}

// LookupSyscallTable returns the syscall table for the architecture.
func LookupSyscallTable(a arch.Arch) (*SyscallTable, bool) {
	allSyscallTablesMu.Lock()
	defer allSyscallTablesMu.Unlock()
	for _, s := range allSyscallTables {
		if s.Arch == a {
			return s, true
		}
	}
	return nil, false
}

// RegisterSyscallTable registers a new syscall table for use by a Kernel. It
// panics if a table for the same architecture is already registered.
func RegisterSyscallTable(s *SyscallTable) {
	if s.Missing == nil {
		panic(fmt.Sprintf("syscall table for %v has no Missing function", s.Arch))
	}
	allSyscallTablesMu.Lock()
	defer allSyscallTablesMu.Unlock()
	for _, t := range allSyscallTables {
		if t.Arch == s.Arch {
			panic(fmt.Sprintf("duplicate SyscallTable registered for %v", s.Arch))
		}
	}
	allSyscallTables = append(allSyscallTables, s)
}

// Lookup returns the syscall implementation, if one exists.
func (s *SyscallTable) Lookup(sysno uintptr) SyscallFn {
	if sc, ok := s.Table[sysno]; ok {
		return sc.Fn
	}
	return nil
}

// LookupName looks up a syscall name.
func (s *SyscallTable) LookupName(sysno uintptr) string {
	if sc, ok := s.Table[sysno]; ok {
		return sc.Name
	}
	return fmt.Sprintf("sys_%d", sysno)
}

// LookupNo looks up a syscall number by name.
func (s *SyscallTable) LookupNo(name string) (uintptr, error) {
	for i, sc := range s.Table {
		if sc.Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("syscall %q not found", name)
}

// Numbers returns the syscall numbers in Table in ascending order.
func (s *SyscallTable) Numbers() []uintptr {
	nums := make([]uintptr, 0, len(s.Table))
	for n := range s.Table {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}
