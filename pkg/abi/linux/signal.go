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

// Package linux contains the constants and types needed to interface with a
// Linux-like RISC-V user program.
package linux

import "fmt"

// Signal is a signal number.
type Signal int

// Signals that the trap path uses when it kills a task.
const (
	SIGILL  = Signal(4)
	SIGTRAP = Signal(5)
	SIGBUS  = Signal(7)
	SIGKILL = Signal(9)
	SIGSEGV = Signal(11)
)

// String implements fmt.Stringer.
func (s Signal) String() string {
	switch s {
	case SIGILL:
		return "SIGILL"
	case SIGTRAP:
		return "SIGTRAP"
	case SIGBUS:
		return "SIGBUS"
	case SIGKILL:
		return "SIGKILL"
	case SIGSEGV:
		return "SIGSEGV"
	}
	return fmt.Sprintf("signal %d", int(s))
}

// ExitCode is the status a shell reports for a task killed by s.
func (s Signal) ExitCode() int32 {
	return 128 + int32(s)
}
