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

package ring0

import (
	"fmt"

	"gvisor.dev/rvsentry/pkg/hostarch"
)

// Vector is a trap cause as reported in scause.
type Vector uint64

// interruptBit is set in scause for asynchronous interrupts.
const interruptBit = Vector(1) << 63

// Exception causes.
const (
	InstructionMisaligned  Vector = 0
	InstructionAccessFault Vector = 1
	IllegalInstruction     Vector = 2
	Breakpoint             Vector = 3
	LoadMisaligned         Vector = 4
	LoadAccessFault        Vector = 5
	StoreMisaligned        Vector = 6
	StoreAccessFault       Vector = 7
	UserEnvCall            Vector = 8
	SupervisorEnvCall      Vector = 9
	InstructionPageFault   Vector = 12
	LoadPageFault          Vector = 13
	StorePageFault         Vector = 15
)

// Interrupt causes.
const (
	SupervisorSoftware = interruptBit | 1
	SupervisorTimer    = interruptBit | 5
	SupervisorExternal = interruptBit | 9
)

// IsInterrupt returns true for asynchronous causes.
func (v Vector) IsInterrupt() bool {
	return v&interruptBit != 0
}

// IsPageFault returns true for the three page fault causes.
func (v Vector) IsPageFault() bool {
	return v == InstructionPageFault || v == LoadPageFault || v == StorePageFault
}

// AccessType returns the access that raised a fault cause.
func (v Vector) AccessType() hostarch.AccessType {
	switch v {
	case InstructionMisaligned, InstructionAccessFault, InstructionPageFault:
		return hostarch.Execute
	case LoadMisaligned, LoadAccessFault, LoadPageFault:
		return hostarch.Read
	case StoreMisaligned, StoreAccessFault, StorePageFault:
		return hostarch.Write
	default:
		return hostarch.NoAccess
	}
}

var vectorNames = map[Vector]string{
	InstructionMisaligned:  "instruction_misaligned",
	InstructionAccessFault: "instruction_access_fault",
	IllegalInstruction:     "illegal_instruction",
	Breakpoint:             "breakpoint",
	LoadMisaligned:         "load_misaligned",
	LoadAccessFault:        "load_access_fault",
	StoreMisaligned:        "store_misaligned",
	StoreAccessFault:       "store_access_fault",
	UserEnvCall:            "user_ecall",
	SupervisorEnvCall:      "supervisor_ecall",
	InstructionPageFault:   "instruction_page_fault",
	LoadPageFault:          "load_page_fault",
	StorePageFault:         "store_page_fault",
	SupervisorSoftware:     "supervisor_software",
	SupervisorTimer:        "supervisor_timer",
	SupervisorExternal:     "supervisor_external",
}

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	if s, ok := vectorNames[v]; ok {
		return s
	}
	return fmt.Sprintf("Vector(%#x)", uint64(v))
}

// Mode is a privilege level of the hart.
type Mode uint8

const (
	// UserMode is U-mode.
	UserMode Mode = iota

	// SupervisorMode is S-mode.
	SupervisorMode
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case UserMode:
		return "user"
	case SupervisorMode:
		return "supervisor"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// satp fields.
const (
	satpModeSv39  = 8 << 60
	satpPPNMask   = 1<<44 - 1
	satpModeShift = 60
)

// makeSatp returns the satp value selecting Sv39 translation rooted at root.
func makeSatp(root hostarch.PhysAddr) uint64 {
	return satpModeSv39 | (uint64(root)>>hostarch.PageShift)&satpPPNMask
}

// satpRoot extracts the root table address from satp.
func satpRoot(satp uint64) (hostarch.PhysAddr, bool) {
	if satp>>satpModeShift != satpModeSv39>>satpModeShift {
		return 0, false
	}
	return hostarch.PhysAddr((satp & satpPPNMask) << hostarch.PageShift), true
}

// kernelStackBase is where kernel stacks are placed in the kernel half of
// the address space.
const kernelStackBase = 0xffff_ffc0_0000_0000
