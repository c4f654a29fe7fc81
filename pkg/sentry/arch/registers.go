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

	"gvisor.dev/rvsentry/pkg/hostarch"
)

// NumRegs is the number of integer registers, x0 through x31.
const NumRegs = 32

// Integer register numbers with a fixed role in the ABI.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegGP   = 3
	RegTP   = 4
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA7   = 17
)

// sstatus bits that the kernel manipulates.
const (
	// SstatusSIE enables supervisor interrupts.
	SstatusSIE = 1 << 1

	// SstatusSPIE holds SIE as it was before the last trap.
	SstatusSPIE = 1 << 5

	// SstatusSPP is the privilege the hart came from: set for supervisor,
	// clear for user. sret returns to it.
	SstatusSPP = 1 << 8
)

// regNames are the ABI names of x0..x31.
var regNames = [NumRegs]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

// RegisterName returns the ABI name of register x<i>.
func RegisterName(i int) string {
	if i < 0 || i >= NumRegs {
		return fmt.Sprintf("x%d", i)
	}
	return regNames[i]
}

// Registers is the saved register state of a hart, laid out as the trap
// frame: Regs[0..31], then Pc, then Sstatus, each a little-endian uint64.
//
// Regs[0] is always saved and restored as zero.
type Registers struct {
	Regs    [NumRegs]uint64
	Pc      uint64
	Sstatus uint64
}

// registersSize is the size of the trap frame.
const registersSize = (NumRegs + 2) * 8

// SizeBytes returns the size of the serialized Registers.
func (r *Registers) SizeBytes() int {
	return registersSize
}

// MarshalBytes serializes r into dst and returns the remainder of dst.
func (r *Registers) MarshalBytes(dst []byte) []byte {
	for _, v := range r.Regs {
		hostarch.ByteOrder.PutUint64(dst[:8], v)
		dst = dst[8:]
	}
	hostarch.ByteOrder.PutUint64(dst[:8], r.Pc)
	dst = dst[8:]
	hostarch.ByteOrder.PutUint64(dst[:8], r.Sstatus)
	return dst[8:]
}

// UnmarshalBytes deserializes r from src and returns the remainder of src.
func (r *Registers) UnmarshalBytes(src []byte) []byte {
	for i := range r.Regs {
		r.Regs[i] = hostarch.ByteOrder.Uint64(src[:8])
		src = src[8:]
	}
	r.Pc = hostarch.ByteOrder.Uint64(src[:8])
	src = src[8:]
	r.Sstatus = hostarch.ByteOrder.Uint64(src[:8])
	return src[8:]
}
