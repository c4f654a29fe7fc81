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
	"gvisor.dev/rvsentry/pkg/hostarch"
)

// Major opcodes.
const (
	opLoad    = 0x03
	opMiscMem = 0x0f
	opImm     = 0x13
	opAUIPC   = 0x17
	opImm32   = 0x1b
	opStore   = 0x23
	opReg     = 0x33
	opLUI     = 0x37
	opReg32   = 0x3b
	opBranch  = 0x63
	opJALR    = 0x67
	opJAL     = 0x6f
	opSystem  = 0x73
)

// Fixed SYSTEM encodings.
const (
	instECALL  = 0x00000073
	instEBREAK = 0x00100073
)

// Instruction field accessors.
func rd(inst uint32) int      { return int(inst>>7) & 0x1f }
func rs1(inst uint32) int     { return int(inst>>15) & 0x1f }
func rs2(inst uint32) int     { return int(inst>>20) & 0x1f }
func funct3(inst uint32) int  { return int(inst>>12) & 0x7 }
func funct7(inst uint32) int  { return int(inst >> 25) }
func immI(inst uint32) uint64 { return uint64(int64(int32(inst) >> 20)) }
func immU(inst uint32) uint64 { return uint64(int64(int32(inst & 0xfffff000))) }

func immS(inst uint32) uint64 {
	return uint64(int64(int32(inst)>>25<<5) | int64((inst>>7)&0x1f))
}

func immB(inst uint32) uint64 {
	v := (inst>>31&1)<<12 | (inst>>7&1)<<11 | (inst>>25&0x3f)<<5 | (inst>>8&0xf)<<1
	return uint64(int64(int32(v<<19) >> 19))
}

func immJ(inst uint32) uint64 {
	v := (inst>>31&1)<<20 | (inst>>12&0xff)<<12 | (inst>>20&1)<<11 | (inst>>21&0x3ff)<<1
	return uint64(int64(int32(v<<11) >> 11))
}

func sext32(v uint64) uint64 {
	return uint64(int64(int32(v)))
}

func (c *CPU) reg(i int) uint64 {
	return c.regs[i]
}

func (c *CPU) setReg(i int, v uint64) {
	if i != 0 {
		c.regs[i] = v
	}
}

// step executes one instruction. It returns the trap to take, if any. When a
// trap is returned pc still names the trapping instruction, except for
// interrupts, where it names the next instruction to run.
func (c *CPU) step() (Vector, uint64, bool) {
	if c.mode == UserMode && c.quantum != 0 && c.ticks >= c.quantum {
		c.ticks = 0
		return SupervisorTimer, 0, true
	}
	inst, cause, ok := c.fetch()
	if !ok {
		return cause, c.pc, true
	}
	if cause, tval, trapped := c.execute(inst); trapped {
		return cause, tval, true
	}
	c.retired++
	if c.mode == UserMode {
		c.ticks++
	}
	return 0, 0, false
}

// execute runs inst and advances pc.
func (c *CPU) execute(inst uint32) (Vector, uint64, bool) {
	next := c.pc + hostarch.InstructionSize
	switch inst & 0x7f {
	case opLUI:
		c.setReg(rd(inst), immU(inst))

	case opAUIPC:
		c.setReg(rd(inst), c.pc+immU(inst))

	case opJAL:
		c.setReg(rd(inst), next)
		next = c.pc + immJ(inst)

	case opJALR:
		if funct3(inst) != 0 {
			return IllegalInstruction, uint64(inst), true
		}
		target := (c.reg(rs1(inst)) + immI(inst)) &^ 1
		c.setReg(rd(inst), next)
		next = target

	case opBranch:
		a, b := c.reg(rs1(inst)), c.reg(rs2(inst))
		var taken bool
		switch funct3(inst) {
		case 0:
			taken = a == b
		case 1:
			taken = a != b
		case 4:
			taken = int64(a) < int64(b)
		case 5:
			taken = int64(a) >= int64(b)
		case 6:
			taken = a < b
		case 7:
			taken = a >= b
		default:
			return IllegalInstruction, uint64(inst), true
		}
		if taken {
			next = c.pc + immB(inst)
		}

	case opLoad:
		addr := c.reg(rs1(inst)) + immI(inst)
		var (
			size   int
			signed bool
		)
		switch funct3(inst) {
		case 0:
			size, signed = 1, true
		case 1:
			size, signed = 2, true
		case 2:
			size, signed = 4, true
		case 3:
			size = 8
		case 4:
			size = 1
		case 5:
			size = 2
		case 6:
			size = 4
		default:
			return IllegalInstruction, uint64(inst), true
		}
		v, cause, ok := c.load(addr, size)
		if !ok {
			return cause, addr, true
		}
		if signed && size < 8 {
			shift := 64 - 8*uint(size)
			v = uint64(int64(v<<shift) >> shift)
		}
		c.setReg(rd(inst), v)

	case opStore:
		addr := c.reg(rs1(inst)) + immS(inst)
		if funct3(inst) > 3 {
			return IllegalInstruction, uint64(inst), true
		}
		if cause, ok := c.store(addr, 1<<funct3(inst), c.reg(rs2(inst))); !ok {
			return cause, addr, true
		}

	case opImm:
		a, imm := c.reg(rs1(inst)), immI(inst)
		shamt := uint(imm & 0x3f)
		var v uint64
		switch funct3(inst) {
		case 0:
			v = a + imm
		case 1:
			if imm>>6 != 0 {
				return IllegalInstruction, uint64(inst), true
			}
			v = a << shamt
		case 2:
			v = b2u(int64(a) < int64(imm))
		case 3:
			v = b2u(a < imm)
		case 4:
			v = a ^ imm
		case 5:
			switch (imm >> 6) & 0x3f {
			case 0x00:
				v = a >> shamt
			case 0x10:
				v = uint64(int64(a) >> shamt)
			default:
				return IllegalInstruction, uint64(inst), true
			}
		case 6:
			v = a | imm
		case 7:
			v = a & imm
		}
		c.setReg(rd(inst), v)

	case opImm32:
		a, imm := c.reg(rs1(inst)), immI(inst)
		shamt := uint(imm & 0x1f)
		var v uint64
		switch {
		case funct3(inst) == 0:
			v = sext32(a + imm)
		case funct3(inst) == 1 && funct7(inst) == 0:
			v = sext32(a << shamt)
		case funct3(inst) == 5 && funct7(inst) == 0:
			v = sext32(uint64(uint32(a) >> shamt))
		case funct3(inst) == 5 && funct7(inst) == 0x20:
			v = sext32(uint64(int32(a) >> shamt))
		default:
			return IllegalInstruction, uint64(inst), true
		}
		c.setReg(rd(inst), v)

	case opReg:
		a, b := c.reg(rs1(inst)), c.reg(rs2(inst))
		shamt := uint(b & 0x3f)
		var v uint64
		switch f3, f7 := funct3(inst), funct7(inst); {
		case f7 == 0 && f3 == 0:
			v = a + b
		case f7 == 0x20 && f3 == 0:
			v = a - b
		case f7 == 0 && f3 == 1:
			v = a << shamt
		case f7 == 0 && f3 == 2:
			v = b2u(int64(a) < int64(b))
		case f7 == 0 && f3 == 3:
			v = b2u(a < b)
		case f7 == 0 && f3 == 4:
			v = a ^ b
		case f7 == 0 && f3 == 5:
			v = a >> shamt
		case f7 == 0x20 && f3 == 5:
			v = uint64(int64(a) >> shamt)
		case f7 == 0 && f3 == 6:
			v = a | b
		case f7 == 0 && f3 == 7:
			v = a & b
		default:
			return IllegalInstruction, uint64(inst), true
		}
		c.setReg(rd(inst), v)

	case opReg32:
		a, b := c.reg(rs1(inst)), c.reg(rs2(inst))
		shamt := uint(b & 0x1f)
		var v uint64
		switch f3, f7 := funct3(inst), funct7(inst); {
		case f7 == 0 && f3 == 0:
			v = sext32(a + b)
		case f7 == 0x20 && f3 == 0:
			v = sext32(a - b)
		case f7 == 0 && f3 == 1:
			v = sext32(a << shamt)
		case f7 == 0 && f3 == 5:
			v = sext32(uint64(uint32(a) >> shamt))
		case f7 == 0x20 && f3 == 5:
			v = sext32(uint64(int32(a) >> shamt))
		default:
			return IllegalInstruction, uint64(inst), true
		}
		c.setReg(rd(inst), v)

	case opMiscMem:
		// FENCE and FENCE.I: a single hart observes its own accesses in
		// order.
		if funct3(inst) > 1 {
			return IllegalInstruction, uint64(inst), true
		}

	case opSystem:
		switch inst {
		case instECALL:
			if c.mode == UserMode {
				return UserEnvCall, 0, true
			}
			return SupervisorEnvCall, 0, true
		case instEBREAK:
			return Breakpoint, c.pc, true
		default:
			// CSR access and xRET are not available.
			return IllegalInstruction, uint64(inst), true
		}

	default:
		return IllegalInstruction, uint64(inst), true
	}
	c.pc = next
	return 0, 0, false
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
