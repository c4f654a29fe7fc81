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

// Package rvasm assembles RV64I programs. It emits the 32-bit encodings of
// the base integer instruction set and resolves branch and jump labels.
package rvasm

import (
	"fmt"
	"math/bits"

	"gvisor.dev/rvsentry/pkg/hostarch"
)

// Reg is an integer register.
type Reg uint8

// Registers by ABI name.
const (
	Zero Reg = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

// String returns the register's ABI name.
func (r Reg) String() string {
	names := [...]string{
		"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
		"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
		"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
		"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
	}
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("x%d", r)
}

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

// Fixed encodings.
const (
	ECALLInst  uint32 = 0x00000073
	EBREAKInst uint32 = 0x00100073
	FENCEInst  uint32 = 0x0ff0000f
	NOPInst    uint32 = 0x00000013
)

// RType encodes a register-register instruction.
func RType(opcode, funct3, funct7 uint32, rd, rs1, rs2 Reg) uint32 {
	return funct7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | opcode
}

// IType encodes an instruction with a 12-bit immediate.
func IType(opcode, funct3 uint32, rd, rs1 Reg, imm int32) uint32 {
	return uint32(imm)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | opcode
}

// SType encodes a store.
func SType(funct3 uint32, rs1, rs2 Reg, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | (u&0x1f)<<7 | opStore
}

// BType encodes a conditional branch with a byte offset.
func BType(funct3 uint32, rs1, rs2 Reg, offset int32) uint32 {
	u := uint32(offset)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | opBranch
}

// UType encodes LUI or AUIPC. imm is the upper 20 bits.
func UType(opcode uint32, rd Reg, imm int32) uint32 {
	return uint32(imm)<<12 | uint32(rd)<<7 | opcode
}

// JType encodes JAL with a byte offset.
func JType(rd Reg, offset int32) uint32 {
	u := uint32(offset)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | uint32(rd)<<7 | opJAL
}

// fitsSigned returns true if v fits in an n-bit two's complement field.
func fitsSigned(v int64, n uint) bool {
	return v >= -(1<<(n-1)) && v < 1<<(n-1)
}

// ProgramBuilder assists with building a program with branch and jump
// labels that are resolved to their proper offsets.
type ProgramBuilder struct {
	// Maps label names to label objects.
	labels map[string]*label

	// Array of instructions that makes up the program.
	instructions []uint32

	// err is the first encoding error.
	err error
}

// NewProgramBuilder creates a new ProgramBuilder instance.
func NewProgramBuilder() *ProgramBuilder {
	return &ProgramBuilder{labels: map[string]*label{}}
}

// label contains information to resolve a label to an offset.
type label struct {
	// List of locations that reference the label in the program.
	sources []source

	// Program line when the label is located, or -1.
	target int
}

type jmpType int

const (
	jBranch jmpType = iota
	jJAL
)

// source contains information about a single reference to a label.
type source struct {
	// Program line where the label reference is present.
	line int
	jt   jmpType
}

func (b *ProgramBuilder) label(name string) *label {
	l, ok := b.labels[name]
	if !ok {
		l = &label{target: -1}
		b.labels[name] = l
	}
	return l
}

func (b *ProgramBuilder) setErr(err error) {
	if b.err == nil {
		b.err = fmt.Errorf("instruction %d: %w", len(b.instructions), err)
	}
}

// Emit appends a raw instruction.
func (b *ProgramBuilder) Emit(inst uint32) {
	b.instructions = append(b.instructions, inst)
}

// AddLabel sets the given label name at the current location. Labels may be
// referenced before or after they are placed.
func (b *ProgramBuilder) AddLabel(name string) error {
	l := b.label(name)
	if l.target != -1 {
		return fmt.Errorf("label %q target already set: %v", name, l.target)
	}
	l.target = len(b.instructions)
	return nil
}

// Instructions returns the program with all labels resolved.
//
// N.B. Partial results will be returned in the error case, which is useful for debugging.
func (b *ProgramBuilder) Instructions() ([]uint32, error) {
	if b.err != nil {
		return b.instructions, b.err
	}
	if err := b.resolveLabels(); err != nil {
		return b.instructions, err
	}
	return b.instructions, nil
}

// Bytes returns the resolved program in memory order.
func (b *ProgramBuilder) Bytes() ([]byte, error) {
	insts, err := b.Instructions()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(insts)*hostarch.InstructionSize)
	for _, inst := range insts {
		out = hostarch.ByteOrder.AppendUint32(out, inst)
	}
	return out, nil
}

func (b *ProgramBuilder) addLabelSource(name string, t jmpType) {
	l := b.label(name)
	l.sources = append(l.sources, source{line: len(b.instructions), jt: t})
}

func (b *ProgramBuilder) resolveLabels() error {
	for key, v := range b.labels {
		if v.target == -1 {
			return fmt.Errorf("label target not set: %v", key)
		}
		for _, s := range v.sources {
			inst := b.instructions[s.line]
			offset := int64(v.target-s.line) * hostarch.InstructionSize
			switch s.jt {
			case jBranch:
				if !fitsSigned(offset, 13) {
					return fmt.Errorf("branch offset to label %q is too large: %d, lineno: %v", key, offset, s.line)
				}
				inst |= BType(0, 0, 0, int32(offset)) &^ opBranch
			case jJAL:
				if !fitsSigned(offset, 21) {
					return fmt.Errorf("jump offset to label %q is too large: %d, lineno: %v", key, offset, s.line)
				}
				inst |= JType(0, int32(offset)) &^ opJAL
			}
			b.instructions[s.line] = inst
		}
		v.sources = nil
	}
	return nil
}

func (b *ProgramBuilder) imm12(imm int64) int32 {
	if !fitsSigned(imm, 12) {
		b.setErr(fmt.Errorf("immediate %d does not fit in 12 bits", imm))
	}
	return int32(imm) & 0xfff
}

func (b *ProgramBuilder) itype(opcode, funct3 uint32, rd, rs1 Reg, imm int64) {
	b.Emit(IType(opcode, funct3, rd, rs1, b.imm12(imm)))
}

func (b *ProgramBuilder) shift(opcode, funct3, high uint32, rd, rs1 Reg, shamt uint, max uint) {
	if shamt >= max {
		b.setErr(fmt.Errorf("shift amount %d out of range", shamt))
	}
	b.Emit(IType(opcode, funct3, rd, rs1, int32(high<<6|uint32(shamt)&0x3f)))
}

// LUI loads imm<<12 into rd. imm is a 20-bit value.
func (b *ProgramBuilder) LUI(rd Reg, imm int32) {
	b.Emit(UType(opLUI, rd, imm&0xfffff))
}

// AUIPC adds imm<<12 to pc and stores it in rd.
func (b *ProgramBuilder) AUIPC(rd Reg, imm int32) {
	b.Emit(UType(opAUIPC, rd, imm&0xfffff))
}

// JAL jumps to label, linking in rd.
func (b *ProgramBuilder) JAL(rd Reg, labelName string) {
	b.addLabelSource(labelName, jJAL)
	b.Emit(JType(rd, 0))
}

// J jumps to label.
func (b *ProgramBuilder) J(labelName string) {
	b.JAL(Zero, labelName)
}

// JALR jumps to rs1+imm, linking in rd.
func (b *ProgramBuilder) JALR(rd, rs1 Reg, imm int64) {
	b.itype(opJALR, 0, rd, rs1, imm)
}

// RET returns through ra.
func (b *ProgramBuilder) RET() {
	b.JALR(Zero, RA, 0)
}

func (b *ProgramBuilder) branch(funct3 uint32, rs1, rs2 Reg, labelName string) {
	b.addLabelSource(labelName, jBranch)
	b.Emit(BType(funct3, rs1, rs2, 0))
}

// BEQ branches to label if rs1 == rs2.
func (b *ProgramBuilder) BEQ(rs1, rs2 Reg, labelName string) { b.branch(0, rs1, rs2, labelName) }

// BNE branches to label if rs1 != rs2.
func (b *ProgramBuilder) BNE(rs1, rs2 Reg, labelName string) { b.branch(1, rs1, rs2, labelName) }

// BLT branches to label if rs1 < rs2, signed.
func (b *ProgramBuilder) BLT(rs1, rs2 Reg, labelName string) { b.branch(4, rs1, rs2, labelName) }

// BGE branches to label if rs1 >= rs2, signed.
func (b *ProgramBuilder) BGE(rs1, rs2 Reg, labelName string) { b.branch(5, rs1, rs2, labelName) }

// BLTU branches to label if rs1 < rs2, unsigned.
func (b *ProgramBuilder) BLTU(rs1, rs2 Reg, labelName string) { b.branch(6, rs1, rs2, labelName) }

// BGEU branches to label if rs1 >= rs2, unsigned.
func (b *ProgramBuilder) BGEU(rs1, rs2 Reg, labelName string) { b.branch(7, rs1, rs2, labelName) }

// Loads, in assembler operand order: rd, offset(rs1).
func (b *ProgramBuilder) LB(rd Reg, off int64, rs1 Reg)  { b.itype(opLoad, 0, rd, rs1, off) }
func (b *ProgramBuilder) LH(rd Reg, off int64, rs1 Reg)  { b.itype(opLoad, 1, rd, rs1, off) }
func (b *ProgramBuilder) LW(rd Reg, off int64, rs1 Reg)  { b.itype(opLoad, 2, rd, rs1, off) }
func (b *ProgramBuilder) LD(rd Reg, off int64, rs1 Reg)  { b.itype(opLoad, 3, rd, rs1, off) }
func (b *ProgramBuilder) LBU(rd Reg, off int64, rs1 Reg) { b.itype(opLoad, 4, rd, rs1, off) }
func (b *ProgramBuilder) LHU(rd Reg, off int64, rs1 Reg) { b.itype(opLoad, 5, rd, rs1, off) }
func (b *ProgramBuilder) LWU(rd Reg, off int64, rs1 Reg) { b.itype(opLoad, 6, rd, rs1, off) }

func (b *ProgramBuilder) store(funct3 uint32, rs2 Reg, off int64, rs1 Reg) {
	b.Emit(SType(funct3, rs1, rs2, b.imm12(off)))
}

// Stores, in assembler operand order: rs2, offset(rs1).
func (b *ProgramBuilder) SB(rs2 Reg, off int64, rs1 Reg) { b.store(0, rs2, off, rs1) }
func (b *ProgramBuilder) SH(rs2 Reg, off int64, rs1 Reg) { b.store(1, rs2, off, rs1) }
func (b *ProgramBuilder) SW(rs2 Reg, off int64, rs1 Reg) { b.store(2, rs2, off, rs1) }
func (b *ProgramBuilder) SD(rs2 Reg, off int64, rs1 Reg) { b.store(3, rs2, off, rs1) }

// Register-immediate operations.
func (b *ProgramBuilder) ADDI(rd, rs1 Reg, imm int64)  { b.itype(opImm, 0, rd, rs1, imm) }
func (b *ProgramBuilder) SLTI(rd, rs1 Reg, imm int64)  { b.itype(opImm, 2, rd, rs1, imm) }
func (b *ProgramBuilder) SLTIU(rd, rs1 Reg, imm int64) { b.itype(opImm, 3, rd, rs1, imm) }
func (b *ProgramBuilder) XORI(rd, rs1 Reg, imm int64)  { b.itype(opImm, 4, rd, rs1, imm) }
func (b *ProgramBuilder) ORI(rd, rs1 Reg, imm int64)   { b.itype(opImm, 6, rd, rs1, imm) }
func (b *ProgramBuilder) ANDI(rd, rs1 Reg, imm int64)  { b.itype(opImm, 7, rd, rs1, imm) }
func (b *ProgramBuilder) ADDIW(rd, rs1 Reg, imm int64) { b.itype(opImm32, 0, rd, rs1, imm) }

// Shifts by an immediate amount.
func (b *ProgramBuilder) SLLI(rd, rs1 Reg, shamt uint) { b.shift(opImm, 1, 0x00, rd, rs1, shamt, 64) }
func (b *ProgramBuilder) SRLI(rd, rs1 Reg, shamt uint) { b.shift(opImm, 5, 0x00, rd, rs1, shamt, 64) }
func (b *ProgramBuilder) SRAI(rd, rs1 Reg, shamt uint) { b.shift(opImm, 5, 0x10, rd, rs1, shamt, 64) }
func (b *ProgramBuilder) SLLIW(rd, rs1 Reg, shamt uint) {
	b.shift(opImm32, 1, 0x00, rd, rs1, shamt, 32)
}
func (b *ProgramBuilder) SRLIW(rd, rs1 Reg, shamt uint) {
	b.shift(opImm32, 5, 0x00, rd, rs1, shamt, 32)
}
func (b *ProgramBuilder) SRAIW(rd, rs1 Reg, shamt uint) {
	b.shift(opImm32, 5, 0x10, rd, rs1, shamt, 32)
}

// Register-register operations.
func (b *ProgramBuilder) ADD(rd, rs1, rs2 Reg)  { b.Emit(RType(opReg, 0, 0x00, rd, rs1, rs2)) }
func (b *ProgramBuilder) SUB(rd, rs1, rs2 Reg)  { b.Emit(RType(opReg, 0, 0x20, rd, rs1, rs2)) }
func (b *ProgramBuilder) SLL(rd, rs1, rs2 Reg)  { b.Emit(RType(opReg, 1, 0x00, rd, rs1, rs2)) }
func (b *ProgramBuilder) SLT(rd, rs1, rs2 Reg)  { b.Emit(RType(opReg, 2, 0x00, rd, rs1, rs2)) }
func (b *ProgramBuilder) SLTU(rd, rs1, rs2 Reg) { b.Emit(RType(opReg, 3, 0x00, rd, rs1, rs2)) }
func (b *ProgramBuilder) XOR(rd, rs1, rs2 Reg)  { b.Emit(RType(opReg, 4, 0x00, rd, rs1, rs2)) }
func (b *ProgramBuilder) SRL(rd, rs1, rs2 Reg)  { b.Emit(RType(opReg, 5, 0x00, rd, rs1, rs2)) }
func (b *ProgramBuilder) SRA(rd, rs1, rs2 Reg)  { b.Emit(RType(opReg, 5, 0x20, rd, rs1, rs2)) }
func (b *ProgramBuilder) OR(rd, rs1, rs2 Reg)   { b.Emit(RType(opReg, 6, 0x00, rd, rs1, rs2)) }
func (b *ProgramBuilder) AND(rd, rs1, rs2 Reg)  { b.Emit(RType(opReg, 7, 0x00, rd, rs1, rs2)) }
func (b *ProgramBuilder) ADDW(rd, rs1, rs2 Reg) { b.Emit(RType(opReg32, 0, 0x00, rd, rs1, rs2)) }
func (b *ProgramBuilder) SUBW(rd, rs1, rs2 Reg) { b.Emit(RType(opReg32, 0, 0x20, rd, rs1, rs2)) }
func (b *ProgramBuilder) SLLW(rd, rs1, rs2 Reg) { b.Emit(RType(opReg32, 1, 0x00, rd, rs1, rs2)) }
func (b *ProgramBuilder) SRLW(rd, rs1, rs2 Reg) { b.Emit(RType(opReg32, 5, 0x00, rd, rs1, rs2)) }
func (b *ProgramBuilder) SRAW(rd, rs1, rs2 Reg) { b.Emit(RType(opReg32, 5, 0x20, rd, rs1, rs2)) }

// FENCE orders memory accesses.
func (b *ProgramBuilder) FENCE() { b.Emit(FENCEInst) }

// ECALL raises an environment call.
func (b *ProgramBuilder) ECALL() { b.Emit(ECALLInst) }

// EBREAK raises a breakpoint.
func (b *ProgramBuilder) EBREAK() { b.Emit(EBREAKInst) }

// NOP does nothing.
func (b *ProgramBuilder) NOP() { b.Emit(NOPInst) }

// MV copies rs into rd.
func (b *ProgramBuilder) MV(rd, rs Reg) {
	b.ADDI(rd, rs, 0)
}

// LI loads the 64-bit constant v into rd using the shortest
// LUI/ADDI(W)/SLLI sequence.
func (b *ProgramBuilder) LI(rd Reg, v int64) {
	lo := v << 52 >> 52
	if fitsSigned(v, 32) {
		hi := (v - lo) >> 12
		if hi == 0 {
			b.ADDI(rd, Zero, lo)
			return
		}
		b.LUI(rd, int32(hi))
		if lo != 0 {
			b.ADDIW(rd, rd, lo)
		}
		return
	}
	hi := (v - lo) >> 12
	shift := uint(12 + bits.TrailingZeros64(uint64(hi)))
	b.LI(rd, hi>>(shift-12))
	b.SLLI(rd, rd, shift)
	if lo != 0 {
		b.ADDI(rd, rd, lo)
	}
}
