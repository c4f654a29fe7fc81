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

package rvasm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodings(t *testing.T) {
	for _, tc := range []struct {
		name  string
		build func(b *ProgramBuilder)
		want  []uint32
	}{
		{"addi", func(b *ProgramBuilder) { b.ADDI(SP, SP, -8) }, []uint32{0xff810113}},
		{"li small", func(b *ProgramBuilder) { b.LI(A7, 93) }, []uint32{0x05d00893}},
		{"li 32-bit", func(b *ProgramBuilder) { b.LI(A0, 0x12345678) }, []uint32{0x12345537, 0x6785051b}},
		{"li max int32", func(b *ProgramBuilder) { b.LI(A0, 0x7fffffff) }, []uint32{0x80000537, 0xfff5051b}},
		{"lui", func(b *ProgramBuilder) { b.LUI(A0, 0x12345) }, []uint32{0x12345537}},
		{"sb", func(b *ProgramBuilder) { b.SB(S0, 0, SP) }, []uint32{0x00810023}},
		{"sd", func(b *ProgramBuilder) { b.SD(RA, 8, SP) }, []uint32{0x00113423}},
		{"ld", func(b *ProgramBuilder) { b.LD(RA, 8, SP) }, []uint32{0x00813083}},
		{"add", func(b *ProgramBuilder) { b.ADD(A0, A1, A2) }, []uint32{0x00c58533}},
		{"sub", func(b *ProgramBuilder) { b.SUB(A0, A1, A2) }, []uint32{0x40c58533}},
		{"srai", func(b *ProgramBuilder) { b.SRAI(A0, A0, 3) }, []uint32{0x40355513}},
		{"mv", func(b *ProgramBuilder) { b.MV(A1, SP) }, []uint32{0x00010593}},
		{"ret", func(b *ProgramBuilder) { b.RET() }, []uint32{0x00008067}},
		{"system", func(b *ProgramBuilder) { b.ECALL(); b.EBREAK(); b.FENCE(); b.NOP() }, []uint32{ECALLInst, EBREAKInst, FENCEInst, NOPInst}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := NewProgramBuilder()
			tc.build(b)
			got, err := b.Instructions()
			if err != nil {
				t.Fatalf("Instructions() failed: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Instructions() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLabels(t *testing.T) {
	b := NewProgramBuilder()
	b.BNE(A0, A2, "forward")
	b.NOP()
	if err := b.AddLabel("forward"); err != nil {
		t.Fatalf("AddLabel(forward) failed: %v", err)
	}
	b.J("forward")
	got, err := b.Instructions()
	if err != nil {
		t.Fatalf("Instructions() failed: %v", err)
	}
	want := []uint32{
		0x00c51463, // bne a0, a2, +8
		NOPInst,
		0x0000006f, // j .
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Instructions() mismatch (-want +got):\n%s", diff)
	}
}

func TestBackwardJump(t *testing.T) {
	b := NewProgramBuilder()
	if err := b.AddLabel("top"); err != nil {
		t.Fatalf("AddLabel(top) failed: %v", err)
	}
	b.NOP()
	b.J("top")
	got, err := b.Instructions()
	if err != nil {
		t.Fatalf("Instructions() failed: %v", err)
	}
	if got[1] != 0xffdff06f {
		t.Errorf("j top = %#08x, want %#08x", got[1], 0xffdff06f)
	}
}

func TestLabelErrors(t *testing.T) {
	b := NewProgramBuilder()
	if err := b.AddLabel("dup"); err != nil {
		t.Fatalf("AddLabel(dup) failed: %v", err)
	}
	if err := b.AddLabel("dup"); err == nil {
		t.Errorf("second AddLabel(dup) succeeded, want error")
	}

	b = NewProgramBuilder()
	b.BEQ(A0, A1, "nowhere")
	if _, err := b.Instructions(); err == nil {
		t.Errorf("Instructions() with unset label succeeded, want error")
	}

	b = NewProgramBuilder()
	b.BEQ(A0, A1, "far")
	for i := 0; i < 1100; i++ {
		b.NOP()
	}
	if err := b.AddLabel("far"); err != nil {
		t.Fatalf("AddLabel(far) failed: %v", err)
	}
	if _, err := b.Instructions(); err == nil {
		t.Errorf("Instructions() with out of range branch succeeded, want error")
	}
}

func TestImmediateRange(t *testing.T) {
	b := NewProgramBuilder()
	b.ADDI(A0, A0, 2048)
	if _, err := b.Instructions(); err == nil {
		t.Errorf("ADDI with 2048 succeeded, want error")
	}
	b = NewProgramBuilder()
	b.SLLI(A0, A0, 64)
	if _, err := b.Instructions(); err == nil {
		t.Errorf("SLLI by 64 succeeded, want error")
	}
}

func TestHelloWorld(t *testing.T) {
	prog := HelloWorld()
	if len(prog) == 0 || len(prog)%4 != 0 {
		t.Fatalf("HelloWorld() has %d bytes, want a non-empty multiple of 4", len(prog))
	}
	// First instruction reserves stack space.
	if got := uint32(prog[0]) | uint32(prog[1])<<8 | uint32(prog[2])<<16 | uint32(prog[3])<<24; got != 0xff810113 {
		t.Errorf("first instruction = %#08x, want addi sp, sp, -8", got)
	}
}

func TestRegString(t *testing.T) {
	for r, want := range map[Reg]string{Zero: "zero", SP: "sp", A7: "a7", T6: "t6", Reg(40): "x40"} {
		if got := r.String(); got != want {
			t.Errorf("Reg(%d).String() = %q, want %q", r, got, want)
		}
	}
}
