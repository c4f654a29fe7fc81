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

// Syscall numbers used by the built-in programs.
const (
	sysWrite = 64
	sysExit  = 93
)

// HelloWorld returns a program that builds "hello\n" on its stack, writes it
// to stdout and exits 0. If the write returns fewer bytes than requested the
// program exits -1.
func HelloWorld() []byte {
	const msg = "hello\n"
	b := NewProgramBuilder()
	b.ADDI(SP, SP, -8)
	for i, c := range []byte(msg) {
		b.LI(S0, int64(c))
		b.SB(S0, int64(i), SP)
	}
	b.LI(A0, 1)
	b.MV(A1, SP)
	b.LI(A2, int64(len(msg)))
	b.LI(A7, sysWrite)
	b.ECALL()
	b.BNE(A0, A2, "fail")
	b.LI(A0, 0)
	b.LI(A7, sysExit)
	b.ECALL()
	if err := b.AddLabel("fail"); err != nil {
		panic(err)
	}
	b.LI(A0, -1)
	b.LI(A7, sysExit)
	b.ECALL()
	return MustBytes(b)
}

// Exit returns a program that exits immediately with code.
func Exit(code int64) []byte {
	b := NewProgramBuilder()
	b.LI(A0, code)
	b.LI(A7, sysExit)
	b.ECALL()
	return MustBytes(b)
}

// MustBytes resolves the program or panics.
func MustBytes(b *ProgramBuilder) []byte {
	out, err := b.Bytes()
	if err != nil {
		panic(err)
	}
	return out
}
