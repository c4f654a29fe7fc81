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

package mm

import (
	"gvisor.dev/rvsentry/pkg/hostarch"
	"gvisor.dev/rvsentry/pkg/ring0/pagetables"
)

// vma is a virtual memory area: a page-aligned range of user addresses with
// uniform permissions.
type vma struct {
	ar hostarch.AddrRange

	// perms are the permissions user code has on the range.
	perms hostarch.AccessType

	// populate is true if frames were allocated when the vma was mapped.
	populate bool

	// name describes the backing, e.g. "[stack]".
	name string
}

func vmaLess(a, b *vma) bool {
	return a.ar.Start < b.ar.Start
}

func (v *vma) pages() uint64 {
	return uint64(v.ar.Length()) / hostarch.PageSize
}

// opts returns the page table options for pages of v.
func (v *vma) opts() pagetables.MapOpts {
	return pagetables.MapOpts{AccessType: v.perms, User: true}
}

func (v *vma) permString() string {
	b := []byte("---p")
	if v.perms.Read {
		b[0] = 'r'
	}
	if v.perms.Write {
		b[1] = 'w'
	}
	if v.perms.Execute {
		b[2] = 'x'
	}
	return string(b)
}

// findVMALocked returns the vma containing addr, or nil.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) findVMALocked(addr hostarch.Addr) *vma {
	var found *vma
	mm.vmas.DescendLessOrEqual(&vma{ar: hostarch.AddrRange{Start: addr}}, func(v *vma) bool {
		if v.ar.Contains(addr) {
			found = v
		}
		return false
	})
	return found
}

// overlappingVMAsLocked returns the vmas that intersect ar, in address order.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) overlappingVMAsLocked(ar hostarch.AddrRange) []*vma {
	var vs []*vma
	if v := mm.findVMALocked(ar.Start); v != nil {
		vs = append(vs, v)
	}
	mm.vmas.AscendRange(&vma{ar: hostarch.AddrRange{Start: ar.Start + 1}}, &vma{ar: hostarch.AddrRange{Start: ar.End}}, func(v *vma) bool {
		vs = append(vs, v)
		return true
	})
	return vs
}

// checkAccessLocked returns true if every page of ar lies in a vma that
// permits at.
//
// Preconditions: mm.mu must be locked.
func (mm *MemoryManager) checkAccessLocked(ar hostarch.AddrRange, at hostarch.AccessType) bool {
	for addr := ar.Start; addr < ar.End; {
		v := mm.findVMALocked(addr)
		if v == nil || !v.perms.SupersetOf(at) {
			return false
		}
		addr = v.ar.End
	}
	return true
}
